package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/brandpulse/internal/feedback"
)

// TokensForRun returns the feedback tokens minted for a run, ordered by
// item index.
func (db *DB) TokensForRun(ctx context.Context, runID int64) ([]feedback.Token, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT token, run_id, item_index, answer, received_at
		 FROM feedback_tokens WHERE run_id = $1 ORDER BY item_index`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens for run %d: %w", runID, err)
	}
	defer rows.Close()

	var tokens []feedback.Token
	for rows.Next() {
		var t feedback.Token
		if err := rows.Scan(&t.Token, &t.RunID, &t.ItemIndex, &t.Answer, &t.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

// InsertTokens persists freshly minted tokens.
func (db *DB) InsertTokens(ctx context.Context, tokens []feedback.Token) error {
	for _, t := range tokens {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO feedback_tokens (token, run_id, item_index)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (token) DO NOTHING`,
			t.Token, t.RunID, t.ItemIndex)
		if err != nil {
			return fmt.Errorf("failed to insert token for run %d: %w", t.RunID, err)
		}
	}
	return nil
}

// GetToken returns a token by value, or nil when unknown.
func (db *DB) GetToken(ctx context.Context, token string) (*feedback.Token, error) {
	var t feedback.Token
	err := db.pool.QueryRow(ctx,
		`SELECT token, run_id, item_index, answer, received_at
		 FROM feedback_tokens WHERE token = $1`,
		token).Scan(&t.Token, &t.RunID, &t.ItemIndex, &t.Answer, &t.ReceivedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return &t, nil
}

// RecordAnswer sets a token's answer and received time.
func (db *DB) RecordAnswer(ctx context.Context, token string, answer string, receivedAt time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE feedback_tokens SET answer = $2, received_at = $3 WHERE token = $1`,
		token, answer, receivedAt)
	if err != nil {
		return fmt.Errorf("failed to record answer: %w", err)
	}
	return nil
}
