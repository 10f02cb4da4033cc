package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SaveStageOutput stores a stage's output payload for a run, replacing any
// previous payload for the same stage. Stage outputs let a crash-resumed
// delivery pick up at the recorded stage instead of restarting the pipeline.
func (db *DB) SaveStageOutput(ctx context.Context, runID int64, stage string, payload any) error {
	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s output: %w", stage, err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO run_stage_outputs (run_id, stage, content)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (run_id, stage) DO UPDATE SET content = $3, created_at = NOW()`,
		runID, stage, jsonBytes,
	)
	if err != nil {
		return fmt.Errorf("failed to save %s output: %w", stage, err)
	}
	return nil
}

// LoadStageOutput loads a stage output into out, reporting whether one
// existed.
func (db *DB) LoadStageOutput(ctx context.Context, runID int64, stage string, out any) (bool, error) {
	var content []byte
	err := db.pool.QueryRow(ctx,
		`SELECT content FROM run_stage_outputs WHERE run_id = $1 AND stage = $2`,
		runID, stage,
	).Scan(&content)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to load %s output: %w", stage, err)
	}
	if err := json.Unmarshal(content, out); err != nil {
		return false, fmt.Errorf("failed to decode %s output: %w", stage, err)
	}
	return true, nil
}
