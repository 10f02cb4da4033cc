// Package feedback binds binary human responses back to the originating run
// and content item via opaque tokens.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Answer is a binary feedback response.
type Answer string

const (
	AnswerYes Answer = "yes"
	AnswerNo  Answer = "no"
)

// Policy controls what happens when an answered token is answered again with
// a different value.
type Policy string

const (
	// PolicyOverwrite accepts the new answer, last write wins.
	PolicyOverwrite Policy = "overwrite"
	// PolicyReject refuses the new answer with ErrAlreadyAnswered.
	PolicyReject Policy = "reject"
)

// Errors surfaced to feedback callers. These are never retried internally.
var (
	ErrUnknownToken    = errors.New("unknown feedback token")
	ErrAlreadyAnswered = errors.New("feedback token already answered")
	ErrInvalidAnswer   = errors.New("feedback answer must be yes or no")
)

// Token is one minted feedback token and its answer state.
type Token struct {
	Token      string     `json:"token"`
	RunID      int64      `json:"run_id"`
	ItemIndex  int        `json:"item_index"`
	Answer     *string    `json:"answer,omitempty"`
	ReceivedAt *time.Time `json:"received_at,omitempty"`
}

// Store is the persistence contract for tokens and their answers.
type Store interface {
	// TokensForRun returns existing tokens for a run ordered by item index.
	TokensForRun(ctx context.Context, runID int64) ([]Token, error)
	// InsertTokens persists freshly minted tokens.
	InsertTokens(ctx context.Context, tokens []Token) error
	// GetToken returns a token by value, or nil when unknown.
	GetToken(ctx context.Context, token string) (*Token, error)
	// RecordAnswer sets the token's answer and received time.
	RecordAnswer(ctx context.Context, token string, answer string, receivedAt time.Time) error
	// MarkFeedbackReceived flags the parent run as having feedback.
	MarkFeedbackReceived(ctx context.Context, runID int64) error
}

// Linker mints tokens for completed results and accepts answers against them.
type Linker struct {
	store  Store
	policy Policy
}

// New creates a linker. An empty policy defaults to overwrite.
func New(store Store, policy Policy) *Linker {
	if policy == "" {
		policy = PolicyOverwrite
	}
	return &Linker{store: store, policy: policy}
}

// Register mints one unguessable token per content item and persists the
// token -> (run, item) mapping. Idempotent: if tokens already exist for the
// run they are reused, so a redelivered compose stage does not mint
// duplicates.
func (l *Linker) Register(ctx context.Context, runID int64, itemCount int) ([]string, error) {
	existing, err := l.store.TokensForRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens for run %d: %w", runID, err)
	}
	if len(existing) >= itemCount {
		tokens := make([]string, itemCount)
		for i := 0; i < itemCount; i++ {
			tokens[i] = existing[i].Token
		}
		return tokens, nil
	}

	minted := make([]Token, 0, itemCount-len(existing))
	tokens := make([]string, itemCount)
	for i := 0; i < itemCount; i++ {
		if i < len(existing) {
			tokens[i] = existing[i].Token
			continue
		}
		tokens[i] = uuid.NewString()
		minted = append(minted, Token{Token: tokens[i], RunID: runID, ItemIndex: i})
	}
	if err := l.store.InsertTokens(ctx, minted); err != nil {
		return nil, fmt.Errorf("failed to persist tokens for run %d: %w", runID, err)
	}
	return tokens, nil
}

// Accept records an answer for a token. Unknown tokens return
// ErrUnknownToken. Resubmitting the same answer is a no-op. A different
// answer is accepted (last write wins) or rejected per the configured
// policy. Accepting marks the parent run as having received feedback.
func (l *Linker) Accept(ctx context.Context, tokenValue string, answer Answer) error {
	if answer != AnswerYes && answer != AnswerNo {
		return ErrInvalidAnswer
	}

	token, err := l.store.GetToken(ctx, tokenValue)
	if err != nil {
		return fmt.Errorf("failed to look up token: %w", err)
	}
	if token == nil {
		return ErrUnknownToken
	}

	if token.Answer != nil {
		if *token.Answer == string(answer) {
			return nil
		}
		if l.policy == PolicyReject {
			return ErrAlreadyAnswered
		}
	}

	if err := l.store.RecordAnswer(ctx, tokenValue, string(answer), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record answer: %w", err)
	}
	if err := l.store.MarkFeedbackReceived(ctx, token.RunID); err != nil {
		return fmt.Errorf("failed to flag run %d feedback: %w", token.RunID, err)
	}
	return nil
}
