package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jonathan/brandpulse/internal/types"
)

const runColumns = `id, status, stage, attempt_count, window_key, started_at,
	completed_at, result, error, feedback_received, version, claimed_by, lease_expires_at`

// scanRun scans one agent_runs row into a types.Run.
func scanRun(row pgx.Row) (*types.Run, error) {
	var (
		run        types.Run
		resultJSON []byte
		errorJSON  []byte
	)
	err := row.Scan(&run.ID, &run.Status, &run.Stage, &run.AttemptCount, &run.WindowKey,
		&run.StartedAt, &run.CompletedAt, &resultJSON, &errorJSON,
		&run.FeedbackReceived, &run.Version, &run.ClaimedBy, &run.LeaseExpiresAt)
	if err != nil {
		return nil, err
	}
	if len(resultJSON) > 0 {
		run.Result = &types.RunResult{}
		if err := json.Unmarshal(resultJSON, run.Result); err != nil {
			return nil, fmt.Errorf("failed to decode run result: %w", err)
		}
	}
	if len(errorJSON) > 0 {
		run.Error = &types.RunError{}
		if err := json.Unmarshal(errorJSON, run.Error); err != nil {
			return nil, fmt.Errorf("failed to decode run error: %w", err)
		}
	}
	return &run, nil
}

// CreateRun inserts a new run in queued status. Run ids are monotonically
// assigned by the database. When a queued or running run already holds the
// same non-empty window key, the partial unique index rejects the insert and
// CreateRun returns types.ErrDuplicateWindow.
func (db *DB) CreateRun(ctx context.Context, windowKey string) (*types.Run, error) {
	row := db.pool.QueryRow(ctx,
		`INSERT INTO agent_runs (status, stage, window_key)
		 VALUES ($1, $2, $3)
		 RETURNING `+runColumns,
		types.RunStatusQueued, types.StageNone, windowKey,
	)
	run, err := scanRun(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, types.ErrDuplicateWindow
		}
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by id, or nil when it does not exist.
func (db *DB) GetRun(ctx context.Context, id int64) (*types.Run, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves recent runs, newest first.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]types.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM agent_runs ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []types.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// FindActiveRunByWindow returns the queued or running run for a window key,
// or nil when none exists.
func (db *DB) FindActiveRunByWindow(ctx context.Context, windowKey string) (*types.Run, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM agent_runs
		 WHERE window_key = $1 AND status IN ($2, $3)
		 ORDER BY id DESC LIMIT 1`,
		windowKey, types.RunStatusQueued, types.RunStatusRunning)
	run, err := scanRun(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find run by window: %w", err)
	}
	return run, nil
}

// ListStaleQueued returns queued runs started before the cutoff.
func (db *DB) ListStaleQueued(ctx context.Context, cutoff time.Time) ([]types.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM agent_runs
		 WHERE status = $1 AND started_at < $2
		 ORDER BY id`,
		types.RunStatusQueued, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale queued runs: %w", err)
	}
	defer rows.Close()

	var runs []types.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// ClaimRun acquires the worker lease on a run. The lease is the mutual
// exclusion primitive for run mutation: a second delivery of the same job
// while a live lease exists gets types.ErrLeaseHeld.
func (db *DB) ClaimRun(ctx context.Context, id int64, workerID string, ttl time.Duration) (*types.Run, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE agent_runs
		 SET claimed_by = $2,
		     lease_expires_at = NOW() + make_interval(secs => $3),
		     version = version + 1
		 WHERE id = $1
		   AND (claimed_by IS NULL OR claimed_by = $2 OR lease_expires_at < NOW())
		 RETURNING `+runColumns,
		id, workerID, ttl.Seconds())
	run, err := scanRun(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			existing, gerr := db.GetRun(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			if existing == nil {
				return nil, types.ErrRunNotFound
			}
			return nil, types.ErrLeaseHeld
		}
		return nil, fmt.Errorf("failed to claim run %d: %w", id, err)
	}
	return run, nil
}

// ReleaseRun drops the lease if this worker still holds it.
func (db *DB) ReleaseRun(ctx context.Context, run *types.Run) error {
	claimedBy := ""
	if run.ClaimedBy != nil {
		claimedBy = *run.ClaimedBy
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE agent_runs
		 SET claimed_by = NULL, lease_expires_at = NULL, version = version + 1
		 WHERE id = $1 AND claimed_by = $2`,
		run.ID, claimedBy)
	if err != nil {
		return fmt.Errorf("failed to release run %d: %w", run.ID, err)
	}
	return nil
}

// mutateRun applies a versioned update and refreshes the run's version.
// Losing the version check means a newer lease holder progressed the run.
func (db *DB) mutateRun(ctx context.Context, run *types.Run, setClause string, args ...any) error {
	query := fmt.Sprintf(
		`UPDATE agent_runs SET %s, version = version + 1
		 WHERE id = $1 AND version = $2
		 RETURNING version`, setClause)
	allArgs := append([]any{run.ID, run.Version}, args...)
	err := db.pool.QueryRow(ctx, query, allArgs...).Scan(&run.Version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return types.ErrStaleRun
		}
		return err
	}
	return nil
}

// StartRun transitions a queued run to running at the fetch stage.
func (db *DB) StartRun(ctx context.Context, run *types.Run) error {
	if err := db.mutateRun(ctx, run,
		`status = $3, stage = $4, attempt_count = 0`,
		types.RunStatusRunning, types.StageFetch); err != nil {
		return fmt.Errorf("failed to start run %d: %w", run.ID, err)
	}
	run.Status = types.RunStatusRunning
	run.Stage = types.StageFetch
	run.AttemptCount = 0
	return nil
}

// SetStage advances the run to a stage, resetting its attempt count.
func (db *DB) SetStage(ctx context.Context, run *types.Run, stage string) error {
	if err := db.mutateRun(ctx, run,
		`stage = $3, attempt_count = 0`, stage); err != nil {
		return fmt.Errorf("failed to set run %d stage to %s: %w", run.ID, stage, err)
	}
	run.Stage = stage
	run.AttemptCount = 0
	return nil
}

// RecordAttempt persists the attempt count for the active stage.
func (db *DB) RecordAttempt(ctx context.Context, run *types.Run, attempts int) error {
	if err := db.mutateRun(ctx, run,
		`attempt_count = $3`, attempts); err != nil {
		return fmt.Errorf("failed to record attempt for run %d: %w", run.ID, err)
	}
	run.AttemptCount = attempts
	return nil
}

// CompleteRun records terminal success with the result payload.
func (db *DB) CompleteRun(ctx context.Context, run *types.Run, result *types.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal run result: %w", err)
	}
	if err := db.mutateRun(ctx, run,
		`status = $3, result = $4, completed_at = NOW()`,
		types.RunStatusCompleted, resultJSON); err != nil {
		return fmt.Errorf("failed to complete run %d: %w", run.ID, err)
	}
	run.Status = types.RunStatusCompleted
	run.Result = result
	return nil
}

// FailRun records terminal failure. result is non-nil only for send-stage
// failures, where the evaluated items are preserved alongside the error.
func (db *DB) FailRun(ctx context.Context, run *types.Run, result *types.RunResult, runErr *types.RunError) error {
	errJSON, err := json.Marshal(runErr)
	if err != nil {
		return fmt.Errorf("failed to marshal run error: %w", err)
	}
	var resultJSON []byte
	if result != nil {
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal run result: %w", err)
		}
	}
	if err := db.mutateRun(ctx, run,
		`status = $3, error = $4, result = COALESCE($5, result), completed_at = NOW()`,
		types.RunStatusFailed, errJSON, resultJSON); err != nil {
		return fmt.Errorf("failed to fail run %d: %w", run.ID, err)
	}
	run.Status = types.RunStatusFailed
	run.Error = runErr
	if result != nil {
		run.Result = result
	}
	return nil
}

// MarkFeedbackReceived flags a run as having received feedback. Not
// versioned: the flag is owned by the feedback linker, not the executor.
func (db *DB) MarkFeedbackReceived(ctx context.Context, runID int64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE agent_runs SET feedback_received = TRUE WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("failed to mark feedback on run %d: %w", runID, err)
	}
	return nil
}
