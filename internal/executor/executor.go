// Package executor runs the agent pipeline state machine for a single run:
// fetch -> evaluate -> compose -> send, with per-stage retry, failure
// classification, and lease-guarded persistence.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonathan/brandpulse/internal/compose"
	"github.com/jonathan/brandpulse/internal/types"
)

// Store is the run persistence contract the executor mutates runs through.
// All writes are versioned; a write that loses against a newer lease holder
// returns ErrStaleRun.
type Store interface {
	// ClaimRun acquires the worker lease on a run, returning ErrLeaseHeld if
	// another worker holds an unexpired lease and ErrRunNotFound for unknown ids.
	ClaimRun(ctx context.Context, id int64, workerID string, ttl time.Duration) (*types.Run, error)
	// ReleaseRun drops the lease without changing run state.
	ReleaseRun(ctx context.Context, run *types.Run) error
	// StartRun transitions a queued run to running at the fetch stage.
	StartRun(ctx context.Context, run *types.Run) error
	// SetStage advances the run to the given stage and resets its attempt count.
	SetStage(ctx context.Context, run *types.Run, stage string) error
	// RecordAttempt persists the attempt count for the active stage.
	RecordAttempt(ctx context.Context, run *types.Run, attempts int) error
	// CompleteRun records terminal success with the result payload.
	CompleteRun(ctx context.Context, run *types.Run, result *types.RunResult) error
	// FailRun records terminal failure. result is non-nil only for send-stage
	// failures, where the evaluated items are preserved alongside the error.
	FailRun(ctx context.Context, run *types.Run, result *types.RunResult, runErr *types.RunError) error
	// SaveStageOutput persists a stage's output so a crash-resumed delivery
	// can pick up at the recorded stage instead of restarting the pipeline.
	SaveStageOutput(ctx context.Context, runID int64, stage string, payload any) error
	// LoadStageOutput loads a previously saved stage output into out,
	// reporting whether one existed.
	LoadStageOutput(ctx context.Context, runID int64, stage string, out any) (bool, error)
}

// Fetcher is the external content-fetch capability.
type Fetcher interface {
	Fetch(ctx context.Context, target types.Target) ([]types.Page, error)
}

// Evaluator is the external scoring/summarization capability.
type Evaluator interface {
	Evaluate(ctx context.Context, page types.Page) (*types.Evaluation, error)
}

// Sender is the external mail-delivery capability.
type Sender interface {
	Send(ctx context.Context, msg *types.EmailMessage) error
}

// TokenMinter registers feedback tokens for a run's content items. Tokens are
// minted at the compose stage, before send is attempted, so a run that fails
// only at delivery still yields usable feedback links.
type TokenMinter interface {
	Register(ctx context.Context, runID int64, itemCount int) ([]string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ErrBadEvaluation marks an evaluation response that did not conform to the
// expected structure. Such failures are retried once per item, then the item
// is dropped from the result.
var ErrBadEvaluation = errors.New("evaluation response does not conform to schema")

// errEmptyResult marks a pipeline-logic failure after otherwise successful
// stages: zero items survived evaluation, so there is nothing to send.
var errEmptyResult = errors.New("empty result")

// Config holds executor tuning.
type Config struct {
	WorkerID         string
	Targets          []types.Target
	Retry            RetryPolicy
	StageTimeout     time.Duration
	LeaseTTL         time.Duration
	FetchConcurrency int
	SnippetLength    int
	Digest           compose.Options
}

// Executor advances runs through the pipeline.
type Executor struct {
	store     Store
	fetcher   Fetcher
	evaluator Evaluator
	sender    Sender
	linker    TokenMinter
	clock     Clock
	cfg       Config
}

// New creates an executor. A zero Retry policy is replaced with the default.
func New(store Store, fetcher Fetcher, evaluator Evaluator, sender Sender, linker TokenMinter, cfg Config) *Executor {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.StageTimeout == 0 {
		cfg.StageTimeout = 2 * time.Minute
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.FetchConcurrency == 0 {
		cfg.FetchConcurrency = 4
	}
	if cfg.SnippetLength == 0 {
		cfg.SnippetLength = 1000
	}
	return &Executor{
		store:     store,
		fetcher:   fetcher,
		evaluator: evaluator,
		sender:    sender,
		linker:    linker,
		clock:     systemClock{},
		cfg:       cfg,
	}
}

// WithClock replaces the executor's clock. Intended for tests.
func (e *Executor) WithClock(c Clock) *Executor {
	e.clock = c
	return e
}

// pipelineState carries stage outputs through one execution.
type pipelineState struct {
	pages []types.Page
	meta  types.RunMeta
	items []types.ContentItem
	msg   *types.EmailMessage
}

func (s *pipelineState) result() *types.RunResult {
	return &types.RunResult{Items: s.items, Meta: s.meta}
}

// Stage outputs persisted between stages for crash resumption.
type fetchOutput struct {
	Pages []types.Page  `json:"pages"`
	Meta  types.RunMeta `json:"meta"`
}

type evaluateOutput struct {
	Items []types.ContentItem `json:"items"`
	Meta  types.RunMeta       `json:"meta"`
}

type composeOutput struct {
	Items   []types.ContentItem `json:"items"`
	Meta    types.RunMeta       `json:"meta"`
	Message *types.EmailMessage `json:"message"`
}

// infraError wraps store failures so they surface as execution errors
// (nack, redeliver) instead of being recorded as run failures.
type infraError struct {
	err error
}

func (e *infraError) Error() string { return e.err.Error() }
func (e *infraError) Unwrap() error { return e.err }

func stageIndex(stage string) int {
	for i, s := range types.StageOrder {
		if s == stage {
			return i
		}
	}
	return 0
}

// Execute claims the run referenced by a delivered job and advances it to a
// terminal state. Redelivery of a terminal run is a no-op. Redelivery of a
// running run with an expired lease resumes at the recorded stage.
func (e *Executor) Execute(ctx context.Context, runID int64) error {
	run, err := e.store.ClaimRun(ctx, runID, e.cfg.WorkerID, e.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := e.store.ReleaseRun(context.WithoutCancel(ctx), run); rerr != nil {
			log.Printf("run %d: failed to release lease: %v", run.ID, rerr)
		}
	}()

	if types.IsTerminalStatus(run.Status) {
		log.Printf("run %d: already %s, ignoring redelivery", run.ID, run.Status)
		return nil
	}

	if run.Status == types.RunStatusQueued {
		if err := e.store.StartRun(ctx, run); err != nil {
			return fmt.Errorf("failed to start run %d: %w", run.ID, err)
		}
	}

	state, err := e.restore(ctx, run)
	if err != nil {
		return err
	}

	for idx := stageIndex(run.Stage); idx < len(types.StageOrder); idx++ {
		stage := types.StageOrder[idx]
		if run.Stage != stage {
			if err := e.store.SetStage(ctx, run, stage); err != nil {
				return fmt.Errorf("failed to advance run %d to %s: %w", run.ID, stage, err)
			}
		}
		log.Printf("run %d: stage %s", run.ID, stage)

		var stageErr error
		switch stage {
		case types.StageFetch:
			stageErr = e.fetchStage(ctx, run, state)
		case types.StageEvaluate:
			stageErr = e.evaluateStage(ctx, run, state)
		case types.StageCompose:
			stageErr = e.composeStage(ctx, run, state)
		case types.StageSend:
			stageErr = e.sendStage(ctx, run, state)
		}

		if stageErr != nil {
			var inf *infraError
			if errors.As(stageErr, &inf) {
				return inf.err
			}
			return e.failRun(ctx, run, state, stageErr)
		}

		if err := e.saveStageOutput(ctx, run.ID, stage, state); err != nil {
			return err
		}
	}

	if err := e.store.CompleteRun(ctx, run, state.result()); err != nil {
		return fmt.Errorf("failed to complete run %d: %w", run.ID, err)
	}
	log.Printf("run %d: completed with %d items", run.ID, len(state.items))
	return nil
}

// restore reloads persisted stage outputs when resuming a running run past
// the fetch stage. A missing output (the stage never finished persisting)
// rewinds the run to the earliest stage whose output is absent.
func (e *Executor) restore(ctx context.Context, run *types.Run) (*pipelineState, error) {
	state := &pipelineState{}
	idx := stageIndex(run.Stage)

	if idx >= stageIndex(types.StageEvaluate) {
		var out fetchOutput
		ok, err := e.store.LoadStageOutput(ctx, run.ID, types.StageFetch, &out)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Printf("run %d: no fetch output on resume, restarting at fetch", run.ID)
			return state, e.store.SetStage(ctx, run, types.StageFetch)
		}
		state.pages, state.meta = out.Pages, out.Meta
	}

	if idx >= stageIndex(types.StageCompose) {
		var out evaluateOutput
		ok, err := e.store.LoadStageOutput(ctx, run.ID, types.StageEvaluate, &out)
		if err != nil {
			return nil, err
		}
		if !ok {
			return state, e.store.SetStage(ctx, run, types.StageEvaluate)
		}
		state.items, state.meta = out.Items, out.Meta
	}

	if idx >= stageIndex(types.StageSend) {
		var out composeOutput
		ok, err := e.store.LoadStageOutput(ctx, run.ID, types.StageCompose, &out)
		if err != nil {
			return nil, err
		}
		if !ok {
			return state, e.store.SetStage(ctx, run, types.StageCompose)
		}
		state.items, state.meta, state.msg = out.Items, out.Meta, out.Message
	}

	return state, nil
}

func (e *Executor) saveStageOutput(ctx context.Context, runID int64, stage string, state *pipelineState) error {
	var payload any
	switch stage {
	case types.StageFetch:
		payload = fetchOutput{Pages: state.pages, Meta: state.meta}
	case types.StageEvaluate:
		payload = evaluateOutput{Items: state.items, Meta: state.meta}
	case types.StageCompose:
		payload = composeOutput{Items: state.items, Meta: state.meta, Message: state.msg}
	default:
		return nil
	}
	if err := e.store.SaveStageOutput(ctx, runID, stage, payload); err != nil {
		return fmt.Errorf("failed to save %s output for run %d: %w", stage, runID, err)
	}
	return nil
}

// runAttempts executes fn under the stage retry policy. The attempt count is
// persisted before every attempt so a crash mid-retry resumes counting
// rather than resetting. Terminal failures skip remaining retries.
func (e *Executor) runAttempts(ctx context.Context, run *types.Run, fn func(context.Context) error) error {
	attempts := run.AttemptCount
	for {
		attempts++
		if err := e.store.RecordAttempt(ctx, run, attempts); err != nil {
			return &infraError{err: fmt.Errorf("failed to record attempt for run %d: %w", run.ID, err)}
		}

		actx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
		err := fn(actx)
		cancel()
		if err == nil {
			return nil
		}
		if ClassOf(err) == ClassTerminal {
			return err
		}
		if attempts >= e.cfg.Retry.MaxAttempts {
			return err
		}

		delay := e.cfg.Retry.Backoff(attempts)
		log.Printf("run %d: stage %s attempt %d/%d failed, retrying in %s: %v",
			run.ID, run.Stage, attempts, e.cfg.Retry.MaxAttempts, delay, err)
		if serr := sleep(ctx, delay); serr != nil {
			return &infraError{err: serr}
		}
	}
}

// failRun records terminal failure with the classified error. Send-stage
// failures keep the result payload: the evaluation work is not discarded
// just because delivery failed.
func (e *Executor) failRun(ctx context.Context, run *types.Run, state *pipelineState, err error) error {
	kind := types.ErrKindRetryExhausted
	switch {
	case errors.Is(err, errEmptyResult):
		kind = types.ErrKindEmptyResult
	case ClassOf(err) == ClassTerminal:
		kind = types.ErrKindTerminal
	}

	runErr := &types.RunError{Stage: run.Stage, Kind: kind, Message: err.Error()}
	var result *types.RunResult
	if run.Stage == types.StageSend {
		result = state.result()
	}
	if ferr := e.store.FailRun(ctx, run, result, runErr); ferr != nil {
		return fmt.Errorf("failed to record failure for run %d: %w", run.ID, ferr)
	}
	log.Printf("run %d: failed at stage %s (%s): %v", run.ID, run.Stage, kind, err)
	return nil
}

// fetchStage fetches all configured targets in parallel. Partial success is
// allowed: the stage succeeds when at least one target yields content, and
// per-target failures are recorded in the run metadata.
func (e *Executor) fetchStage(ctx context.Context, run *types.Run, state *pipelineState) error {
	return e.runAttempts(ctx, run, func(ctx context.Context) error {
		pages, meta, err := e.fetchAll(ctx)
		if err != nil {
			return err
		}
		state.pages, state.meta = pages, meta
		return nil
	})
}

func (e *Executor) fetchAll(ctx context.Context) ([]types.Page, types.RunMeta, error) {
	if len(e.cfg.Targets) == 0 {
		return nil, types.RunMeta{}, Terminal(errors.New("no search targets configured"))
	}

	var (
		mu          sync.Mutex
		pages       []types.Page
		meta        types.RunMeta
		allTerminal = true
	)
	for _, t := range e.cfg.Targets {
		meta.SearchTerms = append(meta.SearchTerms, t.Query)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.FetchConcurrency)
	for _, target := range e.cfg.Targets {
		target := target
		g.Go(func() error {
			fetched, err := e.fetcher.Fetch(gctx, target)
			mu.Lock()
			defer mu.Unlock()
			meta.SearchTimes = append(meta.SearchTimes, e.clock.Now().UTC())
			if err != nil {
				if ClassOf(err) != ClassTerminal {
					allTerminal = false
				}
				meta.FetchFailures = append(meta.FetchFailures, types.TargetFailure{
					Target: target.Query,
					Reason: err.Error(),
				})
				return nil
			}
			for i := range fetched {
				fetched[i].TaskType = target.TaskType
			}
			pages = append(pages, fetched...)
			return nil
		})
	}
	_ = g.Wait()

	if len(pages) == 0 {
		err := fmt.Errorf("all %d fetch targets failed", len(e.cfg.Targets))
		if allTerminal {
			return nil, meta, Terminal(err)
		}
		return nil, meta, Transient(err)
	}
	return pages, meta, nil
}

// evaluateStage evaluates each fetched page. Attempt accounting is per
// stage: entering the stage persists one attempt, and item-level retries
// stay in memory (a non-conforming response gets one extra try and the item
// is then dropped; other transient failures use the stage retry budget per
// item). A crash mid-pass redoes the whole pass under the next persisted
// attempt. The stage fails only when zero items evaluate successfully.
func (e *Executor) evaluateStage(ctx context.Context, run *types.Run, state *pipelineState) error {
	if err := e.store.RecordAttempt(ctx, run, run.AttemptCount+1); err != nil {
		return &infraError{err: fmt.Errorf("failed to record attempt for run %d: %w", run.ID, err)}
	}

	var items []types.ContentItem
	for _, page := range state.pages {
		ev, err := e.evaluateItem(ctx, page)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return &infraError{err: cerr}
			}
			log.Printf("run %d: dropping item %s: %v", run.ID, page.URL, err)
			continue
		}
		items = append(items, types.ContentItem{
			SourceURL:  page.URL,
			Snippet:    page.Snippet(e.cfg.SnippetLength),
			TaskType:   page.TaskType,
			Evaluation: *ev,
		})
	}

	if len(items) == 0 {
		return Terminal(fmt.Errorf("%w: no items evaluated successfully", errEmptyResult))
	}
	state.items = items
	return nil
}

func (e *Executor) evaluateItem(ctx context.Context, page types.Page) (*types.Evaluation, error) {
	badResponses := 0
	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
		ev, err := e.evaluator.Evaluate(actx, page)
		cancel()
		if err == nil {
			return ev, nil
		}
		if errors.Is(err, ErrBadEvaluation) {
			badResponses++
			if badResponses >= 2 {
				return nil, err
			}
		} else if ClassOf(err) == ClassTerminal {
			return nil, err
		} else if attempt >= e.cfg.Retry.MaxAttempts {
			return nil, err
		}
		if serr := sleep(ctx, e.cfg.Retry.Backoff(attempt)); serr != nil {
			return nil, serr
		}
	}
}

// composeStage mints feedback tokens for the surviving items and builds the
// digest message. Composition itself is pure; minting is idempotent per run,
// so a redelivered compose stage reuses the already-registered tokens.
func (e *Executor) composeStage(ctx context.Context, run *types.Run, state *pipelineState) error {
	return e.runAttempts(ctx, run, func(ctx context.Context) error {
		tokens, err := e.linker.Register(ctx, run.ID, len(state.items))
		if err != nil {
			return fmt.Errorf("failed to register feedback tokens: %w", err)
		}
		for i := range state.items {
			state.items[i].FeedbackToken = tokens[i]
		}

		msg, err := compose.BuildDigest(run.ID, state.items, state.meta, e.cfg.Digest)
		if err != nil {
			if errors.Is(err, compose.ErrEmptyDigest) {
				return Terminal(fmt.Errorf("%w: %v", errEmptyResult, err))
			}
			return Terminal(err)
		}
		state.msg = msg
		return nil
	})
}

func (e *Executor) sendStage(ctx context.Context, run *types.Run, state *pipelineState) error {
	return e.runAttempts(ctx, run, func(ctx context.Context) error {
		return e.sender.Send(ctx, state.msg)
	})
}
