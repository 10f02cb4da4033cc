package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/brandpulse/internal/compose"
	"github.com/jonathan/brandpulse/internal/types"
)

// fakeStore is an in-memory Store that mirrors the database semantics the
// executor relies on.
type fakeStore struct {
	mu       sync.Mutex
	runs     map[int64]*types.Run
	outputs  map[string][]byte
	attempts map[string][]int
	claimErr error
	saveErr  error

	startCalls    int
	releaseCalls  int
	completeCalls int
	failCalls     int
}

func newFakeStore(runs ...*types.Run) *fakeStore {
	s := &fakeStore{
		runs:     make(map[int64]*types.Run),
		outputs:  make(map[string][]byte),
		attempts: make(map[string][]int),
	}
	for _, r := range runs {
		s.runs[r.ID] = r
	}
	return s
}

func (s *fakeStore) outputKey(runID int64, stage string) string {
	return fmt.Sprintf("%d/%s", runID, stage)
}

func (s *fakeStore) ClaimRun(_ context.Context, id int64, workerID string, _ time.Duration) (*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	stored, ok := s.runs[id]
	if !ok {
		return nil, types.ErrRunNotFound
	}
	stored.ClaimedBy = &workerID
	claimed := *stored
	return &claimed, nil
}

func (s *fakeStore) ReleaseRun(_ context.Context, run *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseCalls++
	if stored, ok := s.runs[run.ID]; ok {
		stored.ClaimedBy = nil
	}
	return nil
}

func (s *fakeStore) StartRun(_ context.Context, run *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls++
	stored := s.runs[run.ID]
	stored.Status = types.RunStatusRunning
	stored.Stage = types.StageFetch
	stored.AttemptCount = 0
	run.Status = types.RunStatusRunning
	run.Stage = types.StageFetch
	run.AttemptCount = 0
	return nil
}

func (s *fakeStore) SetStage(_ context.Context, run *types.Run, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.runs[run.ID]
	stored.Stage = stage
	stored.AttemptCount = 0
	run.Stage = stage
	run.AttemptCount = 0
	return nil
}

func (s *fakeStore) RecordAttempt(_ context.Context, run *types.Run, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.runs[run.ID]
	stored.AttemptCount = attempts
	run.AttemptCount = attempts
	s.attempts[run.Stage] = append(s.attempts[run.Stage], attempts)
	return nil
}

func (s *fakeStore) stageAttempts(stage string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[stage]
}

func (s *fakeStore) CompleteRun(_ context.Context, run *types.Run, result *types.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeCalls++
	stored := s.runs[run.ID]
	stored.Status = types.RunStatusCompleted
	stored.Result = result
	now := time.Now()
	stored.CompletedAt = &now
	run.Status = types.RunStatusCompleted
	run.Result = result
	return nil
}

func (s *fakeStore) FailRun(_ context.Context, run *types.Run, result *types.RunResult, runErr *types.RunError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCalls++
	stored := s.runs[run.ID]
	stored.Status = types.RunStatusFailed
	stored.Error = runErr
	if result != nil {
		stored.Result = result
	}
	now := time.Now()
	stored.CompletedAt = &now
	run.Status = types.RunStatusFailed
	run.Error = runErr
	return nil
}

func (s *fakeStore) SaveStageOutput(_ context.Context, runID int64, stage string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.outputs[s.outputKey(runID, stage)] = data
	return nil
}

func (s *fakeStore) LoadStageOutput(_ context.Context, runID int64, stage string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.outputs[s.outputKey(runID, stage)]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, out)
}

func (s *fakeStore) run(id int64) types.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.runs[id]
}

type fakeFetcher struct {
	mu    sync.Mutex
	fn    func(target types.Target) ([]types.Page, error)
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, target types.Target) ([]types.Page, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(target)
}

type fakeEvaluator struct {
	mu    sync.Mutex
	fn    func(page types.Page) (*types.Evaluation, error)
	calls map[string]int
}

func (f *fakeEvaluator) Evaluate(_ context.Context, page types.Page) (*types.Evaluation, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[page.URL]++
	f.mu.Unlock()
	return f.fn(page)
}

type fakeSender struct {
	mu   sync.Mutex
	err  error
	sent []*types.EmailMessage
}

func (f *fakeSender) Send(_ context.Context, msg *types.EmailMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeLinker struct{}

func (fakeLinker) Register(_ context.Context, runID int64, itemCount int) ([]string, error) {
	tokens := make([]string, itemCount)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("tok-%d-%d", runID, i)
	}
	return tokens, nil
}

func goodEvaluation() *types.Evaluation {
	return &types.Evaluation{
		Categories:     []string{"news"},
		Sentiment:      "positive",
		Summary:        "A short summary.",
		RelevanceScore: 0.9,
	}
}

func queuedRun(id int64) *types.Run {
	return &types.Run{
		ID:        id,
		Status:    types.RunStatusQueued,
		Stage:     types.StageNone,
		StartedAt: time.Now(),
	}
}

func testConfig(targets ...types.Target) Config {
	return Config{
		WorkerID: "worker-test",
		Targets:  targets,
		Retry: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     4 * time.Millisecond,
		},
		Digest: compose.Options{
			BaseURL:    "http://localhost:8080",
			BrandName:  "Acme",
			BrandTerms: []string{"acme"},
		},
	}
}

func twoTargets() []types.Target {
	return []types.Target{
		{Query: "acme news", TaskType: types.TaskBrandHealth},
		{Query: "pizza trends", TaskType: types.TaskMarketIntelligence},
	}
}

func TestExecute_SuccessfulRun(t *testing.T) {
	store := newFakeStore(queuedRun(1))
	fetcher := &fakeFetcher{fn: func(target types.Target) ([]types.Page, error) {
		return []types.Page{{URL: "https://example.com/" + target.Query, Text: "acme did a thing"}}, nil
	}}
	evaluator := &fakeEvaluator{fn: func(types.Page) (*types.Evaluation, error) {
		return goodEvaluation(), nil
	}}
	sender := &fakeSender{}

	exec := New(store, fetcher, evaluator, sender, fakeLinker{}, testConfig(twoTargets()...))
	require.NoError(t, exec.Execute(context.Background(), 1))

	run := store.run(1)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assert.Nil(t, run.Error)
	require.NotNil(t, run.Result)
	require.Len(t, run.Result.Items, 2)
	assert.Equal(t, "tok-1-0", run.Result.Items[0].FeedbackToken)
	assert.Equal(t, "tok-1-1", run.Result.Items[1].FeedbackToken)
	assert.ElementsMatch(t, []string{"acme news", "pizza trends"}, run.Result.Meta.SearchTerms)
	assert.Empty(t, run.Result.Meta.FetchFailures)

	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0].Subject, "Run 1")
	assert.Equal(t, 1, store.releaseCalls)
}

func TestExecute_TerminalRunRedeliveryIsNoOp(t *testing.T) {
	run := queuedRun(2)
	run.Status = types.RunStatusCompleted
	store := newFakeStore(run)
	fetcher := &fakeFetcher{fn: func(types.Target) ([]types.Page, error) {
		t.Fatal("fetch must not run for a terminal run")
		return nil, nil
	}}

	exec := New(store, fetcher, &fakeEvaluator{}, &fakeSender{}, fakeLinker{}, testConfig(twoTargets()...))
	require.NoError(t, exec.Execute(context.Background(), 2))

	assert.Equal(t, 0, store.startCalls)
	assert.Equal(t, 0, store.completeCalls)
	assert.Equal(t, 0, store.failCalls)
	assert.Equal(t, 0, fetcher.calls)
}

func TestExecute_LeaseHeld(t *testing.T) {
	store := newFakeStore()
	store.claimErr = types.ErrLeaseHeld

	exec := New(store, &fakeFetcher{}, &fakeEvaluator{}, &fakeSender{}, fakeLinker{}, testConfig(twoTargets()...))
	err := exec.Execute(context.Background(), 3)
	assert.ErrorIs(t, err, types.ErrLeaseHeld)
}

func TestExecute_RunNotFound(t *testing.T) {
	store := newFakeStore()

	exec := New(store, &fakeFetcher{}, &fakeEvaluator{}, &fakeSender{}, fakeLinker{}, testConfig(twoTargets()...))
	err := exec.Execute(context.Background(), 99)
	assert.ErrorIs(t, err, types.ErrRunNotFound)
}

func TestExecute_FetchTransientExhaustion(t *testing.T) {
	store := newFakeStore(queuedRun(4))
	fetcher := &fakeFetcher{fn: func(types.Target) ([]types.Page, error) {
		return nil, Transient(errors.New("connection reset"))
	}}

	exec := New(store, fetcher, &fakeEvaluator{}, &fakeSender{}, fakeLinker{}, testConfig(twoTargets()...))
	require.NoError(t, exec.Execute(context.Background(), 4))

	run := store.run(4)
	assert.Equal(t, types.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, types.StageFetch, run.Error.Stage)
	assert.Equal(t, types.ErrKindRetryExhausted, run.Error.Kind)
	assert.Nil(t, run.Result)
	assert.Equal(t, 3, run.AttemptCount)
}

func TestExecute_FetchAllTerminalFailsImmediately(t *testing.T) {
	store := newFakeStore(queuedRun(5))
	fetcher := &fakeFetcher{fn: func(types.Target) ([]types.Page, error) {
		return nil, Terminal(errors.New("410 gone"))
	}}

	exec := New(store, fetcher, &fakeEvaluator{}, &fakeSender{}, fakeLinker{}, testConfig(twoTargets()...))
	require.NoError(t, exec.Execute(context.Background(), 5))

	run := store.run(5)
	assert.Equal(t, types.RunStatusFailed, run.Status)
	assert.Equal(t, types.ErrKindTerminal, run.Error.Kind)
	assert.Equal(t, 1, run.AttemptCount)
	assert.Equal(t, 2, fetcher.calls)
}

func TestExecute_FetchPartialSuccess(t *testing.T) {
	store := newFakeStore(queuedRun(6))
	fetcher := &fakeFetcher{fn: func(target types.Target) ([]types.Page, error) {
		if target.Query == "pizza trends" {
			return nil, Transient(errors.New("timeout"))
		}
		return []types.Page{{URL: "https://example.com/a", Text: "acme content"}}, nil
	}}
	evaluator := &fakeEvaluator{fn: func(types.Page) (*types.Evaluation, error) {
		return goodEvaluation(), nil
	}}
	sender := &fakeSender{}

	exec := New(store, fetcher, evaluator, sender, fakeLinker{}, testConfig(twoTargets()...))
	require.NoError(t, exec.Execute(context.Background(), 6))

	run := store.run(6)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	require.NotNil(t, run.Result)
	assert.Len(t, run.Result.Items, 1)
	require.Len(t, run.Result.Meta.FetchFailures, 1)
	assert.Equal(t, "pizza trends", run.Result.Meta.FetchFailures[0].Target)
}

func TestExecute_EvaluateZeroSurvivorsIsEmptyResult(t *testing.T) {
	store := newFakeStore(queuedRun(7))
	fetcher := &fakeFetcher{fn: func(types.Target) ([]types.Page, error) {
		return []types.Page{{URL: "https://example.com/a", Text: "content"}}, nil
	}}
	evaluator := &fakeEvaluator{fn: func(types.Page) (*types.Evaluation, error) {
		return nil, Terminal(errors.New("blocked by provider"))
	}}

	exec := New(store, fetcher, evaluator, &fakeSender{}, fakeLinker{}, testConfig(twoTargets()...))
	require.NoError(t, exec.Execute(context.Background(), 7))

	run := store.run(7)
	assert.Equal(t, types.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, types.StageEvaluate, run.Error.Stage)
	assert.Equal(t, types.ErrKindEmptyResult, run.Error.Kind)
	assert.Nil(t, run.Result)
}

func TestExecute_BadEvaluationRetriedOnceThenDropped(t *testing.T) {
	store := newFakeStore(queuedRun(8))
	fetcher := &fakeFetcher{fn: func(target types.Target) ([]types.Page, error) {
		if target.Query == "acme news" {
			return []types.Page{{URL: "https://example.com/bad", Text: "garbled"}}, nil
		}
		return []types.Page{{URL: "https://example.com/good", Text: "fine"}}, nil
	}}
	evaluator := &fakeEvaluator{fn: func(page types.Page) (*types.Evaluation, error) {
		if page.URL == "https://example.com/bad" {
			return nil, fmt.Errorf("%w: missing summary", ErrBadEvaluation)
		}
		return goodEvaluation(), nil
	}}
	sender := &fakeSender{}

	exec := New(store, fetcher, evaluator, sender, fakeLinker{}, testConfig(twoTargets()...))
	require.NoError(t, exec.Execute(context.Background(), 8))

	run := store.run(8)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	require.Len(t, run.Result.Items, 1)
	assert.Equal(t, "https://example.com/good", run.Result.Items[0].SourceURL)
	assert.Equal(t, 2, evaluator.calls["https://example.com/bad"])
}

func TestExecute_SendExhaustionPreservesResult(t *testing.T) {
	store := newFakeStore(queuedRun(9))
	fetcher := &fakeFetcher{fn: func(types.Target) ([]types.Page, error) {
		return []types.Page{{URL: "https://example.com/a", Text: "acme content"}}, nil
	}}
	evaluator := &fakeEvaluator{fn: func(types.Page) (*types.Evaluation, error) {
		return goodEvaluation(), nil
	}}
	sender := &fakeSender{err: Transient(errors.New("smtp 421 try later"))}

	exec := New(store, fetcher, evaluator, sender, fakeLinker{}, testConfig(twoTargets()...))
	require.NoError(t, exec.Execute(context.Background(), 9))

	run := store.run(9)
	assert.Equal(t, types.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, types.StageSend, run.Error.Stage)
	assert.Equal(t, types.ErrKindRetryExhausted, run.Error.Kind)
	assert.Equal(t, 3, run.AttemptCount)

	// The send exception: evaluation work and minted tokens survive.
	require.NotNil(t, run.Result)
	require.Len(t, run.Result.Items, 2)
	assert.NotEmpty(t, run.Result.Items[0].FeedbackToken)
}

func TestExecute_EvaluateRecordsOneAttemptPerPass(t *testing.T) {
	// A delivery interrupted mid-evaluate left attempt 1 behind. The retried
	// delivery persists exactly one more attempt for the whole pass; item
	// retries stay in memory.
	run := queuedRun(12)
	run.Status = types.RunStatusRunning
	run.Stage = types.StageEvaluate
	run.AttemptCount = 1
	store := newFakeStore(run)

	pages := []types.Page{
		{URL: "https://example.com/a", Text: "acme content", TaskType: types.TaskBrandHealth},
		{URL: "https://example.com/b", Text: "more acme content", TaskType: types.TaskBrandHealth},
	}
	meta := types.RunMeta{SearchTerms: []string{"acme news"}}
	require.NoError(t, store.SaveStageOutput(context.Background(), 12, types.StageFetch, fetchOutput{Pages: pages, Meta: meta}))

	failedOnce := make(map[string]bool)
	evaluator := &fakeEvaluator{fn: func(page types.Page) (*types.Evaluation, error) {
		if !failedOnce[page.URL] {
			failedOnce[page.URL] = true
			return nil, Transient(errors.New("rate limited"))
		}
		return goodEvaluation(), nil
	}}

	exec := New(store, &fakeFetcher{}, evaluator, &fakeSender{}, fakeLinker{}, testConfig(twoTargets()...))
	require.NoError(t, exec.Execute(context.Background(), 12))

	assert.Equal(t, types.RunStatusCompleted, store.run(12).Status)
	assert.Equal(t, []int{2}, store.stageAttempts(types.StageEvaluate))
	assert.Equal(t, 2, evaluator.calls["https://example.com/a"])
	assert.Equal(t, 2, evaluator.calls["https://example.com/b"])
}

func TestExecute_ResumeAtSendSkipsEarlierStages(t *testing.T) {
	run := queuedRun(10)
	run.Status = types.RunStatusRunning
	run.Stage = types.StageSend
	store := newFakeStore(run)

	items := []types.ContentItem{{
		SourceURL:     "https://example.com/a",
		Snippet:       "acme content",
		Evaluation:    *goodEvaluation(),
		FeedbackToken: "tok-10-0",
	}}
	meta := types.RunMeta{SearchTerms: []string{"acme news"}}
	msg := &types.EmailMessage{Subject: "Acme Agent Digest - Run 10", HTMLBody: "<html></html>"}
	require.NoError(t, store.SaveStageOutput(context.Background(), 10, types.StageFetch, fetchOutput{Meta: meta}))
	require.NoError(t, store.SaveStageOutput(context.Background(), 10, types.StageEvaluate, evaluateOutput{Items: items, Meta: meta}))
	require.NoError(t, store.SaveStageOutput(context.Background(), 10, types.StageCompose, composeOutput{Items: items, Meta: meta, Message: msg}))

	fetcher := &fakeFetcher{fn: func(types.Target) ([]types.Page, error) {
		t.Fatal("fetch must not run on resume at send")
		return nil, nil
	}}
	sender := &fakeSender{}

	exec := New(store, fetcher, &fakeEvaluator{}, sender, fakeLinker{}, testConfig(twoTargets()...))
	require.NoError(t, exec.Execute(context.Background(), 10))

	assert.Equal(t, types.RunStatusCompleted, store.run(10).Status)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, msg.Subject, sender.sent[0].Subject)
	assert.Equal(t, 0, fetcher.calls)
}

func TestExecute_ResumeWithMissingOutputRewinds(t *testing.T) {
	run := queuedRun(11)
	run.Status = types.RunStatusRunning
	run.Stage = types.StageEvaluate
	store := newFakeStore(run)
	// No fetch output was persisted before the crash.

	fetcher := &fakeFetcher{fn: func(types.Target) ([]types.Page, error) {
		return []types.Page{{URL: "https://example.com/a", Text: "acme content"}}, nil
	}}
	evaluator := &fakeEvaluator{fn: func(types.Page) (*types.Evaluation, error) {
		return goodEvaluation(), nil
	}}
	sender := &fakeSender{}

	exec := New(store, fetcher, evaluator, sender, fakeLinker{}, testConfig(twoTargets()...))
	require.NoError(t, exec.Execute(context.Background(), 11))

	assert.Equal(t, types.RunStatusCompleted, store.run(11).Status)
	assert.Equal(t, 2, fetcher.calls)
	require.Len(t, sender.sent, 1)
}
