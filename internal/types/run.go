// Package types defines the domain types shared across the agent pipeline.
package types

import "time"

// Run statuses. Transitions are monotonic: a run never re-enters queued
// after leaving it, and completed/failed are terminal.
const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Pipeline stages in execution order.
const (
	StageNone     = "none"
	StageFetch    = "fetch"
	StageEvaluate = "evaluate"
	StageCompose  = "compose"
	StageSend     = "send"
)

// StageOrder lists the pipeline stages in the order they execute.
var StageOrder = []string{StageFetch, StageEvaluate, StageCompose, StageSend}

// Error kinds recorded on a failed run.
const (
	ErrKindRetryExhausted = "retry_exhausted"
	ErrKindTerminal       = "terminal"
	ErrKindEmptyResult    = "empty_result"
)

// IsTerminalStatus reports whether a run status is terminal.
func IsTerminalStatus(status string) bool {
	return status == RunStatusCompleted || status == RunStatusFailed
}

// Run is one execution of the fetch -> evaluate -> compose -> send pipeline.
type Run struct {
	ID               int64      `json:"id"`
	Status           string     `json:"status"`
	Stage            string     `json:"stage"`
	AttemptCount     int        `json:"attempt_count"`
	WindowKey        string     `json:"window_key,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Result           *RunResult `json:"result,omitempty"`
	Error            *RunError  `json:"error,omitempty"`
	FeedbackReceived bool       `json:"feedback_received"`

	// Optimistic concurrency fields. Version guards every mutation;
	// ClaimedBy/LeaseExpiresAt implement the per-run worker lease.
	Version        int64      `json:"-"`
	ClaimedBy      *string    `json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`
}

// RunError is the structured failure reason recorded on a failed run.
type RunError struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RunResult is the structured payload of a completed run. It is also
// preserved on a run that failed only at the send stage, the one documented
// case where result and error coexist.
type RunResult struct {
	Items []ContentItem `json:"items"`
	Meta  RunMeta       `json:"meta"`
}

// RunMeta carries run-level metadata collected during the fetch stage.
type RunMeta struct {
	SearchTerms   []string        `json:"search_terms,omitempty"`
	SearchTimes   []time.Time     `json:"search_times,omitempty"`
	FetchFailures []TargetFailure `json:"fetch_failures,omitempty"`
}

// TargetFailure records a per-target fetch failure that did not fail the run.
type TargetFailure struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// ContentItem is one fetched and evaluated piece of content in a run result.
type ContentItem struct {
	SourceURL     string     `json:"source_url"`
	Snippet       string     `json:"snippet"`
	TaskType      string     `json:"task_type"`
	Evaluation    Evaluation `json:"evaluation"`
	FeedbackToken string     `json:"feedback_token,omitempty"`
}

// Evaluation is the structured output of the LLM evaluation for one item.
type Evaluation struct {
	Categories       []string `json:"categories"`
	Sentiment        string   `json:"sentiment"`
	Summary          string   `json:"summary"`
	RelevanceScore   float64  `json:"relevance_score"`
	KeywordsPresent  []string `json:"keywords_present,omitempty"`
	BannedWordsFound []string `json:"banned_words_found,omitempty"`
}
