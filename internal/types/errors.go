package types

import "errors"

// ErrLeaseHeld is returned when a run's lease is held by another worker.
// The delivery should be deferred, never processed concurrently.
var ErrLeaseHeld = errors.New("run lease held by another worker")

// ErrRunNotFound is returned when a job references a run that does not exist.
var ErrRunNotFound = errors.New("run not found")

// ErrStaleRun is returned by the store when a versioned write loses a race
// with a newer lease holder. It is resolved by re-claiming, never surfaced
// as a run failure.
var ErrStaleRun = errors.New("stale run version")

// ErrDuplicateWindow is returned when a run insert loses the race for an
// active window key. The caller resolves it by reading back the run that
// won the insert.
var ErrDuplicateWindow = errors.New("active run exists for window")
