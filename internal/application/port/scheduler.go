package port

import (
	"context"
	"time"
)

// TimerKind distinguishes what a step timer does when it fires
type TimerKind string

const (
	TimerEscalate    TimerKind = "escalate"
	TimerAutoApprove TimerKind = "auto_approve"
)

// TimerKey identifies the single live timer of a request's active step
type TimerKey struct {
	RequestID  string
	StepNumber int
}

// TimerTask is a scheduled step deadline. Generation is the request's
// StepGeneration when the task was armed; a fire whose generation no longer
// matches the request is a no-op.
type TimerTask struct {
	Key        TimerKey
	Kind       TimerKind
	Generation int64
	FireAt     time.Time
}

// TimerHandler processes a fired task
type TimerHandler func(ctx context.Context, task TimerTask) error

// Scheduler keeps at most one task per key.
// Schedule replaces any task under the same key unless it is identical;
// Cancel reports whether a live task was removed.
type Scheduler interface {
	Schedule(task TimerTask) error
	Cancel(key TimerKey) bool
}
