package pool

import (
	"fmt"
	"time"
)

// Task is one reservation attempt target. A task is created when added to a
// pool and destroyed when removed or the pool is cleared. retryCount is
// mutated only by the worker that owns the task during a run.
type Task struct {
	SlotID           int64
	EntitlementToken string
	TargetFireTime   time.Time
	FireOffset       time.Duration

	retryCount int
}

func (t *Task) Validate() error {
	if t.SlotID <= 0 {
		return fmt.Errorf("slot id required")
	}
	if t.EntitlementToken == "" {
		return fmt.Errorf("entitlement token required")
	}
	return nil
}

// State is a task's terminal disposition.
type State int

const (
	// StateBooked: the reservation succeeded.
	StateBooked State = iota
	// StateFailed: the server declared the attempt unrecoverable.
	StateFailed
	// StateExhausted: the local retry ceiling was hit; distinct from
	// StateFailed so callers can tell "the server said no" from "we gave
	// up".
	StateExhausted
	// StateCanceled: the pool was stopped before the task terminated.
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateBooked:
		return "booked"
	case StateFailed:
		return "failed"
	case StateExhausted:
		return "exhausted"
	default:
		return "canceled"
	}
}

// Result is delivered to the status sink exactly once per task.
type Result struct {
	SlotID   int64
	State    State
	Reason   string
	Attempts int
}
