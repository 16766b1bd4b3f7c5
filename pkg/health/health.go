package health

import (
	"context"
	"time"
)

// Result represents the outcome of one health task run
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health tasks implement
type Checker interface {
	// Name identifies the task in logs, metrics and component health
	Name() string

	// Check performs the task and returns the result. Corrective
	// actions are taken inside Check.
	Check(ctx context.Context) Result
}

// CheckerFunc adapts a function to Checker
type CheckerFunc struct {
	TaskName string
	Fn       func(ctx context.Context) Result
}

func (f CheckerFunc) Name() string { return f.TaskName }

func (f CheckerFunc) Check(ctx context.Context) Result { return f.Fn(ctx) }

func result(start time.Time, healthy bool, message string) Result {
	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Status tracks the recent results of one task
type Status struct {
	// ConsecutiveFailures tracks the number of consecutive failed checks
	ConsecutiveFailures int

	// ConsecutiveSuccesses tracks the number of consecutive successful checks
	ConsecutiveSuccesses int

	// LastCheck is the timestamp of the last run
	LastCheck time.Time

	// LastResult is the result of the last run
	LastResult Result

	// Healthy is false once Retries consecutive runs failed
	Healthy bool
}

// NewStatus creates a new Status with default values
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update records a new result
func (s *Status) Update(r Result, retries int) {
	s.LastCheck = r.CheckedAt
	s.LastResult = r

	if r.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= retries {
		s.Healthy = false
	}
}
