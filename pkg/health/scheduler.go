package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hangar/pkg/log"
	"github.com/cuemby/hangar/pkg/metrics"
)

type task struct {
	checker  Checker
	interval time.Duration
}

// Scheduler runs every task on its own goroutine, re-arming it after each
// run whether it succeeded, failed or panicked
type Scheduler struct {
	retries int
	logger  zerolog.Logger

	mu       sync.RWMutex
	tasks    []task
	statuses map[string]*Status
}

// NewScheduler creates an empty scheduler. A task is reported unhealthy
// after retries consecutive failures.
func NewScheduler(retries int) *Scheduler {
	if retries < 1 {
		retries = 1
	}
	return &Scheduler{
		retries:  retries,
		logger:   log.WithComponent("health"),
		statuses: make(map[string]*Status),
	}
}

// Add registers a task. Tasks with a non-positive interval are skipped.
func (s *Scheduler) Add(c Checker, interval time.Duration) {
	if interval <= 0 {
		s.logger.Debug().Str("task", c.Name()).Msg("Health task disabled")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task{checker: c, interval: interval})
	s.statuses[c.Name()] = NewStatus()
	metrics.RegisterComponent(componentName(c), true, "not yet run")
}

// Run blocks until ctx is cancelled. Every task runs once immediately
// and then after each interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.RLock()
	tasks := append([]task(nil), s.tasks...)
	s.mu.RUnlock()

	s.logger.Info().Int("tasks", len(tasks)).Msg("Health checks started")

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			s.loop(ctx, t)
		}(t)
	}
	wg.Wait()
	s.logger.Info().Msg("Health checks stopped")
}

func (s *Scheduler) loop(ctx context.Context, t task) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s.RunOnce(ctx, t.checker)
		timer.Reset(t.interval)
	}
}

// RunOnce runs a checker with panic recovery and records its result
func (s *Scheduler) RunOnce(ctx context.Context, c Checker) Result {
	name := c.Name()
	r, label := s.invoke(ctx, c)
	metrics.HealthTaskRuns.WithLabelValues(name, label).Inc()

	s.mu.Lock()
	st, ok := s.statuses[name]
	if !ok {
		st = NewStatus()
		s.statuses[name] = st
	}
	st.Update(r, s.retries)
	healthy := st.Healthy
	s.mu.Unlock()

	metrics.UpdateComponent(componentName(c), healthy, r.Message)

	event := s.logger.Debug()
	if !r.Healthy {
		event = s.logger.Warn()
	}
	event.
		Str("task", name).
		Bool("healthy", r.Healthy).
		Dur("took", r.Duration).
		Msg(r.Message)
	return r
}

func (s *Scheduler) invoke(ctx context.Context, c Checker) (r Result, label string) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r = result(start, false, fmt.Sprintf("task panicked: %v", p))
			label = "panic"
		}
	}()

	r = c.Check(ctx)
	if r.Healthy {
		return r, "ok"
	}
	return r, "fail"
}

// Status returns a copy of a task's status
func (s *Scheduler) Status(name string) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[name]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

func componentName(c Checker) string {
	return "health." + c.Name()
}
