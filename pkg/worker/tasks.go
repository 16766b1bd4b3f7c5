package worker

import (
	"context"
	"sync"
)

type taskEntry struct {
	cancel context.CancelFunc
	seq    uint64
}

// taskTable runs named background tasks. Starting a name that is already
// running cancels the previous task first.
type taskTable struct {
	ctx context.Context

	mu      sync.Mutex
	entries map[string]taskEntry
	seq     uint64
	wg      sync.WaitGroup
}

func newTaskTable(ctx context.Context) *taskTable {
	return &taskTable{ctx: ctx, entries: make(map[string]taskEntry)}
}

func (t *taskTable) start(name string, fn func(ctx context.Context)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.entries[name]; ok {
		prev.cancel()
	}
	if t.ctx.Err() != nil {
		delete(t.entries, name)
		return
	}

	ctx, cancel := context.WithCancel(t.ctx)
	t.seq++
	seq := t.seq
	t.entries[name] = taskEntry{cancel: cancel, seq: seq}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.finish(name, seq)
		fn(ctx)
	}()
}

// finish drops the entry unless a newer task took the name
func (t *taskTable) finish(name string, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[name]; ok && e.seq == seq {
		e.cancel()
		delete(t.entries, name)
	}
}

func (t *taskTable) cancel(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[name]; ok {
		e.cancel()
		delete(t.entries, name)
	}
}

func (t *taskTable) running(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[name]
	return ok
}

func (t *taskTable) names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	return names
}

// wait blocks until every task has returned. The owning context must
// already be cancelled.
func (t *taskTable) wait() {
	t.wg.Wait()
}

// signal is a resettable one-shot broadcast
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ch:
	default:
		close(s.ch)
	}
}

func (s *signal) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ch:
		s.ch = make(chan struct{})
	default:
	}
}

func (s *signal) done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}
