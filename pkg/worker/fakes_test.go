package worker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/hangar/pkg/events"
	"github.com/cuemby/hangar/pkg/protocol"
	"github.com/cuemby/hangar/pkg/sysproc"
	"github.com/cuemby/hangar/pkg/types"
)

type fakeProc struct {
	pid int

	mu         sync.Mutex
	terminated bool
	killed     bool
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return nil
}

func (p *fakeProc) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

type fakeLauncher struct {
	mu       sync.Mutex
	nextPID  int
	launched []sysproc.Spec
	procs    []*fakeProc
	err      error
}

func (l *fakeLauncher) Launch(spec sysproc.Spec) (sysproc.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.nextPID++
	p := &fakeProc{pid: 1000 + l.nextPID}
	l.launched = append(l.launched, spec)
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) Attach(pid int) (sysproc.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &fakeProc{pid: pid}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

func (l *fakeLauncher) last() *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

type fakeInspector struct {
	mu     sync.Mutex
	states map[int]sysproc.State
	found  []sysproc.Info
}

func newFakeInspector() *fakeInspector {
	return &fakeInspector{states: make(map[int]sysproc.State)}
}

func (i *fakeInspector) set(pid int, s sysproc.State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.states[pid] = s
}

func (i *fakeInspector) setFound(infos ...sysproc.Info) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.found = infos
}

func (i *fakeInspector) Status(pid int) (sysproc.State, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if s, ok := i.states[pid]; ok {
		return s, nil
	}
	return sysproc.StateRunning, nil
}

func (i *fakeInspector) Cmdline(pid int) ([]string, error) {
	return nil, sysproc.ErrNotFound
}

func (i *fakeInspector) Find(f sysproc.Filter) ([]sysproc.Info, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []sysproc.Info
	for _, info := range i.found {
		if f.Match(info) {
			out = append(out, info)
		}
	}
	return out, nil
}

type fakeMemory struct {
	avail uint64
	err   error
}

func (m fakeMemory) AvailableMemory() (uint64, error) {
	return m.avail, m.err
}

type fakePriority struct {
	mu    sync.Mutex
	calls []sysproc.Priority
}

func (p *fakePriority) SetPriority(pid int, prio sysproc.Priority) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, prio)
	return nil
}

func (p *fakePriority) history() []sysproc.Priority {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sysproc.Priority(nil), p.calls...)
}

type fakeSender struct {
	addr string

	mu   sync.Mutex
	sent []protocol.Command
	err  error
}

func (s *fakeSender) Send(cmd protocol.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, cmd)
	return nil
}

func (s *fakeSender) RemoteAddr() string { return s.addr }

func (s *fakeSender) count(kind protocol.CommandKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.sent {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

type fakeSidecar struct {
	mu       sync.Mutex
	startErr error
	running  bool
	starts   int
	stops    int
}

func (s *fakeSidecar) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if s.startErr != nil {
		return s.startErr
	}
	s.running = true
	return nil
}

func (s *fakeSidecar) Run(ctx context.Context) { <-ctx.Done() }

func (s *fakeSidecar) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.running = false
	return nil
}

func (s *fakeSidecar) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return 77
	}
	return 0
}

type fakeArgs struct{}

func (fakeArgs) Build(id types.WorkerID, settings map[string]string) []string {
	return []string{"hon_x64", "-dedicated", "-slave_id", strconv.Itoa(int(id))}
}

func (fakeArgs) Identity(id types.WorkerID) []string {
	return []string{"-slave_id", strconv.Itoa(int(id))}
}

type harness struct {
	w         *Worker
	bus       *events.Bus
	launcher  *fakeLauncher
	inspector *fakeInspector
	priority  *fakePriority
	restarts  chan events.RestartRequest
	removes   chan events.RemoveRequest
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	h := &harness{
		bus:       events.NewBus(),
		launcher:  &fakeLauncher{},
		inspector: newFakeInspector(),
		priority:  &fakePriority{},
		restarts:  make(chan events.RestartRequest, 8),
		removes:   make(chan events.RemoveRequest, 8),
	}
	h.bus.Subscribe(events.EventRestart, func(ctx context.Context, ev *events.Event) error {
		h.restarts <- ev.Payload.(events.RestartRequest)
		return nil
	})
	h.bus.Subscribe(events.EventRemove, func(ctx context.Context, ev *events.Event) error {
		h.removes <- ev.Payload.(events.RemoveRequest)
		return nil
	})

	if opts.Executable == "" {
		opts.Executable = "hon_x64"
	}
	if opts.DrainPollInterval == 0 {
		opts.DrainPollInterval = 10 * time.Millisecond
	}
	if opts.MonitorInterval == 0 {
		opts.MonitorInterval = time.Hour
	}

	deps := Deps{
		Bus:       h.bus,
		Launcher:  h.launcher,
		Inspector: h.inspector,
		Memory:    fakeMemory{avail: 4 << 30},
		Priority:  h.priority,
		Args:      fakeArgs{},
	}
	h.w = New(context.Background(), 1, 11236, deps, opts)

	t.Cleanup(func() {
		h.w.Close()
		h.bus.Close()
	})
	return h
}

// start runs Start and answers the launch with a status frame
func (h *harness) start(t *testing.T) {
	t.Helper()

	errc := make(chan error, 1)
	go func() { errc <- h.w.Start(context.Background(), 2*time.Second) }()

	require.Eventually(t, func() bool { return h.w.PID() != 0 }, time.Second, 5*time.Millisecond)
	h.w.HandleMessage(&protocol.Status{Code: 1})

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
	h.w.Tracker().Wait()
}

var errBoom = errors.New("boom")
