package manager

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hangar/pkg/config"
	"github.com/cuemby/hangar/pkg/events"
	"github.com/cuemby/hangar/pkg/protocol"
	"github.com/cuemby/hangar/pkg/storage"
	"github.com/cuemby/hangar/pkg/sysproc"
	"github.com/cuemby/hangar/pkg/types"
	"github.com/cuemby/hangar/pkg/worker"
)

const basePort = 20000

type testProc struct{ pid int }

func (p testProc) PID() int         { return p.pid }
func (p testProc) Terminate() error { return nil }
func (p testProc) Kill() error      { return nil }

type testLauncher struct {
	mu   sync.Mutex
	next int

	// unanswered counts launches the test has not yet sent a status for
	unanswered int
	peak       int
}

func (l *testLauncher) Launch(spec sysproc.Spec) (sysproc.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.unanswered++
	if l.unanswered > l.peak {
		l.peak = l.unanswered
	}
	return testProc{pid: 5000 + l.next}, nil
}

func (l *testLauncher) answered() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unanswered--
}

func (l *testLauncher) peakStarting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peak
}

func (l *testLauncher) Attach(pid int) (sysproc.Process, error) {
	return testProc{pid: pid}, nil
}

func (l *testLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

type testInspector struct{}

func (testInspector) Status(pid int) (sysproc.State, error)       { return sysproc.StateRunning, nil }
func (testInspector) Cmdline(pid int) ([]string, error)           { return nil, sysproc.ErrNotFound }
func (testInspector) Find(sysproc.Filter) ([]sysproc.Info, error) { return nil, nil }

type fixture struct {
	m        *Manager
	bus      *events.Bus
	cfg      *config.Config
	launcher *testLauncher
	store    storage.Store
}

func newFixture(t *testing.T, workers, concurrency int) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.BasePort = basePort
	cfg.WorkerCount = workers
	cfg.StartConcurrency = concurrency
	cfg.StartTimeout = 2 * time.Second
	cfg.DataDir = t.TempDir()

	store, err := storage.NewBoltStore(cfg.DBPath())
	require.NoError(t, err)

	f := &fixture{
		bus:      events.NewBus(),
		cfg:      cfg,
		launcher: &testLauncher{},
		store:    store,
	}
	deps := worker.Deps{
		Bus:       f.bus,
		Launcher:  f.launcher,
		Inspector: testInspector{},
		Args:      config.NewArgBuilder(cfg),
		Store:     store,
	}
	f.m = NewManager(context.Background(), cfg, deps, worker.Options{MonitorInterval: time.Hour})
	require.NoError(t, f.m.Bootstrap())

	t.Cleanup(func() {
		f.m.Close()
		f.bus.Close()
		store.Close()
	})
	return f
}

func TestBootstrapCreatesSlots(t *testing.T) {
	f := newFixture(t, 3, 1)

	ws := f.m.Workers()
	require.Len(t, ws, 3)
	for i, w := range ws {
		assert.Equal(t, types.WorkerID(i), w.ID())
		assert.Equal(t, basePort+i, w.Port())
		assert.True(t, w.Enabled())
	}
}

func TestCreateWorkerIsIdempotent(t *testing.T) {
	f := newFixture(t, 1, 1)

	a, err := f.m.CreateWorker(basePort + 7)
	require.NoError(t, err)
	b, err := f.m.CreateWorker(basePort + 7)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, types.WorkerID(7), a.ID())

	_, err = f.m.CreateWorker(basePort - 1)
	assert.ErrorIs(t, err, ErrInvalidPort)
}

func TestRemoveWorker(t *testing.T) {
	f := newFixture(t, 2, 1)

	require.NoError(t, f.m.RemoveWorker(1))
	_, ok := f.m.Worker(1)
	assert.False(t, ok)
	assert.ErrorIs(t, f.m.RemoveWorker(1), ErrUnknownWorker)
}

func TestEnabledFlagRestoredFromStore(t *testing.T) {
	f := newFixture(t, 1, 1)
	require.NoError(t, f.store.SaveWorker(&types.WorkerRecord{ID: 4, Enabled: false}))

	w, err := f.m.CreateWorker(basePort + 4)
	require.NoError(t, err)
	assert.False(t, w.Enabled())
}

// answerStarting reports status for every launched worker still starting
func answerStarting(m *Manager) {
	for _, w := range m.Workers() {
		if w.Phase() == types.WorkerPhaseStarting && w.PID() != 0 {
			w.HandleMessage(&protocol.Status{Code: 1})
		}
	}
}

// answerOne reports status for a single launched worker that has not been
// answered yet. The launcher count drops before the status is sent, while
// the worker still holds its start slot.
func answerOne(f *fixture, answered map[int]bool) {
	for _, w := range f.m.Workers() {
		pid := w.PID()
		if pid == 0 || answered[pid] || w.Phase() != types.WorkerPhaseStarting {
			continue
		}
		answered[pid] = true
		f.launcher.answered()
		w.HandleMessage(&protocol.Status{Code: 1})
		return
	}
}

func TestStartAllRespectsConcurrency(t *testing.T) {
	const fleet, limit = 6, 2
	f := newFixture(t, fleet, limit)

	done := make(chan error, 1)
	go func() { done <- f.m.StartAll(context.Background()) }()

	answered := make(map[int]bool)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			assert.Equal(t, fleet, f.launcher.launches())
			assert.Equal(t, limit, f.launcher.peakStarting())
			for _, w := range f.m.Workers() {
				assert.Equal(t, types.WorkerPhaseRunning, w.Phase())
			}
			return
		case <-deadline:
			t.Fatal("StartAll did not finish")
		case <-time.After(20 * time.Millisecond):
		}
		require.LessOrEqual(t, f.launcher.peakStarting(), limit)
		answerOne(f, answered)
	}
}

func TestStartAllSkipsDisabled(t *testing.T) {
	f := newFixture(t, 2, 2)
	w, _ := f.m.Worker(1)
	w.Disable()

	done := make(chan error, 1)
	go func() { done <- f.m.StartAll(context.Background()) }()

	require.Eventually(t, func() bool { return f.launcher.launches() == 1 }, time.Second, 5*time.Millisecond)
	answerStarting(f.m)
	require.NoError(t, <-done)
	assert.Equal(t, 1, f.launcher.launches())
}

func TestSessionConflict(t *testing.T) {
	f := newFixture(t, 1, 1)

	c1, p1 := net.Pipe()
	c2, p2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	defer p1.Close()
	defer p2.Close()

	s1 := newSession(c1)
	s2 := newSession(c2)
	require.NoError(t, f.m.AddSession(s1, basePort))
	require.NoError(t, f.m.AddSession(s1, basePort))
	assert.ErrorIs(t, f.m.AddSession(s2, basePort), ErrSessionConflict)

	got, ok := f.m.Session(basePort)
	require.True(t, ok)
	assert.Same(t, s1, got)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	c, p := net.Pipe()
	defer p.Close()

	s := newSession(c)
	s.Close()
	s.Close()

	select {
	case <-s.Done():
	default:
		t.Fatal("closed session must report done")
	}
	assert.Error(t, s.Send(protocol.Wake()))
}

func TestUnknownWorkerCommandDropped(t *testing.T) {
	f := newFixture(t, 1, 1)

	d := f.bus.Emit(events.WakeRequest{Target: types.Worker(42)})
	assert.ErrorIs(t, d.Wait(context.Background()), ErrUnknownWorker)

	d = f.bus.Emit(events.SleepRequest{Target: types.Worker(0)})
	assert.ErrorIs(t, d.Wait(context.Background()), ErrNoSession)

	// Fleet-wide commands skip workers without a session
	d = f.bus.Emit(events.WakeRequest{Target: types.AllWorkers()})
	assert.NoError(t, d.Wait(context.Background()))
}

func TestRestartThrottled(t *testing.T) {
	f := newFixture(t, 1, 1)
	f.cfg.Restart = config.RestartConfig{Burst: 1, Interval: time.Hour}
	f.cfg.StartTimeout = 30 * time.Millisecond
	require.NoError(t, f.m.RemoveWorker(0))
	_, err := f.m.CreateWorker(basePort)
	require.NoError(t, err)

	d := f.bus.Emit(events.RestartRequest{ID: 0, Reason: "crash"})
	assert.ErrorIs(t, d.Wait(context.Background()), worker.ErrStartTimeout)
	assert.Equal(t, 1, f.launcher.launches())

	// The timed out worker still has its process; force it gone
	w, _ := f.m.Worker(0)
	require.Eventually(t, func() bool { return !w.ShutdownScheduled() }, time.Second, 5*time.Millisecond)

	d = f.bus.Emit(events.RestartRequest{ID: 0, Reason: "crash"})
	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, 1, f.launcher.launches())
}

func TestStatusQuery(t *testing.T) {
	f := newFixture(t, 2, 1)

	q := &events.StatusQuery{}
	require.NoError(t, f.bus.Emit(q).Wait(context.Background()))

	snaps := q.Workers()
	require.Len(t, snaps, 2)
	assert.Equal(t, types.WorkerID(0), snaps[0].ID)
	assert.Equal(t, types.WorkerPhaseStopped, snaps[1].Phase)
}

func frame(t *testing.T, payload ...byte) []byte {
	t.Helper()
	b, err := protocol.EncodeFrame(payload)
	require.NoError(t, err)
	return b
}

func announceFrame(t *testing.T, port int) []byte {
	var p [2]byte
	binary.LittleEndian.PutUint16(p[:], uint16(port))
	return frame(t, byte(protocol.TypeAnnounce), p[0], p[1])
}

func statusFrame(t *testing.T, clients byte) []byte {
	p := make([]byte, protocol.StatusFixedLength)
	p[0] = byte(protocol.TypeStatus)
	p[1] = 1
	p[10] = clients
	p[53] = clients
	return frame(t, p...)
}

func dialAnnounced(t *testing.T, f *fixture, port int) net.Conn {
	t.Helper()

	require.NoError(t, f.m.Listen("127.0.0.1:0"))
	go f.m.Serve()

	conn, err := net.Dial("tcp", f.m.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Anything before the announce is ignored
	_, err = conn.Write(statusFrame(t, 3))
	require.NoError(t, err)
	_, err = conn.Write(announceFrame(t, port))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := f.m.Session(port)
		w, found := f.m.Worker(types.WorkerIDFromPort(port, basePort))
		return ok && found && w.Session() != nil
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func TestAnnounceBindsSession(t *testing.T) {
	f := newFixture(t, 2, 1)
	conn := dialAnnounced(t, f, basePort+1)

	w, _ := f.m.Worker(1)
	assert.NotNil(t, w.Session())
	assert.Equal(t, 0, w.Clients(), "frames before the announce are dropped")

	_, err := conn.Write(statusFrame(t, 2))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return w.Clients() == 2 }, time.Second, 5*time.Millisecond)
}

func TestAnnounceCreatesUnknownWorker(t *testing.T) {
	f := newFixture(t, 1, 1)
	dialAnnounced(t, f, basePort+9)

	w, ok := f.m.Worker(9)
	require.True(t, ok)
	assert.Equal(t, basePort+9, w.Port())
}

func TestCommandRoutedToSession(t *testing.T) {
	f := newFixture(t, 1, 1)
	conn := dialAnnounced(t, f, basePort)

	require.NoError(t, f.bus.Emit(events.WakeRequest{Target: types.Worker(0)}).Wait(context.Background()))
	require.NoError(t, f.bus.Emit(events.MessageRequest{Target: types.AllWorkers(), Text: "hi"}).Wait(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	fr, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.Wake(), protocol.ParseCommand(fr.Payload))

	fr, err = protocol.ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.ChatMessage("hi"), protocol.ParseCommand(fr.Payload))
}

func TestSessionTeardownResetsWorker(t *testing.T) {
	f := newFixture(t, 1, 1)
	conn := dialAnnounced(t, f, basePort)

	w, _ := f.m.Worker(0)
	w.HandleMessage(&protocol.Status{Code: 1, NumClients: 1, HasPlayerBlock: true,
		Players: []types.Player{{AccountID: 3, IP: "10.1.1.1", Name: "bob"}}})
	require.NotEmpty(t, w.Tracker().Players())

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		_, ok := f.m.Session(basePort)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(w.Tracker().Players()) == 0 && w.Session() == nil },
		time.Second, 5*time.Millisecond)

	_, ok := f.m.Worker(0)
	assert.True(t, ok, "worker survives its session")
}

func TestForcedShutdownWithDelete(t *testing.T) {
	f := newFixture(t, 2, 1)
	conn := dialAnnounced(t, f, basePort+1)

	d := f.bus.Emit(events.ShutdownRequest{Target: types.Worker(1), Force: true, Delete: true, Reason: "test"})
	require.NoError(t, d.Wait(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	fr, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.Shutdown(), protocol.ParseCommand(fr.Payload))

	_, ok := f.m.Worker(1)
	assert.False(t, ok)
}

func TestMetricsCollector(t *testing.T) {
	f := newFixture(t, 2, 1)
	c := NewMetricsCollector(f.m)
	c.collect()
	assert.Equal(t, 0, f.m.SessionCount())
}
