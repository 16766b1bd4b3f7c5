package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hangar/pkg/config"
	"github.com/cuemby/hangar/pkg/events"
	"github.com/cuemby/hangar/pkg/gamestate"
	"github.com/cuemby/hangar/pkg/protocol"
	"github.com/cuemby/hangar/pkg/proxy"
	"github.com/cuemby/hangar/pkg/sysproc"
	"github.com/cuemby/hangar/pkg/types"
)

func TestStartReturnsOnFirstStatus(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})

	h.start(t)

	assert.Equal(t, types.WorkerPhaseRunning, h.w.Phase())
	assert.Equal(t, 1, h.launcher.launches())
	assert.Equal(t, 1001, h.w.PID())

	status, ok := h.w.Tracker().Int(gamestate.KeyStatus)
	require.True(t, ok)
	assert.Equal(t, 1, status)
}

func TestStartAbortedByClosedFrame(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})

	errc := make(chan error, 1)
	go func() { errc <- h.w.Start(context.Background(), 2*time.Second) }()

	require.Eventually(t, func() bool { return h.w.PID() != 0 }, time.Second, 5*time.Millisecond)
	h.w.HandleMessage(protocol.Closed{})

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStartAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
	assert.Equal(t, types.WorkerPhaseStopping, h.w.Phase())
}

func TestStartTimeoutSchedulesShutdown(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})

	err := h.w.Start(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrStartTimeout)

	assert.True(t, h.w.Enabled(), "a timed out start keeps the worker enabled")

	proc := h.launcher.last()
	require.NotNil(t, proc)
	assert.Eventually(t, proc.wasTerminated, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !h.w.ShutdownScheduled() }, time.Second, 5*time.Millisecond)
}

func TestStartWhileStartingFails(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})

	go func() { _ = h.w.Start(context.Background(), time.Second) }()
	require.Eventually(t, func() bool { return h.w.PID() != 0 }, time.Second, 5*time.Millisecond)

	err := h.w.Start(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrAlreadyStarting)

	h.w.HandleMessage(&protocol.Status{Code: 1})
	require.Eventually(t, func() bool { return h.w.Phase() == types.WorkerPhaseRunning }, time.Second, 5*time.Millisecond)

	// Running with a process: nothing to do
	assert.NoError(t, h.w.Start(context.Background(), time.Second))
	assert.Equal(t, 1, h.launcher.launches())
}

func TestStartRefusedBelowMemoryFloor(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	h.w.deps.Memory = fakeMemory{avail: 512 << 20}

	err := h.w.Start(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrInsufficientMemory)

	assert.Equal(t, 0, h.launcher.launches())
	assert.Equal(t, types.WorkerPhaseStopped, h.w.Phase())
}

func TestStartMemoryUnknownIsAdvisory(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	h.w.deps.Memory = fakeMemory{err: sysproc.ErrUnsupported}

	h.start(t)
	assert.Equal(t, 1, h.launcher.launches())
}

func TestStartLaunchError(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	h.launcher.err = errBoom

	err := h.w.Start(context.Background(), time.Second)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, types.WorkerPhaseStopped, h.w.Phase())
}

func TestStartAdoptsRunningProcess(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})

	// Status from a worker whose process is not yet visible
	h.w.HandleMessage(&protocol.Status{Code: 1})
	assert.Equal(t, 0, h.w.PID())

	h.w.setPhase(types.WorkerPhaseStopped)
	h.inspector.setFound(sysproc.Info{PID: 4242, Exe: "/opt/hon/hon_x64", Cmdline: []string{"hon_x64", "-slave_id", "1"}})

	require.NoError(t, h.w.Start(context.Background(), time.Second))

	assert.Equal(t, 0, h.launcher.launches())
	assert.Equal(t, 4242, h.w.PID())
	assert.Equal(t, types.WorkerPhaseRunning, h.w.Phase())
}

func TestStartDoesNotAdoptOtherSlot(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	h.w.HandleMessage(&protocol.Status{Code: 1})
	h.w.setPhase(types.WorkerPhaseStopped)
	h.inspector.setFound(sysproc.Info{PID: 4242, Exe: "hon_x64", Cmdline: []string{"hon_x64", "-slave_id", "2"}})

	errc := make(chan error, 1)
	go func() { errc <- h.w.Start(context.Background(), 2*time.Second) }()
	require.Eventually(t, func() bool { return h.launcher.launches() == 1 }, time.Second, 5*time.Millisecond)
	h.w.HandleMessage(&protocol.Status{Code: 1})
	require.NoError(t, <-errc)
	assert.Equal(t, 1001, h.w.PID())
}

func TestStatusAttachesConnectedProcess(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	h.inspector.setFound(sysproc.Info{PID: 555, Exe: "hon_x64.exe", Cmdline: []string{"hon_x64.exe", "-slave_id", "1"}})

	h.w.HandleMessage(&protocol.Status{Code: 1})

	assert.Equal(t, 555, h.w.PID())
	assert.Equal(t, types.WorkerPhaseRunning, h.w.Phase())
}

func TestStopNetworkGracefulRefusesWithClients(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	s := &fakeSender{addr: "127.0.0.1:5000"}
	h.w.AttachSession(s)

	h.w.HandleMessage(&protocol.Status{Code: 1, NumClients: 3})

	err := h.w.StopNetwork(nil, StopOptions{Graceful: true})
	require.ErrorIs(t, err, ErrClientsConnected)
	assert.Equal(t, 0, s.count(protocol.CommandShutdown))

	h.w.HandleMessage(&protocol.Status{Code: 1, NumClients: 0})

	require.NoError(t, h.w.StopNetwork(nil, StopOptions{Graceful: true, Disable: true}))
	assert.Equal(t, 1, s.count(protocol.CommandShutdown))
	assert.Equal(t, types.WorkerPhaseStopping, h.w.Phase())
	assert.False(t, h.w.Enabled())
}

func TestStopNetworkForcedIgnoresClients(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	s := &fakeSender{addr: "peer"}
	h.w.AttachSession(s)
	h.w.HandleMessage(&protocol.Status{Code: 1, NumClients: 3})

	require.NoError(t, h.w.StopNetwork(nil, StopOptions{}))
	assert.Equal(t, 1, s.count(protocol.CommandShutdown))
	assert.True(t, h.w.Enabled())
}

func TestStopNetworkWithoutSession(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	assert.ErrorIs(t, h.w.StopNetwork(nil, StopOptions{}), ErrNoSession)
	assert.ErrorIs(t, h.w.Send(protocol.Wake()), ErrNoSession)
}

func TestMatchStartedChangesPriority(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	h.start(t)

	h.w.HandleMessage(&protocol.Status{Code: 1, MatchStarted: 1})
	h.w.Tracker().Wait()

	calls := h.priority.history()
	require.NotEmpty(t, calls)
	assert.Equal(t, sysproc.PriorityHigh, calls[len(calls)-1])

	// The same report again changes nothing
	before := len(calls)
	h.w.HandleMessage(&protocol.Status{Code: 1, MatchStarted: 1})
	h.w.Tracker().Wait()
	assert.Len(t, h.priority.history(), before)

	h.w.HandleMessage(&protocol.Status{Code: 1, MatchStarted: 0})
	h.w.Tracker().Wait()
	calls = h.priority.history()
	assert.Equal(t, sysproc.PriorityIdle, calls[len(calls)-1])
}

func TestRapidMatchFlipsEndAtIdlePriority(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	h.start(t)

	for round := 0; round < 100; round++ {
		h.w.HandleMessage(&protocol.Status{Code: 1, MatchStarted: 1})
		h.w.HandleMessage(&protocol.Status{Code: 1, MatchStarted: 0})
		h.w.Tracker().Wait()

		calls := h.priority.history()
		require.NotEmpty(t, calls)
		require.Equal(t, sysproc.PriorityIdle, calls[len(calls)-1], "round %d", round)
	}
}

func TestPlayersClearedWhenClientsDrop(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})

	players := []types.Player{{AccountID: 9, IP: "10.0.0.9", Name: "alice"}}
	h.w.HandleMessage(&protocol.Status{Code: 1, NumClients: 1, HasPlayerBlock: true, Players: players})
	assert.Equal(t, players, h.w.Tracker().Players())
	assert.Equal(t, 1, h.w.Clients())

	h.w.HandleMessage(&protocol.Status{Code: 1, NumClients: 0})
	assert.Empty(t, h.w.Tracker().Players())
}

func TestLongFrameCountsOnlyInGame(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	total := gamestate.KeyPerformance + "." + gamestate.KeyTotalSkipped
	now := gamestate.KeyPerformance + "." + gamestate.KeyNowSkipped

	h.w.HandleMessage(&protocol.Status{Code: 1, GamePhase: 5})
	h.w.HandleMessage(protocol.LongFrame{SkippedMs: 100})
	n, _ := h.w.Tracker().Int(total)
	assert.Equal(t, 0, n)

	h.w.HandleMessage(&protocol.Status{Code: 1, GamePhase: types.GamePhaseInGame})
	h.w.HandleMessage(protocol.LongFrame{SkippedMs: 100})
	h.w.HandleMessage(protocol.LongFrame{SkippedMs: 50})

	n, _ = h.w.Tracker().Int(total)
	assert.Equal(t, 150, n)
	n, _ = h.w.Tracker().Int(now)
	assert.Equal(t, 150, n)
}

func TestLobbyLifecycle(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	tr := h.w.Tracker()

	h.w.HandleMessage(&protocol.Status{Code: 1, GamePhase: types.GamePhaseInGame})
	h.w.HandleMessage(protocol.LongFrame{SkippedMs: 40})

	h.w.HandleMessage(protocol.LobbyCreated{MatchInfo: types.MatchInfo{MatchID: 7, Map: "caldavar", Name: "pub", Mode: "normal"}})

	id, _ := tr.String(gamestate.KeyCurrentMatchID)
	assert.Equal(t, "7", id)
	m, _ := tr.String(gamestate.KeyMatchInfo + "." + gamestate.KeyMap)
	assert.Equal(t, "caldavar", m)
	now, _ := tr.Int(gamestate.KeyPerformance + "." + gamestate.KeyNowSkipped)
	assert.Equal(t, 0, now)
	total, _ := tr.Int(gamestate.KeyPerformance + "." + gamestate.KeyTotalSkipped)
	assert.Equal(t, 40, total)

	// A replay update does not override a known match id
	h.w.HandleMessage(protocol.ReplayUpdate{MatchID: "99"})
	id, _ = tr.String(gamestate.KeyCurrentMatchID)
	assert.Equal(t, "7", id)

	h.w.HandleMessage(protocol.LobbyClosed{})
	_, ok := tr.Int(gamestate.KeyStatus)
	assert.False(t, ok)
	mode, _ := tr.Get(gamestate.PathMatchMode)
	assert.Nil(t, mode)

	h.w.HandleMessage(protocol.ReplayUpdate{MatchID: "99"})
	id, _ = tr.String(gamestate.KeyCurrentMatchID)
	assert.Equal(t, "99", id)
}

func TestClosedFrameClearsState(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	h.w.HandleMessage(&protocol.Status{Code: 1, NumClients: 2})

	h.w.HandleMessage(protocol.Closed{})

	_, ok := h.w.Tracker().Int(gamestate.KeyStatus)
	assert.False(t, ok)
}

func TestCrashWhileEnabledRequestsRestart(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	h.start(t)
	pid := h.w.PID()

	h.inspector.set(pid, sysproc.StateZombie)
	h.w.checkProcess()

	assert.Equal(t, 0, h.w.PID())
	assert.Equal(t, types.WorkerPhaseStopped, h.w.Phase())
	_, ok := h.w.Tracker().Int(gamestate.KeyStatus)
	assert.False(t, ok)

	select {
	case req := <-h.restarts:
		assert.Equal(t, types.WorkerID(1), req.ID)
		assert.Equal(t, "crash", req.Reason)
	case <-time.After(time.Second):
		t.Fatal("no restart requested")
	}
}

func TestRestartHandlerStartsWorker(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	h.bus.Subscribe(events.EventRestart, func(ctx context.Context, ev *events.Event) error {
		go func() { _ = h.w.Start(ctx, time.Second) }()
		return nil
	})
	h.start(t)

	h.inspector.set(h.w.PID(), sysproc.StateGone)
	h.w.checkProcess()

	assert.Eventually(t, func() bool {
		return h.w.Phase() == types.WorkerPhaseStarting && h.launcher.launches() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestPendingRestartIsRepeated(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	h.start(t)

	h.inspector.set(h.w.PID(), sysproc.StateGone)
	h.w.checkProcess()
	<-h.restarts

	// Nobody acted on it; the next tick asks again
	h.w.checkProcess()
	select {
	case req := <-h.restarts:
		assert.Equal(t, "previous restart did not complete", req.Reason)
	case <-time.After(time.Second):
		t.Fatal("restart not repeated")
	}
}

func TestExitWhileDisabledDoesNotRestart(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	h.start(t)
	h.w.mu.Lock()
	h.w.enabled = false
	h.w.mu.Unlock()

	h.inspector.set(h.w.PID(), sysproc.StateGone)
	h.w.checkProcess()

	select {
	case <-h.restarts:
		t.Fatal("disabled worker must not restart")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisabledButAliveIsDrained(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	h.start(t)

	h.w.mu.Lock()
	h.w.enabled = false
	h.w.mu.Unlock()

	h.w.checkProcess()

	proc := h.launcher.last()
	assert.Eventually(t, proc.wasTerminated, time.Second, 5*time.Millisecond)
}

func TestScheduledShutdownWaitsForClients(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	s := &fakeSender{addr: "peer"}
	h.w.AttachSession(s)
	h.w.HandleMessage(&protocol.Status{Code: 1, NumClients: 1})

	h.w.ScheduleShutdown(true)
	assert.True(t, h.w.ShutdownScheduled())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, s.count(protocol.CommandShutdown))

	h.w.HandleMessage(&protocol.Status{Code: 1, NumClients: 0})

	select {
	case req := <-h.removes:
		assert.Equal(t, types.WorkerID(1), req.ID)
	case <-time.After(time.Second):
		t.Fatal("no remove requested")
	}
	assert.Equal(t, 1, s.count(protocol.CommandShutdown))
	assert.False(t, h.w.ShutdownScheduled())
}

func TestEnableCancelsScheduledShutdown(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	s := &fakeSender{addr: "peer"}
	h.w.AttachSession(s)
	h.w.HandleMessage(&protocol.Status{Code: 1, NumClients: 4})

	h.w.Disable()
	assert.False(t, h.w.Enabled())
	assert.True(t, h.w.ShutdownScheduled())

	h.w.Enable()
	assert.True(t, h.w.Enabled())
	assert.False(t, h.w.ShutdownScheduled())
	assert.False(t, h.w.tasks.running(taskShutdownWaiter))
}

func TestBotMatchEjected(t *testing.T) {
	h := newHarness(t, Options{
		Enabled: true,
		BotEject: config.BotEjectConfig{
			Enabled:         true,
			Grace:           100 * time.Millisecond,
			MessageInterval: 20 * time.Millisecond,
			Message:         "bot matches are not allowed",
		},
	})
	s := &fakeSender{addr: "peer"}
	h.w.AttachSession(s)

	h.w.HandleMessage(protocol.LobbyCreated{MatchInfo: types.MatchInfo{MatchID: 1, Mode: "botmatch"}})

	assert.Eventually(t, func() bool { return s.count(protocol.CommandShutdown) == 1 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, s.count(protocol.CommandMessage), 2)
}

func TestBotEjectCancelledWhenLobbyCloses(t *testing.T) {
	h := newHarness(t, Options{
		Enabled: true,
		BotEject: config.BotEjectConfig{
			Enabled:         true,
			Grace:           150 * time.Millisecond,
			MessageInterval: 20 * time.Millisecond,
			Message:         "no bots",
		},
	})
	s := &fakeSender{addr: "peer"}
	h.w.AttachSession(s)

	h.w.HandleMessage(protocol.LobbyCreated{MatchInfo: types.MatchInfo{MatchID: 1, Mode: "botmatch"}})
	require.Eventually(t, func() bool { return h.w.tasks.running(taskBotEject) }, time.Second, 5*time.Millisecond)

	h.w.HandleMessage(protocol.LobbyClosed{})
	require.Eventually(t, func() bool { return !h.w.tasks.running(taskBotEject) }, time.Second, 5*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, s.count(protocol.CommandShutdown))
}

func TestDetachSessionClearsState(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	s := &fakeSender{addr: "peer"}
	h.w.AttachSession(s)
	h.w.HandleMessage(&protocol.Status{Code: 1, NumClients: 1, HasPlayerBlock: true,
		Players: []types.Player{{AccountID: 1, IP: "1.2.3.4"}}})

	// A stale session is ignored
	h.w.DetachSession(&fakeSender{addr: "other"})
	assert.NotNil(t, h.w.Session())

	h.w.DetachSession(s)
	assert.Nil(t, h.w.Session())
	assert.Empty(t, h.w.Tracker().Players())
	assert.Equal(t, 0, h.w.Clients())
}

func TestSidecarUnsupportedDowngrades(t *testing.T) {
	sc := &fakeSidecar{startErr: proxy.ErrUnsupportedPlatform}
	h := newHarness(t, Options{Enabled: true, Sidecar: sc})

	h.start(t)
	assert.False(t, h.w.tasks.running(taskProxy))

	h.w.mu.RLock()
	defer h.w.mu.RUnlock()
	assert.False(t, h.w.proxyEnabled)
}

func TestSidecarStartedAndStopped(t *testing.T) {
	sc := &fakeSidecar{}
	h := newHarness(t, Options{Enabled: true, Sidecar: sc})
	s := &fakeSender{addr: "peer"}
	h.w.AttachSession(s)

	h.start(t)
	assert.True(t, h.w.tasks.running(taskProxy))
	assert.Equal(t, 77, h.w.Snapshot().ProxyPID)

	require.NoError(t, h.w.StopNetwork(nil, StopOptions{}))
	assert.False(t, h.w.tasks.running(taskProxy))
	assert.Equal(t, 0, h.w.ProxyPID())
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, Options{Enabled: true})
	s := &fakeSender{addr: "127.0.0.1:40000"}
	h.w.AttachSession(s)
	h.start(t)

	snap := h.w.Snapshot()
	assert.Equal(t, types.WorkerID(1), snap.ID)
	assert.Equal(t, 11236, snap.ControlPort)
	assert.Equal(t, types.WorkerPhaseRunning, snap.Phase)
	assert.True(t, snap.Connected)
	assert.Equal(t, "127.0.0.1:40000", snap.Peer)
	assert.Equal(t, 1001, snap.PID)
	require.NotNil(t, snap.State.Status)
	assert.Equal(t, 1, *snap.State.Status)
}
