package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hangar/pkg/config"
	"github.com/cuemby/hangar/pkg/events"
	"github.com/cuemby/hangar/pkg/gamestate"
	"github.com/cuemby/hangar/pkg/log"
	"github.com/cuemby/hangar/pkg/metrics"
	"github.com/cuemby/hangar/pkg/protocol"
	"github.com/cuemby/hangar/pkg/storage"
	"github.com/cuemby/hangar/pkg/sysproc"
	"github.com/cuemby/hangar/pkg/types"
)

// MinFreeMemory is the free memory floor checked before a launch
const MinFreeMemory uint64 = 1 << 30

// Task table entries
const (
	taskMonitor        = "monitor"
	taskProxy          = "proxy"
	taskShutdownWaiter = "shutdown_waiter"
	taskBotEject       = "bot_eject"
)

const botMatchMode = "botmatch"

// Sender writes commands to a worker's control channel
type Sender interface {
	Send(cmd protocol.Command) error
	RemoteAddr() string
}

// Sidecar is a helper process started alongside the worker
type Sidecar interface {
	Start(ctx context.Context) error
	Run(ctx context.Context)
	Stop() error
	PID() int
}

// Deps are the collaborators a worker needs
type Deps struct {
	Bus       *events.Bus
	Launcher  sysproc.Launcher
	Inspector sysproc.Inspector
	Memory    sysproc.MemoryProbe
	Priority  sysproc.PriorityController
	Args      config.ArgBuilder

	// Store persists the enabled flag. Optional.
	Store storage.Store
}

// Options configure one worker
type Options struct {
	Executable string
	WorkDir    string
	Settings   map[string]string
	Enabled    bool

	// Sidecar is the voice proxy. Nil disables proxying.
	Sidecar Sidecar

	BotEject config.BotEjectConfig

	MonitorInterval   time.Duration
	DrainPollInterval time.Duration
	MinFreeMemory     uint64
}

func (o *Options) setDefaults() {
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = 5 * time.Second
	}
	if o.DrainPollInterval <= 0 {
		o.DrainPollInterval = time.Second
	}
	if o.MinFreeMemory == 0 {
		o.MinFreeMemory = MinFreeMemory
	}
}

// Worker supervises one game-server slot: its OS process, control
// session, proxy sidecar and game state
type Worker struct {
	id   types.WorkerID
	port int
	deps Deps
	opts Options

	tracker *gamestate.Tracker
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu                  sync.RWMutex
	phase               types.WorkerPhase
	enabled             bool
	scheduledShutdown   bool
	deleteAfterShutdown bool
	proxyEnabled        bool
	proc                sysproc.Process
	session             Sender
	started             time.Time
	expectExit          bool
	needsRestart        bool

	statusSeen *signal
	closedSeen *signal

	tasks *taskTable
}

// New creates a worker for the given slot. Its context is derived from
// ctx; Close cancels it.
func New(ctx context.Context, id types.WorkerID, port int, deps Deps, opts Options) *Worker {
	opts.setDefaults()
	wctx, cancel := context.WithCancel(ctx)

	w := &Worker{
		id:           id,
		port:         port,
		deps:         deps,
		opts:         opts,
		tracker:      gamestate.NewTracker(wctx),
		logger:       log.WithWorkerID("worker", int(id)),
		ctx:          wctx,
		cancel:       cancel,
		phase:        types.WorkerPhaseStopped,
		enabled:      opts.Enabled,
		proxyEnabled: opts.Sidecar != nil,
		statusSeen:   newSignal(),
		closedSeen:   newSignal(),
		tasks:        newTaskTable(wctx),
	}
	w.tracker.OnChange(w.onStateChange)
	return w
}

// ID returns the slot ID
func (w *Worker) ID() types.WorkerID {
	return w.id
}

// Port returns the control port
func (w *Worker) Port() int {
	return w.port
}

// Tracker returns the worker's game state
func (w *Worker) Tracker() *gamestate.Tracker {
	return w.tracker
}

// Phase returns the lifecycle phase
func (w *Worker) Phase() types.WorkerPhase {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.phase
}

func (w *Worker) setPhase(p types.WorkerPhase) {
	w.mu.Lock()
	w.phase = p
	w.mu.Unlock()
}

// Enabled reports whether the worker should be running
func (w *Worker) Enabled() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.enabled
}

// ShutdownScheduled reports whether a drain-then-stop is pending
func (w *Worker) ShutdownScheduled() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.scheduledShutdown
}

// PID returns the worker process ID, or 0 without a process
func (w *Worker) PID() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.proc == nil {
		return 0
	}
	return w.proc.PID()
}

// ProxyPID returns the sidecar process ID, or 0
func (w *Worker) ProxyPID() int {
	if w.opts.Sidecar == nil {
		return 0
	}
	return w.opts.Sidecar.PID()
}

// Session returns the attached control session, or nil
func (w *Worker) Session() Sender {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.session
}

// Clients returns the last reported client count
func (w *Worker) Clients() int {
	n, _ := w.tracker.Int(gamestate.KeyNumClients)
	return n
}

// Enable marks the worker should-run and cancels a pending shutdown
func (w *Worker) Enable() {
	w.mu.Lock()
	w.enabled = true
	w.proxyEnabled = w.opts.Sidecar != nil
	w.mu.Unlock()

	w.persist()
	w.Unschedule()
	w.logger.Info().Msg("Worker enabled")
}

// Disable marks the worker should-not-run and drains it
func (w *Worker) Disable() {
	w.mu.Lock()
	w.enabled = false
	w.mu.Unlock()

	w.persist()
	if w.PID() != 0 || w.Session() != nil {
		w.ScheduleShutdown(false)
	}
	w.logger.Info().Msg("Worker disabled")
}

func (w *Worker) persist() {
	if w.deps.Store == nil {
		return
	}
	rec := &types.WorkerRecord{ID: w.id, Enabled: w.Enabled(), UpdatedAt: time.Now()}
	if err := w.deps.Store.SaveWorker(rec); err != nil {
		w.logger.Error().Err(err).Msg("Failed to persist worker state")
	}
}

// AttachSession binds a control session to the worker
func (w *Worker) AttachSession(s Sender) {
	w.mu.Lock()
	prev := w.session
	w.session = s
	w.mu.Unlock()

	if prev != nil && prev != s {
		w.logger.Warn().Str("peer", prev.RemoteAddr()).Msg("Replacing existing control session")
	}
	w.logger.Info().Str("peer", s.RemoteAddr()).Msg("Control session attached")
}

// DetachSession unbinds s and resets the game state. A session that is
// no longer the attached one is ignored.
func (w *Worker) DetachSession(s Sender) {
	w.mu.Lock()
	if w.session != s {
		w.mu.Unlock()
		return
	}
	w.session = nil
	w.mu.Unlock()

	w.tasks.cancel(taskBotEject)
	w.tracker.Clear()
	metrics.WorkerClients.WithLabelValues(w.id.String()).Set(0)
	w.logger.Info().Str("peer", s.RemoteAddr()).Msg("Control session detached")
}

// Send writes a command to the attached session
func (w *Worker) Send(cmd protocol.Command) error {
	s := w.Session()
	if s == nil {
		return ErrNoSession
	}
	if err := s.Send(cmd); err != nil {
		return err
	}
	metrics.CommandsSent.WithLabelValues(cmd.Kind.String()).Inc()
	return nil
}

// StartMonitor launches the process monitor loop
func (w *Worker) StartMonitor() {
	w.tasks.start(taskMonitor, w.monitorLoop)
}

// Snapshot returns a point-in-time view of the worker
func (w *Worker) Snapshot() types.WorkerSnapshot {
	w.mu.RLock()
	snap := types.WorkerSnapshot{
		ID:                  w.id,
		ControlPort:         w.port,
		Phase:               w.phase,
		Enabled:             w.enabled,
		ScheduledShutdown:   w.scheduledShutdown,
		DeleteAfterShutdown: w.deleteAfterShutdown,
		Connected:           w.session != nil,
		Started:             w.started,
	}
	if w.proc != nil {
		snap.PID = w.proc.PID()
	}
	if w.session != nil {
		snap.Peer = w.session.RemoteAddr()
	}
	w.mu.RUnlock()

	snap.ProxyPID = w.ProxyPID()
	snap.State = w.tracker.View()
	return snap
}

// Close cancels every background task and stops the sidecar. The OS
// process is left running.
func (w *Worker) Close() {
	w.stopSidecar()
	w.cancel()
	w.tasks.wait()
	w.tracker.Wait()
}
