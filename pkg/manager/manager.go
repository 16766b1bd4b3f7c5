package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/cuemby/hangar/pkg/config"
	"github.com/cuemby/hangar/pkg/events"
	"github.com/cuemby/hangar/pkg/log"
	"github.com/cuemby/hangar/pkg/proxy"
	"github.com/cuemby/hangar/pkg/storage"
	"github.com/cuemby/hangar/pkg/types"
	"github.com/cuemby/hangar/pkg/worker"
)

var (
	// ErrUnknownWorker is returned for commands naming a worker that
	// does not exist
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrNoSession is returned for commands to a worker without a
	// control session
	ErrNoSession = worker.ErrNoSession

	// ErrSessionConflict is returned when a second session announces a
	// port that already has one
	ErrSessionConflict = errors.New("port already has a session")

	// ErrInvalidPort is returned for announced ports below the base port
	ErrInvalidPort = errors.New("announced port outside the fleet range")
)

// Manager owns the fleet: every worker, every control session, the
// listener workers dial back to and the start throttle
type Manager struct {
	cfg    *config.Config
	bus    *events.Bus
	deps   worker.Deps
	logger zerolog.Logger

	// opts is applied on top of the configuration for every worker
	opts worker.Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	workers  map[types.WorkerID]*worker.Worker
	sessions map[int]*Session
	limiters map[types.WorkerID]*rate.Limiter
	listener net.Listener

	startSem *semaphore.Weighted
	wg       sync.WaitGroup
}

// NewManager creates the fleet manager and subscribes its command
// handlers on deps.Bus. Workers are created by Bootstrap or on announce.
func NewManager(ctx context.Context, cfg *config.Config, deps worker.Deps, opts worker.Options) *Manager {
	mctx, cancel := context.WithCancel(ctx)

	n := cfg.StartConcurrency
	if n < 1 {
		n = 1
	}

	m := &Manager{
		cfg:      cfg,
		bus:      deps.Bus,
		deps:     deps,
		opts:     opts,
		logger:   log.WithComponent("manager"),
		ctx:      mctx,
		cancel:   cancel,
		workers:  make(map[types.WorkerID]*worker.Worker),
		sessions: make(map[int]*Session),
		limiters: make(map[types.WorkerID]*rate.Limiter),
		startSem: semaphore.NewWeighted(int64(n)),
	}
	m.subscribe()
	return m
}

// Bootstrap creates the statically configured workers. Enabled flags are
// restored from the store when a record exists.
func (m *Manager) Bootstrap() error {
	for _, id := range m.cfg.WorkerIDs() {
		if _, err := m.CreateWorker(id.Port(m.cfg.BasePort)); err != nil {
			return err
		}
	}
	m.logger.Info().Int("workers", m.cfg.WorkerCount).Msg("Fleet created")
	return nil
}

// CreateWorker returns the worker for a control port, creating it if
// needed
func (m *Manager) CreateWorker(port int) (*worker.Worker, error) {
	if port < m.cfg.BasePort {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	id := types.WorkerIDFromPort(port, m.cfg.BasePort)

	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.workers[id]; ok {
		return w, nil
	}

	w := worker.New(m.ctx, id, port, m.deps, m.workerOptions(id))
	m.workers[id] = w
	m.limiters[id] = m.newLimiter()
	w.StartMonitor()

	m.logger.Info().
		Str("worker_id", id.String()).
		Int("port", port).
		Bool("enabled", w.Enabled()).
		Msg("Worker created")
	return w, nil
}

func (m *Manager) workerOptions(id types.WorkerID) worker.Options {
	opts := m.opts
	opts.Executable = m.cfg.Worker.Executable
	opts.WorkDir = m.cfg.Worker.WorkDir
	opts.Settings = m.cfg.WorkerSettings(id)
	opts.BotEject = m.cfg.BotEject
	opts.Enabled = m.restoreEnabled(id)

	if m.cfg.Proxy.Enabled {
		opts.Sidecar = proxy.New(proxy.Options{
			WorkerID:     id,
			Executable:   m.cfg.Proxy.Executable,
			ConfigDir:    filepath.Join(m.cfg.DataDir, "proxy"),
			Ports:        m.cfg.Ports(id),
			RestartDelay: m.cfg.Proxy.RestartDelay,
		}, m.deps.Launcher, m.deps.Inspector, m.deps.Store)
	}
	return opts
}

func (m *Manager) restoreEnabled(id types.WorkerID) bool {
	if m.deps.Store == nil {
		return true
	}
	rec, err := m.deps.Store.GetWorker(id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn().Err(err).Str("worker_id", id.String()).Msg("Failed to load worker state")
		}
		return true
	}
	return rec.Enabled
}

func (m *Manager) newLimiter() *rate.Limiter {
	burst := m.cfg.Restart.Burst
	if burst < 1 || m.cfg.Restart.Interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(m.cfg.Restart.Interval), burst)
}

// RemoveWorker deletes a worker from the fleet. Its session is closed;
// its OS process, if any, is left to the caller.
func (m *Manager) RemoveWorker(id types.WorkerID) error {
	m.mu.Lock()
	w, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	delete(m.workers, id)
	delete(m.limiters, id)
	s := m.sessions[w.Port()]
	m.mu.Unlock()

	if s != nil {
		s.Close()
	}
	w.Close()

	if m.deps.Store != nil {
		if err := m.deps.Store.DeleteWorker(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn().Err(err).Str("worker_id", id.String()).Msg("Failed to delete worker record")
		}
	}
	m.logger.Info().Str("worker_id", id.String()).Msg("Worker removed")
	return nil
}

// Worker returns a worker by ID
func (m *Manager) Worker(id types.WorkerID) (*worker.Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	return w, ok
}

// Workers returns every worker ordered by ID
func (m *Manager) Workers() []*worker.Worker {
	m.mu.RLock()
	out := make([]*worker.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// targets resolves a command target to workers
func (m *Manager) targets(t types.Target) ([]*worker.Worker, error) {
	if t.All {
		return m.Workers(), nil
	}
	w, ok := m.Worker(t.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, t.ID)
	}
	return []*worker.Worker{w}, nil
}

// AddSession binds s to port. A port that already has a live session
// keeps it and the call fails.
func (m *Manager) AddSession(s *Session, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[port]; ok && existing != s {
		m.logger.Error().
			Int("port", port).
			Str("existing", existing.RemoteAddr()).
			Str("peer", s.RemoteAddr()).
			Msg("Session already registered for port")
		return fmt.Errorf("%w: %d", ErrSessionConflict, port)
	}
	m.sessions[port] = s
	return nil
}

// RemoveSession unregisters s and resets its worker's game state
func (m *Manager) RemoveSession(s *Session) {
	m.mu.Lock()
	if current, ok := m.sessions[s.Port()]; ok && current == s {
		delete(m.sessions, s.Port())
	}
	m.mu.Unlock()

	if w := s.Worker(); w != nil {
		w.DetachSession(s)
	}
}

// Session returns the session bound to a port
func (m *Manager) Session(port int) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[port]
	return s, ok
}

// SessionCount returns the number of bound sessions
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StartWorker starts one worker under the fleet start limit
func (m *Manager) StartWorker(ctx context.Context, id types.WorkerID) error {
	w, ok := m.Worker(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	return m.start(ctx, w)
}

func (m *Manager) start(ctx context.Context, w *worker.Worker) error {
	if err := m.startSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.startSem.Release(1)

	return w.Start(ctx, m.cfg.StartTimeout)
}

// StartAll starts every enabled worker, at most StartConcurrency at a
// time, and waits for all of them
func (m *Manager) StartAll(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, w := range m.Workers() {
		if !w.Enabled() {
			continue
		}
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			err := m.start(ctx, w)
			if err != nil && !errors.Is(err, worker.ErrAlreadyStarting) {
				m.logger.Error().Err(err).Str("worker_id", w.ID().String()).Msg("Failed to start worker")
				mu.Lock()
				errs = append(errs, fmt.Errorf("worker %s: %w", w.ID(), err))
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Listen binds the announce listener
func (m *Manager) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	m.mu.Lock()
	m.listener = ln
	m.mu.Unlock()
	m.logger.Info().Str("addr", ln.Addr().String()).Msg("Listening for workers")
	return nil
}

// Addr returns the bound listener address, or nil before Listen
func (m *Manager) Addr() net.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Serve accepts worker connections until the manager is closed
func (m *Manager) Serve() error {
	m.mu.RLock()
	ln := m.listener
	m.mu.RUnlock()
	if ln == nil {
		return errors.New("manager is not listening")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if m.ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleConn(conn)
		}()
	}
}

// Close stops accepting, closes every session and tears down the
// workers' background tasks. Worker processes keep running.
func (m *Manager) Close() error {
	m.cancel()

	m.mu.Lock()
	ln := m.listener
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, s := range sessions {
		s.Close()
	}
	m.wg.Wait()

	for _, w := range m.Workers() {
		w.Close()
	}
	m.logger.Info().Msg("Manager stopped")
	return err
}
