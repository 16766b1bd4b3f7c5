package proxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hangar/pkg/log"
	"github.com/cuemby/hangar/pkg/metrics"
	"github.com/cuemby/hangar/pkg/storage"
	"github.com/cuemby/hangar/pkg/sysproc"
	"github.com/cuemby/hangar/pkg/types"
)

// ErrUnsupportedPlatform is returned when the sidecar is requested on a
// platform it does not run on
var ErrUnsupportedPlatform = errors.New("proxy sidecar is only supported on windows")

// Options configure one worker's sidecar
type Options struct {
	WorkerID     types.WorkerID
	Executable   string
	ConfigDir    string
	Ports        types.PortMapping
	RestartDelay time.Duration

	// Platform defaults to runtime.GOOS
	Platform string
}

// Sidecar manages the voice proxy process of one worker
type Sidecar struct {
	opts      Options
	launcher  sysproc.Launcher
	inspector sysproc.Inspector
	store     storage.Store
	logger    zerolog.Logger

	mu   sync.Mutex
	proc sysproc.Process
}

// New creates a sidecar manager. store may be nil.
func New(opts Options, launcher sysproc.Launcher, inspector sysproc.Inspector, store storage.Store) *Sidecar {
	if opts.Platform == "" {
		opts.Platform = runtime.GOOS
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 5 * time.Second
	}
	return &Sidecar{
		opts:      opts,
		launcher:  launcher,
		inspector: inspector,
		store:     store,
		logger:    log.WithWorkerID("proxy", int(opts.WorkerID)),
	}
}

// Supported reports whether the sidecar can run on this platform
func (s *Sidecar) Supported() bool {
	return s.opts.Platform == "windows"
}

// ConfigPath returns the generated config file location
func (s *Sidecar) ConfigPath() string {
	return filepath.Join(s.opts.ConfigDir, fmt.Sprintf("proxy-%d.cfg", int(s.opts.WorkerID)))
}

// Argv returns the sidecar command line
func (s *Sidecar) Argv() []string {
	return []string{s.opts.Executable, "-c", s.ConfigPath()}
}

// WriteConfig renders the port mapping into the sidecar config file
func (s *Sidecar) WriteConfig() error {
	p := s.opts.Ports
	content := fmt.Sprintf(
		"count=2\n"+
			"ip=0.0.0.0\n"+
			"publicPort0=%d\nredirectPort0=%d\n"+
			"publicPort1=%d\nredirectPort1=%d\n",
		p.PublicGamePort, p.GamePort,
		p.PublicVoicePort, p.VoicePort,
	)
	if err := os.MkdirAll(s.opts.ConfigDir, 0755); err != nil {
		return fmt.Errorf("failed to create proxy config dir: %w", err)
	}
	if err := os.WriteFile(s.ConfigPath(), []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write proxy config: %w", err)
	}
	return nil
}

// Start ensures the sidecar runs. A sidecar recorded by an earlier run
// is reused when its command line still matches.
func (s *Sidecar) Start(ctx context.Context) error {
	if !s.Supported() {
		return fmt.Errorf("%w (running on %s)", ErrUnsupportedPlatform, s.opts.Platform)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil && s.alive(s.proc.PID()) {
		return nil
	}
	s.proc = nil

	if err := s.WriteConfig(); err != nil {
		return err
	}
	if proc := s.reuse(); proc != nil {
		s.proc = proc
		s.logger.Info().Int("pid", proc.PID()).Msg("Reusing running proxy")
		return nil
	}

	argv := s.Argv()
	proc, err := s.launcher.Launch(sysproc.Spec{Argv: argv, Dir: s.opts.ConfigDir})
	if err != nil {
		return fmt.Errorf("failed to launch proxy: %w", err)
	}
	s.proc = proc

	if s.store != nil {
		rec := &types.ProxyRecord{
			WorkerID:  s.opts.WorkerID,
			PID:       proc.PID(),
			Cmdline:   argv,
			StartedAt: time.Now(),
		}
		if err := s.store.SaveProxy(rec); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to persist proxy PID")
		}
	}
	s.logger.Info().Int("pid", proc.PID()).Msg("Proxy started")
	return nil
}

// reuse must be called with s.mu held
func (s *Sidecar) reuse() sysproc.Process {
	if s.store == nil {
		return nil
	}
	rec, err := s.store.GetProxy(s.opts.WorkerID)
	if err != nil {
		return nil
	}

	cmdline, err := s.inspector.Cmdline(rec.PID)
	if err != nil || !slices.Equal(cmdline, s.Argv()) {
		s.logger.Debug().Int("pid", rec.PID).Msg("Recorded proxy is gone or changed")
		s.forget()
		return nil
	}

	proc, err := s.launcher.Attach(rec.PID)
	if err != nil {
		s.logger.Debug().Err(err).Int("pid", rec.PID).Msg("Failed to attach to recorded proxy")
		s.forget()
		return nil
	}
	return proc
}

// forget drops the persisted sidecar record
func (s *Sidecar) forget() {
	if err := s.store.DeleteProxy(s.opts.WorkerID); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to delete proxy record")
	}
}

func (s *Sidecar) alive(pid int) bool {
	state, err := s.inspector.Status(pid)
	return err == nil && state.Alive()
}

// Run restarts the sidecar whenever it is found dead, until ctx ends
func (s *Sidecar) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.RestartDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pid := s.PID(); pid != 0 && s.alive(pid) {
				continue
			}
			s.logger.Warn().Msg("Proxy not running, restarting")
			metrics.ProxyRestarts.Inc()
			if err := s.Start(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Failed to restart proxy")
			}
		}
	}
}

// Stop terminates the sidecar. Stopping a stopped sidecar is a no-op.
func (s *Sidecar) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil {
		return nil
	}
	proc := s.proc
	s.proc = nil

	if s.store != nil {
		s.forget()
	}
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("failed to stop proxy: %w", err)
	}
	s.logger.Info().Int("pid", proc.PID()).Msg("Proxy stopped")
	return nil
}

// PID returns the sidecar process ID, or 0
func (s *Sidecar) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}
