package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/hangar/pkg/events"
	"github.com/cuemby/hangar/pkg/gamestate"
	"github.com/cuemby/hangar/pkg/metrics"
	"github.com/cuemby/hangar/pkg/protocol"
	"github.com/cuemby/hangar/pkg/proxy"
	"github.com/cuemby/hangar/pkg/sysproc"
	"github.com/cuemby/hangar/pkg/types"
)

// StopOptions control StopNetwork
type StopOptions struct {
	Reason string

	// Graceful refuses to stop while clients are connected
	Graceful bool

	// Disable clears the should-run flag
	Disable bool
}

// Start brings the worker up. An already running matching process that
// has reported status is adopted. Otherwise the free memory floor is
// checked, the process is launched detached, and Start waits until the
// first status frame, a closed frame or the timeout.
func (w *Worker) Start(ctx context.Context, timeout time.Duration) error {
	w.mu.Lock()
	switch {
	case w.phase == types.WorkerPhaseStarting:
		w.mu.Unlock()
		return ErrAlreadyStarting
	case w.proc != nil:
		w.mu.Unlock()
		return nil
	}
	w.phase = types.WorkerPhaseStarting
	w.mu.Unlock()

	if w.adopt() {
		return nil
	}

	if err := w.checkMemory(); err != nil {
		w.setPhase(types.WorkerPhaseStopped)
		metrics.WorkerStarts.WithLabelValues("memory").Inc()
		return err
	}

	argv := w.deps.Args.Build(w.id, w.opts.Settings)
	w.statusSeen.reset()
	w.closedSeen.reset()
	w.tracker.Clear()

	proc, err := w.deps.Launcher.Launch(sysproc.Spec{Argv: argv, Dir: w.opts.WorkDir})
	if err != nil {
		w.setPhase(types.WorkerPhaseStopped)
		metrics.WorkerStarts.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to launch worker %s: %w", w.id, err)
	}

	w.mu.Lock()
	w.proc = proc
	w.started = time.Now()
	w.expectExit = false
	w.needsRestart = false
	w.mu.Unlock()

	w.logger.Info().
		Int("pid", proc.PID()).
		Strs("argv", argv).
		Dur("timeout", timeout).
		Msg("Worker process launched")

	w.startSidecar(ctx)

	timer := metrics.NewTimer()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-w.statusSeen.done():
		w.mu.Lock()
		if w.phase == types.WorkerPhaseStarting {
			w.phase = types.WorkerPhaseRunning
		}
		w.mu.Unlock()
		timer.ObserveDuration(metrics.WorkerStartDuration)
		metrics.WorkerStarts.WithLabelValues("success").Inc()
		w.logger.Info().Dur("took", timer.Duration()).Msg("Worker started")
		return nil

	case <-w.closedSeen.done():
		w.setPhase(types.WorkerPhaseStopping)
		metrics.WorkerStarts.WithLabelValues("closed").Inc()
		return ErrStartAborted

	case <-deadline.C:
		metrics.WorkerStarts.WithLabelValues("timeout").Inc()
		w.logger.Warn().Dur("timeout", timeout).Msg("Worker did not report status, scheduling shutdown")
		w.setPhase(types.WorkerPhaseStopping)
		w.ScheduleShutdown(false)
		return ErrStartTimeout

	case <-ctx.Done():
		w.setPhase(types.WorkerPhaseStopping)
		return ctx.Err()
	}
}

// adopt takes over a running process of this slot that has already
// reported status
func (w *Worker) adopt() bool {
	if _, ok := w.tracker.Int(gamestate.KeyStatus); !ok {
		return false
	}
	proc, ok := w.findOwnProcess()
	if !ok {
		return false
	}

	w.mu.Lock()
	w.proc = proc
	w.phase = types.WorkerPhaseRunning
	w.started = time.Now()
	w.expectExit = false
	w.needsRestart = false
	w.mu.Unlock()

	metrics.WorkerStarts.WithLabelValues("adopted").Inc()
	w.logger.Info().Int("pid", proc.PID()).Msg("Adopted running worker process")
	w.startSidecar(w.ctx)
	return true
}

func (w *Worker) findOwnProcess() (sysproc.Process, bool) {
	identity := w.deps.Args.Identity(w.id)
	found, err := w.deps.Inspector.Find(sysproc.Filter{Exe: w.opts.Executable, Args: identity})
	if err != nil {
		if !errors.Is(err, sysproc.ErrUnsupported) {
			w.logger.Warn().Err(err).Msg("Failed to scan for running worker process")
		}
		return nil, false
	}
	if len(found) == 0 {
		return nil, false
	}
	if len(found) > 1 && identity == nil {
		w.logger.Warn().Int("matches", len(found)).Msg("Several worker processes match, not adopting")
		return nil, false
	}

	proc, err := w.deps.Launcher.Attach(found[0].PID)
	if err != nil {
		w.logger.Warn().Err(err).Int("pid", found[0].PID).Msg("Failed to attach to worker process")
		return nil, false
	}
	return proc, true
}

// checkMemory is advisory: another launch may consume the memory
// between the check and the spawn
func (w *Worker) checkMemory() error {
	if w.deps.Memory == nil {
		return nil
	}
	avail, err := w.deps.Memory.AvailableMemory()
	if err != nil {
		w.logger.Debug().Err(err).Msg("Free memory unknown, skipping check")
		return nil
	}
	metrics.HostMemoryAvailableBytes.Set(float64(avail))
	if avail < w.opts.MinFreeMemory {
		w.logger.Error().
			Uint64("available_mb", avail>>20).
			Uint64("required_mb", w.opts.MinFreeMemory>>20).
			Msg("Not enough RAM to start worker")
		return fmt.Errorf("%w: %d MiB available", ErrInsufficientMemory, avail>>20)
	}
	return nil
}

// StopNetwork asks the worker to shut down over its control session. A
// graceful stop is refused while clients are connected; the caller is
// expected to retry. A nil sender uses the attached session.
func (w *Worker) StopNetwork(sender Sender, opts StopOptions) error {
	if sender == nil {
		sender = w.Session()
	}
	if sender == nil {
		return ErrNoSession
	}
	if opts.Graceful {
		if n := w.Clients(); n != 0 {
			return fmt.Errorf("%w: %d", ErrClientsConnected, n)
		}
	}

	w.stopSidecar()
	if err := sender.Send(protocol.Shutdown()); err != nil {
		return fmt.Errorf("failed to send shutdown: %w", err)
	}
	metrics.CommandsSent.WithLabelValues(protocol.CommandShutdown.String()).Inc()

	w.mu.Lock()
	w.expectExit = true
	if w.phase != types.WorkerPhaseStopped {
		w.phase = types.WorkerPhaseStopping
	}
	if opts.Disable {
		w.enabled = false
	}
	w.mu.Unlock()

	if opts.Disable {
		w.persist()
	}
	w.closedSeen.fire()

	w.logger.Info().
		Str("reason", opts.Reason).
		Bool("graceful", opts.Graceful).
		Bool("disable", opts.Disable).
		Msg("Shutdown sent to worker")
	return nil
}

// StopProcess terminates the OS process without using the control channel
func (w *Worker) StopProcess() error {
	w.mu.Lock()
	proc := w.proc
	if proc != nil {
		w.expectExit = true
		w.phase = types.WorkerPhaseStopping
	}
	w.mu.Unlock()

	w.stopSidecar()
	if proc == nil {
		return nil
	}
	if err := proc.Terminate(); err != nil {
		return err
	}
	w.logger.Info().Int("pid", proc.PID()).Msg("Worker process terminated")
	return nil
}

// ScheduleShutdown drains the worker and stops it once no clients are
// connected. With del the worker is removed from the fleet afterwards.
func (w *Worker) ScheduleShutdown(del bool) {
	w.mu.Lock()
	already := w.scheduledShutdown
	w.scheduledShutdown = true
	w.deleteAfterShutdown = w.deleteAfterShutdown || del
	w.mu.Unlock()

	if already {
		return
	}
	w.logger.Info().Bool("delete", del).Msg("Shutdown scheduled")
	w.tasks.start(taskShutdownWaiter, w.drainAndStop)
}

// Unschedule cancels a pending scheduled shutdown
func (w *Worker) Unschedule() {
	w.mu.Lock()
	was := w.scheduledShutdown
	w.scheduledShutdown = false
	w.deleteAfterShutdown = false
	w.mu.Unlock()

	w.tasks.cancel(taskShutdownWaiter)
	if was {
		w.logger.Info().Msg("Scheduled shutdown cancelled")
	}
}

// ScheduleRestart drains and stops the worker without disabling it; the
// monitor loop starts it again once the process is gone
func (w *Worker) ScheduleRestart(reason string) {
	w.logger.Info().Str("reason", reason).Msg("Restart scheduled")
	w.ScheduleShutdown(false)
}

func (w *Worker) drainAndStop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.DrainPollInterval)
	defer ticker.Stop()

	for {
		if w.tryScheduledStop() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) tryScheduledStop() bool {
	w.mu.RLock()
	scheduled := w.scheduledShutdown
	del := w.deleteAfterShutdown
	session := w.session
	hasProc := w.proc != nil
	w.mu.RUnlock()

	if !scheduled {
		return true
	}

	switch {
	case session != nil:
		err := w.StopNetwork(session, StopOptions{Reason: "scheduled shutdown", Graceful: true})
		if errors.Is(err, ErrClientsConnected) {
			return false
		}
		if err != nil {
			w.logger.Warn().Err(err).Msg("Scheduled shutdown failed, retrying")
			return false
		}
	case hasProc:
		if err := w.StopProcess(); err != nil {
			w.logger.Warn().Err(err).Msg("Scheduled shutdown failed, retrying")
			return false
		}
	}

	w.mu.Lock()
	w.scheduledShutdown = false
	w.deleteAfterShutdown = false
	w.mu.Unlock()

	if del {
		w.deps.Bus.Emit(events.RemoveRequest{ID: w.id})
	}
	return true
}

func (w *Worker) startSidecar(ctx context.Context) {
	sc := w.opts.Sidecar
	if sc == nil {
		return
	}
	w.mu.RLock()
	on := w.proxyEnabled && w.enabled
	w.mu.RUnlock()
	if !on {
		return
	}

	if err := sc.Start(ctx); err != nil {
		if errors.Is(err, proxy.ErrUnsupportedPlatform) {
			w.mu.Lock()
			w.proxyEnabled = false
			w.mu.Unlock()
			w.logger.Warn().Err(err).Msg("Proxy not available, continuing without it")
			return
		}
		w.logger.Error().Err(err).Msg("Failed to start proxy, restart loop will retry")
	}
	w.tasks.start(taskProxy, sc.Run)
}

func (w *Worker) stopSidecar() {
	w.tasks.cancel(taskProxy)
	if sc := w.opts.Sidecar; sc != nil {
		if err := sc.Stop(); err != nil {
			w.logger.Warn().Err(err).Msg("Failed to stop proxy")
		}
	}
}
