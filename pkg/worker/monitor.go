package worker

import (
	"context"
	"time"

	"github.com/cuemby/hangar/pkg/events"
	"github.com/cuemby/hangar/pkg/metrics"
	"github.com/cuemby/hangar/pkg/sysproc"
	"github.com/cuemby/hangar/pkg/types"
)

// monitorLoop polls the OS process at the monitor interval
func (w *Worker) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.checkProcess()
		case <-ctx.Done():
			return
		}
	}
}

// checkProcess reconciles the process with the should-run flag. A dead
// process of an enabled worker is restarted; a live process of a
// disabled worker is drained.
func (w *Worker) checkProcess() {
	w.mu.RLock()
	proc := w.proc
	enabled := w.enabled
	scheduled := w.scheduledShutdown
	needsRestart := w.needsRestart
	phase := w.phase
	w.mu.RUnlock()

	if proc == nil {
		if enabled && needsRestart && phase == types.WorkerPhaseStopped {
			w.requestRestart("previous restart did not complete")
		}
		return
	}

	state, err := w.deps.Inspector.Status(proc.PID())
	if err != nil {
		w.logger.Warn().Err(err).Int("pid", proc.PID()).Msg("Failed to read process status")
		return
	}

	if !state.Alive() {
		w.handleExit(proc, state)
		return
	}

	if !enabled && !scheduled {
		w.logger.Info().Int("pid", proc.PID()).Msg("Disabled worker still running")
		w.ScheduleShutdown(false)
	}
}

// handleExit clears the worker after its process went away and, if the
// worker should still run, asks for a restart
func (w *Worker) handleExit(proc sysproc.Process, state sysproc.State) {
	w.mu.Lock()
	if w.proc != proc {
		w.mu.Unlock()
		return
	}
	expected := w.expectExit
	enabled := w.enabled
	w.proc = nil
	w.phase = types.WorkerPhaseStopped
	w.expectExit = false
	w.needsRestart = enabled
	w.mu.Unlock()

	w.stopSidecar()
	w.tasks.cancel(taskBotEject)
	w.tracker.Clear()
	metrics.WorkerClients.WithLabelValues(w.id.String()).Set(0)

	logger := w.logger.With().Int("pid", proc.PID()).Str("state", string(state)).Logger()
	switch {
	case !enabled:
		logger.Info().Msg("Worker process exited")
	case expected:
		logger.Info().Msg("Worker process exited, restarting")
		w.requestRestart("stopped while enabled")
	default:
		metrics.WorkerCrashes.Inc()
		logger.Warn().Msg("Worker process died unexpectedly, restarting")
		w.requestRestart("crash")
	}
}

func (w *Worker) requestRestart(reason string) {
	w.deps.Bus.Emit(events.RestartRequest{ID: w.id, Reason: reason})
}
