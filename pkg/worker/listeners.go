package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/hangar/pkg/gamestate"
	"github.com/cuemby/hangar/pkg/protocol"
	"github.com/cuemby/hangar/pkg/sysproc"
)

func (w *Worker) onStateChange(ctx context.Context, path string, value any) {
	switch path {
	case gamestate.PathMatchStarted:
		w.adjustPriority(value)
	case gamestate.PathMatchMode:
		w.checkBotMatch(value)
	case gamestate.PathGamePhase:
		w.logger.Debug().Interface("phase", value).Msg("Game phase changed")
	}
}

// adjustPriority raises the process priority while a match runs and
// drops it to idle otherwise
func (w *Worker) adjustPriority(value any) {
	if w.deps.Priority == nil {
		return
	}
	pid := w.PID()
	if pid == 0 {
		return
	}

	prio := sysproc.PriorityIdle
	if started, ok := value.(int); ok && started == 1 {
		prio = sysproc.PriorityHigh
	}
	if err := w.deps.Priority.SetPriority(pid, prio); err != nil {
		w.logger.Warn().Err(err).Int("pid", pid).Str("priority", prio.String()).Msg("Failed to set process priority")
		return
	}
	w.logger.Debug().Int("pid", pid).Str("priority", prio.String()).Msg("Process priority changed")
}

func (w *Worker) checkBotMatch(value any) {
	mode, _ := value.(string)
	if mode != botMatchMode {
		w.tasks.cancel(taskBotEject)
		return
	}
	if !w.opts.BotEject.Enabled {
		return
	}
	w.logger.Warn().Dur("grace", w.opts.BotEject.Grace).Msg("Bot match detected, ejecting")
	w.tasks.start(taskBotEject, w.ejectBots)
}

// ejectBots warns the connected clients until the grace period ends, then
// forces the worker down. It stops early when the session goes away.
func (w *Worker) ejectBots(ctx context.Context) {
	grace := time.NewTimer(w.opts.BotEject.Grace)
	defer grace.Stop()

	interval := w.opts.BotEject.MessageInterval
	if interval <= 0 {
		interval = w.opts.BotEject.Grace
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	warn := func() bool {
		err := w.Send(protocol.ChatMessage(w.opts.BotEject.Message))
		if errors.Is(err, ErrNoSession) {
			return false
		}
		if err != nil {
			w.logger.Warn().Err(err).Msg("Failed to warn bot match clients")
		}
		return true
	}

	if !warn() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !warn() {
				return
			}
		case <-grace.C:
			err := w.StopNetwork(nil, StopOptions{Reason: "bot match"})
			if errors.Is(err, ErrNoSession) {
				err = w.StopProcess()
			}
			if err != nil {
				w.logger.Error().Err(err).Msg("Failed to stop bot match")
			}
			return
		}
	}
}
