package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/hangar/pkg/events"
	"github.com/cuemby/hangar/pkg/metrics"
	"github.com/cuemby/hangar/pkg/protocol"
	"github.com/cuemby/hangar/pkg/types"
	"github.com/cuemby/hangar/pkg/worker"
)

func (m *Manager) subscribe() {
	m.bus.Subscribe(events.EventShutdown, m.handleShutdown)
	m.bus.Subscribe(events.EventWake, m.handleWake)
	m.bus.Subscribe(events.EventSleep, m.handleSleep)
	m.bus.Subscribe(events.EventMessage, m.handleMessage)
	m.bus.Subscribe(events.EventRawCommand, m.handleRaw)
	m.bus.Subscribe(events.EventStart, m.handleStart)
	m.bus.Subscribe(events.EventEnable, m.handleEnable)
	m.bus.Subscribe(events.EventDisable, m.handleDisable)
	m.bus.Subscribe(events.EventRemove, m.handleRemove)
	m.bus.Subscribe(events.EventRestart, m.handleRestart)
	m.bus.Subscribe(events.EventScheduleRestart, m.handleScheduleRestart)
	m.bus.Subscribe(events.EventStatus, m.handleStatus)
	m.bus.Subscribe(events.EventPublicIPChanged, m.handlePublicIPChanged)
	m.bus.Subscribe(events.EventPatchAvailable, m.handlePatchAvailable)
	m.bus.Subscribe(events.EventUpdateAvailable, m.handleUpdateAvailable)
	m.bus.Subscribe(events.EventShutdownNotice, m.handleShutdownNotice)
	m.bus.Subscribe(events.EventReplayRequest, m.handleReplayRequest)
}

// misuse logs a command that cannot be applied and returns it for the
// dispatch
func (m *Manager) misuse(event *events.Event, err error) error {
	m.logger.Error().Err(err).Str("event", string(event.Type)).Msg("Command dropped")
	return err
}

func (m *Manager) handleShutdown(ctx context.Context, event *events.Event) error {
	req := event.Payload.(events.ShutdownRequest)
	ws, err := m.targets(req.Target)
	if err != nil {
		return m.misuse(event, err)
	}

	var errs []error
	for _, w := range ws {
		if !req.Force {
			w.Disable()
			w.ScheduleShutdown(req.Delete)
			continue
		}

		err := w.StopNetwork(nil, worker.StopOptions{Reason: req.Reason, Disable: true})
		if errors.Is(err, worker.ErrNoSession) {
			w.Disable()
			err = w.StopProcess()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("worker %s: %w", w.ID(), err))
			continue
		}
		if req.Delete {
			if err := m.RemoveWorker(w.ID()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// send writes cmd to every targeted worker. With an all-worker target,
// workers without a session are skipped.
func (m *Manager) send(event *events.Event, target types.Target, cmd protocol.Command) error {
	ws, err := m.targets(target)
	if err != nil {
		return m.misuse(event, err)
	}

	var errs []error
	for _, w := range ws {
		err := w.Send(cmd)
		switch {
		case err == nil:
		case errors.Is(err, worker.ErrNoSession) && target.All:
			m.logger.Debug().Str("worker_id", w.ID().String()).Str("command", cmd.Kind.String()).Msg("Skipping worker without session")
		default:
			errs = append(errs, fmt.Errorf("worker %s: %w", w.ID(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return m.misuse(event, err)
	}
	return nil
}

func (m *Manager) handleWake(ctx context.Context, event *events.Event) error {
	req := event.Payload.(events.WakeRequest)
	return m.send(event, req.Target, protocol.Wake())
}

func (m *Manager) handleSleep(ctx context.Context, event *events.Event) error {
	req := event.Payload.(events.SleepRequest)
	return m.send(event, req.Target, protocol.Sleep())
}

func (m *Manager) handleMessage(ctx context.Context, event *events.Event) error {
	req := event.Payload.(events.MessageRequest)
	return m.send(event, req.Target, protocol.ChatMessage(req.Text))
}

func (m *Manager) handleRaw(ctx context.Context, event *events.Event) error {
	req := event.Payload.(events.RawCommandRequest)
	return m.send(event, req.Target, protocol.Raw(req.Data))
}

func (m *Manager) handleStart(ctx context.Context, event *events.Event) error {
	req := event.Payload.(events.StartRequest)
	if req.Target.All {
		return m.StartAll(ctx)
	}
	if err := m.StartWorker(ctx, req.Target.ID); err != nil {
		if errors.Is(err, ErrUnknownWorker) {
			return m.misuse(event, err)
		}
		return err
	}
	return nil
}

func (m *Manager) handleEnable(ctx context.Context, event *events.Event) error {
	req := event.Payload.(events.EnableRequest)
	w, ok := m.Worker(req.ID)
	if !ok {
		return m.misuse(event, fmt.Errorf("%w: %s", ErrUnknownWorker, req.ID))
	}
	w.Enable()
	return nil
}

func (m *Manager) handleDisable(ctx context.Context, event *events.Event) error {
	req := event.Payload.(events.DisableRequest)
	w, ok := m.Worker(req.ID)
	if !ok {
		return m.misuse(event, fmt.Errorf("%w: %s", ErrUnknownWorker, req.ID))
	}
	w.Disable()
	return nil
}

func (m *Manager) handleRemove(ctx context.Context, event *events.Event) error {
	req := event.Payload.(events.RemoveRequest)
	if err := m.RemoveWorker(req.ID); err != nil {
		return m.misuse(event, err)
	}
	return nil
}

// handleRestart starts a worker whose process went away. Restarts are
// throttled per worker; a throttled worker is asked again by its monitor.
func (m *Manager) handleRestart(ctx context.Context, event *events.Event) error {
	req := event.Payload.(events.RestartRequest)
	w, ok := m.Worker(req.ID)
	if !ok {
		return m.misuse(event, fmt.Errorf("%w: %s", ErrUnknownWorker, req.ID))
	}
	if !w.Enabled() {
		return nil
	}

	m.mu.RLock()
	limiter := m.limiters[req.ID]
	m.mu.RUnlock()
	if limiter != nil && !limiter.Allow() {
		metrics.WorkerRestartsThrottled.Inc()
		m.logger.Warn().Str("worker_id", req.ID.String()).Str("reason", req.Reason).Msg("Restart throttled")
		return nil
	}

	m.logger.Info().Str("worker_id", req.ID.String()).Str("reason", req.Reason).Msg("Restarting worker")
	err := m.start(ctx, w)
	if errors.Is(err, worker.ErrAlreadyStarting) {
		return nil
	}
	return err
}

func (m *Manager) handleScheduleRestart(ctx context.Context, event *events.Event) error {
	req := event.Payload.(events.ScheduleRestartRequest)
	ws, err := m.targets(req.Target)
	if err != nil {
		return m.misuse(event, err)
	}
	for _, w := range ws {
		if w.Enabled() && w.PID() != 0 {
			w.ScheduleRestart(req.Reason)
		}
	}
	return nil
}

func (m *Manager) handleStatus(ctx context.Context, event *events.Event) error {
	q := event.Payload.(*events.StatusQuery)
	ws := m.Workers()
	snaps := make([]types.WorkerSnapshot, 0, len(ws))
	for _, w := range ws {
		snaps = append(snaps, w.Snapshot())
	}
	q.Set(snaps)
	return nil
}

func (m *Manager) handlePublicIPChanged(ctx context.Context, event *events.Event) error {
	req := event.Payload.(events.PublicIPChanged)
	m.logger.Warn().Str("old", req.Old).Str("new", req.New).Msg("Public IP changed, restarting fleet")
	m.bus.Emit(events.ScheduleRestartRequest{Target: types.AllWorkers(), Reason: "public ip changed"})
	return nil
}

func (m *Manager) handlePatchAvailable(ctx context.Context, event *events.Event) error {
	req := event.Payload.(events.PatchAvailable)
	m.logger.Warn().Str("current", req.Current).Str("latest", req.Latest).Msg("Game patch available, restarting fleet once drained")
	m.bus.Emit(events.ScheduleRestartRequest{Target: types.AllWorkers(), Reason: "patch " + req.Latest})
	return nil
}

func (m *Manager) handleUpdateAvailable(ctx context.Context, event *events.Event) error {
	req := event.Payload.(events.UpdateAvailable)
	m.logger.Info().Str("current", req.Current).Str("latest", req.Latest).Msg("Supervisor update available")
	return nil
}

func (m *Manager) handleShutdownNotice(ctx context.Context, event *events.Event) error {
	req := event.Payload.(events.ShutdownNotice)
	m.logger.Warn().Str("reason", req.Reason).Msg("Shutdown notice from chat service")
	m.bus.Emit(events.ShutdownRequest{Target: types.AllWorkers(), Reason: req.Reason})
	return nil
}

func (m *Manager) handleReplayRequest(ctx context.Context, event *events.Event) error {
	req := event.Payload.(events.ReplayRequest)
	m.logger.Info().Str("match_id", req.MatchID).Uint32("account_id", req.AccountID).Msg("Replay requested")
	return nil
}
