package worker

import (
	"strconv"
	"time"

	"github.com/cuemby/hangar/pkg/gamestate"
	"github.com/cuemby/hangar/pkg/metrics"
	"github.com/cuemby/hangar/pkg/protocol"
	"github.com/cuemby/hangar/pkg/types"
)

// HandleMessage applies one decoded frame to the worker. Frames of one
// session must be handled in arrival order.
func (w *Worker) HandleMessage(msg protocol.Message) {
	metrics.FramesDecoded.WithLabelValues(msg.Type().String()).Inc()

	switch m := msg.(type) {
	case *protocol.Status:
		w.applyStatus(m)

	case protocol.Closed:
		w.tracker.Clear()
		w.closedSeen.fire()
		w.logger.Info().Msg("Worker reported closed")

	case protocol.LongFrame:
		w.applyLongFrame(m)

	case protocol.LobbyCreated:
		w.tracker.Update(map[string]any{
			gamestate.KeyCurrentMatchID: strconv.FormatUint(uint64(m.MatchID), 10),
			gamestate.KeyMatchInfo: map[string]any{
				gamestate.KeyMatchID: m.MatchID,
				gamestate.KeyMap:     m.Map,
				gamestate.KeyName:    m.Name,
				gamestate.KeyMode:    m.Mode,
			},
			gamestate.KeyPerformance: map[string]any{
				gamestate.KeyNowSkipped: 0,
			},
		})
		w.logger.Info().
			Uint32("match_id", m.MatchID).
			Str("map", m.Map).
			Str("mode", m.Mode).
			Msg("Lobby created")

	case protocol.LobbyClosed:
		w.tracker.Update(map[string]any{
			gamestate.KeyMatchInfo: map[string]any{
				gamestate.KeyMatchID: nil,
				gamestate.KeyMap:     nil,
				gamestate.KeyName:    nil,
				gamestate.KeyMode:    nil,
			},
			gamestate.KeyPlayers: []types.Player{},
		})
		w.tracker.Clear()
		metrics.WorkerSkippedFrames.WithLabelValues(w.id.String()).Set(0)
		w.logger.Info().Msg("Lobby closed")

	case protocol.ReplayUpdate:
		if current, _ := w.tracker.String(gamestate.KeyCurrentMatchID); current == "" && m.MatchID != "" {
			w.tracker.Update(map[string]any{gamestate.KeyCurrentMatchID: m.MatchID})
			w.logger.Debug().Str("match_id", m.MatchID).Msg("Match id taken from replay update")
		}

	case protocol.CowForkResponse:
		w.logger.Info().Uint16("port", m.Port).Msg("Fork response")

	case protocol.Announce:
		w.logger.Debug().Int("port", m.Port).Msg("Repeated announce ignored")

	case protocol.Observed:
		w.logger.Debug().Str("type", m.Kind.String()).Int("bytes", len(m.Body)).Msg("Observed frame")

	case protocol.Unhandled:
		w.logger.Debug().Str("type", m.Kind.String()).Msg("Unhandled frame")
	}
}

func (w *Worker) applyStatus(s *protocol.Status) {
	prevClients, _ := w.tracker.Int(gamestate.KeyNumClients)

	partial := map[string]any{
		gamestate.KeyStatus:       s.Code,
		gamestate.KeyUptime:       int(s.UptimeMs),
		gamestate.KeyLoad:         s.Load,
		gamestate.KeyNumClients:   s.NumClients,
		gamestate.KeyMatchStarted: s.MatchStarted,
		gamestate.KeyGamePhase:    s.GamePhase,
	}
	switch {
	case s.HasPlayerBlock:
		partial[gamestate.KeyPlayers] = s.Players
	case prevClients > 0 && s.NumClients == 0:
		partial[gamestate.KeyPlayers] = []types.Player{}
	}
	w.tracker.Update(partial)
	metrics.WorkerClients.WithLabelValues(w.id.String()).Set(float64(s.NumClients))

	w.mu.Lock()
	promoted := w.phase == types.WorkerPhaseStopped
	if w.phase == types.WorkerPhaseStopped || w.phase == types.WorkerPhaseStarting {
		w.phase = types.WorkerPhaseRunning
	}
	hasProc := w.proc != nil
	w.mu.Unlock()

	w.statusSeen.fire()

	// A worker that connected without being started here, e.g. after a
	// supervisor restart. Attach to its process so the monitor can watch it.
	if promoted && !hasProc {
		if proc, ok := w.findOwnProcess(); ok {
			w.mu.Lock()
			if w.proc == nil {
				w.proc = proc
				w.started = time.Now()
			}
			w.mu.Unlock()
			w.logger.Info().Int("pid", proc.PID()).Msg("Attached to connected worker process")
		}
	}
}

func (w *Worker) applyLongFrame(m protocol.LongFrame) {
	phase, ok := w.tracker.Int(gamestate.KeyGamePhase)
	if !ok || phase != types.GamePhaseInGame {
		return
	}

	total, _ := w.tracker.Int(gamestate.KeyPerformance + "." + gamestate.KeyTotalSkipped)
	now, _ := w.tracker.Int(gamestate.KeyPerformance + "." + gamestate.KeyNowSkipped)
	total += int(m.SkippedMs)
	now += int(m.SkippedMs)

	w.tracker.Update(map[string]any{
		gamestate.KeyPerformance: map[string]any{
			gamestate.KeyTotalSkipped: total,
			gamestate.KeyNowSkipped:   now,
		},
	})
	metrics.WorkerSkippedFrames.WithLabelValues(w.id.String()).Set(float64(total))
}
