package upstream

import (
	"context"
	"time"

	"github.com/cuemby/hangar/pkg/events"
	"github.com/cuemby/hangar/pkg/log"
)

// Forward turns inbound chat frames into bus events until ctx ends or
// the inbound channel closes
func Forward(ctx context.Context, chat ChatService, bus *events.Bus) {
	logger := log.WithComponent("upstream")
	in := chat.Inbound()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				logger.Info().Msg("Chat service inbound channel closed")
				return
			}
			switch msg.Kind {
			case InboundReplayRequest:
				bus.Emit(events.ReplayRequest{MatchID: msg.MatchID, AccountID: msg.AccountID})
			case InboundShutdownNotice:
				bus.Emit(events.ShutdownNotice{Reason: msg.Reason})
			default:
				logger.Warn().Int("kind", int(msg.Kind)).Msg("Unhandled chat service frame")
			}
		}
	}
}

// KeepAlive sends heartbeats at interval until ctx ends. Failures are
// logged; the caller decides when to reconnect.
func KeepAlive(ctx context.Context, chat ChatService, interval time.Duration) {
	logger := log.WithComponent("upstream")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := chat.Heartbeat(ctx); err != nil {
				logger.Warn().Err(err).Msg("Chat service heartbeat failed")
			}
		}
	}
}
