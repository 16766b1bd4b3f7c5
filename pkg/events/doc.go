/*
Package events provides the in-process command bus of the supervisor.

Every management action (shutdown, wake, start, enable, status and so on)
and every host-level notification travels through a Bus as a typed
payload. The concrete payload type selects the EventType, so emitters and
handlers agree on the payload shape at compile time.

# Architecture

	┌──────────── control / health / upstream ───────────┐
	│        Emit(ShutdownRequest{Target: ...})          │
	└────────────────────────┬───────────────────────────┘
	                         │
	┌────────────────────────▼───────────────────────────┐
	│                       Bus                          │
	│  handlers[EventType] → goroutine per handler       │
	│  watchers            → non-blocking copy (buf 50)  │
	└────────────────────────┬───────────────────────────┘
	                         │
	┌────────────────────────▼───────────────────────────┐
	│            manager handlers (per type)             │
	└────────────────────────────────────────────────────┘

# Delivery

Emit returns immediately. The returned Dispatch completes when the first
registered handler returns, which lets a caller such as a status query
wait for its answer. When no handler is registered the dispatch is
already complete and the event is only logged at debug level.

A handler error or panic is recovered, logged with the event id and
counted in hangar_event_handler_errors_total. It never reaches the
emitter except through Dispatch.Wait.

# Usage

	bus := events.NewBus()
	defer bus.Close()

	bus.Subscribe(events.EventWake, func(ctx context.Context, ev *events.Event) error {
		req := ev.Payload.(events.WakeRequest)
		return wakeWorkers(ctx, req.Target)
	})

	d := bus.Emit(events.WakeRequest{Target: types.AllWorkers()})
	if err := d.Wait(ctx); err != nil {
		log.Error().Err(err).Msg("wake failed")
	}

Watchers receive a copy of every event and are meant for diagnostics:

	sub := bus.Watch()
	defer bus.Unwatch(sub)
	for ev := range sub {
		fmt.Println(ev.Type, ev.ID)
	}
*/
package events
