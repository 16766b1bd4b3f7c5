/*
Package manager implements the fleet orchestrator.

The Manager owns every Worker and every control Session. Worker processes
dial back to a single listening port; a connection stays anonymous until
its first announce frame names the worker's control port. Frames that
arrive before the announce are dropped. The announced port selects the
worker, creating it when the port is not a configured slot, and the
session then feeds every decoded frame to that worker in arrival order.
When a session ends its port is freed and the worker's game state reset;
the worker itself stays in the fleet.

# Commands

The manager never receives commands by direct call from outside. It
subscribes to the event bus and handles:

	worker.shutdown          drain (or force) and stop, optionally delete
	worker.wake/sleep        send the command over the session
	worker.message/raw       send text or raw bytes
	worker.start             start one worker, or all enabled ones
	worker.enable/disable    flip the should-run flag
	worker.remove            delete the worker from the fleet
	worker.restart           restart after a crash, rate limited
	worker.schedule_restart  drain and restart without disabling
	fleet.status             fill a status query with snapshots

Host and upstream notices (public IP change, patch available, chat
shutdown notice) are turned into fleet-wide worker commands.

# Start throttling

Every start, whether from StartAll, a start command or a crash restart,
acquires one unit of a weighted semaphore sized by start_concurrency, so
no more than that many workers are booting at once regardless of fleet
size. Crash restarts additionally pass a per-worker token bucket.
*/
package manager
