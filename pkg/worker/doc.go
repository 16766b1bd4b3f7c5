/*
Package worker supervises one game-server slot.

A Worker owns the slot's OS process, its control session, its optional
voice proxy sidecar and its game state tracker. It is driven from three
directions:

  - the manager calls Start, StopNetwork, ScheduleShutdown and friends in
    response to bus events;
  - the control session feeds decoded frames to HandleMessage in arrival
    order;
  - a monitor loop polls the process table and reconciles the process with
    the enabled flag.

# Lifecycle

	stopped ──Start──▶ starting ──status──▶ running
	   ▲                  │                    │
	   │               closed/timeout       shutdown
	   │                  ▼                    ▼
	   └───process gone── stopping ◀───────────┘

Start adopts a matching process that has already reported status instead
of launching a second one. A launch is refused when free memory is below
MinFreeMemory. Start returns on the first status frame, a closed frame or
the timeout; a timed out start drains and stops the process, leaving the
worker enabled so the monitor asks for a restart.

# Background tasks

Each worker runs named tasks: the process monitor, the proxy restart
loop, the shutdown waiter and the bot-match ejector. Starting a task
under a name that is already running cancels the older one. Close
cancels them all and waits.

# Game state reactions

Listeners on the tracker raise the process priority while a match is
started, and start the bot-match ejector when a lobby reports the
bot-match mode.
*/
package worker
