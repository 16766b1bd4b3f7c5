/*
Package log provides structured logging for the supervisor using zerolog.

A single package-level Logger is configured once by Init. Packages never
log through it directly; they take a child logger carrying the fields that
identify where a line came from:

	WithComponent("manager")            component=manager
	WithWorkerID("worker", 3)           component=worker worker_id=3
	WithSessionID(id, "10.0.0.5:5123")  component=session session_id=... peer=...

# Output

Console output with RFC3339 timestamps is the default, for operators
watching the supervisor in a terminal:

	2025-01-10T10:30:00Z INF Worker started component=worker pid=4120 worker_id=0

JSON output is selected with log.json in the configuration file or the
--log-json flag, for shipping to a log agent:

	{"level":"info","component":"worker","worker_id":0,"pid":4120,"time":"...","message":"Worker started"}

# Levels

Level names are debug, info, warn and error. Unknown names fall back to
info. Conventions used across the module:

  - debug: per-frame and per-poll detail
  - info: lifecycle transitions (start, stop, adopt, session attach)
  - warn: protocol anomalies and recoverable host failures
  - error: command misuse and failures that need an operator

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithWorkerID("worker", int(id))
	logger.Info().Int("pid", pid).Msg("Worker started")
	logger.Warn().Err(err).Msg("Failed to set priority")
*/
package log
