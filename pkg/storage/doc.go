/*
Package storage provides BoltDB-backed persistence for the supervisor state
that has to outlive a restart.

Only two things are stored:

	┌──────────── <data_dir>/hangar.db ────────────┐
	│  workers   00003 → {"id":3,"enabled":true}    │
	│  proxies   00003 → {"pid":4242,"cmdline":...} │
	└───────────────────────────────────────────────┘

The enabled flag decides whether a worker is started on boot. The proxy
record lets a restarted supervisor adopt a sidecar that is still running
instead of spawning a second one; the stored command line is compared
with the live process before the PID is trusted.

Values are JSON, keys are zero-padded worker IDs so iteration follows slot
order. Every write is its own bbolt transaction.
*/
package storage
