/*
Package health runs the supervisor's periodic self-healing tasks.

Each task implements Checker and is registered with a Scheduler together
with its interval. The scheduler runs every task on its own goroutine:
once at startup, then again one interval after the previous run
finished. A task that fails or panics is logged, counted in
hangar_health_task_runs_total and re-armed like any other; nothing a task
does can stop the loop. Cancelling the context passed to Run ends every
task within the current sleep.

Tasks:

	general      workers with a live process but no control session are
	             drained and restarted; proxy processes that belong to no
	             worker are terminated
	disk         free space on the data volume, warning above a threshold
	public_ip    emits host.public_ip_changed when the address changes
	patch        emits upstream.patch_available for a newer game build
	self_update  emits supervisor.update_available for a newer release
	log_agent    emits host.log_agent_down and runs the restart command
	listener     dials the worker listener and reports it as a component

Tasks never act on workers directly. Corrective actions go through the
control surface or the event bus like any other command.

Results feed the component health registry of pkg/metrics under
"health.<task>", so /health shows the last outcome of every task.
*/
package health
