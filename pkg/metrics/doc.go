/*
Package metrics provides Prometheus metrics and the component health
registry for the supervisor.

All collectors are package-level variables registered with the default
Prometheus registry at init and served by Handler. Names share the
hangar_ prefix:

	hangar_workers_total{phase}                  fleet size by lifecycle phase
	hangar_workers_enabled                       workers marked should-run
	hangar_sessions_active                       connected control sessions
	hangar_worker_clients{worker}                game clients per worker
	hangar_worker_skipped_frames_total{worker}   lag during the current match
	hangar_worker_starts_total{result}           start attempts
	hangar_worker_start_duration_seconds         spawn to first status
	hangar_worker_crashes_total                  dead processes found running
	hangar_frames_decoded_total{type}            inbound frames
	hangar_protocol_anomalies_total{kind}        malformed inbound frames
	hangar_commands_sent_total{kind}             outbound commands
	hangar_events_emitted_total{type}            bus traffic
	hangar_event_handler_errors_total{type}      failed handlers
	hangar_health_task_runs_total{task,result}   periodic host checks

Gauges that describe the fleet are refreshed by the manager's collector;
counters are incremented at the point where the event happens.

# Health registry

Components report their state with RegisterComponent / UpdateComponent.
GetHealth is unhealthy when any component is; GetReadiness additionally
requires every critical component (storage, manager, listener by default)
to be registered and healthy. HealthHandler, ReadyHandler and
LivenessHandler expose both as JSON.

# Timing

	timer := metrics.NewTimer()
	err := w.Start(ctx)
	timer.ObserveDuration(metrics.WorkerStartDuration)
*/
package metrics
