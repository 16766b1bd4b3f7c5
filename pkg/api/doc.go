/*
Package api serves the supervisor's read-only HTTP surface.

Routes:

	GET /health        component health (503 when a critical component is down)
	GET /ready         readiness (storage, manager and listener registered and healthy)
	GET /live          process liveness
	GET /metrics       prometheus exposition
	GET /workers       status snapshot of every worker
	GET /workers/{id}  status snapshot of one worker

The worker routes query the fleet through a StatusSource, normally a
control.Controller, so the HTTP layer never touches worker state directly.
Every request is counted in hangar_api_requests_total and timed in
hangar_api_request_duration_seconds, labelled by chi route pattern.

Commands that change the fleet are deliberately absent; operators use the
control surface or the chat service.
*/
package api
