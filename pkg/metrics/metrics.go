package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hangar_workers_total",
			Help: "Total number of workers by phase",
		},
		[]string{"phase"},
	)

	WorkersEnabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hangar_workers_enabled",
			Help: "Number of workers marked should-run",
		},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hangar_sessions_active",
			Help: "Number of connected control sessions",
		},
	)

	WorkerClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hangar_worker_clients",
			Help: "Connected game clients per worker",
		},
		[]string{"worker"},
	)

	WorkerSkippedFrames = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hangar_worker_skipped_frames_total",
			Help: "Skipped frames accumulated during the current match",
		},
		[]string{"worker"},
	)

	// Worker lifecycle metrics
	WorkerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hangar_worker_starts_total",
			Help: "Worker start attempts by result",
		},
		[]string{"result"},
	)

	WorkerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hangar_worker_start_duration_seconds",
			Help:    "Time from spawn to first status report",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	WorkerCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hangar_worker_crashes_total",
			Help: "Worker processes found dead while marked running",
		},
	)

	WorkerRestartsThrottled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hangar_worker_restarts_throttled_total",
			Help: "Crash restarts delayed by the restart rate limit",
		},
	)

	ProxyRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hangar_proxy_restarts_total",
			Help: "Voice proxy sidecar restarts",
		},
	)

	// Protocol metrics
	FramesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hangar_frames_decoded_total",
			Help: "Inbound frames decoded by message type",
		},
		[]string{"type"},
	)

	ProtocolAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hangar_protocol_anomalies_total",
			Help: "Malformed or unexpected inbound frames by kind",
		},
		[]string{"kind"},
	)

	CommandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hangar_commands_sent_total",
			Help: "Outbound commands by kind",
		},
		[]string{"kind"},
	)

	// Event bus metrics
	EventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hangar_events_emitted_total",
			Help: "Events emitted by type",
		},
		[]string{"type"},
	)

	EventHandlerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hangar_event_handler_errors_total",
			Help: "Event handlers that returned an error or panicked",
		},
		[]string{"type"},
	)

	EventHandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hangar_event_handler_duration_seconds",
			Help:    "Event handler run time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Health task metrics
	HealthTaskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hangar_health_task_runs_total",
			Help: "Health task executions by task and result",
		},
		[]string{"task", "result"},
	)

	HostDiskFreeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hangar_host_disk_free_bytes",
			Help: "Free bytes on the data volume",
		},
	)

	HostMemoryAvailableBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hangar_host_memory_available_bytes",
			Help: "Available memory reported by the host",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hangar_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hangar_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkersEnabled)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(WorkerClients)
	prometheus.MustRegister(WorkerSkippedFrames)
	prometheus.MustRegister(WorkerStarts)
	prometheus.MustRegister(WorkerStartDuration)
	prometheus.MustRegister(WorkerCrashes)
	prometheus.MustRegister(WorkerRestartsThrottled)
	prometheus.MustRegister(ProxyRestarts)
	prometheus.MustRegister(FramesDecoded)
	prometheus.MustRegister(ProtocolAnomalies)
	prometheus.MustRegister(CommandsSent)
	prometheus.MustRegister(EventsEmitted)
	prometheus.MustRegister(EventHandlerErrors)
	prometheus.MustRegister(EventHandlerDuration)
	prometheus.MustRegister(HealthTaskRuns)
	prometheus.MustRegister(HostDiskFreeBytes)
	prometheus.MustRegister(HostMemoryAvailableBytes)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
