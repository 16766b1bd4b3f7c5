package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Report states served by the health and readiness endpoints.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// HealthStatus is the JSON body of /health and /ready.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// DefaultCriticalComponents gate readiness: the bolt store, the worker
// manager and the control listener.
var DefaultCriticalComponents = []string{"storage", "manager", "listener"}

type component struct {
	healthy bool
	message string
	updated time.Time
}

type componentRegistry struct {
	mu         sync.RWMutex
	components map[string]component
	critical   []string
	started    time.Time
	version    string
}

var registry = newRegistry()

func newRegistry() *componentRegistry {
	return &componentRegistry{
		components: make(map[string]component),
		critical:   DefaultCriticalComponents,
		started:    time.Now(),
	}
}

// SetVersion stamps the supervisor build into every report.
func SetVersion(version string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.version = version
}

// SetCriticalComponents replaces the components readiness waits on.
func SetCriticalComponents(names ...string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.critical = append([]string(nil), names...)
}

// RegisterComponent records the state of a named supervisor component.
func RegisterComponent(name string, healthy bool, message string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.components[name] = component{healthy: healthy, message: message, updated: time.Now()}
}

// UpdateComponent is RegisterComponent under the name periodic checks use.
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// GetHealth reports unhealthy as soon as any registered component is.
func GetHealth() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	report := registry.report(StatusHealthy)
	for name, c := range registry.components {
		if c.healthy {
			report.Components[name] = StatusHealthy
			continue
		}
		report.Status = StatusUnhealthy
		report.Components[name] = StatusUnhealthy + ": " + c.message
	}
	return report
}

// GetReadiness reports ready once every critical component has registered
// healthy. Message names the first critical component still missing.
func GetReadiness() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	report := registry.report(StatusReady)
	names := append([]string(nil), registry.critical...)
	sort.Strings(names)
	for _, name := range names {
		c, ok := registry.components[name]
		switch {
		case !ok:
			report.Components[name] = "not registered"
		case !c.healthy:
			report.Components[name] = "not ready: " + c.message
		default:
			report.Components[name] = StatusReady
			continue
		}
		if report.Status == StatusReady {
			report.Status = StatusNotReady
			report.Message = "waiting for " + name
		}
	}
	return report
}

func (r *componentRegistry) report(status string) HealthStatus {
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]string),
		Version:    r.version,
		Uptime:     time.Since(r.started).Round(time.Second).String(),
	}
}

func writeStatus(w http.ResponseWriter, ok bool, body any) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves GetHealth, 503 while anything is unhealthy.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetHealth()
		writeStatus(w, report.Status == StatusHealthy, report)
	}
}

// ReadyHandler serves GetReadiness, 503 until the supervisor is ready.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetReadiness()
		writeStatus(w, report.Status == StatusReady, report)
	}
}

// LivenessHandler answers 200 for as long as the process can serve HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		registry.mu.RLock()
		uptime := time.Since(registry.started).Round(time.Second).String()
		registry.mu.RUnlock()
		writeStatus(w, true, map[string]string{"status": "alive", "uptime": uptime})
	}
}
