package events

import (
	"sync"

	"github.com/cuemby/hangar/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventShutdown        EventType = "worker.shutdown"
	EventWake            EventType = "worker.wake"
	EventSleep           EventType = "worker.sleep"
	EventMessage         EventType = "worker.message"
	EventRawCommand      EventType = "worker.raw"
	EventStart           EventType = "worker.start"
	EventEnable          EventType = "worker.enable"
	EventDisable         EventType = "worker.disable"
	EventRemove          EventType = "worker.remove"
	EventRestart         EventType = "worker.restart"
	EventScheduleRestart EventType = "worker.schedule_restart"
	EventStatus          EventType = "fleet.status"
	EventPublicIPChanged EventType = "host.public_ip_changed"
	EventLogAgentDown    EventType = "host.log_agent_down"
	EventPatchAvailable  EventType = "upstream.patch_available"
	EventUpdateAvailable EventType = "supervisor.update_available"
	EventReplayRequest   EventType = "chat.replay_request"
	EventShutdownNotice  EventType = "chat.shutdown_notice"
)

// Payload is the per-variant body of an event. Its concrete type decides
// the event type.
type Payload interface {
	EventType() EventType
}

// ShutdownRequest stops workers. Without Force the stop waits for the
// worker to drain; Delete removes the worker from the fleet afterwards.
type ShutdownRequest struct {
	Target types.Target
	Force  bool
	Delete bool
	Reason string
}

// WakeRequest wakes sleeping workers
type WakeRequest struct {
	Target types.Target
}

// SleepRequest puts idle workers to sleep
type SleepRequest struct {
	Target types.Target
}

// MessageRequest broadcasts text to the clients of the targeted workers
type MessageRequest struct {
	Target types.Target
	Text   string
}

// RawCommandRequest writes caller-supplied bytes to the targeted workers
type RawCommandRequest struct {
	Target types.Target
	Data   []byte
}

// StartRequest starts one worker, or the whole fleet under the start
// concurrency limit when Target.All is set
type StartRequest struct {
	Target types.Target
}

// EnableRequest marks a worker as should-run
type EnableRequest struct {
	ID types.WorkerID
}

// DisableRequest marks a worker as should-not-run; it is drained and stopped
type DisableRequest struct {
	ID types.WorkerID
}

// RemoveRequest deletes a worker from the fleet
type RemoveRequest struct {
	ID types.WorkerID
}

// RestartRequest asks for a crashed worker to be started again
type RestartRequest struct {
	ID     types.WorkerID
	Reason string
}

// ScheduleRestartRequest drains the targeted workers and restarts them
type ScheduleRestartRequest struct {
	Target types.Target
	Reason string
}

// StatusQuery collects per-worker snapshots. The handler fills it in
// before its dispatch completes.
type StatusQuery struct {
	mu      sync.Mutex
	workers []types.WorkerSnapshot
}

// Set stores the query result.
func (q *StatusQuery) Set(workers []types.WorkerSnapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.workers = workers
}

// Workers returns the query result.
func (q *StatusQuery) Workers() []types.WorkerSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.workers
}

// PublicIPChanged reports a change of the host's public address
type PublicIPChanged struct {
	Old string
	New string
}

// LogAgentDown reports that the log-shipping agent is not running
type LogAgentDown struct {
	Name string
}

// PatchAvailable reports a newer game build on the master directory
type PatchAvailable struct {
	Current string
	Latest  string
}

// UpdateAvailable reports a newer supervisor release
type UpdateAvailable struct {
	Current string
	Latest  string
}

// ReplayRequest is forwarded from the chat service
type ReplayRequest struct {
	MatchID   string
	AccountID uint32
}

// ShutdownNotice is forwarded from the chat service
type ShutdownNotice struct {
	Reason string
}

func (ShutdownRequest) EventType() EventType        { return EventShutdown }
func (WakeRequest) EventType() EventType            { return EventWake }
func (SleepRequest) EventType() EventType           { return EventSleep }
func (MessageRequest) EventType() EventType         { return EventMessage }
func (RawCommandRequest) EventType() EventType      { return EventRawCommand }
func (StartRequest) EventType() EventType           { return EventStart }
func (EnableRequest) EventType() EventType          { return EventEnable }
func (DisableRequest) EventType() EventType         { return EventDisable }
func (RemoveRequest) EventType() EventType          { return EventRemove }
func (RestartRequest) EventType() EventType         { return EventRestart }
func (ScheduleRestartRequest) EventType() EventType { return EventScheduleRestart }
func (*StatusQuery) EventType() EventType           { return EventStatus }
func (PublicIPChanged) EventType() EventType        { return EventPublicIPChanged }
func (LogAgentDown) EventType() EventType           { return EventLogAgentDown }
func (PatchAvailable) EventType() EventType         { return EventPatchAvailable }
func (UpdateAvailable) EventType() EventType        { return EventUpdateAvailable }
func (ReplayRequest) EventType() EventType          { return EventReplayRequest }
func (ShutdownNotice) EventType() EventType         { return EventShutdownNotice }
