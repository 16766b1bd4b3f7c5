package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WorkerID identifies one logical game-server slot. It is derived from
// the worker's control port and stays stable across process restarts.
type WorkerID int

// WorkerIDFromPort derives the slot ID from an announced control port.
func WorkerIDFromPort(port, basePort int) WorkerID {
	return WorkerID(port - basePort)
}

// Port returns the control port for this slot.
func (id WorkerID) Port(basePort int) int {
	return basePort + int(id)
}

func (id WorkerID) String() string {
	return strconv.Itoa(int(id))
}

// WorkerPhase is the supervisor's view of a worker's process lifecycle
type WorkerPhase string

const (
	WorkerPhaseStopped  WorkerPhase = "stopped"
	WorkerPhaseStarting WorkerPhase = "starting"
	WorkerPhaseRunning  WorkerPhase = "running"
	WorkerPhaseStopping WorkerPhase = "stopping"
)

// GamePhaseInGame is the game_phase value reported while a match is live.
const GamePhaseInGame = 6

// Player is one connected client as reported in a status packet
type Player struct {
	AccountID uint32 `json:"account_id"`
	IP        string `json:"ip"`
	Name      string `json:"name"`
	Location  string `json:"location"`
	MinPing   uint16 `json:"min_ping"`
	AvgPing   uint16 `json:"avg_ping"`
	MaxPing   uint16 `json:"max_ping"`
}

// MatchInfo describes the lobby currently hosted by a worker
type MatchInfo struct {
	MatchID uint32 `json:"match_id"`
	Map     string `json:"map"`
	Name    string `json:"name"`
	Mode    string `json:"mode"`
}

// Target selects the workers a command applies to
type Target struct {
	All bool
	ID  WorkerID
}

// AllWorkers targets every worker in the fleet.
func AllWorkers() Target {
	return Target{All: true}
}

// Worker targets a single worker.
func Worker(id WorkerID) Target {
	return Target{ID: id}
}

// Matches reports whether id is selected by the target.
func (t Target) Matches(id WorkerID) bool {
	return t.All || t.ID == id
}

func (t Target) String() string {
	if t.All {
		return "all"
	}
	return t.ID.String()
}

// ParseTarget parses "all" or a numeric worker ID.
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "all") {
		return AllWorkers(), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return Target{}, fmt.Errorf("invalid worker target %q: %w", s, err)
	}
	return Worker(WorkerID(n)), nil
}

// PortMapping defines the ports a worker listens on and, when a proxy
// sidecar is used, the public ports the proxy exposes for them
type PortMapping struct {
	GamePort        int `json:"game_port" yaml:"game_port"`
	VoicePort       int `json:"voice_port" yaml:"voice_port"`
	PublicGamePort  int `json:"public_game_port" yaml:"public_game_port"`
	PublicVoicePort int `json:"public_voice_port" yaml:"public_voice_port"`
}

// WorkerSnapshot is a point-in-time view of one worker, as returned by the
// status command
type WorkerSnapshot struct {
	ID                  WorkerID    `json:"id"`
	ControlPort         int         `json:"control_port"`
	Phase               WorkerPhase `json:"phase"`
	Enabled             bool        `json:"enabled"`
	ScheduledShutdown   bool        `json:"scheduled_shutdown"`
	DeleteAfterShutdown bool        `json:"delete_after_shutdown"`
	PID                 int         `json:"pid,omitempty"`
	ProxyPID            int         `json:"proxy_pid,omitempty"`
	Connected           bool        `json:"connected"`
	Peer                string      `json:"peer,omitempty"`
	State               StateView   `json:"state"`
	Started             time.Time   `json:"started,omitempty"`
}

// StateView is the typed projection of a worker's game state tree
type StateView struct {
	Status         *int      `json:"status"`
	UptimeMs       *int      `json:"uptime"`
	Load           *float64  `json:"load"`
	NumClients     *int      `json:"num_clients"`
	MatchStarted   *int      `json:"match_started"`
	GamePhase      *int      `json:"game_phase"`
	CurrentMatchID string    `json:"current_match_id,omitempty"`
	Players        []Player  `json:"players"`
	MatchInfo      MatchInfo `json:"match_info"`
	SkippedFrames  int       `json:"total_ingame_skipped_frames"`
}

// WorkerRecord is the persisted part of a worker
type WorkerRecord struct {
	ID        WorkerID  `json:"id"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProxyRecord remembers a running proxy sidecar across supervisor restarts
type ProxyRecord struct {
	WorkerID  WorkerID  `json:"worker_id"`
	PID       int       `json:"pid"`
	Cmdline   []string  `json:"cmdline"`
	StartedAt time.Time `json:"started_at"`
}
