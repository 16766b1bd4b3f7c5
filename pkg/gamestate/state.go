// Package gamestate holds the per-worker game state tree built from status
// and lobby messages, and notifies listeners of the values that changed.
package gamestate

import (
	"reflect"
	"sort"
	"strings"

	"github.com/cuemby/hangar/pkg/types"
)

// Top-level and nested keys of the state tree
const (
	KeyStatus         = "status"
	KeyUptime         = "uptime"
	KeyLoad           = "load"
	KeyNumClients     = "num_clients"
	KeyMatchStarted   = "match_started"
	KeyGamePhase      = "game_phase"
	KeyCurrentMatchID = "current_match_id"
	KeyPlayers        = "players"
	KeyMatchInfo      = "match_info"
	KeyPerformance    = "performance"

	KeyMatchID = "match_id"
	KeyMap     = "map"
	KeyName    = "name"
	KeyMode    = "mode"

	KeyTotalSkipped = "total_ingame_skipped_frames"
	KeyNowSkipped   = "now_ingame_skipped_frames"
)

// Dotted paths whose changes notify listeners
const (
	PathMatchStarted = KeyMatchStarted
	PathMatchMode    = KeyMatchInfo + "." + KeyMode
	PathGamePhase    = KeyGamePhase
)

// DefaultMonitored is the set of paths the supervisor reacts to
var DefaultMonitored = []string{PathMatchStarted, PathMatchMode, PathGamePhase}

// Change records a monitored path whose resolved value changed
type Change struct {
	Path  string
	Value any
}

// State is a nested key → value tree. It holds no locks and spawns
// nothing; Tracker adds synchronisation and notification on top.
type State map[string]any

// NewState returns a tree in the default "no live session" shape.
func NewState() State {
	return State{
		KeyStatus:         nil,
		KeyUptime:         nil,
		KeyLoad:           nil,
		KeyNumClients:     nil,
		KeyMatchStarted:   nil,
		KeyGamePhase:      nil,
		KeyCurrentMatchID: nil,
		KeyPlayers:        []types.Player{},
		KeyMatchInfo: map[string]any{
			KeyMatchID: nil,
			KeyMap:     nil,
			KeyName:    nil,
			KeyMode:    nil,
		},
		KeyPerformance: map[string]any{
			KeyTotalSkipped: 0,
			KeyNowSkipped:   0,
		},
	}
}

// Merge deep-merges partial into s. Nested maps are merged key by key;
// every other value replaces the stored one. The returned changes list
// monitored leaf paths whose value differs from what was stored, in the
// order they were visited.
func (s State) Merge(partial map[string]any, monitored map[string]struct{}) []Change {
	var changes []Change
	merge(map[string]any(s), partial, "", monitored, &changes)
	return changes
}

func merge(dst, src map[string]any, prefix string, monitored map[string]struct{}, changes *[]Change) {
	for _, key := range sortedKeys(src) {
		value := src[key]
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		if sub, ok := value.(map[string]any); ok {
			existing, ok := dst[key].(map[string]any)
			if !ok {
				existing = make(map[string]any, len(sub))
				dst[key] = existing
			}
			merge(existing, sub, path, monitored, changes)
			continue
		}

		if _, watched := monitored[path]; watched && !reflect.DeepEqual(dst[key], value) {
			*changes = append(*changes, Change{Path: path, Value: value})
		}
		dst[key] = value
	}
}

// Get resolves a dotted path. ok is false when any segment is missing.
func (s State) Get(path string) (any, bool) {
	var node any = map[string]any(s)
	for _, part := range strings.Split(path, ".") {
		m, isMap := node.(map[string]any)
		if !isMap {
			return nil, false
		}
		v, found := m[part]
		if !found {
			return nil, false
		}
		node = v
	}
	return node, true
}

// Clone returns a deep copy of the tree.
func (s State) Clone() State {
	return State(cloneMap(s))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = cloneMap(val)
		case []types.Player:
			players := make([]types.Player, len(val))
			copy(players, val)
			out[k] = players
		default:
			out[k] = v
		}
	}
	return out
}

// sortedKeys gives Merge a deterministic visiting order so changes from one
// update are always reported in the same sequence.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
