package gamestate

import (
	"context"
	"sync"

	"github.com/cuemby/hangar/pkg/types"
)

// Listener is invoked with the new value of a monitored path. Listeners run
// one at a time on a dispatcher goroutine, in the order the changes were
// applied, and may still be running when later packets are applied.
type Listener func(ctx context.Context, path string, value any)

// Tracker guards a worker's State and notifies listeners of monitored
// changes
type Tracker struct {
	mu        sync.RWMutex
	state     State
	monitored map[string]struct{}
	listeners []Listener

	ctx context.Context
	wg  sync.WaitGroup

	qmu      sync.Mutex
	queue    []call
	draining bool
}

type call struct {
	listener Listener
	change   Change
}

// NewTracker creates a tracker in the default shape. ctx is handed to
// every listener invocation.
func NewTracker(ctx context.Context, monitored ...string) *Tracker {
	if len(monitored) == 0 {
		monitored = DefaultMonitored
	}
	set := make(map[string]struct{}, len(monitored))
	for _, p := range monitored {
		set[p] = struct{}{}
	}
	return &Tracker{
		state:     NewState(),
		monitored: set,
		ctx:       ctx,
	}
}

// OnChange registers a listener for all monitored paths.
func (t *Tracker) OnChange(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Update merges partial into the state and dispatches one listener call
// per changed monitored path, in the order the changes were found.
func (t *Tracker) Update(partial map[string]any) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	changes := t.state.Merge(partial, t.monitored)
	for _, c := range changes {
		for _, l := range t.listeners {
			t.enqueue(call{listener: l, change: c})
		}
	}
	return changes
}

// enqueue is called with t.mu held so queue order matches merge order
func (t *Tracker) enqueue(c call) {
	t.wg.Add(1)
	t.qmu.Lock()
	t.queue = append(t.queue, c)
	start := !t.draining
	t.draining = true
	t.qmu.Unlock()

	if start {
		go t.drain()
	}
}

// drain invokes queued listener calls in FIFO order and exits once the
// queue is empty
func (t *Tracker) drain() {
	for {
		t.qmu.Lock()
		if len(t.queue) == 0 {
			t.draining = false
			t.qmu.Unlock()
			return
		}
		c := t.queue[0]
		t.queue[0] = call{}
		t.queue = t.queue[1:]
		t.qmu.Unlock()

		c.listener(t.ctx, c.change.Path, c.change.Value)
		t.wg.Done()
	}
}

// Wait blocks until every dispatched listener has returned.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// Clear resets the tree to its default shape without notifying listeners.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = NewState()
}

// Get resolves a dotted path.
func (t *Tracker) Get(path string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Get(path)
}

// Int resolves a dotted path holding an integer. ok is false for nil or
// non-numeric values.
func (t *Tracker) Int(path string) (int, bool) {
	v, found := t.Get(path)
	if !found {
		return 0, false
	}
	return asInt(v)
}

// String resolves a dotted path holding a string.
func (t *Tracker) String(path string) (string, bool) {
	v, found := t.Get(path)
	if !found {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Players returns a copy of the current player list.
func (t *Tracker) Players() []types.Player {
	t.mu.RLock()
	defer t.mu.RUnlock()
	players, _ := t.state[KeyPlayers].([]types.Player)
	out := make([]types.Player, len(players))
	copy(out, players)
	return out
}

// Snapshot returns a deep copy of the whole tree.
func (t *Tracker) Snapshot() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Clone()
}

// View projects the tree onto the typed snapshot used by status queries.
func (t *Tracker) View() types.StateView {
	s := t.Snapshot()
	view := types.StateView{
		Status:       intPtr(s, KeyStatus),
		UptimeMs:     intPtr(s, KeyUptime),
		NumClients:   intPtr(s, KeyNumClients),
		MatchStarted: intPtr(s, KeyMatchStarted),
		GamePhase:    intPtr(s, KeyGamePhase),
	}
	if load, ok := s[KeyLoad].(float64); ok {
		view.Load = &load
	}
	view.CurrentMatchID, _ = s[KeyCurrentMatchID].(string)
	view.Players, _ = s[KeyPlayers].([]types.Player)
	if info, ok := s[KeyMatchInfo].(map[string]any); ok {
		if id, ok := asInt(info[KeyMatchID]); ok {
			view.MatchInfo.MatchID = uint32(id)
		}
		view.MatchInfo.Map, _ = info[KeyMap].(string)
		view.MatchInfo.Name, _ = info[KeyName].(string)
		view.MatchInfo.Mode, _ = info[KeyMode].(string)
	}
	if v, ok := s.Get(KeyPerformance + "." + KeyTotalSkipped); ok {
		view.SkippedFrames, _ = asInt(v)
	}
	return view
}

func intPtr(s State, key string) *int {
	n, ok := asInt(s[key])
	if !ok {
		return nil
	}
	return &n
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint32:
		return int(n), true
	case uint16:
		return int(n), true
	case uint8:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
