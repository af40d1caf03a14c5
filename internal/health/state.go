package health

import (
	"sync"
	"time"
)

// State is the daemon health as last observed by a Monitor.
type State string

const (
	StateUnknown     State = "unknown"
	StateChecking    State = "checking"
	StateHealthy     State = "healthy"
	StateRestarting  State = "restarting"
	StateDown        State = "down"
	StateUnreachable State = "unreachable"
)

func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is one of the defined constants.
func (s State) IsValid() bool {
	switch s {
	case StateUnknown, StateChecking, StateHealthy, StateRestarting, StateDown, StateUnreachable:
		return true
	default:
		return false
	}
}

// Transition records a state change for debugging.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// StateCallback receives the cluster name with the old and new state.
type StateCallback func(cluster string, from, to State)

const maxTransitionsPerCluster = 50

// Tracker holds the current state and recent transitions of every cluster a
// process watches. One Tracker may be shared by several monitors.
type Tracker struct {
	mu          sync.RWMutex
	states      map[string]State
	transitions map[string][]Transition
	callbacks   []StateCallback
}

func NewTracker() *Tracker {
	return &Tracker{
		states:      make(map[string]State),
		transitions: make(map[string][]Transition),
	}
}

// Get returns StateUnknown for clusters never seen.
func (t *Tracker) Get(cluster string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[cluster]
	if !ok {
		return StateUnknown
	}
	return s
}

// Set records a change and fires callbacks outside the lock. Setting the
// current state again is a no-op. It returns the previous state.
func (t *Tracker) Set(cluster string, to State) State {
	t.mu.Lock()
	from, ok := t.states[cluster]
	if !ok {
		from = StateUnknown
	}
	if from == to {
		t.mu.Unlock()
		return from
	}
	t.states[cluster] = to

	hist := append(t.transitions[cluster], Transition{From: from, To: to, Timestamp: time.Now()})
	if len(hist) > maxTransitionsPerCluster {
		hist = hist[len(hist)-maxTransitionsPerCluster:]
	}
	t.transitions[cluster] = hist

	cbs := make([]StateCallback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(cluster, from, to)
	}
	return from
}

// Transitions returns a copy of the most recent n transitions, or all of them
// when n <= 0.
func (t *Tracker) Transitions(cluster string, n int) []Transition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hist := t.transitions[cluster]
	if n > 0 && len(hist) > n {
		hist = hist[len(hist)-n:]
	}
	out := make([]Transition, len(hist))
	copy(out, hist)
	return out
}

// All returns a snapshot of every tracked state.
func (t *Tracker) All() map[string]State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]State, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}

// Forget drops state and history for a cluster.
func (t *Tracker) Forget(cluster string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, cluster)
	delete(t.transitions, cluster)
}

func (t *Tracker) OnChange(cb StateCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}
