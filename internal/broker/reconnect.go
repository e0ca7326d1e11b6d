package broker

import (
	"sync"
	"time"
)

// reconnectState remembers where a client last was, keyed by clientId.
// A new control socket presenting the same id lands back on the same
// base session with the same pane focused and the same zoom. Memory is
// process-local; a daemon restart starts everyone fresh.
type reconnectState struct {
	BaseSession string
	PaneID      string
	Zoomed      bool
	UpdatedAt   time.Time
}

type reconnectRegistry struct {
	mu     sync.RWMutex
	states map[string]reconnectState
}

func newReconnectRegistry() *reconnectRegistry {
	return &reconnectRegistry{states: make(map[string]reconnectState)}
}

func (r *reconnectRegistry) get(clientID string) (reconnectState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.states[clientID]
	return rs, ok
}

// rebase points the client's memory at base and returns the resulting
// state. Pane and zoom memory survive a reattach to the same base but
// mean nothing on a different one, so a base change wipes them.
func (r *reconnectRegistry) rebase(clientID, base string) reconnectState {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs := r.states[clientID]
	if rs.BaseSession != base {
		rs = reconnectState{BaseSession: base}
	}
	rs.UpdatedAt = time.Now()
	r.states[clientID] = rs
	return rs
}

// setPane records the pane the client focused last.
func (r *reconnectRegistry) setPane(clientID, paneID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs := r.states[clientID]
	rs.PaneID = paneID
	rs.UpdatedAt = time.Now()
	r.states[clientID] = rs
}

// toggleZoom flips the remembered zoom state, mirroring resize-pane -Z.
func (r *reconnectRegistry) toggleZoom(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs := r.states[clientID]
	rs.Zoomed = !rs.Zoomed
	rs.UpdatedAt = time.Now()
	r.states[clientID] = rs
}

// touch stamps the entry on disconnect so stale entries can be told
// apart from recent ones.
func (r *reconnectRegistry) touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.states[clientID]
	if !ok {
		return
	}
	rs.UpdatedAt = time.Now()
	r.states[clientID] = rs
}
