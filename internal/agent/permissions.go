// ABOUTME: Correlates agent permission callbacks with asynchronous UI replies.
// ABOUTME: Host-generated request ids map to one-shot decision channels.

package agent

import (
	"sync"

	"github.com/google/uuid"
)

// PermissionDecision is the UI's answer to a pending permission request.
// OptionID names one of the options offered by the agent; Cancelled dismisses
// the request without selecting.
type PermissionDecision struct {
	OptionID  string
	Cancelled bool
}

type pendingPermission struct {
	connID string
	ch     chan PermissionDecision
}

// permissionCorrelator tracks pending permission requests. Request ids are
// generated here, never taken from the agent, so they are unique across all
// connections for the lifetime of the request.
type permissionCorrelator struct {
	mu      sync.Mutex
	pending map[string]*pendingPermission
}

func newPermissionCorrelator() *permissionCorrelator {
	return &permissionCorrelator{pending: make(map[string]*pendingPermission)}
}

// register creates a pending entry and returns its id and decision channel.
// The channel is buffered so resolve never blocks. A closed channel means the
// request was abandoned (connection teardown) and the waiter must treat it as
// cancelled.
func (p *permissionCorrelator) register(connID string) (string, <-chan PermissionDecision) {
	id := uuid.NewString()
	entry := &pendingPermission{connID: connID, ch: make(chan PermissionDecision, 1)}

	p.mu.Lock()
	p.pending[id] = entry
	p.mu.Unlock()

	return id, entry.ch
}

// resolve delivers a decision to the waiter and removes the entry.
// Returns ErrPermissionNotFound if the id is unknown or already resolved.
func (p *permissionCorrelator) resolve(id string, d PermissionDecision) error {
	p.mu.Lock()
	entry, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()

	if !ok {
		return ErrPermissionNotFound
	}
	entry.ch <- d
	return nil
}

// forget removes an entry without delivering anything. Used when the waiter
// stops waiting on its own (context cancellation).
func (p *permissionCorrelator) forget(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// cancelConnection abandons every pending request for the given connection by
// closing its channel. Waiters resolve to a cancelled outcome, never hang.
func (p *permissionCorrelator) cancelConnection(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, entry := range p.pending {
		if entry.connID == connID {
			close(entry.ch)
			delete(p.pending, id)
		}
	}
}

// pendingCount reports the number of outstanding requests.
func (p *permissionCorrelator) pendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
