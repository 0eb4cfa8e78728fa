// ABOUTME: Connection status machine and the shared read-only state snapshot.
// ABOUTME: Status only advances forward, or jumps to the terminal Closed.

package agent

import (
	"sync"

	acp "github.com/coder/acp-go-sdk"
)

// Status is the lifecycle state of a connection.
type Status int

const (
	// StatusCreated means the actor exists but the process handshake has not completed.
	StatusCreated Status = iota
	// StatusInitialized means the initialize round trip succeeded.
	StatusInitialized
	// StatusReady means the connection accepts session commands.
	StatusReady
	// StatusClosed is terminal: the process is gone or being torn down.
	StatusClosed
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusInitialized:
		return "initialized"
	case StatusReady:
		return "ready"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionInfo is a point-in-time snapshot of one connection's state.
type ConnectionInfo struct {
	ID              string
	Status          Status
	ProtocolVersion int
	Capabilities    acp.AgentCapabilities
	// Err holds the reason the connection closed, if it closed on failure.
	Err string
}

// connState is the actor-owned mutable state, exposed read-only under its own
// lock so GetInfo never waits on the command loop.
type connState struct {
	mu   sync.RWMutex
	info ConnectionInfo
}

func newConnState(id string) *connState {
	return &connState{info: ConnectionInfo{ID: id, Status: StatusCreated}}
}

// snapshot returns a copy of the current state.
func (s *connState) snapshot() ConnectionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

func (s *connState) status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.Status
}

// markInitialized records the negotiated protocol version and capabilities.
// No-op if the connection already closed.
func (s *connState) markInitialized(version int, caps acp.AgentCapabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Status == StatusClosed {
		return
	}
	s.info.Status = StatusInitialized
	s.info.ProtocolVersion = version
	s.info.Capabilities = caps
}

// markReady advances Initialized to Ready. No-op once closed.
func (s *connState) markReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Status == StatusClosed {
		return
	}
	s.info.Status = StatusReady
}

// close transitions to the terminal Closed state, recording the reason.
// The first reason wins; later calls are no-ops.
func (s *connState) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Status == StatusClosed {
		return
	}
	s.info.Status = StatusClosed
	if err != nil {
		s.info.Err = err.Error()
	}
}
