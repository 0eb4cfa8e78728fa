// ABOUTME: Registry of agent connections: spawn, route, cache, and tear down.
// ABOUTME: Session ids route commands to the owning connection's actor.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
)

// DefaultStaleSessionTimeout is how long a cached session may sit idle before
// CleanupStaleSessions evicts it.
const DefaultStaleSessionTimeout = 300 * time.Second

// RegistryOptions configures a Registry. Zero values get sensible defaults.
type RegistryOptions struct {
	Logger *slog.Logger
	// Events receives lifecycle, notification and permission events. Optional.
	Events EventSink
	// StaleSessionTimeout overrides DefaultStaleSessionTimeout.
	StaleSessionTimeout time.Duration

	// launch overrides subprocess spawning. Tests only.
	launch launchFunc
}

// Registry owns every agent connection in the process. All methods are safe
// for concurrent use; operations on distinct connections never serialize on
// each other.
type Registry struct {
	logger     *slog.Logger
	sink       EventSink
	launch     launchFunc
	staleAfter time.Duration

	mu       sync.RWMutex
	conns    map[string]*actor
	sessions map[acp.SessionId]string

	// flights serializes GetOrCreateSession per fingerprint so concurrent
	// callers with the same config share one spawn instead of racing the
	// cache and orphaning the losing connection.
	flightMu sync.Mutex
	flights  map[string]*sync.Mutex

	cache *sessionCache
	perms *permissionCorrelator
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Events
	if sink == nil {
		sink = func(Event) {}
	}
	launch := opts.launch
	if launch == nil {
		launch = launchProcess
	}
	staleAfter := opts.StaleSessionTimeout
	if staleAfter <= 0 {
		staleAfter = DefaultStaleSessionTimeout
	}
	return &Registry{
		logger:     logger,
		sink:       sink,
		launch:     launch,
		staleAfter: staleAfter,
		conns:      make(map[string]*actor),
		sessions:   make(map[acp.SessionId]string),
		flights:    make(map[string]*sync.Mutex),
		cache:      newSessionCache(),
		perms:      newPermissionCorrelator(),
	}
}

// Connect spawns the agent described by cfg, runs the initialize handshake,
// and registers the connection. On any failure nothing is registered and the
// child, if it started, is killed.
func (r *Registry) Connect(ctx context.Context, cfg AgentConfig) (ConnectionInfo, error) {
	id := uuid.NewString()
	a := newActor(id, cfg, r.launch, r.perms, r.sink, r.logger)

	ready := make(chan error, 1)
	go a.run(ready)

	select {
	case err := <-ready:
		if err != nil {
			return ConnectionInfo{}, err
		}
	case <-ctx.Done():
		a.stop()
		<-ready
		return ConnectionInfo{}, ctx.Err()
	}

	r.mu.Lock()
	r.conns[id] = a
	r.mu.Unlock()

	return a.st.snapshot(), nil
}

// Disconnect tears down the connection: the child is killed, cached sessions
// backed by it are purged, and its pending permissions resolve as cancelled.
// Returns ErrConnectionNotFound for unknown or already-disconnected ids.
func (r *Registry) Disconnect(id string) error {
	r.mu.Lock()
	a, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	delete(r.conns, id)
	for sid, owner := range r.sessions {
		if owner == id {
			delete(r.sessions, sid)
		}
	}
	r.mu.Unlock()

	r.cache.removeConn(id)

	// Kill regardless of in-flight work; the actor winds down on its own
	// once it observes the exit.
	a.stop()
	<-a.done
	return nil
}

// GetInfo returns a snapshot of the connection's state.
func (r *Registry) GetInfo(id string) (ConnectionInfo, error) {
	r.mu.RLock()
	a, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return ConnectionInfo{}, fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	return a.st.snapshot(), nil
}

// ListConnections returns snapshots of every registered connection, ordered
// by id for stable output.
func (r *Registry) ListConnections() []ConnectionInfo {
	r.mu.RLock()
	infos := make([]ConnectionInfo, 0, len(r.conns))
	for _, a := range r.conns {
		infos = append(infos, a.st.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// NewSession creates a session on the given connection and indexes it for
// prompt routing.
func (r *Registry) NewSession(ctx context.Context, connID, cwd string, mcpServers []acp.McpServer) (acp.SessionId, error) {
	cmd := newCommand(cmdNewSession, ctx)
	cmd.cwd = cwd
	cmd.mcpServers = mcpServers

	res, err := r.dispatch(ctx, connID, cmd)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.sessions[res.session] = connID
	r.mu.Unlock()
	return res.session, nil
}

// LoadSession restores a previously created session on the given connection.
// Fails if the agent did not advertise the load_session capability.
func (r *Registry) LoadSession(ctx context.Context, connID string, sessionID acp.SessionId, cwd string, mcpServers []acp.McpServer) error {
	cmd := newCommand(cmdLoadSession, ctx)
	cmd.sessionID = sessionID
	cmd.cwd = cwd
	cmd.mcpServers = mcpServers

	if _, err := r.dispatch(ctx, connID, cmd); err != nil {
		return err
	}

	r.mu.Lock()
	r.sessions[sessionID] = connID
	r.mu.Unlock()
	return nil
}

// Prompt sends a prompt turn to the connection owning the session and blocks
// until the turn ends. Session updates stream through the event sink while
// this call is in flight.
func (r *Registry) Prompt(ctx context.Context, sessionID acp.SessionId, prompt []acp.ContentBlock) (acp.StopReason, error) {
	connID, err := r.ownerOf(sessionID)
	if err != nil {
		return "", err
	}

	cmd := newCommand(cmdPrompt, ctx)
	cmd.sessionID = sessionID
	cmd.prompt = prompt

	res, err := r.dispatch(ctx, connID, cmd)
	if err != nil {
		return "", err
	}
	return res.stop, nil
}

// Cancel asks the agent to stop the session's in-flight turn. The turn itself
// still finishes through Prompt with a cancelled stop reason.
func (r *Registry) Cancel(ctx context.Context, sessionID acp.SessionId) error {
	connID, err := r.ownerOf(sessionID)
	if err != nil {
		return err
	}

	cmd := newCommand(cmdCancel, ctx)
	cmd.sessionID = sessionID

	_, err = r.dispatch(ctx, connID, cmd)
	return err
}

// GetOrCreateSession returns a cached session for the config's fingerprint,
// spawning a fresh connection and session on a miss or a dead hit. Concurrent
// calls with the same fingerprint share a single spawn.
func (r *Registry) GetOrCreateSession(ctx context.Context, cfg AgentConfig, cwd string, mcpServers []acp.McpServer) (string, acp.SessionId, error) {
	fp := cfg.Fingerprint()
	flight := r.flight(fp)
	flight.Lock()
	defer flight.Unlock()

	if entry, ok := r.cache.get(fp); ok {
		if r.connReady(entry.ConnID) {
			entry.touch()
			return entry.ConnID, entry.SessionID, nil
		}
		// Dead hit. Drop the entry and reap whatever is left of the connection.
		r.cache.remove(fp)
		if err := r.Disconnect(entry.ConnID); err == nil {
			r.logger.Debug("reaped dead cached connection", "connection_id", entry.ConnID)
		}
	}

	info, err := r.Connect(ctx, cfg)
	if err != nil {
		return "", "", err
	}
	sessionID, err := r.NewSession(ctx, info.ID, cwd, mcpServers)
	if err != nil {
		_ = r.Disconnect(info.ID)
		return "", "", err
	}

	r.cache.insert(fp, info.ID, sessionID)
	return info.ID, sessionID, nil
}

// CleanupStaleSessions disconnects every cached connection idle past the
// configured timeout and returns how many were evicted. Callers drive this
// from their own timer.
func (r *Registry) CleanupStaleSessions() int {
	evicted := r.cache.sweep(r.staleAfter)
	for _, entry := range evicted {
		if err := r.Disconnect(entry.ConnID); err == nil {
			r.logger.Info("evicted stale session",
				"connection_id", entry.ConnID,
				"session_id", string(entry.SessionID))
		}
	}
	return len(evicted)
}

// ReplyPermission answers a pending permission request by id.
func (r *Registry) ReplyPermission(requestID string, decision PermissionDecision) error {
	return r.perms.resolve(requestID, decision)
}

// Close disconnects every connection. The registry must not be used after.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.Disconnect(id)
	}
}

// flight returns the per-fingerprint lock held across the cache check, the
// spawn, and the insert. Distinct fingerprints never contend.
func (r *Registry) flight(fp string) *sync.Mutex {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()
	mu, ok := r.flights[fp]
	if !ok {
		mu = &sync.Mutex{}
		r.flights[fp] = mu
	}
	return mu
}

func (r *Registry) ownerOf(sessionID acp.SessionId) (string, error) {
	r.mu.RLock()
	connID, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, string(sessionID))
	}
	return connID, nil
}

func (r *Registry) connReady(id string) bool {
	r.mu.RLock()
	a, ok := r.conns[id]
	r.mu.RUnlock()
	return ok && a.st.status() == StatusReady
}

// dispatch hands a command to the connection's actor and waits for its reply.
// If the actor exits while the command is queued, the caller gets
// ErrConnectionClosed rather than hanging.
func (r *Registry) dispatch(ctx context.Context, connID string, cmd *command) (result, error) {
	r.mu.RLock()
	a, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return result{}, fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}

	select {
	case a.inbox <- cmd:
	case <-a.done:
		return result{}, fmt.Errorf("%w: %s", ErrConnectionClosed, connID)
	case <-ctx.Done():
		return result{}, ctx.Err()
	}

	select {
	case res := <-cmd.reply:
		if res.err != nil {
			return result{}, res.err
		}
		return res, nil
	case <-a.done:
		// The loop exited after accepting the command. A picked-up command
		// still gets its reply, so check once more before giving up.
		select {
		case res := <-cmd.reply:
			if res.err != nil {
				return result{}, res.err
			}
			return res, nil
		default:
			return result{}, fmt.Errorf("%w: %s", ErrConnectionClosed, connID)
		}
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}
