// Package agent supervises AI coding-agent subprocesses speaking the Agent
// Client Protocol over stdio.
//
// # Overview
//
// The agent package handles the lifecycle of spawned agents, including the
// initialize handshake, session management, prompt turns, permission
// round trips, and teardown.
//
// # Registry
//
// The Registry tracks all live connections:
//
//	reg := agent.NewRegistry(agent.RegistryOptions{Logger: logger, Events: sink})
//
// Key operations:
//
//   - Connect(ctx, cfg): Spawn an agent and complete the handshake
//   - Disconnect(id): Kill the agent and release its resources
//   - NewSession / LoadSession: Create or restore a session on a connection
//   - Prompt(ctx, sessionID, blocks): Run a prompt turn to completion
//   - Cancel(ctx, sessionID): Ask the agent to stop the in-flight turn
//   - GetOrCreateSession(ctx, cfg, cwd, servers): Reuse a cached session
//   - CleanupStaleSessions(): Evict idle cached sessions
//   - ReplyPermission(requestID, decision): Answer a permission request
//
// # Actor Model
//
// Each connection is owned by one goroutine that serializes every outbound
// protocol call for that connection. Commands against one connection execute
// in submission order; distinct connections proceed fully in parallel. The
// command loop also watches for process exit, so a dead agent fails queued
// commands instead of hanging them.
//
// # Session Routing
//
// Session ids returned by the agent are indexed back to their owning
// connection, so Prompt and Cancel take only a session id.
//
// # Session Cache
//
// GetOrCreateSession keys cached sessions by a fingerprint of the spawn
// command and args. A hit on a live Ready connection reuses it; a hit on a
// dead one reaps the corpse and spawns fresh. Concurrent calls with the same
// fingerprint serialize, so only one of them spawns. Idle entries are evicted by
// CleanupStaleSessions, which the embedding application drives from its own
// timer.
//
// # Permissions
//
// When an agent asks for permission mid-turn, the request is parked under a
// host-generated request id and surfaced through the event sink. The turn
// stays blocked until ReplyPermission delivers a decision or the connection
// goes away, in which case the agent sees a cancelled outcome.
//
// # Thread Safety
//
// Registry is safe for concurrent use. Event sinks must be concurrency-safe
// and must not block; delivery is at-most-once with no replay.
package agent
