// ABOUTME: Error taxonomy for the agent connection layer.
// ABOUTME: Sentinel errors callers match with errors.Is; protocol errors pass through verbatim.

package agent

import "errors"

// ErrSpawnFailed indicates the agent process could not be started.
var ErrSpawnFailed = errors.New("agent spawn failed")

// ErrHandshakeFailed indicates the initialize round trip with the agent failed.
var ErrHandshakeFailed = errors.New("agent handshake failed")

// ErrUnsupportedProtocolVersion indicates the agent negotiated a protocol
// version other than the one this host speaks.
var ErrUnsupportedProtocolVersion = errors.New("unsupported protocol version")

// ErrConnectionNotFound indicates the specified connection was not found.
var ErrConnectionNotFound = errors.New("connection not found")

// ErrSessionNotFound indicates the specified session is not mapped to any connection.
var ErrSessionNotFound = errors.New("session not found")

// ErrPermissionNotFound indicates the specified permission request is not pending.
var ErrPermissionNotFound = errors.New("permission request not found")

// ErrConnectionClosed indicates the connection's actor exited before the
// command could complete. Callers must treat this as "connection lost".
var ErrConnectionClosed = errors.New("connection closed")
