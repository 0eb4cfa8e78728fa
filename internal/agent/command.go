// ABOUTME: Commands sent into an actor's serialized command loop.
// ABOUTME: Each command carries a buffered reply channel for its result.

package agent

import (
	"context"

	acp "github.com/coder/acp-go-sdk"
)

type cmdVerb int

const (
	cmdNewSession cmdVerb = iota
	cmdLoadSession
	cmdPrompt
	cmdCancel
)

func (v cmdVerb) String() string {
	switch v {
	case cmdNewSession:
		return "new_session"
	case cmdLoadSession:
		return "load_session"
	case cmdPrompt:
		return "prompt"
	case cmdCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// command is one unit of work for the actor loop. The reply channel is
// buffered so the actor never blocks delivering a result to a caller that
// already gave up.
type command struct {
	verb cmdVerb
	ctx  context.Context

	// For cmdNewSession and cmdLoadSession.
	cwd        string
	mcpServers []acp.McpServer

	// For cmdLoadSession, cmdPrompt and cmdCancel.
	sessionID acp.SessionId

	// For cmdPrompt.
	prompt []acp.ContentBlock

	reply chan result
}

type result struct {
	session acp.SessionId
	stop    acp.StopReason
	err     error
}

func newCommand(verb cmdVerb, ctx context.Context) *command {
	return &command{verb: verb, ctx: ctx, reply: make(chan result, 1)}
}
