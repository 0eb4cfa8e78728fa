// ABOUTME: Client-side adapter receiving the agent's inbound protocol calls.
// ABOUTME: Forwards notifications as events and bridges permission round trips.

package agent

import (
	"context"
	"fmt"
	"log/slog"

	acp "github.com/coder/acp-go-sdk"
)

// clientAdapter implements acp.Client for one connection. Session updates are
// forwarded verbatim to the event sink; permission requests park in the
// correlator until the embedding application answers or the connection dies.
type clientAdapter struct {
	connID string
	perms  *permissionCorrelator
	emit   EventSink
	logger *slog.Logger
}

func (c *clientAdapter) SessionUpdate(_ context.Context, params acp.SessionNotification) error {
	c.emit(Event{
		Kind:         EventSessionNotification,
		ConnectionID: c.connID,
		Notification: &params,
	})
	return nil
}

func (c *clientAdapter) RequestPermission(ctx context.Context, params acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	id, decisions := c.perms.register(c.connID)

	c.emit(Event{
		Kind:         EventPermissionRequested,
		ConnectionID: c.connID,
		RequestID:    id,
		Permission:   &params,
	})
	c.logger.Debug("permission requested", "request_id", id, "options", len(params.Options))

	select {
	case d, ok := <-decisions:
		if !ok || d.Cancelled {
			// Channel closed on teardown, or the UI dismissed the request.
			return cancelledOutcome(), nil
		}
		if resp, ok := selectedOutcome(params.Options, d.OptionID); ok {
			return resp, nil
		}
		c.logger.Warn("permission decision named unknown option",
			"request_id", id, "option_id", d.OptionID)
		return cancelledOutcome(), nil
	case <-ctx.Done():
		c.perms.forget(id)
		// A reply that won the race with cancellation is already buffered and
		// removed from the correlator; report the choice that was applied.
		select {
		case d, ok := <-decisions:
			if ok && !d.Cancelled {
				if resp, ok := selectedOutcome(params.Options, d.OptionID); ok {
					return resp, nil
				}
			}
		default:
		}
		return cancelledOutcome(), nil
	}
}

func selectedOutcome(options []acp.PermissionOption, optionID string) (acp.RequestPermissionResponse, bool) {
	for _, opt := range options {
		if string(opt.OptionId) == optionID {
			return acp.RequestPermissionResponse{
				Outcome: acp.NewRequestPermissionOutcomeSelected(opt.OptionId),
			}, true
		}
	}
	return acp.RequestPermissionResponse{}, false
}

func cancelledOutcome() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.NewRequestPermissionOutcomeCancelled(),
	}
}

// The host exposes no filesystem or terminal to agents. Declining here keeps
// capable agents from assuming support the initialize capabilities never
// advertised.

func (c *clientAdapter) ReadTextFile(_ context.Context, _ acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	return acp.ReadTextFileResponse{}, fmt.Errorf("fs/read_text_file not supported")
}

func (c *clientAdapter) WriteTextFile(_ context.Context, _ acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	return acp.WriteTextFileResponse{}, fmt.Errorf("fs/write_text_file not supported")
}

func (c *clientAdapter) CreateTerminal(_ context.Context, _ acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, fmt.Errorf("terminal/create not supported")
}

func (c *clientAdapter) KillTerminalCommand(_ context.Context, _ acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, fmt.Errorf("terminal/kill not supported")
}

func (c *clientAdapter) TerminalOutput(_ context.Context, _ acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("terminal/output not supported")
}

func (c *clientAdapter) ReleaseTerminal(_ context.Context, _ acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, fmt.Errorf("terminal/release not supported")
}

func (c *clientAdapter) WaitForTerminalExit(_ context.Context, _ acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("terminal/wait_for_exit not supported")
}
