// ABOUTME: Per-connection actor owning one agent subprocess and its wire.
// ABOUTME: A single goroutine serializes all protocol traffic for the connection.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	acp "github.com/coder/acp-go-sdk"
)

// actor runs one connection. All outbound protocol calls happen on the run
// goroutine, so commands against a single connection execute in order while
// distinct connections proceed in parallel.
type actor struct {
	id     string
	cfg    AgentConfig
	logger *slog.Logger
	launch launchFunc
	perms  *permissionCorrelator
	emit   EventSink

	inbox chan *command
	st    *connState
	// done closes when the run goroutine has fully exited.
	done chan struct{}

	procMu   sync.Mutex
	proc     procHandle
	stopping bool
}

func newActor(id string, cfg AgentConfig, launch launchFunc, perms *permissionCorrelator, emit EventSink, logger *slog.Logger) *actor {
	return &actor{
		id:     id,
		cfg:    cfg,
		logger: logger.With("connection_id", id),
		launch: launch,
		perms:  perms,
		emit:   emit,
		inbox:  make(chan *command, 16),
		st:     newConnState(id),
		done:   make(chan struct{}),
	}
}

// stop kills the child out-of-band, regardless of in-flight work. Used by
// Disconnect and by callers giving up on Connect mid-handshake. The command
// loop observes the process exit and winds down.
func (a *actor) stop() {
	a.procMu.Lock()
	a.stopping = true
	proc := a.proc
	a.procMu.Unlock()
	if proc != nil {
		proc.Kill()
	}
}

func (a *actor) isStopping() bool {
	a.procMu.Lock()
	defer a.procMu.Unlock()
	return a.stopping
}

func (a *actor) setProc(proc procHandle) bool {
	a.procMu.Lock()
	defer a.procMu.Unlock()
	a.proc = proc
	return !a.stopping
}

// run is the actor goroutine. It reports handshake completion (or failure)
// exactly once on ready, then serves commands until shutdown or process exit.
func (a *actor) run(ready chan<- error) {
	defer close(a.done)
	defer a.perms.cancelConnection(a.id)

	conn, proc, err := a.launch(a.cfg, &clientAdapter{
		connID: a.id,
		perms:  a.perms,
		emit:   a.emit,
		logger: a.logger,
	}, a.logger)
	if err != nil {
		a.fail(err)
		ready <- err
		return
	}
	if !a.setProc(proc) {
		proc.Kill()
		err := fmt.Errorf("%w: connect abandoned", ErrConnectionClosed)
		a.fail(err)
		ready <- err
		return
	}

	initResp, err := conn.Initialize(context.Background(), acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{ReadTextFile: false, WriteTextFile: false},
		},
	})
	if err != nil {
		proc.Kill()
		err = fmt.Errorf("%w: initialize: %w", ErrHandshakeFailed, err)
		a.fail(err)
		ready <- err
		return
	}
	if initResp.ProtocolVersion != acp.ProtocolVersionNumber {
		proc.Kill()
		err = fmt.Errorf("%w: agent speaks v%d, host speaks v%d",
			ErrUnsupportedProtocolVersion, int(initResp.ProtocolVersion), int(acp.ProtocolVersionNumber))
		a.fail(err)
		ready <- err
		return
	}

	a.st.markInitialized(int(initResp.ProtocolVersion), initResp.AgentCapabilities)
	a.st.markReady()
	a.logger.Info("agent connection ready",
		"command", a.cfg.Command,
		"protocol_version", int(initResp.ProtocolVersion),
		"load_session", initResp.AgentCapabilities.LoadSession)
	a.emit(Event{Kind: EventConnectionStateChanged, ConnectionID: a.id, Status: StatusReady})
	ready <- nil

	a.serve(conn, proc)
}

// serve is the command loop. A process exit observed between commands closes
// the connection; a command in flight when the process dies gets whatever
// error the wire returns once the pipes break. Deliberate stop() teardown
// closes cleanly.
func (a *actor) serve(conn wire, proc procHandle) {
	for {
		select {
		case <-proc.Exited():
			if a.isStopping() {
				a.closeWith(nil)
			} else {
				a.closeWith(errors.New("agent process exited"))
			}
			return
		case cmd := <-a.inbox:
			cmd.reply <- a.execute(conn, cmd)
		}
	}
}

func (a *actor) execute(conn wire, cmd *command) result {
	switch cmd.verb {
	case cmdNewSession:
		resp, err := conn.NewSession(cmd.ctx, acp.NewSessionRequest{
			Cwd:        cmd.cwd,
			McpServers: cmd.mcpServers,
		})
		if err != nil {
			return result{err: fmt.Errorf("session/new: %w", err)}
		}
		return result{session: resp.SessionId}
	case cmdLoadSession:
		if !a.st.snapshot().Capabilities.LoadSession {
			return result{err: fmt.Errorf("agent does not support session/load")}
		}
		_, err := conn.LoadSession(cmd.ctx, acp.LoadSessionRequest{
			SessionId:  cmd.sessionID,
			Cwd:        cmd.cwd,
			McpServers: cmd.mcpServers,
		})
		if err != nil {
			return result{err: fmt.Errorf("session/load: %w", err)}
		}
		return result{session: cmd.sessionID}
	case cmdPrompt:
		resp, err := conn.Prompt(cmd.ctx, acp.PromptRequest{
			SessionId: cmd.sessionID,
			Prompt:    cmd.prompt,
		})
		if err != nil {
			return result{err: fmt.Errorf("session/prompt: %w", err)}
		}
		return result{stop: resp.StopReason}
	case cmdCancel:
		if err := conn.Cancel(cmd.ctx, acp.CancelNotification{SessionId: cmd.sessionID}); err != nil {
			return result{err: fmt.Errorf("session/cancel: %w", err)}
		}
		return result{}
	default:
		return result{err: fmt.Errorf("unknown command verb %d", cmd.verb)}
	}
}

// fail records a pre-ready failure and announces the closed state.
func (a *actor) fail(err error) {
	a.st.close(err)
	a.logger.Warn("agent connection failed", "error", err)
	a.emit(Event{Kind: EventConnectionStateChanged, ConnectionID: a.id, Status: StatusClosed, Err: err.Error()})
}

func (a *actor) closeWith(err error) {
	a.st.close(err)
	ev := Event{Kind: EventConnectionStateChanged, ConnectionID: a.id, Status: StatusClosed}
	if err != nil {
		a.logger.Info("agent connection closed", "reason", err)
		ev.Err = err.Error()
	} else {
		a.logger.Info("agent connection closed")
	}
	a.emit(ev)
}
