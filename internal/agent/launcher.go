// ABOUTME: Spawns agent subprocesses and wraps their stdio in a protocol connection.
// ABOUTME: The wire and procHandle seams let tests substitute scripted fakes.

package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	acp "github.com/coder/acp-go-sdk"
)

// wire is the outbound half of an agent connection: the calls the host makes
// on the agent. *acp.ClientSideConnection satisfies it.
type wire interface {
	Initialize(ctx context.Context, params acp.InitializeRequest) (acp.InitializeResponse, error)
	NewSession(ctx context.Context, params acp.NewSessionRequest) (acp.NewSessionResponse, error)
	LoadSession(ctx context.Context, params acp.LoadSessionRequest) (acp.LoadSessionResponse, error)
	Prompt(ctx context.Context, params acp.PromptRequest) (acp.PromptResponse, error)
	Cancel(ctx context.Context, params acp.CancelNotification) error
}

// procHandle tracks a spawned process. Exited is closed once the process is
// gone; Kill is best-effort and safe to call more than once.
type procHandle interface {
	Exited() <-chan struct{}
	Kill()
}

// launchFunc spawns the agent described by cfg and returns the protocol wire
// plus a handle on the process. client receives the agent's inbound calls.
type launchFunc func(cfg AgentConfig, client acp.Client, logger *slog.Logger) (wire, procHandle, error)

type osProc struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

func (p *osProc) Exited() <-chan struct{} { return p.exited }

func (p *osProc) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// launchProcess starts the agent subprocess with piped stdio and returns a
// connection speaking the protocol over stdin/stdout. Stderr is drained
// line-by-line into the logger so a chatty agent never blocks.
func launchProcess(cfg AgentConfig, client acp.Client, logger *slog.Logger) (wire, procHandle, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Dir = cfg.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: stdin pipe: %w", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: stdout pipe: %w", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: stderr pipe: %w", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrSpawnFailed, cfg.Command, err)
	}

	go drainStderr(stderr, logger)

	proc := &osProc{cmd: cmd, exited: make(chan struct{})}
	go func() {
		// Sole Wait caller. Reaps the child and signals everyone watching.
		if err := cmd.Wait(); err != nil {
			logger.Debug("agent process exited", "command", cfg.Command, "error", err)
		}
		close(proc.exited)
	}()

	conn := acp.NewClientSideConnection(client, stdin, stdout)
	return conn, proc, nil
}

func drainStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Debug("agent stderr", "line", scanner.Text())
	}
}
