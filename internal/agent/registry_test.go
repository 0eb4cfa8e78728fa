// ABOUTME: Tests for the connection registry and the per-connection actor loop.
// ABOUTME: Uses scripted wire and process fakes instead of real subprocesses.

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	acp "github.com/coder/acp-go-sdk"
)

var sessionSeq atomic.Int64

// fakeWire is a scripted protocol connection. Calls fail once broken closes,
// mirroring a real connection whose pipes went away.
type fakeWire struct {
	mu       sync.Mutex
	sessions []acp.SessionId
	loads    []acp.SessionId
	prompts  []acp.PromptRequest
	cancels  []acp.SessionId

	initResp   acp.InitializeResponse
	initErr    error
	promptStop acp.StopReason
	promptGate chan struct{}
	broken     chan struct{}
}

func (w *fakeWire) isBroken() bool {
	select {
	case <-w.broken:
		return true
	default:
		return false
	}
}

func (w *fakeWire) Initialize(_ context.Context, _ acp.InitializeRequest) (acp.InitializeResponse, error) {
	if w.initErr != nil {
		return acp.InitializeResponse{}, w.initErr
	}
	return w.initResp, nil
}

func (w *fakeWire) NewSession(_ context.Context, params acp.NewSessionRequest) (acp.NewSessionResponse, error) {
	if w.isBroken() {
		return acp.NewSessionResponse{}, errors.New("pipe closed")
	}
	id := acp.SessionId(fmt.Sprintf("sess-%d", sessionSeq.Add(1)))
	w.mu.Lock()
	w.sessions = append(w.sessions, id)
	w.mu.Unlock()
	return acp.NewSessionResponse{SessionId: id}, nil
}

func (w *fakeWire) LoadSession(_ context.Context, params acp.LoadSessionRequest) (acp.LoadSessionResponse, error) {
	if w.isBroken() {
		return acp.LoadSessionResponse{}, errors.New("pipe closed")
	}
	w.mu.Lock()
	w.loads = append(w.loads, params.SessionId)
	w.mu.Unlock()
	return acp.LoadSessionResponse{}, nil
}

func (w *fakeWire) Prompt(_ context.Context, params acp.PromptRequest) (acp.PromptResponse, error) {
	w.mu.Lock()
	w.prompts = append(w.prompts, params)
	w.mu.Unlock()
	if w.promptGate != nil {
		select {
		case <-w.promptGate:
		case <-w.broken:
			return acp.PromptResponse{}, errors.New("pipe closed")
		}
	}
	if w.isBroken() {
		return acp.PromptResponse{}, errors.New("pipe closed")
	}
	stop := w.promptStop
	if stop == "" {
		stop = acp.StopReason("end_turn")
	}
	return acp.PromptResponse{StopReason: stop}, nil
}

func (w *fakeWire) Cancel(_ context.Context, params acp.CancelNotification) error {
	if w.isBroken() {
		return errors.New("pipe closed")
	}
	w.mu.Lock()
	w.cancels = append(w.cancels, params.SessionId)
	w.mu.Unlock()
	return nil
}

func (w *fakeWire) promptCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.prompts)
}

type fakeProc struct {
	exited chan struct{}
	once   sync.Once
}

func (p *fakeProc) Exited() <-chan struct{} { return p.exited }
func (p *fakeProc) Kill()                   { p.once.Do(func() { close(p.exited) }) }

// launchHarness hands out one fakeWire/fakeProc pair per launch and keeps
// them for inspection. Killing a proc breaks its wire.
type launchHarness struct {
	mu       sync.Mutex
	spawnErr error
	initResp acp.InitializeResponse
	initErr  error
	gate     chan struct{}

	wires   []*fakeWire
	procs   []*fakeProc
	clients []acp.Client
}

func newLaunchHarness() *launchHarness {
	return &launchHarness{
		initResp: acp.InitializeResponse{
			ProtocolVersion:   acp.ProtocolVersionNumber,
			AgentCapabilities: acp.AgentCapabilities{LoadSession: true},
		},
	}
}

func (h *launchHarness) launch(_ AgentConfig, client acp.Client, _ *slog.Logger) (wire, procHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.spawnErr != nil {
		return nil, nil, h.spawnErr
	}
	proc := &fakeProc{exited: make(chan struct{})}
	w := &fakeWire{
		initResp:   h.initResp,
		initErr:    h.initErr,
		promptGate: h.gate,
		broken:     proc.exited,
	}
	h.wires = append(h.wires, w)
	h.procs = append(h.procs, proc)
	h.clients = append(h.clients, client)
	return w, proc, nil
}

func (h *launchHarness) launchCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.wires)
}

func (h *launchHarness) wire(i int) *fakeWire {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.wires[i]
}

func (h *launchHarness) proc(i int) *fakeProc {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.procs[i]
}

func (h *launchHarness) client(i int) acp.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[i]
}

// eventCollector is a concurrency-safe EventSink.
type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) sink(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *eventCollector) byKind(kind EventKind) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(h *launchHarness, sink EventSink) *Registry {
	return NewRegistry(RegistryOptions{
		Logger: discardLogger(),
		Events: sink,
		launch: h.launch,
	})
}

func TestConnect(t *testing.T) {
	t.Run("handshake succeeds and connection is ready", func(t *testing.T) {
		h := newLaunchHarness()
		events := &eventCollector{}
		reg := newTestRegistry(h, events.sink)
		defer reg.Close()

		connInfo, err := reg.Connect(context.Background(), AgentConfig{Command: "fake-agent"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if connInfo.ID == "" || connInfo.Status != StatusReady {
			t.Errorf("connect returned incomplete info %+v", connInfo)
		}

		info, err := reg.GetInfo(connInfo.ID)
		if err != nil {
			t.Fatalf("GetInfo failed: %v", err)
		}
		if info.Status != StatusReady {
			t.Errorf("expected ready, got %s", info.Status)
		}
		if info.ProtocolVersion != int(acp.ProtocolVersionNumber) {
			t.Errorf("unexpected protocol version %d", info.ProtocolVersion)
		}
		if !info.Capabilities.LoadSession {
			t.Error("expected load_session capability")
		}

		changes := events.byKind(EventConnectionStateChanged)
		if len(changes) != 1 || changes[0].Status != StatusReady {
			t.Errorf("expected one ready event, got %v", changes)
		}
	})

	t.Run("spawn failure leaves nothing registered", func(t *testing.T) {
		h := newLaunchHarness()
		h.spawnErr = fmt.Errorf("%w: no such file", ErrSpawnFailed)
		reg := newTestRegistry(h, nil)
		defer reg.Close()

		_, err := reg.Connect(context.Background(), AgentConfig{Command: "missing"})
		if !errors.Is(err, ErrSpawnFailed) {
			t.Fatalf("expected spawn failure, got %v", err)
		}
		if n := len(reg.ListConnections()); n != 0 {
			t.Errorf("expected empty registry, got %d connections", n)
		}
	})

	t.Run("initialize error kills the child", func(t *testing.T) {
		h := newLaunchHarness()
		h.initErr = errors.New("agent wrote garbage")
		reg := newTestRegistry(h, nil)
		defer reg.Close()

		_, err := reg.Connect(context.Background(), AgentConfig{Command: "fake-agent"})
		if !errors.Is(err, ErrHandshakeFailed) {
			t.Fatalf("expected handshake failure, got %v", err)
		}
		select {
		case <-h.proc(0).Exited():
		case <-time.After(time.Second):
			t.Error("child was not killed after handshake failure")
		}
	})

	t.Run("protocol version mismatch is rejected", func(t *testing.T) {
		h := newLaunchHarness()
		h.initResp.ProtocolVersion = acp.ProtocolVersionNumber + 1
		reg := newTestRegistry(h, nil)
		defer reg.Close()

		_, err := reg.Connect(context.Background(), AgentConfig{Command: "fake-agent"})
		if !errors.Is(err, ErrUnsupportedProtocolVersion) {
			t.Fatalf("expected version mismatch, got %v", err)
		}
		if n := len(reg.ListConnections()); n != 0 {
			t.Errorf("expected empty registry, got %d connections", n)
		}
	})
}

func TestDisconnect(t *testing.T) {
	h := newLaunchHarness()
	reg := newTestRegistry(h, nil)
	defer reg.Close()

	connInfo, err := reg.Connect(context.Background(), AgentConfig{Command: "fake-agent"})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if err := reg.Disconnect(connInfo.ID); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	select {
	case <-h.proc(0).Exited():
	case <-time.After(time.Second):
		t.Error("child was not killed on disconnect")
	}

	if _, err := reg.GetInfo(connInfo.ID); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("expected connection not found, got %v", err)
	}
	if err := reg.Disconnect(connInfo.ID); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("second disconnect should fail, got %v", err)
	}
}

func TestSessionRouting(t *testing.T) {
	t.Run("prompts route to the owning connection", func(t *testing.T) {
		h := newLaunchHarness()
		reg := newTestRegistry(h, nil)
		defer reg.Close()

		ctx := context.Background()
		info1, err := reg.Connect(ctx, AgentConfig{Command: "agent-a"})
		if err != nil {
			t.Fatalf("connect failed: %v", err)
		}
		info2, err := reg.Connect(ctx, AgentConfig{Command: "agent-b"})
		if err != nil {
			t.Fatalf("connect failed: %v", err)
		}

		s1, err := reg.NewSession(ctx, info1.ID, "/tmp/a", nil)
		if err != nil {
			t.Fatalf("new session failed: %v", err)
		}
		s2, err := reg.NewSession(ctx, info2.ID, "/tmp/b", nil)
		if err != nil {
			t.Fatalf("new session failed: %v", err)
		}
		if s1 == s2 {
			t.Fatal("expected distinct session ids")
		}

		stop, err := reg.Prompt(ctx, s2, []acp.ContentBlock{acp.TextBlock("hello")})
		if err != nil {
			t.Fatalf("prompt failed: %v", err)
		}
		if string(stop) != "end_turn" {
			t.Errorf("unexpected stop reason %q", stop)
		}
		if h.wire(0).promptCount() != 0 || h.wire(1).promptCount() != 1 {
			t.Error("prompt hit the wrong connection")
		}

		if err := reg.Cancel(ctx, s1); err != nil {
			t.Fatalf("cancel failed: %v", err)
		}
		w1 := h.wire(0)
		w1.mu.Lock()
		cancels := len(w1.cancels)
		w1.mu.Unlock()
		if cancels != 1 {
			t.Errorf("expected 1 cancel on first connection, got %d", cancels)
		}
	})

	t.Run("one connection serves several sessions", func(t *testing.T) {
		h := newLaunchHarness()
		reg := newTestRegistry(h, nil)
		defer reg.Close()

		ctx := context.Background()
		connInfo, err := reg.Connect(ctx, AgentConfig{Command: "fake-agent"})
		if err != nil {
			t.Fatalf("connect failed: %v", err)
		}

		seen := make(map[acp.SessionId]bool)
		for i := 0; i < 3; i++ {
			sid, err := reg.NewSession(ctx, connInfo.ID, "/tmp/w", nil)
			if err != nil {
				t.Fatalf("new session %d failed: %v", i, err)
			}
			if seen[sid] {
				t.Fatalf("duplicate session id %s", sid)
			}
			seen[sid] = true

			if _, err := reg.Prompt(ctx, sid, []acp.ContentBlock{acp.TextBlock("hi")}); err != nil {
				t.Fatalf("prompt on session %s failed: %v", sid, err)
			}
			if err := reg.Cancel(ctx, sid); err != nil {
				t.Fatalf("cancel on session %s failed: %v", sid, err)
			}
		}
		if h.launchCount() != 1 {
			t.Errorf("expected a single process, got %d", h.launchCount())
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		h := newLaunchHarness()
		reg := newTestRegistry(h, nil)
		defer reg.Close()

		_, err := reg.Prompt(context.Background(), "no-such-session", nil)
		if !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("expected session not found, got %v", err)
		}
	})

	t.Run("load session restores routing", func(t *testing.T) {
		h := newLaunchHarness()
		reg := newTestRegistry(h, nil)
		defer reg.Close()

		ctx := context.Background()
		connInfo, err := reg.Connect(ctx, AgentConfig{Command: "fake-agent"})
		if err != nil {
			t.Fatalf("connect failed: %v", err)
		}

		prior := acp.SessionId("sess-from-last-run")
		if err := reg.LoadSession(ctx, connInfo.ID, prior, "/tmp/w", nil); err != nil {
			t.Fatalf("load session failed: %v", err)
		}
		if _, err := reg.Prompt(ctx, prior, []acp.ContentBlock{acp.TextBlock("resume")}); err != nil {
			t.Fatalf("prompt on loaded session failed: %v", err)
		}
	})

	t.Run("load session requires the capability", func(t *testing.T) {
		h := newLaunchHarness()
		h.initResp.AgentCapabilities.LoadSession = false
		reg := newTestRegistry(h, nil)
		defer reg.Close()

		ctx := context.Background()
		connInfo, err := reg.Connect(ctx, AgentConfig{Command: "fake-agent"})
		if err != nil {
			t.Fatalf("connect failed: %v", err)
		}
		if err := reg.LoadSession(ctx, connInfo.ID, "sess-x", "/tmp/w", nil); err == nil {
			t.Error("expected load to fail without the capability")
		}
	})
}

func TestProcessExit(t *testing.T) {
	t.Run("in-flight prompt fails and connection closes", func(t *testing.T) {
		h := newLaunchHarness()
		h.gate = make(chan struct{})
		events := &eventCollector{}
		reg := newTestRegistry(h, events.sink)
		defer reg.Close()

		ctx := context.Background()
		connInfo, err := reg.Connect(ctx, AgentConfig{Command: "fake-agent"})
		if err != nil {
			t.Fatalf("connect failed: %v", err)
		}
		sid, err := reg.NewSession(ctx, connInfo.ID, "/tmp/w", nil)
		if err != nil {
			t.Fatalf("new session failed: %v", err)
		}

		promptErr := make(chan error, 1)
		go func() {
			_, err := reg.Prompt(ctx, sid, []acp.ContentBlock{acp.TextBlock("work")})
			promptErr <- err
		}()

		// Wait until the prompt is on the wire, then crash the agent.
		waitFor(t, func() bool { return h.wire(0).promptCount() == 1 })
		h.proc(0).Kill()

		select {
		case err := <-promptErr:
			if err == nil {
				t.Error("expected prompt to fail after process exit")
			}
		case <-time.After(time.Second):
			t.Fatal("prompt did not return after process exit")
		}

		waitFor(t, func() bool {
			info, err := reg.GetInfo(connInfo.ID)
			return err == nil && info.Status == StatusClosed
		})

		// A connection that died stays visible until Disconnect reaps it.
		if _, err := reg.Prompt(ctx, sid, nil); err == nil {
			t.Error("expected prompt on dead connection to fail")
		}
	})
}

func TestGetOrCreateSession(t *testing.T) {
	t.Run("second call reuses the cached session", func(t *testing.T) {
		h := newLaunchHarness()
		reg := newTestRegistry(h, nil)
		defer reg.Close()

		ctx := context.Background()
		cfg := AgentConfig{Command: "fake-agent", Args: []string{"--fast"}}

		c1, s1, err := reg.GetOrCreateSession(ctx, cfg, "/tmp/w", nil)
		if err != nil {
			t.Fatalf("first call failed: %v", err)
		}
		c2, s2, err := reg.GetOrCreateSession(ctx, cfg, "/tmp/w", nil)
		if err != nil {
			t.Fatalf("second call failed: %v", err)
		}

		if c1 != c2 || s1 != s2 {
			t.Error("expected cache hit to reuse connection and session")
		}
		if h.launchCount() != 1 {
			t.Errorf("expected one launch, got %d", h.launchCount())
		}
	})

	t.Run("different configs get different connections", func(t *testing.T) {
		h := newLaunchHarness()
		reg := newTestRegistry(h, nil)
		defer reg.Close()

		ctx := context.Background()
		c1, _, err := reg.GetOrCreateSession(ctx, AgentConfig{Command: "agent-a"}, "/tmp/w", nil)
		if err != nil {
			t.Fatalf("first call failed: %v", err)
		}
		c2, _, err := reg.GetOrCreateSession(ctx, AgentConfig{Command: "agent-b"}, "/tmp/w", nil)
		if err != nil {
			t.Fatalf("second call failed: %v", err)
		}
		if c1 == c2 {
			t.Error("distinct configs must not share a connection")
		}
		if h.launchCount() != 2 {
			t.Errorf("expected two launches, got %d", h.launchCount())
		}
	})

	t.Run("dead cache hit respawns", func(t *testing.T) {
		h := newLaunchHarness()
		reg := newTestRegistry(h, nil)
		defer reg.Close()

		ctx := context.Background()
		cfg := AgentConfig{Command: "fake-agent"}

		c1, _, err := reg.GetOrCreateSession(ctx, cfg, "/tmp/w", nil)
		if err != nil {
			t.Fatalf("first call failed: %v", err)
		}

		h.proc(0).Kill()
		waitFor(t, func() bool {
			info, err := reg.GetInfo(c1)
			return err == nil && info.Status == StatusClosed
		})

		c2, _, err := reg.GetOrCreateSession(ctx, cfg, "/tmp/w", nil)
		if err != nil {
			t.Fatalf("respawn failed: %v", err)
		}
		if c1 == c2 {
			t.Error("expected a fresh connection after the cached one died")
		}
		if h.launchCount() != 2 {
			t.Errorf("expected two launches, got %d", h.launchCount())
		}
		if _, err := reg.GetInfo(c1); !errors.Is(err, ErrConnectionNotFound) {
			t.Errorf("dead connection should be reaped, got %v", err)
		}
	})

	t.Run("concurrent callers share one connection", func(t *testing.T) {
		h := newLaunchHarness()
		reg := newTestRegistry(h, nil)
		defer reg.Close()

		cfg := AgentConfig{Command: "fake-agent"}
		const n = 8
		var wg sync.WaitGroup
		conns := make([]string, n)
		sessions := make([]acp.SessionId, n)
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				conns[i], sessions[i], errs[i] = reg.GetOrCreateSession(context.Background(), cfg, "/tmp/w", nil)
			}(i)
		}
		wg.Wait()

		for i := 0; i < n; i++ {
			if errs[i] != nil {
				t.Fatalf("call %d failed: %v", i, errs[i])
			}
			if conns[i] != conns[0] || sessions[i] != sessions[0] {
				t.Errorf("call %d got %s/%s, want %s/%s", i, conns[i], sessions[i], conns[0], sessions[0])
			}
		}
		if h.launchCount() != 1 {
			t.Errorf("expected a single launch, got %d", h.launchCount())
		}
		if n := len(reg.ListConnections()); n != 1 {
			t.Errorf("expected one registered connection, got %d", n)
		}
	})

	t.Run("reconnect after disconnect gets a fresh connection", func(t *testing.T) {
		h := newLaunchHarness()
		reg := newTestRegistry(h, nil)
		defer reg.Close()

		ctx := context.Background()
		cfg := AgentConfig{Command: "fake-agent"}

		c1, s1, err := reg.GetOrCreateSession(ctx, cfg, "/tmp/w", nil)
		if err != nil {
			t.Fatalf("first call failed: %v", err)
		}
		if err := reg.Disconnect(c1); err != nil {
			t.Fatalf("disconnect failed: %v", err)
		}

		c2, s2, err := reg.GetOrCreateSession(ctx, cfg, "/tmp/w", nil)
		if err != nil {
			t.Fatalf("second call failed: %v", err)
		}
		if c2 == c1 {
			t.Error("expected a new connection id after disconnect")
		}
		if s2 == s1 {
			t.Error("expected a new session after disconnect")
		}
		if h.launchCount() != 2 {
			t.Errorf("expected two launches, got %d", h.launchCount())
		}
	})
}

func TestCleanupStaleSessions(t *testing.T) {
	h := newLaunchHarness()
	reg := NewRegistry(RegistryOptions{
		Logger:              discardLogger(),
		StaleSessionTimeout: 10 * time.Millisecond,
		launch:              h.launch,
	})
	defer reg.Close()

	ctx := context.Background()
	id, _, err := reg.GetOrCreateSession(ctx, AgentConfig{Command: "fake-agent"}, "/tmp/w", nil)
	if err != nil {
		t.Fatalf("get or create failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if n := reg.CleanupStaleSessions(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if _, err := reg.GetInfo(id); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("expected evicted connection to be gone, got %v", err)
	}
	if n := reg.CleanupStaleSessions(); n != 0 {
		t.Errorf("second sweep should evict nothing, got %d", n)
	}
}

func TestPermissionFlow(t *testing.T) {
	t.Run("reply selects an option", func(t *testing.T) {
		h := newLaunchHarness()
		events := &eventCollector{}
		reg := newTestRegistry(h, events.sink)
		defer reg.Close()

		_, err := reg.Connect(context.Background(), AgentConfig{Command: "fake-agent"})
		if err != nil {
			t.Fatalf("connect failed: %v", err)
		}

		// Drive the inbound side the way the agent would mid-turn.
		respCh := make(chan acp.RequestPermissionResponse, 1)
		go func() {
			resp, _ := h.client(0).RequestPermission(context.Background(), acp.RequestPermissionRequest{
				Options: []acp.PermissionOption{
					{OptionId: "allow-once", Name: "Allow once"},
					{OptionId: "reject", Name: "Reject"},
				},
			})
			respCh <- resp
		}()

		var requestID string
		waitFor(t, func() bool {
			reqs := events.byKind(EventPermissionRequested)
			if len(reqs) == 0 {
				return false
			}
			requestID = reqs[0].RequestID
			return true
		})

		if err := reg.ReplyPermission(requestID, PermissionDecision{OptionID: "allow-once"}); err != nil {
			t.Fatalf("reply failed: %v", err)
		}
		select {
		case <-respCh:
		case <-time.After(time.Second):
			t.Fatal("agent never got the permission response")
		}

		// The id is single-use.
		if err := reg.ReplyPermission(requestID, PermissionDecision{OptionID: "reject"}); !errors.Is(err, ErrPermissionNotFound) {
			t.Errorf("expected permission not found on second reply, got %v", err)
		}
	})

	t.Run("reply racing cancellation keeps the selection", func(t *testing.T) {
		h := newLaunchHarness()
		events := &eventCollector{}
		reg := newTestRegistry(h, events.sink)
		defer reg.Close()

		_, err := reg.Connect(context.Background(), AgentConfig{Command: "fake-agent"})
		if err != nil {
			t.Fatalf("connect failed: %v", err)
		}

		reqCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		respCh := make(chan acp.RequestPermissionResponse, 1)
		go func() {
			resp, _ := h.client(0).RequestPermission(reqCtx, acp.RequestPermissionRequest{
				Options: []acp.PermissionOption{{OptionId: "allow-once", Name: "Allow once"}},
			})
			respCh <- resp
		}()

		var requestID string
		waitFor(t, func() bool {
			reqs := events.byKind(EventPermissionRequested)
			if len(reqs) == 0 {
				return false
			}
			requestID = reqs[0].RequestID
			return true
		})

		// The decision lands first; cancelling the request context afterwards
		// must not turn an applied choice into a cancelled outcome.
		if err := reg.ReplyPermission(requestID, PermissionDecision{OptionID: "allow-once"}); err != nil {
			t.Fatalf("reply failed: %v", err)
		}
		cancel()

		select {
		case resp := <-respCh:
			want := acp.RequestPermissionResponse{
				Outcome: acp.NewRequestPermissionOutcomeSelected("allow-once"),
			}
			if !reflect.DeepEqual(resp, want) {
				t.Errorf("expected selected outcome, got %+v", resp)
			}
		case <-time.After(time.Second):
			t.Fatal("permission request never resolved")
		}
	})

	t.Run("unknown request id", func(t *testing.T) {
		reg := newTestRegistry(newLaunchHarness(), nil)
		defer reg.Close()
		err := reg.ReplyPermission("nope", PermissionDecision{Cancelled: true})
		if !errors.Is(err, ErrPermissionNotFound) {
			t.Errorf("expected permission not found, got %v", err)
		}
	})

	t.Run("disconnect cancels pending requests", func(t *testing.T) {
		h := newLaunchHarness()
		events := &eventCollector{}
		reg := newTestRegistry(h, events.sink)
		defer reg.Close()

		connInfo, err := reg.Connect(context.Background(), AgentConfig{Command: "fake-agent"})
		if err != nil {
			t.Fatalf("connect failed: %v", err)
		}

		respCh := make(chan acp.RequestPermissionResponse, 1)
		go func() {
			resp, _ := h.client(0).RequestPermission(context.Background(), acp.RequestPermissionRequest{
				Options: []acp.PermissionOption{{OptionId: "allow", Name: "Allow"}},
			})
			respCh <- resp
		}()
		waitFor(t, func() bool { return len(events.byKind(EventPermissionRequested)) == 1 })

		if err := reg.Disconnect(connInfo.ID); err != nil {
			t.Fatalf("disconnect failed: %v", err)
		}
		select {
		case <-respCh:
		case <-time.After(time.Second):
			t.Fatal("pending permission did not resolve on disconnect")
		}
	})
}

func TestSessionNotificationsForwarded(t *testing.T) {
	h := newLaunchHarness()
	events := &eventCollector{}
	reg := newTestRegistry(h, events.sink)
	defer reg.Close()

	connInfo, err := reg.Connect(context.Background(), AgentConfig{Command: "fake-agent"})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	note := acp.SessionNotification{SessionId: "sess-1"}
	if err := h.client(0).SessionUpdate(context.Background(), note); err != nil {
		t.Fatalf("session update failed: %v", err)
	}

	got := events.byKind(EventSessionNotification)
	if len(got) != 1 {
		t.Fatalf("expected 1 notification event, got %d", len(got))
	}
	if got[0].ConnectionID != connInfo.ID || got[0].Notification.SessionId != "sess-1" {
		t.Error("notification event carried wrong identity")
	}
}

func TestConcurrentConnects(t *testing.T) {
	h := newLaunchHarness()
	reg := newTestRegistry(h, nil)
	defer reg.Close()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = reg.Connect(context.Background(), AgentConfig{Command: fmt.Sprintf("agent-%d", i)})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("connect %d failed: %v", i, err)
		}
	}
	if got := len(reg.ListConnections()); got != n {
		t.Errorf("expected %d connections, got %d", n, got)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}
