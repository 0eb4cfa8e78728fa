// ABOUTME: Minimal echo agent for E2E testing — speaks ACP JSON-RPC over stdio.
// ABOUTME: Echoes prompts back as session updates; "permission" in a prompt triggers a permission round trip.

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

// rpcMessage is a JSON-RPC 2.0 envelope covering requests, responses and
// notifications on one stdio stream.
type rpcMessage struct {
	Jsonrpc string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  any              `json:"result,omitempty"`
	Error   *rpcError        `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type echoAgent struct {
	mu         sync.Mutex
	out        *bufio.Writer
	sessionSeq int
	requestSeq int
	cancelled  map[string]bool
	// pending permission replies keyed by outbound request id
	pendingPerms map[string]chan json.RawMessage
}

func main() {
	log.SetOutput(os.Stderr)
	log.SetPrefix("forge-echo-agent: ")
	log.SetFlags(0)

	agent := &echoAgent{
		out:          bufio.NewWriter(os.Stdout),
		cancelled:    make(map[string]bool),
		pendingPerms: make(map[string]chan json.RawMessage),
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Printf("bad frame: %v", err)
			continue
		}
		agent.handle(msg)
	}
	if err := scanner.Err(); err != nil {
		log.Printf("stdin closed: %v", err)
	}
}

func (a *echoAgent) handle(msg rpcMessage) {
	// Responses to our own outbound requests (permission replies).
	if msg.Method == "" && msg.ID != nil {
		a.mu.Lock()
		ch, ok := a.pendingPerms[string(*msg.ID)]
		if ok {
			delete(a.pendingPerms, string(*msg.ID))
		}
		a.mu.Unlock()
		if ok {
			var result json.RawMessage
			if msg.Result != nil {
				result, _ = json.Marshal(msg.Result)
			}
			ch <- result
		}
		return
	}

	switch msg.Method {
	case "initialize":
		a.handleInitialize(msg)
	case "session/new":
		a.handleNewSession(msg)
	case "session/load":
		a.reply(msg.ID, map[string]any{})
	case "session/prompt":
		// Prompt turns run concurrently so session/cancel can land mid-turn.
		go a.handlePrompt(msg)
	case "session/cancel":
		a.handleCancel(msg)
	default:
		if msg.ID != nil {
			a.replyError(msg.ID, -32601, fmt.Sprintf("method not found: %s", msg.Method))
		}
	}
}

func (a *echoAgent) handleInitialize(msg rpcMessage) {
	var params struct {
		ProtocolVersion json.Number `json:"protocolVersion"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	// Mirror whatever version the host asked for so the handshake succeeds.
	a.reply(msg.ID, map[string]any{
		"protocolVersion": params.ProtocolVersion,
		"agentCapabilities": map[string]any{
			"loadSession": true,
		},
	})
}

func (a *echoAgent) handleNewSession(msg rpcMessage) {
	a.mu.Lock()
	a.sessionSeq++
	id := fmt.Sprintf("sess-%d", a.sessionSeq)
	a.mu.Unlock()

	a.reply(msg.ID, map[string]any{"sessionId": id})
}

func (a *echoAgent) handlePrompt(msg rpcMessage) {
	var params struct {
		SessionID string `json:"sessionId"`
		Prompt    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"prompt"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		a.replyError(msg.ID, -32602, "invalid prompt params")
		return
	}

	var text strings.Builder
	for _, block := range params.Prompt {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	if strings.Contains(text.String(), "permission") {
		if !a.requestPermission(params.SessionID) {
			a.reply(msg.ID, map[string]any{"stopReason": "cancelled"})
			return
		}
	}

	a.notify("session/update", map[string]any{
		"sessionId": params.SessionID,
		"update": map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content": map[string]any{
				"type": "text",
				"text": "echo: " + text.String(),
			},
		},
	})

	a.mu.Lock()
	wasCancelled := a.cancelled[params.SessionID]
	delete(a.cancelled, params.SessionID)
	a.mu.Unlock()

	stop := "end_turn"
	if wasCancelled {
		stop = "cancelled"
	}
	a.reply(msg.ID, map[string]any{"stopReason": stop})
}

func (a *echoAgent) handleCancel(msg rpcMessage) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	a.mu.Lock()
	a.cancelled[params.SessionID] = true
	a.mu.Unlock()
}

// requestPermission runs one session/request_permission round trip. Returns
// false if the host cancelled the request.
func (a *echoAgent) requestPermission(sessionID string) bool {
	a.mu.Lock()
	a.requestSeq++
	reqID, _ := json.Marshal(fmt.Sprintf("perm-%d", a.requestSeq))
	ch := make(chan json.RawMessage, 1)
	a.pendingPerms[string(reqID)] = ch
	a.mu.Unlock()

	rawID := json.RawMessage(reqID)
	a.send(rpcMessage{
		Jsonrpc: "2.0",
		ID:      &rawID,
		Method:  "session/request_permission",
		Params: mustMarshal(map[string]any{
			"sessionId": sessionID,
			"toolCall":  map[string]any{"toolCallId": "echo-tool-1", "title": "Echo something"},
			"options": []map[string]any{
				{"optionId": "allow-once", "name": "Allow once", "kind": "allow_once"},
				{"optionId": "reject", "name": "Reject", "kind": "reject_once"},
			},
		}),
	})

	result := <-ch
	var outcome struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	if result == nil {
		return false
	}
	if err := json.Unmarshal(result, &outcome); err != nil {
		return false
	}
	return outcome.Outcome.Outcome == "selected"
}

func (a *echoAgent) reply(id *json.RawMessage, result any) {
	if id == nil {
		return
	}
	a.send(rpcMessage{Jsonrpc: "2.0", ID: id, Result: result})
}

func (a *echoAgent) replyError(id *json.RawMessage, code int, message string) {
	if id == nil {
		return
	}
	a.send(rpcMessage{Jsonrpc: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

func (a *echoAgent) notify(method string, params any) {
	a.send(rpcMessage{Jsonrpc: "2.0", Method: method, Params: mustMarshal(params)})
}

func (a *echoAgent) send(msg rpcMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("marshal failed: %v", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.out.Write(data)
	a.out.WriteByte('\n')
	a.out.Flush()
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
