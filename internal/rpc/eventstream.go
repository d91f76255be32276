package rpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/descartes-run/descartes/internal/eventbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Same-origin is not meaningful for a local control-plane socket;
	// the daemon binds to loopback only, so any origin is accepted.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeTimeout = 10 * time.Second

// clientFilterUpdate is the payload of an inbound "update_filter"
// control message on an already-open event stream connection.
type clientFilterUpdate struct {
	Type       string   `json:"type"`
	Categories []string `json:"categories,omitempty"`
	ActorIDs   []string `json:"actor_ids,omitempty"`
	SessionIDs []string `json:"session_ids,omitempty"`
}

// EventStreamHandler upgrades to a WebSocket and fans out bus events
// matching the connection's current filter until the client
// disconnects or sends {"type":"unsubscribe"}.
type EventStreamHandler struct {
	logger *slog.Logger
	bus    *eventbus.Bus
}

// NewEventStreamHandler creates an http.Handler serving the /events endpoint.
func NewEventStreamHandler(logger *slog.Logger, bus *eventbus.Bus) *EventStreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventStreamHandler{logger: logger, bus: bus}
}

func (h *EventStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	filter := parseInitialFilter(r)
	sub := h.bus.Subscribe(filter, eventbus.PolicyDrop, 64, time.Time{})
	defer h.bus.Unsubscribe(sub)

	stop := make(chan struct{})
	go h.readControlMessages(conn, sub, filter, stop)

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (h *EventStreamHandler) readControlMessages(conn *websocket.Conn, sub <-chan eventbus.Event, filter eventbus.Filter, stop chan struct{}) {
	defer close(stop)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ctrl clientFilterUpdate
		if err := json.Unmarshal(msg, &ctrl); err != nil {
			continue
		}
		switch ctrl.Type {
		case "unsubscribe":
			return
		case "update_filter":
			filter.Categories = ctrl.Categories
			filter.ActorIDs = ctrl.ActorIDs
			filter.SessionIDs = ctrl.SessionIDs
			h.bus.UpdateFilter(sub, filter)
		}
	}
}

func parseInitialFilter(r *http.Request) eventbus.Filter {
	q := r.URL.Query()
	var f eventbus.Filter
	for _, c := range q["category"] {
		f.Categories = append(f.Categories, c)
	}
	for _, a := range q["actor_id"] {
		f.ActorIDs = append(f.ActorIDs, a)
	}
	for _, s := range q["session_id"] {
		f.SessionIDs = append(f.SessionIDs, s)
	}
	return f
}

// AgentAttachment is the subset of *runtime.Process an attach handler
// needs, kept as an interface so internal/rpc never imports
// internal/runtime directly.
type AgentAttachment interface {
	ReadStdoutChunks() [][]byte
	ReadStderrChunks() [][]byte
	AttachStdout(bufSize int) (chan []byte, func())
	AttachStderr(bufSize int) (chan []byte, func())
	WriteStdin([]byte) error
}

// AttachLookup resolves an agent ID to its live process handle.
type AttachLookup func(agentID string) (AgentAttachment, bool)

// attachTokenEntry is one outstanding single-use attach token.
type attachTokenEntry struct {
	agentID   string
	expiresAt time.Time
	used      bool
}

// AttachTokens issues and validates the short-lived, single-use tokens
// that bind a human client session to one agent id (§4.8's "attach
// token"). A token is consumed on its first successful handshake;
// reuse or expiry both fail validation.
type AttachTokens struct {
	mu     sync.Mutex
	tokens map[string]*attachTokenEntry
}

// NewAttachTokens creates an empty token table.
func NewAttachTokens() *AttachTokens {
	return &AttachTokens{tokens: make(map[string]*attachTokenEntry)}
}

// Issue mints a new token bound to agentID, valid for ttl.
func (t *AttachTokens) Issue(agentID string, ttl time.Duration) string {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	token := uuid.NewString()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens[token] = &attachTokenEntry{agentID: agentID, expiresAt: time.Now().Add(ttl)}
	return token
}

// Validate consumes token if it is unexpired, unused, and bound to
// agentID, reporting whether the handshake may proceed. A reused or
// expired token always fails, even on retry with the same value.
func (t *AttachTokens) Validate(token, agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.tokens[token]
	if !ok || e.used || e.agentID != agentID || time.Now().After(e.expiresAt) {
		return false
	}
	e.used = true
	return true
}

// AttachHandler streams live stdout/stderr for one agent and accepts
// stdin frames from the client, after a token handshake and a replay of
// buffered historical output so a client attaching mid-run sees recent
// context at the same chunk boundaries a live subscriber would have.
type AttachHandler struct {
	logger *slog.Logger
	lookup AttachLookup
	tokens *AttachTokens
}

func NewAttachHandler(logger *slog.Logger, lookup AttachLookup, tokens *AttachTokens) *AttachHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttachHandler{logger: logger, lookup: lookup, tokens: tokens}
}

// handshakeMsg is the client's opening message on an attach connection.
type handshakeMsg struct {
	Type         string   `json:"type"`
	AttachToken  string   `json:"attach_token"`
	ClientType   string   `json:"client_type"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// handshakeResponse confirms the attach and reports buffered sizes.
type handshakeResponse struct {
	Type                string `json:"type"`
	AgentID             string `json:"agent_id"`
	BufferedStdoutBytes int    `json:"buffered_stdout_bytes"`
	BufferedStderrBytes int    `json:"buffered_stderr_bytes"`
}

// dataFrame is one base64-encoded chunk with its exact byte count.
type dataFrame struct {
	Data  string `json:"data"`
	Bytes int    `json:"bytes"`
}

// historicalOutput replays one stream's buffered chunks in capture
// order, each chunk kept byte-exact and separately framed (S5: a
// two-line "hello\n"/"world\n" buffer replays as two frames, not one
// coalesced blob).
type historicalOutput struct {
	Type   string      `json:"type"`
	Stream string      `json:"stream"`
	Frames []dataFrame `json:"frames"`
}

// streamFrame is a live stdout/stderr/stdin/control frame exchanged
// after the handshake.
type streamFrame struct {
	Type  string `json:"type"` // "stdout" | "stderr" | "stdin" | "ping" | "pong" | "disconnect"
	Data  string `json:"data,omitempty"`
	Bytes int    `json:"bytes,omitempty"`
}

func chunksToFrames(chunks [][]byte) []dataFrame {
	frames := make([]dataFrame, len(chunks))
	for i, c := range chunks {
		frames[i] = dataFrame{Data: base64.StdEncoding.EncodeToString(c), Bytes: len(c)}
	}
	return frames
}

func bufferedBytes(chunks [][]byte) int {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	return n
}

func (h *AttachHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	proc, ok := h.lookup(agentID)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown agent %q", agentID), http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("attach upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(writeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return
	}
	conn.SetReadDeadline(time.Time{})

	var hs handshakeMsg
	if err := json.Unmarshal(msg, &hs); err != nil || hs.Type != "handshake" {
		_ = conn.WriteJSON(streamFrame{Type: "disconnect", Data: "expected handshake"})
		return
	}
	if h.tokens == nil || !h.tokens.Validate(hs.AttachToken, agentID) {
		_ = conn.WriteJSON(streamFrame{Type: "disconnect", Data: "invalid or expired attach token"})
		return
	}

	stdoutHistory := proc.ReadStdoutChunks()
	stderrHistory := proc.ReadStderrChunks()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(handshakeResponse{
		Type:                "handshake-response",
		AgentID:             agentID,
		BufferedStdoutBytes: bufferedBytes(stdoutHistory),
		BufferedStderrBytes: bufferedBytes(stderrHistory),
	}); err != nil {
		return
	}
	if len(stdoutHistory) > 0 {
		if conn.WriteJSON(historicalOutput{Type: "historical-output", Stream: "stdout", Frames: chunksToFrames(stdoutHistory)}) != nil {
			return
		}
	}
	if len(stderrHistory) > 0 {
		if conn.WriteJSON(historicalOutput{Type: "historical-output", Stream: "stderr", Frames: chunksToFrames(stderrHistory)}) != nil {
			return
		}
	}

	stdoutCh, unsubOut := proc.AttachStdout(64)
	stderrCh, unsubErr := proc.AttachStderr(64)
	defer unsubOut()
	defer unsubErr()

	done := make(chan struct{})
	go h.readStdin(conn, proc, done)

	for {
		select {
		case chunk, ok := <-stdoutCh:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if conn.WriteJSON(streamFrame{Type: "stdout", Data: base64.StdEncoding.EncodeToString(chunk), Bytes: len(chunk)}) != nil {
				return
			}
		case chunk, ok := <-stderrCh:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if conn.WriteJSON(streamFrame{Type: "stderr", Data: base64.StdEncoding.EncodeToString(chunk), Bytes: len(chunk)}) != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *AttachHandler) readStdin(conn *websocket.Conn, proc AgentAttachment, done chan struct{}) {
	defer close(done)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame streamFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "stdin":
			data, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				continue
			}
			_ = proc.WriteStdin(data)
		case "ping":
			_ = conn.WriteJSON(streamFrame{Type: "pong"})
		case "disconnect":
			return
		}
	}
}
