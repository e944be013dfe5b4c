package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/edgewire/mcpgate/internal/bus"
	"github.com/edgewire/mcpgate/internal/identity"
	"github.com/edgewire/mcpgate/internal/jsonrpc"
	"github.com/edgewire/mcpgate/internal/observe"
)

// ProtocolVersion is what the server advertises in initialize results.
const ProtocolVersion = "2024-11-05"

// LegacyProtocolVersion is assumed for HTTP requests that carry no
// mcp-protocol-version header.
const LegacyProtocolVersion = "2025-03-26"

// ServerVersion is the serverInfo version reported to clients.
const ServerVersion = "1.0.0"

// SupportedProtocolVersions lists the header values accepted on HTTP
// transports.
var SupportedProtocolVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-06-18": true,
}

// ErrSessionExists guards the at-most-once handshake per session.
var ErrSessionExists = errors.New("session: already authenticated")

// ErrUnknownSession marks lookups of ids no live session carries.
var ErrUnknownSession = errors.New("session: unknown session")

// TransportKind names the wire a session speaks.
type TransportKind string

const (
	TransportStdio      TransportKind = "stdio"
	TransportSSE        TransportKind = "sse"
	TransportStreamable TransportKind = "streamable"
)

// AuthInput is the raw credential material of one connection attempt, read
// from HTTP headers or process configuration.
type AuthInput struct {
	MasterKey   string
	ToolsetKey  string
	ToolsetName string
	SkillKey    string
}

// Session is one client connection. Records are registered in the manager
// before authentication completes and are then completed by mutation, never
// replaced, so transports holding the pointer observe the finished state.
type Session struct {
	ID        string
	Transport TransportKind

	mu          sync.Mutex
	view        *View
	initialized bool
	closed      bool
	notifyStop  func()
	onInit      func()

	// events carries server-initiated frames for stream transports.
	// Sends never block; frames are dropped when no reader keeps up.
	events chan []byte
}

// View returns the toolset view, or nil before authentication completes.
func (s *Session) View() *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Ready reports whether the session finished authentication.
func (s *Session) Ready() bool {
	return s.View() != nil
}

// Events returns the stream of server-initiated frames.
func (s *Session) Events() <-chan []byte { return s.events }

// OnInitialized registers a callback fired when the client sends its
// initialized notification. Used by the stdio transport to fetch roots.
func (s *Session) OnInitialized(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInit = fn
}

// push queues a server-initiated frame, dropping it when the consumer is not
// draining. The mutex is held across the send: close marks the session closed
// under the same mutex before closing the channel, so a send can never race
// the close.
func (s *Session) push(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- frame:
	default:
	}
}

// complete mutates the partial record into a live one and starts the
// list-changed notifier.
func (s *Session) complete(view *View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = view

	ch, cancel := view.Changes()
	s.notifyStop = cancel
	_, hasCurrent := view.Current()
	go func() {
		skipReplay := hasCurrent
		for range ch {
			if skipReplay {
				// The subscription replayed the snapshot that was already
				// current; only genuine changes become notifications.
				skipReplay = false
				continue
			}
			n := jsonrpc.NewNotification("notifications/tools/list_changed", nil)
			if data, err := json.Marshal(n); err == nil {
				s.push(data)
			}
		}
	}()
}

func (s *Session) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	view := s.view
	stop := s.notifyStop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	close(s.events)
	if view != nil {
		return view.Close()
	}
	return nil
}

// Manager owns the live session table and the protocol handlers shared by
// all transports.
type Manager struct {
	bus         bus.Client
	workspaceID string
	callTimeout time.Duration
	enforceAuth bool
	metrics     *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty session table. With enforceAuth false
// (standalone mode) connections are admitted without a control-plane
// handshake and bind to the fallback workspace.
func NewManager(c bus.Client, workspaceID string, callTimeout time.Duration, enforceAuth bool, m *observe.Metrics) *Manager {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Manager{
		bus:         c,
		workspaceID: workspaceID,
		callTimeout: callTimeout,
		enforceAuth: enforceAuth,
		metrics:     m,
		sessions:    make(map[string]*Session),
	}
}

// Register creates a partial session record and publishes it in the table.
// The id is server-issued.
func (m *Manager) Register(kind TransportKind) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Transport: kind,
		events:    make(chan []byte, 16),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.metrics.ActiveSessions.Add(context.Background(), 1,
		metric.WithAttributes(observe.Attr("transport", string(kind))))
	return s
}

// Authenticate validates the credential material, performs the toolset or
// skill handshake, and completes the session with a catalog view. It runs at
// most once per session.
func (m *Manager) Authenticate(ctx context.Context, s *Session, in AuthInput) error {
	if s.Ready() {
		return ErrSessionExists
	}

	ident, err := m.resolveIdentity(ctx, in)
	if err != nil {
		return err
	}

	view, err := NewView(ctx, m.bus, ident, m.callTimeout)
	if err != nil {
		return err
	}
	s.complete(view)
	slog.Info("session authenticated",
		"session", s.ID, "transport", s.Transport,
		"workspace", ident.WorkspaceID, "toolset", ident.ID)
	return nil
}

func (m *Manager) resolveIdentity(ctx context.Context, in AuthInput) (Identity, error) {
	kind := KindToolset
	if in.SkillKey != "" {
		kind = KindSkill
	}

	if !m.enforceAuth {
		name := in.ToolsetName
		if name == "" {
			name = "default"
		}
		return Identity{WorkspaceID: m.workspaceID, ID: name, Name: name, Kind: kind}, nil
	}

	var key string
	var nature identity.Nature
	if kind == KindSkill {
		key = in.SkillKey
		nature = identity.NatureSkill
	} else {
		if err := identity.ValidateKeys(in.MasterKey, in.ToolsetKey, in.ToolsetName); err != nil {
			return Identity{}, err
		}
		key = in.MasterKey
		if key == "" {
			key = in.ToolsetKey
		}
		nature = identity.NatureToolset
	}

	resp, err := identity.Handshake(ctx, m.bus, key, nature, in.ToolsetName)
	if err != nil {
		return Identity{}, err
	}

	ident := Identity{
		WorkspaceID: resp.WorkspaceID,
		ID:          resp.ID,
		Name:        resp.Name,
		Kind:        kind,
	}
	if ident.WorkspaceID == "" {
		ident.WorkspaceID = m.workspaceID
	}
	if ident.Name == "" {
		ident.Name = in.ToolsetName
	}
	return ident, nil
}

// Get returns the session for id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close removes the session from the table, stops its notifier, and releases
// the catalog watch. Unknown ids return [ErrUnknownSession].
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	m.metrics.ActiveSessions.Add(context.Background(), -1,
		metric.WithAttributes(observe.Attr("transport", string(s.Transport))))
	return s.close()
}

// CloseAll tears down every live session.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for _, s := range all {
		m.metrics.ActiveSessions.Add(context.Background(), -1,
			metric.WithAttributes(observe.Attr("transport", string(s.Transport))))
		if err := s.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleFrame processes one raw JSON-RPC frame from the client and returns
// the response frame, or nil when the input was a notification or a client
// response.
func (m *Manager) HandleFrame(ctx context.Context, s *Session, raw []byte) []byte {
	switch jsonrpc.Classify(raw) {
	case jsonrpc.KindInvalid:
		return marshalResponse(jsonrpc.NewErrorResponse(nil, jsonrpc.CodeParseError, "invalid JSON-RPC frame"))
	case jsonrpc.KindResponse:
		// Client responses are consumed by the transport (stdio roots).
		return nil
	case jsonrpc.KindNotification:
		var n jsonrpc.Request
		if err := json.Unmarshal(raw, &n); err == nil && n.Method == "notifications/initialized" {
			m.markInitialized(s)
		}
		return nil
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return marshalResponse(jsonrpc.NewErrorResponse(nil, jsonrpc.CodeParseError, "invalid JSON-RPC frame"))
	}

	var resp jsonrpc.Response
	switch req.Method {
	case "initialize":
		resp = m.handleInitialize(ctx, s, req)
	case "tools/list":
		resp = m.handleToolsList(s, req)
	case "tools/call":
		resp = m.handleToolsCall(ctx, s, req)
	case "ping":
		resp = jsonrpc.NewResponse(req.ID, struct{}{})
	default:
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound, "method not found: "+req.Method)
	}
	return marshalResponse(resp)
}

func (m *Manager) markInitialized(s *Session) {
	s.mu.Lock()
	s.initialized = true
	fn := s.onInit
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// handleInitialize answers only after the first catalog snapshot arrived, so
// an immediate tools/list never races an empty catalog.
func (m *Manager) handleInitialize(ctx context.Context, s *Session, req jsonrpc.Request) jsonrpc.Response {
	view := s.View()
	if view == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeServerError, "session is not authenticated")
	}
	if _, err := view.WaitForTools(ctx); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInternalError, err.Error())
	}
	return jsonrpc.NewResponse(req.ID, map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{
			"name":    view.Identity().Name,
			"version": ServerVersion,
		},
	})
}

func (m *Manager) handleToolsList(s *Session, req jsonrpc.Request) jsonrpc.Response {
	view := s.View()
	if view == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeServerError, "session is not authenticated")
	}
	return jsonrpc.NewResponse(req.ID, map[string]any{"tools": view.ProjectedTools()})
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (m *Manager) handleToolsCall(ctx context.Context, s *Session, req jsonrpc.Request) jsonrpc.Response {
	view := s.View()
	if view == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeServerError, "session is not authenticated")
	}

	var params callParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "tools/call requires a tool name")
	}
	if len(params.Arguments) == 0 {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "tools/call requires arguments")
	}
	var args map[string]any
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "tools/call arguments must be an object")
	}

	result, err := view.CallTool(ctx, params.Name, args)
	if err != nil {
		if errors.Is(err, ErrUnknownTool) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, err.Error())
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeServerError, err.Error())
	}
	return jsonrpc.NewResponse(req.ID, json.RawMessage(result))
}

func marshalResponse(resp jsonrpc.Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("session: encode response", "err", err)
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}
