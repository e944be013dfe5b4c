package session

import (
	"encoding/json"
	"net/http"

	"github.com/edgewire/mcpgate/internal/jsonrpc"
)

// SessionIDHeader carries the server-issued session id on the streamable
// transport.
const SessionIDHeader = "Mcp-Session-Id"

func (h *Host) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.mcpPost(w, r)
	case http.MethodGet:
		h.mcpGet(w, r)
	case http.MethodDelete:
		h.mcpDelete(w, r)
	default:
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// mcpPost handles client-to-server frames. A POST without a session id must
// be an initialize request and opens a new session; the session record is
// registered before the handshake and completed in place once it succeeds.
func (h *Host) mcpPost(w http.ResponseWriter, r *http.Request) {
	if !acceptIncludes(r, "application/json") && !acceptIncludes(r, "text/event-stream") {
		httpError(w, http.StatusNotAcceptable, "accept must include application/json or text/event-stream")
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		h.mcpInitialize(w, r, body)
		return
	}

	s, ok := h.manager.Get(sessionID)
	if !ok {
		httpError(w, http.StatusNotFound, "session not found; send a new initialize request without a session id")
		return
	}
	if s.Transport != TransportStreamable {
		httpError(w, http.StatusBadRequest, "session does not use the streamable transport")
		return
	}

	switch jsonrpc.Classify(body) {
	case jsonrpc.KindResponse, jsonrpc.KindNotification:
		h.manager.HandleFrame(r.Context(), s, body)
		w.WriteHeader(http.StatusAccepted)
	case jsonrpc.KindRequest:
		resp := h.manager.HandleFrame(r.Context(), s, body)
		writeJSONRPC(w, http.StatusOK, resp)
	default:
		resp := marshalResponse(jsonrpc.NewErrorResponse(nil, jsonrpc.CodeParseError, "invalid JSON-RPC frame"))
		writeJSONRPC(w, http.StatusBadRequest, resp)
	}
}

func (h *Host) mcpInitialize(w http.ResponseWriter, r *http.Request, body []byte) {
	var req jsonrpc.Request
	if jsonrpc.Classify(body) != jsonrpc.KindRequest || json.Unmarshal(body, &req) != nil || req.Method != "initialize" {
		httpError(w, http.StatusBadRequest, "a request without a session id must be an initialize request")
		return
	}

	s := h.manager.Register(TransportStreamable)
	if err := h.manager.Authenticate(r.Context(), s, authFromHeaders(r)); err != nil {
		_ = h.manager.Close(s.ID)
		// Auth failures surface as a JSON-RPC error in a 200 envelope on
		// this transport.
		resp := marshalResponse(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeServerError, err.Error()))
		writeJSONRPC(w, http.StatusOK, resp)
		return
	}

	w.Header().Set(SessionIDHeader, s.ID)
	resp := h.manager.HandleFrame(r.Context(), s, body)
	writeJSONRPC(w, http.StatusOK, resp)
}

// mcpGet opens the server-to-client notification stream of a session.
func (h *Host) mcpGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		httpError(w, http.StatusBadRequest, "missing "+SessionIDHeader+" header")
		return
	}
	if !acceptIncludes(r, "text/event-stream") {
		httpError(w, http.StatusNotAcceptable, "accept must include text/event-stream")
		return
	}
	s, ok := h.manager.Get(sessionID)
	if !ok {
		httpError(w, http.StatusNotFound, "session not found; send a new initialize request without a session id")
		return
	}
	serveEventStream(w, r, s.Events(), nil)
}

func (h *Host) mcpDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		httpError(w, http.StatusBadRequest, "missing "+SessionIDHeader+" header")
		return
	}
	if err := h.manager.Close(sessionID); err != nil {
		httpError(w, http.StatusNotFound, "session not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
}
