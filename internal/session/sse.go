package session

import (
	"encoding/json"
	"io"
	"net/http"
)

// handleSSE serves GET /sse: authenticate, open a session bound to the
// stream lifetime, and announce the message endpoint as the first event.
func (h *Host) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !acceptIncludes(r, "text/event-stream") {
		httpError(w, http.StatusNotAcceptable, "accept must include text/event-stream")
		return
	}

	s := h.manager.Register(TransportSSE)
	if err := h.manager.Authenticate(r.Context(), s, authFromHeaders(r)); err != nil {
		_ = h.manager.Close(s.ID)
		httpError(w, http.StatusUnauthorized, err.Error())
		return
	}
	defer func() { _ = h.manager.Close(s.ID) }()

	endpoint := "/messages?sessionId=" + s.ID
	serveEventStream(w, r, s.Events(), func(out io.Writer) error {
		_, err := io.WriteString(out, "event: endpoint\ndata: "+endpoint+"\n\n")
		return err
	})
}

// handleMessages serves the SSE back-channel: POST delivers client frames,
// DELETE ends the session. Responses travel over the event stream.
func (h *Host) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		httpError(w, http.StatusBadRequest, "missing sessionId query parameter")
		return
	}
	s, ok := h.manager.Get(sessionID)
	if !ok {
		httpError(w, http.StatusNotFound, "session not found")
		return
	}
	if s.Transport != TransportSSE {
		httpError(w, http.StatusBadRequest, "session does not use the SSE transport")
		return
	}

	switch r.Method {
	case http.MethodPost:
		if h.cfg.ValidateAcceptHeader && !acceptIncludes(r, "application/json") {
			httpError(w, http.StatusNotAcceptable, "accept must include application/json")
			return
		}
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		if resp := h.manager.HandleFrame(r.Context(), s, body); resp != nil {
			s.push(resp)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
	case http.MethodDelete:
		if err := h.manager.Close(sessionID); err != nil {
			httpError(w, http.StatusNotFound, "session not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
	default:
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
