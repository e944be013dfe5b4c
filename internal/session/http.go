package session

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/edgewire/mcpgate/internal/observe"
)

// maxBodyBytes caps JSON-RPC message bodies on the HTTP transports.
const maxBodyBytes = 4 << 20

// HostConfig carries the HTTP-surface settings of the host.
type HostConfig struct {
	// PreventDNSRebinding enables Origin validation: loopback origins only,
	// unless AllowedOrigins lists more.
	PreventDNSRebinding bool
	AllowedOrigins      []string

	// ValidateAcceptHeader enables strict Accept validation on the SSE
	// message endpoint.
	ValidateAcceptHeader bool
}

// Host serves the SSE and streamable HTTP transports on a shared mux.
type Host struct {
	manager *Manager
	cfg     HostConfig
	origins map[string]bool
	metrics *observe.Metrics
}

// NewHost creates the HTTP transport host for manager.
func NewHost(manager *Manager, cfg HostConfig) *Host {
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[strings.TrimRight(o, "/")] = true
	}
	return &Host{
		manager: manager,
		cfg:     cfg,
		origins: origins,
		metrics: manager.metrics,
	}
}

// Register mounts the transport endpoints on mux. Health and metrics
// endpoints are mounted by the application, not here.
func (h *Host) Register(mux *http.ServeMux) {
	obs := observe.Middleware(h.metrics)
	mux.Handle("/mcp", obs(h.guard(h.handleMCP)))
	mux.Handle("/sse", obs(h.guard(h.handleSSE)))
	mux.Handle("/messages", obs(h.guard(h.handleMessages)))
}

// guard applies the checks shared by every transport endpoint: CORS headers,
// preflight handling, Origin validation, and protocol-version validation.
func (h *Host) guard(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := w.Header()
		hdr.Set("Access-Control-Allow-Origin", "*")
		hdr.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		hdr.Set("Access-Control-Allow-Headers", "*")
		hdr.Set("Access-Control-Expose-Headers", "Mcp-Session-Id, X-Correlation-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if h.cfg.PreventDNSRebinding && !h.originAllowed(r.Header.Get("Origin")) {
			httpError(w, http.StatusForbidden, "origin not allowed")
			return
		}

		// Absent header means a legacy client; those are accepted as-is.
		if pv := r.Header.Get("Mcp-Protocol-Version"); pv != "" && !SupportedProtocolVersions[pv] {
			httpError(w, http.StatusBadRequest, "unsupported protocol version: "+pv)
			return
		}

		next(w, r)
	})
}

// originAllowed applies the rebinding defense: no Origin header passes
// (non-browser clients), loopback origins pass, and anything else must be on
// the allowlist.
func (h *Host) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if h.origins[strings.TrimRight(origin, "/")] {
		return true
	}
	rest, ok := strings.CutPrefix(origin, "http://")
	if !ok {
		rest, ok = strings.CutPrefix(origin, "https://")
	}
	if !ok {
		return false
	}
	host := rest
	if hp, _, err := net.SplitHostPort(rest); err == nil {
		host = hp
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

// authFromHeaders extracts the credential headers. Header lookup is
// case-insensitive per net/http semantics.
func authFromHeaders(r *http.Request) AuthInput {
	return AuthInput{
		MasterKey:   r.Header.Get("master_key"),
		ToolsetKey:  r.Header.Get("toolset_key"),
		ToolsetName: r.Header.Get("toolset_name"),
	}
}

func acceptIncludes(r *http.Request, mediaType string) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return false
	}
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if mt == mediaType || mt == "*/*" {
			return true
		}
		if mj, ok := strings.CutSuffix(mt, "/*"); ok && strings.HasPrefix(mediaType, mj+"/") {
			return true
		}
	}
	return false
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httpError(w, http.StatusBadRequest, "unreadable request body")
		return nil, false
	}
	return body, true
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSONRPC(w http.ResponseWriter, status int, frame []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(frame)
}

// serveEventStream writes the SSE preamble and pumps frames until the client
// disconnects or the channel closes. extra is an optional first event.
func serveEventStream(w http.ResponseWriter, r *http.Request, frames <-chan []byte, extra func(io.Writer) error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if extra != nil {
		if err := extra(w); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if _, err := io.WriteString(w, "event: message\ndata: "+string(frame)+"\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
