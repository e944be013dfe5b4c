// Package health serves the liveness and readiness probes of the process.
//
// /healthz answers 200 whenever the process can serve HTTP at all. /readyz
// runs the registered checkers and answers 503 until every one passes, so
// orchestrators keep traffic away from an edge that has not finished its
// control-plane handshake or lost its bus connection.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness checker.
const checkTimeout = 5 * time.Second

// Checker is one named readiness probe. Check returns nil when the probed
// dependency is usable and must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// report is the wire shape of both probe responses.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the probe endpoints. The checker set is fixed at
// construction, so it is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a handler running the given checkers on every readiness
// request, in order.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts the probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz is the liveness probe. Serving the request is the proof.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every checker and answers 200 only when all pass. Each checker
// gets its own deadline derived from the request context; a failing checker
// does not short-circuit the rest, so the response names every broken
// dependency at once.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results, ready := h.evaluate(r.Context())

	rep := report{Status: "ok", Checks: results}
	code := http.StatusOK
	if !ready {
		rep.Status = "fail"
		code = http.StatusServiceUnavailable
	}
	writeReport(w, code, rep)
}

func (h *Handler) evaluate(ctx context.Context) (map[string]string, bool) {
	results := make(map[string]string, len(h.checkers))
	ready := true
	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()
		if err != nil {
			results[c.Name] = "fail: " + err.Error()
			ready = false
			continue
		}
		results[c.Name] = "ok"
	}
	return results, ready
}

func writeReport(w http.ResponseWriter, code int, rep report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
