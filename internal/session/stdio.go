package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/edgewire/mcpgate/internal/jsonrpc"
	"github.com/edgewire/mcpgate/internal/provider"
)

// RootsSink receives the client-exposed filesystem roots. The reconciler
// implements it to forward roots to running stdio providers.
type RootsSink interface {
	UpdateRoots(roots []provider.Root) error
}

// Stdio serves the single implicit session of stdio mode: newline-delimited
// JSON-RPC frames on stdin/stdout, authenticated once with the process
// credentials. When the client announces itself initialized, its roots are
// fetched and forwarded to the sink.
type Stdio struct {
	manager *Manager
	auth    AuthInput
	roots   RootsSink

	in  io.Reader
	out io.Writer

	outMu   sync.Mutex
	mu      sync.Mutex
	pending map[string]func(json.RawMessage)
}

// NewStdio creates the stdio transport. roots may be nil when no provider
// infrastructure runs in this process.
func NewStdio(manager *Manager, auth AuthInput, roots RootsSink, in io.Reader, out io.Writer) *Stdio {
	return &Stdio{
		manager: manager,
		auth:    auth,
		roots:   roots,
		in:      in,
		out:     out,
		pending: make(map[string]func(json.RawMessage)),
	}
}

// Run authenticates and serves frames until stdin closes or ctx is
// cancelled. An authentication failure refuses to serve at all.
func (st *Stdio) Run(ctx context.Context) error {
	sess := st.manager.Register(TransportStdio)
	if err := st.manager.Authenticate(ctx, sess, st.auth); err != nil {
		_ = st.manager.Close(sess.ID)
		return fmt.Errorf("session: stdio refused: %w", err)
	}
	defer func() { _ = st.manager.Close(sess.ID) }()

	sess.OnInitialized(st.requestRoots)

	// Server-initiated frames (list_changed) share stdout with responses.
	go func() {
		for frame := range sess.Events() {
			st.writeFrame(frame)
		}
	}()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(st.in)
		scanner.Buffer(make([]byte, 64*1024), maxBodyBytes)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			if err != nil {
				return fmt.Errorf("session: stdio read: %w", err)
			}
			return nil
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			if jsonrpc.Classify(line) == jsonrpc.KindResponse && st.dispatchResponse(line) {
				continue
			}
			if resp := st.manager.HandleFrame(ctx, sess, line); resp != nil {
				st.writeFrame(resp)
			}
		}
	}
}

func (st *Stdio) writeFrame(frame []byte) {
	st.outMu.Lock()
	defer st.outMu.Unlock()
	if _, err := st.out.Write(append(frame, '\n')); err != nil {
		slog.Error("session: stdio write", "err", err)
	}
}

// requestRoots asks the client for its filesystem roots.
func (st *Stdio) requestRoots() {
	if st.roots == nil {
		return
	}
	id := uuid.NewString()
	st.mu.Lock()
	st.pending[id] = func(result json.RawMessage) {
		var payload struct {
			Roots []struct {
				Name string `json:"name,omitempty"`
				URI  string `json:"uri"`
			} `json:"roots"`
		}
		if err := json.Unmarshal(result, &payload); err != nil {
			slog.Warn("session: malformed roots/list result", "err", err)
			return
		}
		roots := make([]provider.Root, 0, len(payload.Roots))
		for _, r := range payload.Roots {
			roots = append(roots, provider.Root{Name: r.Name, URI: r.URI})
		}
		if err := st.roots.UpdateRoots(roots); err != nil {
			slog.Warn("session: forward roots", "err", err)
		}
	}
	st.mu.Unlock()

	idJSON, _ := json.Marshal(id)
	frame, err := json.Marshal(jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: idJSON, Method: "roots/list"})
	if err != nil {
		return
	}
	st.writeFrame(frame)
}

// dispatchResponse routes a client response to the matching pending server
// request. Unmatched responses report false and are dropped by the caller.
func (st *Stdio) dispatchResponse(raw []byte) bool {
	var resp struct {
		ID     json.RawMessage `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false
	}
	var id string
	if err := json.Unmarshal(resp.ID, &id); err != nil {
		return false
	}

	st.mu.Lock()
	fn, ok := st.pending[id]
	if ok {
		delete(st.pending, id)
	}
	st.mu.Unlock()
	if !ok {
		return false
	}
	fn(resp.Result)
	return true
}
