// Package provider supervises a single external tool provider: a subprocess
// for stdio transports or an HTTP client for SSE and streamable transports.
//
// A Runner owns the provider's lifecycle end to end. Start validates the
// bus-delivered config, connects through the official MCP SDK, requests the
// initial tool catalog, and keeps the catalog fresh through the server's
// list-changed notifications. The live catalog is exposed as a last-value
// observable so the reconciler can republish it and keep the dispatcher's
// subscription table in step.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/edgewire/mcpgate/internal/bus"
	"github.com/edgewire/mcpgate/internal/watch"
)

// ErrTransportUnavailable marks connection failures at construction time.
// The reconciler records them and retries on the next desired-state publish.
var ErrTransportUnavailable = errors.New("provider: transport unavailable")

// Graceful-stop tuning for stdio children: after SIGTERM the child is
// polled every termPollInterval up to termGracePeriod, then killed.
const (
	termPollInterval = 50 * time.Millisecond
	termGracePeriod  = 1 * time.Second
)

// Root is a URI descriptor advertised to the provider so it can scope
// filesystem or workspace operations.
type Root struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// Runner supervises one tool provider. Create instances with [New]; the
// zero value is not usable. CallTool may be invoked concurrently from
// multiple dispatcher handlers.
type Runner struct {
	spec    bus.DesiredProvider
	version string

	mu      sync.Mutex
	client  *mcpsdk.Client
	session *mcpsdk.ClientSession
	cmd     *exec.Cmd
	roots   []Root
	started bool
	stopped bool
	onStop  func()

	tools *watch.Value[[]bus.CatalogTool]
}

// New creates a runner for spec advertising the given roots. The config
// blob is not validated until Start.
func New(spec bus.DesiredProvider, roots []Root, version string) *Runner {
	return &Runner{
		spec:    spec,
		version: version,
		roots:   append([]Root(nil), roots...),
		tools:   watch.NewValue[[]bus.CatalogTool](),
	}
}

// ID returns the provider id.
func (r *Runner) ID() string { return r.spec.ID }

// Name returns the provider name.
func (r *Runner) Name() string { return r.spec.Name }

// Spec returns the desired-state record this runner was built from.
func (r *Runner) Spec() bus.DesiredProvider { return r.spec }

// ConfigSignature returns the deterministic signature of the runner's
// transport, config blob, and root count.
func (r *Runner) ConfigSignature() string {
	r.mu.Lock()
	rootCount := len(r.roots)
	r.mu.Unlock()
	return Signature(r.spec.Transport, r.spec.Config, rootCount)
}

// Tools returns the live tool catalog observable. It emits the full catalog
// after Start and on every list-changed notification, and completes on Stop.
func (r *Runner) Tools() *watch.Value[[]bus.CatalogTool] { return r.tools }

// OnStop registers a callback invoked once when the runner stops.
func (r *Runner) OnStop(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStop = fn
}

// Start validates the config, connects to the provider, and requests the
// initial tool list. Construction-time failures are returned to the caller;
// the runner is then unusable and need not be stopped.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("provider %s: already started", r.spec.ID)
	}
	r.started = true
	r.mu.Unlock()

	cfg, err := parseConfig(r.spec)
	if err != nil {
		return err
	}

	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "mcpgate", Version: r.version},
		&mcpsdk.ClientOptions{
			ToolListChangedHandler: func(ctx context.Context, _ *mcpsdk.ToolListChangedRequest) {
				r.refreshTools(ctx)
			},
		},
	)

	for _, root := range r.roots {
		client.AddRoots(&mcpsdk.Root{Name: root.Name, URI: root.URI})
	}

	var transport mcpsdk.Transport
	var cmd *exec.Cmd
	switch r.spec.Transport {
	case bus.TransportStdio:
		cmd = exec.Command(cfg.stdio.Command, cfg.stdio.Args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.stdio.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case bus.TransportSSE:
		transport = &mcpsdk.SSEClientTransport{Endpoint: cfg.http.URL, HTTPClient: headerClient(cfg.http.Headers)}
	case bus.TransportStream:
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.http.URL, HTTPClient: headerClient(cfg.http.Headers)}
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("%w: provider %s (%s): %v", ErrTransportUnavailable, r.spec.ID, r.spec.Transport, err)
	}

	r.mu.Lock()
	r.client = client
	r.session = session
	r.cmd = cmd
	r.mu.Unlock()

	if err := r.refreshToolsErr(ctx); err != nil {
		stopErr := r.Stop(context.WithoutCancel(ctx))
		if stopErr != nil {
			slog.Warn("provider: cleanup after failed start", "provider", r.spec.ID, "err", stopErr)
		}
		return fmt.Errorf("%w: provider %s: initial tool list: %v", ErrTransportUnavailable, r.spec.ID, err)
	}

	slog.Info("provider started",
		"provider", r.spec.ID,
		"name", r.spec.Name,
		"transport", r.spec.Transport,
	)
	return nil
}

// CallTool forwards a tool invocation to the provider and returns its raw
// result. Per-call failures never tear the runner down.
func (r *Runner) CallTool(ctx context.Context, name string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()
	if session == nil {
		return nil, fmt.Errorf("provider %s: not connected", r.spec.ID)
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("provider %s: call %q: %w", r.spec.ID, name, err)
	}
	return result, nil
}

// UpdateRoots replaces the advertised roots and notifies the provider. The
// SDK emits the roots/list_changed notification on change.
func (r *Runner) UpdateRoots(roots []Root) error {
	r.mu.Lock()
	client := r.client
	old := r.roots
	r.roots = append([]Root(nil), roots...)
	r.mu.Unlock()

	if client == nil {
		return nil
	}

	oldURIs := make([]string, 0, len(old))
	for _, root := range old {
		oldURIs = append(oldURIs, root.URI)
	}
	if len(oldURIs) > 0 {
		client.RemoveRoots(oldURIs...)
	}
	for _, root := range roots {
		client.AddRoots(&mcpsdk.Root{Name: root.Name, URI: root.URI})
	}
	return nil
}

// Stop terminates the provider. Stdio children receive SIGTERM first and
// are escalated to SIGKILL when still alive after the grace period. The
// tool observable is completed and the registered stop callback runs once.
// Stop is idempotent.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	session := r.session
	cmd := r.cmd
	onStop := r.onStop
	r.session = nil
	r.mu.Unlock()

	var errs []error

	if cmd != nil && cmd.Process != nil {
		if err := terminateProcess(ctx, cmd.Process); err != nil {
			errs = append(errs, err)
		}
	}
	if session != nil {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("provider %s: close session: %w", r.spec.ID, err))
		}
	}

	r.tools.Close()
	if onStop != nil {
		onStop()
	}

	slog.Info("provider stopped", "provider", r.spec.ID, "name", r.spec.Name)
	return errors.Join(errs...)
}

// terminateProcess sends SIGTERM, polls for exit every termPollInterval up
// to termGracePeriod, and escalates to SIGKILL when the child is still
// alive.
func terminateProcess(ctx context.Context, proc *os.Process) error {
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		return nil
	}

	deadline := time.Now().Add(termGracePeriod)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(termPollInterval):
		}
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			return nil
		}
	}

	slog.Warn("provider child ignored SIGTERM, killing", "pid", proc.Pid)
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("provider: kill pid %d: %w", proc.Pid, err)
	}
	return nil
}

// refreshTools refreshes the catalog observable, logging failures. Used by
// the list-changed notification handler.
func (r *Runner) refreshTools(ctx context.Context) {
	if err := r.refreshToolsErr(ctx); err != nil {
		slog.Warn("provider: tool list refresh failed", "provider", r.spec.ID, "err", err)
	}
}

func (r *Runner) refreshToolsErr(ctx context.Context) error {
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()
	if session == nil {
		return fmt.Errorf("provider %s: not connected", r.spec.ID)
	}

	result, err := session.ListTools(ctx, &mcpsdk.ListToolsParams{})
	if err != nil {
		return err
	}

	catalog := make([]bus.CatalogTool, 0, len(result.Tools))
	for _, t := range result.Tools {
		catalog = append(catalog, bus.CatalogTool{
			ID:          r.toolID(t.Name),
			Name:        t.Name,
			Description: t.Description,
			InputSchema: marshalToString(t.InputSchema),
			Annotations: marshalToString(t.Annotations),
		})
	}
	r.tools.Set(catalog)
	return nil
}

// toolID maps a live tool name onto the graph-assigned tool id from the
// desired-state record, falling back to the name for tools the graph has
// not seen yet.
func (r *Runner) toolID(name string) string {
	for _, ref := range r.spec.Tools {
		if ref.Name == name {
			return ref.ID
		}
	}
	return name
}

func marshalToString(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// headerClient builds an HTTP client injecting the configured static
// headers into every request. Returns nil (SDK default client) when no
// headers are configured.
func headerClient(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return nil
	}
	return &http.Client{Transport: &headerTransport{headers: headers, base: http.DefaultTransport}}
}

type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	return t.base.RoundTrip(clone)
}
