// Package reconcile drives the running set of provider and smart-skill
// runners towards the control plane's desired state.
//
// The reconciler subscribes to the two desired-state topics of its
// (workspace, runtime) pair. Snapshots are total: each publish replaces the
// previous desired set wholesale, and snapshots are processed strictly in
// arrival order by a single worker. Within one snapshot, stops always
// precede spawns so a reconfigured provider is respawned stop-then-start.
// Per-provider failures are recorded and never abort the snapshot; a later
// desired-state publish retries naturally.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edgewire/mcpgate/internal/bus"
	"github.com/edgewire/mcpgate/internal/dispatch"
	"github.com/edgewire/mcpgate/internal/observe"
	"github.com/edgewire/mcpgate/internal/provider"
	"github.com/edgewire/mcpgate/internal/skill"
	"github.com/edgewire/mcpgate/internal/watch"
)

// ProviderRunner is the provider surface the reconciler manages.
// Implemented by provider.Runner.
type ProviderRunner interface {
	dispatch.ToolCaller
	ID() string
	ConfigSignature() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Tools() *watch.Value[[]bus.CatalogTool]
	UpdateRoots(roots []provider.Root) error
	OnStop(fn func())
}

// SkillRunner is the smart-skill surface the reconciler manages.
// Implemented by skill.Runner.
type SkillRunner interface {
	dispatch.SkillCaller
	ID() string
	ConfigSignature() string
}

// ProviderFactory builds a runner for one desired provider.
type ProviderFactory func(spec bus.DesiredProvider, roots []provider.Root) ProviderRunner

// SkillFactory builds a runner for one desired skill.
type SkillFactory func(spec bus.DesiredSkill, tools []bus.CatalogTool, invoker skill.ToolInvoker) (SkillRunner, error)

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMetrics overrides the metrics instance, mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithProviderFactory overrides provider runner construction, mainly for
// tests.
func WithProviderFactory(f ProviderFactory) Option {
	return func(r *Reconciler) { r.providerFactory = f }
}

// WithSkillFactory overrides skill runner construction, mainly for tests.
func WithSkillFactory(f SkillFactory) Option {
	return func(r *Reconciler) { r.skillFactory = f }
}

type snapshotKind int

const (
	kindProviders snapshotKind = iota
	kindSkills
)

type queuedSnapshot struct {
	kind snapshotKind
	data []byte
}

type runningProvider struct {
	runner ProviderRunner
	spec   bus.DesiredProvider
}

// Reconciler owns the running provider and skill maps exclusively. Create
// instances with [New], then Start.
type Reconciler struct {
	bus         bus.Client
	scope       dispatch.Scope
	dispatcher  *dispatch.Dispatcher
	metrics     *observe.Metrics
	callTimeout time.Duration
	version     string

	providerFactory ProviderFactory
	skillFactory    SkillFactory

	mu        sync.Mutex
	providers map[string]*runningProvider
	skills    map[string]SkillRunner
	roots     []provider.Root

	queue    chan queuedSnapshot
	done     chan struct{}
	loopDone chan struct{}
	subs     []bus.Subscription
	watchers sync.WaitGroup
	started  bool
	stopOnce sync.Once
}

// New creates a reconciler dispatching through d. callTimeout bounds the
// bus requests made on behalf of smart skills.
func New(c bus.Client, scope dispatch.Scope, d *dispatch.Dispatcher, callTimeout time.Duration, version string, opts ...Option) *Reconciler {
	r := &Reconciler{
		bus:         c,
		scope:       scope,
		dispatcher:  d,
		callTimeout: callTimeout,
		version:     version,
		providers:   make(map[string]*runningProvider),
		skills:      make(map[string]SkillRunner),
		queue:       make(chan queuedSnapshot, 64),
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	r.providerFactory = func(spec bus.DesiredProvider, roots []provider.Root) ProviderRunner {
		return provider.New(spec, roots, r.version)
	}
	r.skillFactory = func(spec bus.DesiredSkill, tools []bus.CatalogTool, invoker skill.ToolInvoker) (SkillRunner, error) {
		return skill.New(spec, tools, invoker)
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Start subscribes to the desired-state topics and begins processing
// snapshots. It requires an authenticated runtime identity.
func (r *Reconciler) Start(ctx context.Context) error {
	ws := r.scope.WorkspaceID()
	rt := r.scope.RuntimeID()
	if rt == "" {
		return errors.New("reconcile: no runtime identity")
	}

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("reconcile: already started")
	}
	r.started = true
	r.mu.Unlock()

	provSub, err := r.bus.Subscribe(bus.DesiredProvidersSubject(ws, rt), func(msg bus.Msg) {
		r.enqueue(queuedSnapshot{kind: kindProviders, data: msg.Data})
	})
	if err != nil {
		r.setStarted(false)
		return fmt.Errorf("reconcile: subscribe desired providers: %w", err)
	}
	r.subs = append(r.subs, provSub)

	skillSub, err := r.bus.Subscribe(bus.DesiredSkillsSubject(ws, rt), func(msg bus.Msg) {
		r.enqueue(queuedSnapshot{kind: kindSkills, data: msg.Data})
	})
	if err != nil {
		provSub.Unsubscribe()
		r.subs = nil
		r.setStarted(false)
		return fmt.Errorf("reconcile: subscribe desired skills: %w", err)
	}
	r.subs = append(r.subs, skillSub)

	go r.loop(ctx)
	slog.Info("reconciler started", "workspace", ws, "runtime", rt)
	return nil
}

func (r *Reconciler) setStarted(v bool) {
	r.mu.Lock()
	r.started = v
	r.mu.Unlock()
}

func (r *Reconciler) enqueue(q queuedSnapshot) {
	select {
	case r.queue <- q:
	case <-r.done:
	}
}

// loop is the single snapshot worker. Snapshots are applied in arrival
// order; there are no parallel reconciles.
func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case q := <-r.queue:
			switch q.kind {
			case kindProviders:
				var snap bus.DesiredProvidersSnapshot
				if err := json.Unmarshal(q.data, &snap); err != nil {
					slog.Error("reconcile: malformed providers snapshot", "err", err)
					continue
				}
				r.reconcileProviders(ctx, snap)
				r.metrics.RecordReconcile(ctx, "providers")
			case kindSkills:
				var snap bus.DesiredSkillsSnapshot
				if err := json.Unmarshal(q.data, &snap); err != nil {
					slog.Error("reconcile: malformed skills snapshot", "err", err)
					continue
				}
				r.reconcileSkills(ctx, snap)
				r.metrics.RecordReconcile(ctx, "skills")
			}
		}
	}
}

func (r *Reconciler) reconcileProviders(ctx context.Context, snap bus.DesiredProvidersSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	desired := make(map[string]bus.DesiredProvider, len(snap.Providers))
	for _, spec := range snap.Providers {
		desired[spec.ID] = spec
	}

	// Stops first: removed providers, then signature changes.
	for id := range r.providers {
		if _, keep := desired[id]; !keep {
			r.stopProviderLocked(ctx, id)
		}
	}
	for id, spec := range desired {
		rp, running := r.providers[id]
		if !running {
			continue
		}
		newSig := provider.Signature(spec.Transport, spec.Config, len(r.roots))
		if rp.runner.ConfigSignature() != newSig {
			slog.Info("reconcile: provider config changed, respawning", "provider", id)
			r.stopProviderLocked(ctx, id)
		}
	}

	for id, spec := range desired {
		if _, running := r.providers[id]; !running {
			r.spawnProviderLocked(ctx, spec)
		}
	}
}

func (r *Reconciler) spawnProviderLocked(ctx context.Context, spec bus.DesiredProvider) {
	runner := r.providerFactory(spec, r.roots)
	providerID := spec.ID
	runner.OnStop(func() {
		if err := r.dispatcher.UnsubscribeAll(providerID); err != nil {
			slog.Warn("reconcile: unsubscribe stopped provider", "provider", providerID, "err", err)
		}
	})

	if err := runner.Start(ctx); err != nil {
		slog.Error("reconcile: provider start failed", "provider", spec.ID, "err", err)
		r.metrics.RecordProviderSpawnError(ctx, spec.ID)
		return
	}

	r.providers[spec.ID] = &runningProvider{runner: runner, spec: spec}
	r.metrics.RunningProviders.Add(ctx, 1)

	ws := r.scope.WorkspaceID()
	ch, cancel := runner.Tools().Subscribe()
	r.watchers.Add(1)
	go func() {
		defer r.watchers.Done()
		defer cancel()
		for tools := range ch {
			r.publishDiscovered(ws, spec.ID, tools)
			if err := r.dispatcher.EnsureToolsSubscribed(spec.ID, spec.ExecutionTarget, runner, tools); err != nil {
				slog.Error("reconcile: subscription table update failed", "provider", spec.ID, "err", err)
			}
		}
	}()
}

func (r *Reconciler) stopProviderLocked(ctx context.Context, id string) {
	rp, ok := r.providers[id]
	if !ok {
		return
	}
	delete(r.providers, id)
	if err := rp.runner.Stop(ctx); err != nil {
		slog.Warn("reconcile: provider stop", "provider", id, "err", err)
	}
	r.metrics.RunningProviders.Add(ctx, -1)
}

func (r *Reconciler) publishDiscovered(ws, providerID string, tools []bus.CatalogTool) {
	data, err := json.Marshal(bus.DiscoveredTools{WorkspaceID: ws, ProviderID: providerID, Tools: tools})
	if err != nil {
		slog.Error("reconcile: encode discovered tools", "provider", providerID, "err", err)
		return
	}
	if err := r.bus.Publish(context.Background(), bus.DiscoveredToolsSubject(ws, providerID), data); err != nil {
		slog.Warn("reconcile: publish discovered tools", "provider", providerID, "err", err)
	}
}

func (r *Reconciler) reconcileSkills(ctx context.Context, snap bus.DesiredSkillsSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	desired := make(map[string]bus.DesiredSkill, len(snap.Skills))
	for _, spec := range snap.Skills {
		desired[spec.ID] = spec
	}

	for id := range r.skills {
		if _, keep := desired[id]; !keep {
			r.stopSkillLocked(ctx, id)
		}
	}
	for id, spec := range desired {
		runner, running := r.skills[id]
		if running && runner.ConfigSignature() != skill.Signature(spec) {
			slog.Info("reconcile: skill config changed, respawning", "skill", id)
			r.stopSkillLocked(ctx, id)
		}
	}

	for id, spec := range desired {
		if _, running := r.skills[id]; !running {
			r.spawnSkillLocked(ctx, spec)
		}
	}
}

func (r *Reconciler) spawnSkillLocked(ctx context.Context, spec bus.DesiredSkill) {
	tools := r.catalogForLocked(spec.Tools)
	invoker := &busInvoker{c: r.bus, timeout: r.callTimeout}

	runner, err := r.skillFactory(spec, tools, invoker)
	if err != nil {
		slog.Error("reconcile: skill start failed", "skill", spec.ID, "err", err)
		return
	}
	if err := r.dispatcher.EnsureSkillSubscribed(spec.ID, runner); err != nil {
		slog.Error("reconcile: skill subscription failed", "skill", spec.ID, "err", err)
		return
	}
	r.skills[spec.ID] = runner
	r.metrics.RunningSkills.Add(ctx, 1)

	// Announce the skill's consumer-facing projection the same way provider
	// catalogs are announced.
	r.publishDiscovered(r.scope.WorkspaceID(), spec.ID, []bus.CatalogTool{skill.Tool(spec)})
}

func (r *Reconciler) stopSkillLocked(ctx context.Context, id string) {
	if _, ok := r.skills[id]; !ok {
		return
	}
	delete(r.skills, id)
	if err := r.dispatcher.UnsubscribeSkill(id); err != nil {
		slog.Warn("reconcile: skill unsubscribe", "skill", id, "err", err)
	}
	r.metrics.RunningSkills.Add(ctx, -1)
}

// catalogForLocked resolves tool references against the live catalogs of
// running providers so skills offer real descriptions and schemas to their
// model. References to tools running elsewhere in the workspace degrade to
// name-only definitions.
func (r *Reconciler) catalogForLocked(refs []bus.ToolRef) []bus.CatalogTool {
	tools := make([]bus.CatalogTool, 0, len(refs))
	for _, ref := range refs {
		tools = append(tools, r.lookupToolLocked(ref))
	}
	return tools
}

func (r *Reconciler) lookupToolLocked(ref bus.ToolRef) bus.CatalogTool {
	for _, rp := range r.providers {
		catalog, ok := rp.runner.Tools().Get()
		if !ok {
			continue
		}
		for _, t := range catalog {
			if t.ID == ref.ID {
				return t
			}
		}
	}
	return bus.CatalogTool{ID: ref.ID, Name: ref.Name}
}

// UpdateRoots replaces the roots advertised to stdio providers on the fly,
// without respawning them. The new roots also apply to future spawns.
func (r *Reconciler) UpdateRoots(roots []provider.Root) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roots = append([]provider.Root(nil), roots...)

	var errs []error
	for id, rp := range r.providers {
		if rp.spec.Transport != bus.TransportStdio {
			continue
		}
		if err := rp.runner.UpdateRoots(roots); err != nil {
			errs = append(errs, fmt.Errorf("reconcile: update roots of %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Counts reports the sizes of the running sets.
func (r *Reconciler) Counts() (providers, skills int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.providers), len(r.skills)
}

// Stop unsubscribes from the desired-state topics, stops every runner, and
// waits for the catalog watchers to drain. Individual errors are aggregated;
// calling Stop twice, or without a prior Start, is a no-op.
func (r *Reconciler) Stop(ctx context.Context) error {
	var errs []error
	r.stopOnce.Do(func() {
		r.mu.Lock()
		started := r.started
		subs := r.subs
		r.mu.Unlock()

		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				errs = append(errs, fmt.Errorf("reconcile: unsubscribe desired state: %w", err))
			}
		}
		close(r.done)
		if started {
			<-r.loopDone
		}

		r.mu.Lock()
		for id := range r.skills {
			r.stopSkillLocked(ctx, id)
		}
		runners := make([]ProviderRunner, 0, len(r.providers))
		for id, rp := range r.providers {
			delete(r.providers, id)
			r.metrics.RunningProviders.Add(ctx, -1)
			runners = append(runners, rp.runner)
		}
		r.mu.Unlock()

		// Provider stops can wait on subprocess exit; run them concurrently.
		var g errgroup.Group
		for _, runner := range runners {
			g.Go(func() error {
				if err := runner.Stop(ctx); err != nil {
					return fmt.Errorf("reconcile: stop provider %s: %w", runner.ID(), err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}

		r.watchers.Wait()
	})
	return errors.Join(errs...)
}

// busInvoker executes skill tool calls through the bus, so a skill reaches
// tools anywhere in the workspace rather than only local providers.
type busInvoker struct {
	c       bus.Client
	timeout time.Duration
}

func (i *busInvoker) InvokeTool(ctx context.Context, tool bus.ToolRef, args map[string]any) (string, error) {
	req := bus.CallToolRequest{Type: bus.CallMCPTool, ToolID: tool.ID, Name: tool.Name, Arguments: args}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("reconcile: encode tool call: %w", err)
	}

	reply, err := bus.RequestWithRetry(ctx, i.c, bus.CallToolGlobalSubject(tool.ID), data, i.timeout)
	if err != nil {
		return "", fmt.Errorf("reconcile: tool call %s: %w", tool.ID, err)
	}

	var resp bus.CallToolResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return "", fmt.Errorf("reconcile: malformed tool call response: %w", err)
	}
	if err := resp.Err(); err != nil {
		return "", err
	}
	return resultText(resp.Result)
}

// resultText flattens a call-tool result into plain text for the model.
func resultText(raw json.RawMessage) (string, error) {
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return string(raw), nil
	}

	var parts []string
	for _, c := range result.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError {
		if text == "" {
			text = "tool call failed"
		}
		return "", errors.New(text)
	}
	if text == "" {
		return string(raw), nil
	}
	return text, nil
}
