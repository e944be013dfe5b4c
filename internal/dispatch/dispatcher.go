// Package dispatch owns the bus-side subscription table for tool and smart
// skill calls. The reconciler feeds it the running set; incoming call
// messages are decoded, routed to the owning runner, and answered on the
// request's reply subject.
//
// Subjects follow the execution target of the provider: CLOUD tools listen
// on a workspace-agnostic subject keyed by tool id, AGENT tools on a subject
// keyed by (workspace, runtime, tool) so a single runtime is exclusively
// responsible. Smart skills always listen runtime-scoped.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"

	"github.com/edgewire/mcpgate/internal/bus"
	"github.com/edgewire/mcpgate/internal/observe"
)

// ErrToolNotFound is the structured answer for calls naming a tool no
// running provider owns.
var ErrToolNotFound = errors.New("dispatch: tool not found")

// ToolCaller is the provider-runner surface the dispatcher invokes.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcpsdk.CallToolResult, error)
}

// SkillCaller is the smart-skill-runner surface the dispatcher invokes.
type SkillCaller interface {
	Chat(ctx context.Context, userMessages []string) (string, error)
}

// Scope supplies the identity fields used for subject construction and
// executor tagging. Implemented by identity.Manager.
type Scope interface {
	WorkspaceID() string
	RuntimeID() string
	ExecutedBy() string
}

type ownedTool struct {
	name    string
	callers map[string]ToolCaller // provider id → caller
}

// Dispatcher owns the subscription table. All table mutations are
// serialized; call handling runs concurrently. Create instances with [New].
type Dispatcher struct {
	bus         bus.Client
	scope       Scope
	callTimeout time.Duration
	metrics     *observe.Metrics

	mu        sync.Mutex
	toolSubs  map[string]map[string]bus.Subscription // provider id → tool id → sub
	owners    map[string]*ownedTool                  // tool id → owners
	skillSubs map[string]bus.Subscription            // skill id → sub
	closed    bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics injects a metrics instance instead of the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher publishing replies on c, scoped by scope, with
// the given per-call timeout.
func New(c bus.Client, scope Scope, callTimeout time.Duration, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		bus:         c,
		scope:       scope,
		callTimeout: callTimeout,
		toolSubs:    make(map[string]map[string]bus.Subscription),
		owners:      make(map[string]*ownedTool),
		skillSubs:   make(map[string]bus.Subscription),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// EnsureToolsSubscribed reconciles the subscription set of one provider to
// exactly the given tool list: missing tools are subscribed, tools no
// longer listed are unsubscribed. Re-ensuring the same list is a no-op.
// It fails before creating any subscription when the runtime id — or, for
// target AGENT, the workspace id — is missing.
func (d *Dispatcher) EnsureToolsSubscribed(providerID string, target bus.ExecutionTarget, caller ToolCaller, tools []bus.CatalogTool) error {
	target = target.Normalize()

	rt := d.scope.RuntimeID()
	ws := d.scope.WorkspaceID()
	if rt == "" {
		return fmt.Errorf("dispatch: ensure %s: no runtime identity", providerID)
	}
	if target == bus.TargetAgent && ws == "" {
		return fmt.Errorf("dispatch: ensure %s: agent target requires a workspace id", providerID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("dispatch: ensure %s: dispatcher closed", providerID)
	}

	subs := d.toolSubs[providerID]
	if subs == nil {
		subs = make(map[string]bus.Subscription)
		d.toolSubs[providerID] = subs
	}

	desired := make(map[string]string, len(tools)) // tool id → name
	for _, t := range tools {
		desired[t.ID] = t.Name
	}

	for toolID, sub := range subs {
		if _, keep := desired[toolID]; keep {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("dispatch: unsubscribe removed tool", "provider", providerID, "tool", toolID, "err", err)
		}
		delete(subs, toolID)
		d.dropOwnerLocked(toolID, providerID)
	}

	for toolID, name := range desired {
		if owner := d.owners[toolID]; owner != nil {
			owner.name = name
		}
		if _, ok := subs[toolID]; ok {
			d.addOwnerLocked(toolID, name, providerID, caller)
			continue
		}

		subject := bus.CallToolGlobalSubject(toolID)
		if target == bus.TargetAgent {
			subject = bus.CallToolRuntimeSubject(ws, rt, toolID)
		}
		id := toolID
		sub, err := d.bus.Subscribe(subject, func(msg bus.Msg) {
			go d.handleToolCall(msg, id)
		})
		if err != nil {
			return fmt.Errorf("dispatch: subscribe %s for provider %s: %w", subject, providerID, err)
		}
		subs[toolID] = sub
		d.addOwnerLocked(toolID, name, providerID, caller)
	}
	return nil
}

// UnsubscribeAll removes every subscription of the provider. Individual
// unsubscribe failures are collected, not fatal; the table entry is removed
// regardless. Removing an unknown provider is a no-op.
func (d *Dispatcher) UnsubscribeAll(providerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for toolID, sub := range d.toolSubs[providerID] {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("dispatch: unsubscribe tool %s: %w", toolID, err))
		}
		d.dropOwnerLocked(toolID, providerID)
	}
	delete(d.toolSubs, providerID)
	return errors.Join(errs...)
}

// EnsureSkillSubscribed installs the runtime-scoped subscription for one
// smart skill. Re-ensuring is a no-op.
func (d *Dispatcher) EnsureSkillSubscribed(skillID string, caller SkillCaller) error {
	rt := d.scope.RuntimeID()
	ws := d.scope.WorkspaceID()
	if rt == "" || ws == "" {
		return fmt.Errorf("dispatch: ensure skill %s: no runtime identity", skillID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("dispatch: ensure skill %s: dispatcher closed", skillID)
	}
	if _, ok := d.skillSubs[skillID]; ok {
		return nil
	}

	id := skillID
	sub, err := d.bus.Subscribe(bus.CallSkillSubject(ws, rt, skillID), func(msg bus.Msg) {
		go d.handleSkillCall(msg, id, caller)
	})
	if err != nil {
		return fmt.Errorf("dispatch: subscribe skill %s: %w", skillID, err)
	}
	d.skillSubs[skillID] = sub
	return nil
}

// UnsubscribeSkill removes the subscription of one smart skill. Removing an
// unknown skill is a no-op.
func (d *Dispatcher) UnsubscribeSkill(skillID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.skillSubs[skillID]
	if !ok {
		return nil
	}
	delete(d.skillSubs, skillID)
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("dispatch: unsubscribe skill %s: %w", skillID, err)
	}
	return nil
}

// Close removes every subscription. The dispatcher accepts no further
// ensures afterwards.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true

	var errs []error
	for providerID, subs := range d.toolSubs {
		for toolID, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				errs = append(errs, fmt.Errorf("dispatch: close provider %s tool %s: %w", providerID, toolID, err))
			}
		}
	}
	for skillID, sub := range d.skillSubs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("dispatch: close skill %s: %w", skillID, err))
		}
	}
	d.toolSubs = make(map[string]map[string]bus.Subscription)
	d.owners = make(map[string]*ownedTool)
	d.skillSubs = make(map[string]bus.Subscription)
	return errors.Join(errs...)
}

func (d *Dispatcher) addOwnerLocked(toolID, name, providerID string, caller ToolCaller) {
	owner := d.owners[toolID]
	if owner == nil {
		owner = &ownedTool{name: name, callers: make(map[string]ToolCaller)}
		d.owners[toolID] = owner
	}
	owner.name = name
	owner.callers[providerID] = caller
}

func (d *Dispatcher) dropOwnerLocked(toolID, providerID string) {
	owner := d.owners[toolID]
	if owner == nil {
		return
	}
	delete(owner.callers, providerID)
	if len(owner.callers) == 0 {
		delete(d.owners, toolID)
	}
}

// handleToolCall answers one call message on a tool subscription. Per-call
// failures become Error responses; the subscription stays live.
func (d *Dispatcher) handleToolCall(msg bus.Msg, toolID string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.callTimeout)
	defer cancel()

	req, err := decodeCall(msg.Data)
	if err != nil {
		d.reply(ctx, msg, bus.CallToolResponse{Error: err.Error()})
		return
	}
	if req.Type == bus.CallSmartSkill {
		slog.Warn("dispatch: smart-skill call on a tool subscription", "tool", toolID)
		d.reply(ctx, msg, bus.CallToolResponse{Error: "dispatch: smart-skill call routed to a tool subscription"})
		return
	}

	d.mu.Lock()
	owner := d.owners[toolID]
	var caller ToolCaller
	var name string
	var owned int
	if owner != nil {
		owned = len(owner.callers)
		name = owner.name
		for _, c := range owner.callers {
			caller = c
		}
	}
	d.mu.Unlock()

	switch {
	case owned == 0:
		d.reply(ctx, msg, bus.CallToolResponse{Error: fmt.Sprintf("%v: %s", ErrToolNotFound, toolID)})
		return
	case owned > 1:
		d.reply(ctx, msg, bus.CallToolResponse{Error: fmt.Sprintf("dispatch: tool %s owned by %d providers", toolID, owned)})
		return
	}

	if req.Name != "" {
		name = req.Name
	}

	start := time.Now()
	result, err := caller.CallTool(ctx, name, req.Arguments)
	status := "ok"
	if err != nil {
		status = "error"
	}
	d.metrics.RecordToolCall(ctx, toolID, status)
	d.metrics.ToolCallDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("tool", toolID), observe.Attr("status", status)))
	if err != nil {
		d.reply(ctx, msg, bus.CallToolResponse{Error: err.Error(), ExecutedByIDOrAgent: d.scope.ExecutedBy()})
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		d.reply(ctx, msg, bus.CallToolResponse{Error: fmt.Sprintf("dispatch: encode result: %v", err), ExecutedByIDOrAgent: d.scope.ExecutedBy()})
		return
	}
	d.reply(ctx, msg, bus.CallToolResponse{Result: raw, ExecutedByIDOrAgent: d.scope.ExecutedBy()})
}

// handleSkillCall answers one call message on a smart-skill subscription.
// Chat failures are folded into an isError tool result so the consumer sees
// them as tool output rather than a transport failure.
func (d *Dispatcher) handleSkillCall(msg bus.Msg, skillID string, caller SkillCaller) {
	ctx, cancel := context.WithTimeout(context.Background(), d.callTimeout)
	defer cancel()

	req, err := decodeCall(msg.Data)
	if err != nil {
		d.reply(ctx, msg, bus.CallToolResponse{Error: err.Error()})
		return
	}
	if req.Type == bus.CallMCPTool {
		slog.Warn("dispatch: mcp-tool call on a smart-skill subscription", "skill", skillID)
		d.reply(ctx, msg, bus.CallToolResponse{Error: "dispatch: mcp-tool call routed to a smart-skill subscription"})
		return
	}

	start := time.Now()
	text, err := caller.Chat(ctx, chatMessages(req.Arguments))
	status := "ok"
	if err != nil {
		status = "error"
	}
	d.metrics.RecordSkillChat(ctx, skillID, status)
	d.metrics.SkillChatDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("skill", skillID), observe.Attr("status", status)))
	if err != nil {
		d.reply(ctx, msg, bus.CallToolResponse{
			Result:              textResult("Error: "+err.Error(), true),
			ExecutedByIDOrAgent: d.scope.ExecutedBy(),
		})
		return
	}
	d.reply(ctx, msg, bus.CallToolResponse{
		Result:              textResult(text, false),
		ExecutedByIDOrAgent: d.scope.ExecutedBy(),
	})
}

// decodeCall parses a call-tool request and enforces the type
// discriminator. Requests without one predate the typed scheme and are
// refused.
func decodeCall(data []byte) (bus.CallToolRequest, error) {
	var req bus.CallToolRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("dispatch: malformed call request: %w", err)
	}
	switch req.Type {
	case bus.CallMCPTool, bus.CallSmartSkill:
		return req, nil
	case "":
		return req, errors.New("dispatch: call request carries no type")
	default:
		return req, fmt.Errorf("dispatch: unknown call type %q", req.Type)
	}
}

// chatMessages extracts the user messages from a smart-skill call's
// arguments, accepting the messages/message/input conventions and falling
// back to the stringified arguments.
func chatMessages(args map[string]any) []string {
	if raw, ok := args["messages"].([]any); ok {
		var msgs []string
		for _, m := range raw {
			if s, ok := m.(string); ok {
				msgs = append(msgs, s)
			}
		}
		if len(msgs) > 0 {
			return msgs
		}
	}
	if s, ok := args["message"].(string); ok && s != "" {
		return []string{s}
	}
	if s, ok := args["input"].(string); ok && s != "" {
		return []string{s}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	return []string{string(raw)}
}

// textResult encodes a single-text-content tool result.
func textResult(text string, isError bool) json.RawMessage {
	result := map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	}
	if isError {
		result["isError"] = true
	}
	raw, _ := json.Marshal(result)
	return raw
}

func (d *Dispatcher) reply(ctx context.Context, msg bus.Msg, resp bus.CallToolResponse) {
	if msg.Reply == "" {
		slog.Warn("dispatch: call request carries no reply subject", "subject", msg.Subject)
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("dispatch: encode response", "err", err)
		return
	}
	if err := d.bus.Publish(ctx, msg.Reply, data); err != nil {
		slog.Warn("dispatch: publish response", "subject", msg.Reply, "err", err)
	}
}
