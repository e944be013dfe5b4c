// Package session hosts the consumer side of the runtime: per-connection
// toolset views over the bus catalog, the session manager with its JSON-RPC
// protocol handlers, and the stdio, SSE, and streamable HTTP transports.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgewire/mcpgate/internal/bus"
	"github.com/edgewire/mcpgate/internal/watch"
)

// InitSkillName is the synthetic tool prepended to every consumer catalog.
// Calling it returns the catalog description without touching the bus.
const InitSkillName = "init_skill"

// initSkillSchema is the input schema of the synthetic tool.
const initSkillSchema = `{"type":"object","properties":{"original_prompt":{"type":"string"}}}`

// smartSkillSchema is the implicit input schema projected for a
// skill-served-as-tool, regardless of what the catalog advertises.
const smartSkillSchema = `{"type":"object","properties":{"message":{"type":"string","description":"The message to send to the skill"}},"required":["message"]}`

// ErrUnknownTool marks calls naming a tool the current catalog does not
// advertise.
var ErrUnknownTool = errors.New("session: unknown tool")

// Kind states whether a session serves a curated toolset or a single smart
// skill as a server.
type Kind int

const (
	KindToolset Kind = iota
	KindSkill
)

// Identity is the authenticated binding of one session: the workspace and
// the toolset or skill it serves.
type Identity struct {
	WorkspaceID string
	ID          string
	Name        string
	Kind        Kind
}

// Tool is the consumer-facing projection of one catalog entry, with the
// wire-string schema and annotations parsed into JSON documents.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Annotations json.RawMessage `json:"annotations,omitempty"`
}

// View is one session's live window onto its toolset catalog. It owns a
// key-value watch for the catalog key and republishes snapshots through a
// last-value observable. Create instances with [NewView]; Close releases
// the watch.
type View struct {
	bus         bus.Client
	ident       Identity
	callTimeout time.Duration

	kvWatch  bus.Watch
	snapshot *watch.Value[bus.ToolCatalogSnapshot]
}

// NewView opens the catalog watch for ident and starts consuming snapshots.
func NewView(ctx context.Context, c bus.Client, ident Identity, callTimeout time.Duration) (*View, error) {
	key := bus.ToolsetCatalogKey(ident.WorkspaceID, ident.ID)
	if ident.Kind == KindSkill {
		key = bus.SkillCatalogKey(ident.WorkspaceID, ident.ID)
	}

	w, err := c.WatchValues(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("session: watch catalog %s: %w", key, err)
	}

	v := &View{
		bus:         c,
		ident:       ident,
		callTimeout: callTimeout,
		kvWatch:     w,
		snapshot:    watch.NewValue[bus.ToolCatalogSnapshot](),
	}
	go v.consume()
	return v, nil
}

func (v *View) consume() {
	for data := range v.kvWatch.Values() {
		var snap bus.ToolCatalogSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			slog.Warn("session: malformed catalog snapshot", "toolset", v.ident.ID, "err", err)
			continue
		}
		v.snapshot.Set(snap)
	}
	v.snapshot.Close()
}

// Identity returns the session identity the view was built for.
func (v *View) Identity() Identity { return v.ident }

// Current returns the latest catalog snapshot, if any arrived yet.
func (v *View) Current() (bus.ToolCatalogSnapshot, bool) {
	return v.snapshot.Get()
}

// WaitForTools suspends until the first catalog snapshot arrives.
func (v *View) WaitForTools(ctx context.Context) (bus.ToolCatalogSnapshot, error) {
	snap, err := v.snapshot.Wait(ctx)
	if err != nil {
		return bus.ToolCatalogSnapshot{}, fmt.Errorf("session: waiting for catalog of %s: %w", v.ident.ID, err)
	}
	return snap, nil
}

// Changes returns a channel emitting every catalog snapshot (current one
// first) and a cancel function. The channel closes when the view closes.
func (v *View) Changes() (<-chan bus.ToolCatalogSnapshot, func()) {
	return v.snapshot.Subscribe()
}

// ProjectedTools returns the tools presented to the client: the synthetic
// init_skill entry first, then either the single skill-served-as-tool with
// its implicit message schema, or the full parsed catalog.
func (v *View) ProjectedTools() []Tool {
	tools := []Tool{{
		Name:        InitSkillName,
		Description: "Returns the initial instructions for this toolset.",
		InputSchema: json.RawMessage(initSkillSchema),
	}}

	snap, ok := v.snapshot.Get()
	if !ok {
		return tools
	}
	if snap.SmartSkillTool != nil {
		return append(tools, Tool{
			Name:        snap.SmartSkillTool.Name,
			Description: snap.SmartSkillTool.Description,
			InputSchema: json.RawMessage(smartSkillSchema),
		})
	}
	for _, t := range snap.Tools {
		tools = append(tools, projectTool(t))
	}
	return tools
}

func projectTool(t bus.CatalogTool) Tool {
	out := Tool{Name: t.Name, Description: t.Description}
	out.InputSchema = parseWireJSON(t.InputSchema)
	out.Annotations = parseWireJSON(t.Annotations)
	return out
}

// parseWireJSON validates a catalog wire string as JSON and returns it as a
// raw document, or nil when absent or unparseable.
func parseWireJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return json.RawMessage(s)
}

// CallTool invokes name with args on behalf of the session and returns the
// raw call-tool result payload.
//
// The synthetic init_skill tool is answered locally from the catalog
// description without any bus traffic. A call naming the
// skill-served-as-tool becomes a smart-skill request addressed by skill id;
// everything else resolves the tool by name in the current snapshot and
// becomes an mcp-tool request addressed by tool id. Both use request-reply
// with the call timeout and a single retry on timeout.
func (v *View) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	snap, _ := v.snapshot.Get()

	if name == InitSkillName {
		result, err := json.Marshal(map[string]any{
			"content": []map[string]any{{"type": "text", "text": snap.Description}},
		})
		if err != nil {
			return nil, fmt.Errorf("session: encode init_skill result: %w", err)
		}
		return result, nil
	}

	var req bus.CallToolRequest
	switch {
	case snap.SmartSkillTool != nil && snap.SmartSkillTool.Name == name:
		req = bus.CallToolRequest{
			Type:      bus.CallSmartSkill,
			SkillID:   v.ident.ID,
			Name:      name,
			Arguments: args,
		}
	default:
		tool, ok := findTool(snap.Tools, name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
		req = bus.CallToolRequest{
			Type:      bus.CallMCPTool,
			ToolID:    tool.ID,
			Name:      name,
			Arguments: args,
		}
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("session: encode call request: %w", err)
	}

	subject := bus.CallToolGlobalSubject(req.ToolID)
	if req.Type == bus.CallSmartSkill {
		subject = bus.CallToolGlobalSubject(req.SkillID)
	}

	reply, err := bus.RequestWithRetry(ctx, v.bus, subject, data, v.callTimeout)
	if err != nil {
		return nil, fmt.Errorf("session: call %s: %w", name, err)
	}

	var resp bus.CallToolResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, fmt.Errorf("session: malformed call response: %w", err)
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func findTool(tools []bus.CatalogTool, name string) (bus.CatalogTool, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return bus.CatalogTool{}, false
}

// Close stops the catalog watch and completes the snapshot observable.
func (v *View) Close() error {
	return v.kvWatch.Stop()
}
