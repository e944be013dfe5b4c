package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// TransportKind selects the connection mechanism for a tool provider.
type TransportKind string

const (
	// TransportStdio spawns a subprocess and speaks over stdin/stdout.
	TransportStdio TransportKind = "STDIO"

	// TransportSSE connects to a server-sent-events endpoint.
	TransportSSE TransportKind = "SSE"

	// TransportStream connects to a streamable HTTP endpoint.
	TransportStream TransportKind = "STREAM"
)

// IsValid reports whether t is a recognised transport kind.
func (t TransportKind) IsValid() bool {
	return t == TransportStdio || t == TransportSSE || t == TransportStream
}

// ExecutionTarget states which runtimes may answer calls for a tool.
type ExecutionTarget string

const (
	// TargetAgent binds tool calls to one specific runtime.
	TargetAgent ExecutionTarget = "AGENT"

	// TargetCloud lets any runtime answer; the control plane routes.
	TargetCloud ExecutionTarget = "CLOUD"
)

// IsValid reports whether e is a recognised execution target. The legacy
// "EDGE" spelling is accepted as a synonym of CLOUD by [ExecutionTarget.Normalize].
func (e ExecutionTarget) IsValid() bool {
	return e == TargetAgent || e == TargetCloud
}

// Normalize maps legacy spellings onto the canonical target values.
func (e ExecutionTarget) Normalize() ExecutionTarget {
	if e == "EDGE" {
		return TargetCloud
	}
	return e
}

// ToolRef identifies one tool inside a provider's catalog as the graph knows
// it.
type ToolRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DesiredProvider is an immutable snapshot of one tool provider as the
// control plane wants it running. The Config blob is transport-specific and
// parsed by the provider runner.
type DesiredProvider struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Transport       TransportKind   `json:"transport"`
	Config          json.RawMessage `json:"config"`
	ExecutionTarget ExecutionTarget `json:"executionTarget"`
	Tools           []ToolRef       `json:"tools,omitempty"`
}

// StdioProviderConfig is the config blob for STDIO providers.
type StdioProviderConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// HTTPProviderConfig is the config blob for SSE and STREAM providers.
type HTTPProviderConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ModelConfig holds the LLM settings of a smart skill.
type ModelConfig struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"maxTokens,omitempty"`
	SystemPrompt string  `json:"systemPrompt,omitempty"`
}

// DesiredSkill is an immutable snapshot of one smart skill as the control
// plane wants it running.
type DesiredSkill struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	WorkspaceID     string          `json:"workspaceId"`
	ExecutionTarget ExecutionTarget `json:"executionTarget"`
	Model           ModelConfig     `json:"model"`
	Tools           []ToolRef       `json:"tools,omitempty"`
}

// DesiredProvidersSnapshot is the total-state payload of the desired
// providers topic. Each publish replaces the previous set wholesale.
type DesiredProvidersSnapshot struct {
	Providers []DesiredProvider `json:"providers"`
}

// DesiredSkillsSnapshot is the total-state payload of the desired skills
// topic.
type DesiredSkillsSnapshot struct {
	Skills []DesiredSkill `json:"skills"`
}

// HandshakeRequest asks the control plane to mint an identity for a key.
type HandshakeRequest struct {
	Key      string `json:"key"`
	Nature   string `json:"nature"`
	Name     string `json:"name,omitempty"`
	PID      int    `json:"pid"`
	HostIP   string `json:"hostIp,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// HandshakeResponse names the identity minted for a handshake, or carries an
// error message when the key was refused.
type HandshakeResponse struct {
	ID          string `json:"id,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	Name        string `json:"name,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
	BusJWT      string `json:"busJwt,omitempty"`
	Error       string `json:"error,omitempty"`
}

// CallType discriminates incoming call-tool requests. Legacy un-typed
// requests are rejected rather than guessed at.
type CallType string

const (
	// CallMCPTool targets a tool owned by a running provider.
	CallMCPTool CallType = "mcp-tool"

	// CallSmartSkill targets a running smart skill's chat operation.
	CallSmartSkill CallType = "smart-skill"
)

// CallToolRequest is the bus payload of a tool or skill invocation.
type CallToolRequest struct {
	Type CallType `json:"type"`

	// ToolID is set for mcp-tool calls; SkillID for smart-skill calls.
	ToolID  string `json:"toolId,omitempty"`
	SkillID string `json:"skillId,omitempty"`

	// Name is the tool name as the consumer sees it.
	Name string `json:"name,omitempty"`

	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResponse answers a call-tool request on its reply subject.
type CallToolResponse struct {
	// Result is the provider's raw call result, absent on error.
	Result json.RawMessage `json:"result,omitempty"`

	// Error is a human-readable failure description, absent on success.
	Error string `json:"error,omitempty"`

	// ExecutedByIDOrAgent is the runtime id when the executing identity's
	// nature is runtime, the literal "AGENT" otherwise.
	ExecutedByIDOrAgent string `json:"executedByIdOrAgent,omitempty"`
}

// Err converts an error response into a Go error, or nil for success.
func (r *CallToolResponse) Err() error {
	if r.Error == "" {
		return nil
	}
	return fmt.Errorf("bus: call failed: %s", r.Error)
}

// CatalogTool is one tool entry of a published catalog. InputSchema and
// Annotations are JSON documents kept as strings on the wire; consumers parse
// them before presenting the tool.
type CatalogTool struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema string `json:"inputSchema,omitempty"`
	Annotations string `json:"annotations,omitempty"`
}

// ToolCatalogSnapshot is the most recent catalog published for a toolset or
// skill. When SmartSkillTool is set the toolset is a smart skill served as a
// model-context server and consumers project only that tool.
type ToolCatalogSnapshot struct {
	Description    string       `json:"description,omitempty"`
	Tools          []CatalogTool `json:"tools"`
	SmartSkillTool *CatalogTool  `json:"smartSkillTool,omitempty"`
}

// DiscoveredTools is the runtime-to-control-plane message republishing a
// provider's live catalog.
type DiscoveredTools struct {
	WorkspaceID string        `json:"workspaceId"`
	ProviderID  string        `json:"providerId"`
	Tools       []CatalogTool `json:"tools"`
}

// Heartbeat is the periodic presence beacon payload.
type Heartbeat struct {
	ID   string    `json:"id"`
	Time time.Time `json:"time"`
}

// Kill is the final presence message published on clean shutdown.
type Kill struct {
	ID string `json:"id"`
}
