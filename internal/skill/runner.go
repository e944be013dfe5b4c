// Package skill runs smart skills: server-side agents that answer a single
// chat message by driving an LLM through tool calls against the workspace
// tool graph.
//
// A skill is itself published to consumers as one callable tool taking a
// single "message" argument; [Tool] builds that projection.
package skill

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/edgewire/mcpgate/internal/bus"
)

// maxToolRounds caps the number of LLM turns that may request tool calls
// before the conversation is aborted.
const maxToolRounds = 8

// ToolInvoker executes a single tool call on behalf of a skill. The
// reconciler wires this to the bus dispatch path so skills reach tools
// anywhere in the workspace.
type ToolInvoker interface {
	InvokeTool(ctx context.Context, tool bus.ToolRef, args map[string]any) (string, error)
}

// Runner executes one smart skill. Create instances with [New]; Chat may be
// called concurrently, each call holds its own conversation.
type Runner struct {
	spec    bus.DesiredSkill
	backend anyllmlib.Provider
	invoker ToolInvoker

	toolDefs []anyllmlib.Tool
	byName   map[string]bus.ToolRef
}

// New creates a runner for spec. tools carries the catalog metadata for the
// skill's tool references; tools whose metadata is missing are simply not
// offered to the model.
func New(spec bus.DesiredSkill, tools []bus.CatalogTool, invoker ToolInvoker) (*Runner, error) {
	backend, err := newBackend(spec.Model.Provider)
	if err != nil {
		return nil, err
	}
	return NewWithBackend(spec, tools, invoker, backend), nil
}

// NewWithBackend is New with an explicit LLM backend.
func NewWithBackend(spec bus.DesiredSkill, tools []bus.CatalogTool, invoker ToolInvoker, backend anyllmlib.Provider) *Runner {
	r := &Runner{
		spec:    spec,
		backend: backend,
		invoker: invoker,
		byName:  make(map[string]bus.ToolRef, len(tools)),
	}
	for _, t := range tools {
		r.byName[t.Name] = bus.ToolRef{ID: t.ID, Name: t.Name}
		def := anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        t.Name,
				Description: t.Description,
			},
		}
		if t.InputSchema != "" {
			var params map[string]any
			if err := json.Unmarshal([]byte(t.InputSchema), &params); err == nil {
				def.Function.Parameters = params
			}
		}
		r.toolDefs = append(r.toolDefs, def)
	}
	return r
}

// ID returns the skill id.
func (r *Runner) ID() string { return r.spec.ID }

// Name returns the skill name.
func (r *Runner) Name() string { return r.spec.Name }

// Spec returns the desired-state record this runner was built from.
func (r *Runner) Spec() bus.DesiredSkill { return r.spec }

// ConfigSignature returns the deterministic signature of the runner's model
// config and tool set.
func (r *Runner) ConfigSignature() string { return Signature(r.spec) }

// Chat answers the given user messages in one conversation, executing any
// tool calls the model requests through the invoker. It returns the model's
// final text reply.
func (r *Runner) Chat(ctx context.Context, userMessages []string) (string, error) {
	var messages []anyllmlib.Message
	if r.spec.Model.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: r.spec.Model.SystemPrompt})
	}
	for _, m := range userMessages {
		messages = append(messages, anyllmlib.Message{Role: "user", Content: m})
	}

	for round := 0; round < maxToolRounds; round++ {
		resp, err := r.backend.Completion(ctx, r.params(messages))
		if err != nil {
			return "", fmt.Errorf("skill %s: completion: %w", r.spec.ID, err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("skill %s: empty completion response", r.spec.ID)
		}

		choice := resp.Choices[0]
		if len(choice.Message.ToolCalls) == 0 {
			return choice.Message.ContentString(), nil
		}

		assistant := anyllmlib.Message{Role: "assistant", Content: choice.Message.ContentString()}
		for _, tc := range choice.Message.ToolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, anyllmlib.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: anyllmlib.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		messages = append(messages, assistant)

		for _, tc := range choice.Message.ToolCalls {
			messages = append(messages, anyllmlib.Message{
				Role:       "tool",
				Name:       tc.Function.Name,
				ToolCallID: tc.ID,
				Content:    r.runTool(ctx, tc.Function.Name, tc.Function.Arguments),
			})
		}
	}

	return "", fmt.Errorf("skill %s: no final answer after %d tool rounds", r.spec.ID, maxToolRounds)
}

// runTool executes one requested tool call, folding every failure into a
// text result so the model can recover.
func (r *Runner) runTool(ctx context.Context, name, rawArgs string) string {
	ref, ok := r.byName[name]
	if !ok {
		return fmt.Sprintf("error: tool %q is not available to this skill", name)
	}

	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return fmt.Sprintf("error: tool arguments are not valid JSON: %v", err)
		}
	}

	result, err := r.invoker.InvokeTool(ctx, ref, args)
	if err != nil {
		slog.Warn("skill tool call failed", "skill", r.spec.ID, "tool", name, "err", err)
		return fmt.Sprintf("error: %v", err)
	}
	return result
}

func (r *Runner) params(messages []anyllmlib.Message) anyllmlib.CompletionParams {
	params := anyllmlib.CompletionParams{
		Model:    r.spec.Model.Model,
		Messages: messages,
		Tools:    r.toolDefs,
	}
	if r.spec.Model.Temperature != 0 {
		t := r.spec.Model.Temperature
		params.Temperature = &t
	}
	if r.spec.Model.MaxTokens > 0 {
		mt := r.spec.Model.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}

// Signature returns the deterministic config signature of a skill: a digest
// over the model config and the sorted tool id set. The reconciler reuses a
// running skill exactly when the signatures match.
func Signature(spec bus.DesiredSkill) string {
	ids := make([]string, 0, len(spec.Tools))
	for _, t := range spec.Tools {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%g\x00%d\x00%s",
		spec.Model.Provider, spec.Model.Model, spec.Model.Temperature, spec.Model.MaxTokens, spec.Model.SystemPrompt)
	for _, id := range ids {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Tool builds the consumer-facing projection of a skill: a single callable
// tool taking one "message" string argument.
func Tool(spec bus.DesiredSkill) bus.CatalogTool {
	description := "Smart skill " + spec.Name + ": answers a chat message, using its configured tools as needed."
	return bus.CatalogTool{
		ID:          spec.ID,
		Name:        spec.Name,
		Description: description,
		InputSchema: `{"type":"object","properties":{"message":{"type":"string","description":"The message to send to the skill"}},"required":["message"]}`,
	}
}
