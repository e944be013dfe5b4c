package bus

// Subject construction for every conversation the runtime participates in.
// The tuple order inside each subject is contractual; the dot separator and
// the token prefixes are implementation details shared with the control
// plane.

// HandshakeSubject is the well-known control-plane subject answering
// identity handshakes via request-reply.
const HandshakeSubject = "control.handshake"

// DesiredProvidersSubject addresses the desired-state topic publishing the
// full set of tool providers for one runtime.
func DesiredProvidersSubject(workspaceID, runtimeID string) string {
	return "ws." + workspaceID + ".rt." + runtimeID + ".providers"
}

// DesiredSkillsSubject addresses the desired-state topic publishing the full
// set of smart skills for one runtime.
func DesiredSkillsSubject(workspaceID, runtimeID string) string {
	return "ws." + workspaceID + ".rt." + runtimeID + ".skills"
}

// DiscoveredToolsSubject addresses the runtime-to-control-plane topic
// carrying a provider's live tool catalog.
func DiscoveredToolsSubject(workspaceID, providerID string) string {
	return "ws." + workspaceID + ".provider." + providerID + ".tools"
}

// ToolsetCatalogKey is the ephemeral key-value key publishing the curated
// tool catalog for one toolset.
func ToolsetCatalogKey(workspaceID, toolsetID string) string {
	return "ws." + workspaceID + ".toolset." + toolsetID + ".tools"
}

// SkillCatalogKey is the ephemeral key-value key publishing the catalog for
// one skill served as a model-context server.
func SkillCatalogKey(workspaceID, skillID string) string {
	return "ws." + workspaceID + ".skill." + skillID + ".tools"
}

// CallToolGlobalSubject addresses tool calls for cloud execution targets;
// any runtime may answer.
func CallToolGlobalSubject(toolID string) string {
	return "tool." + toolID + ".call"
}

// CallToolRuntimeSubject addresses tool calls bound to a single runtime
// (agent execution target).
func CallToolRuntimeSubject(workspaceID, runtimeID, toolID string) string {
	return "ws." + workspaceID + ".rt." + runtimeID + ".tool." + toolID + ".call"
}

// CallSkillSubject addresses smart-skill calls, always runtime-scoped.
func CallSkillSubject(workspaceID, runtimeID, skillID string) string {
	return "ws." + workspaceID + ".rt." + runtimeID + ".skill." + skillID + ".call"
}

// HeartbeatSubject carries the periodic presence beacon for one identity.
func HeartbeatSubject(id string) string {
	return "presence." + id + ".beat"
}

// KillSubject carries the final presence message published on shutdown.
func KillSubject(id string) string {
	return "presence." + id + ".kill"
}
