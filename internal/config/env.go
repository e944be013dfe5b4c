package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names recognised by [ApplyEnv]. These are the
// deployment contract of the control plane and must not be renamed.
const (
	EnvMasterKey            = "MASTER_KEY"
	EnvToolsetName          = "TOOLSET_NAME"
	EnvToolsetKey           = "TOOLSET_KEY"
	EnvSkillKey             = "SKILL_KEY"
	EnvRuntimeKey           = "RUNTIME_KEY"
	EnvRuntimeName          = "RUNTIME_NAME"
	EnvToolSet              = "TOOL_SET"
	EnvWorkspaceID          = "WORKSPACE_ID"
	EnvRemotePort           = "REMOTE_PORT"
	EnvAllowedOrigins       = "MCP_ALLOWED_ORIGINS"
	EnvPreventDNSRebinding  = "PREVENT_DNS_REBINDING_ATTACK"
	EnvValidateAcceptHeader = "VALIDATE_ACCEPT_HEADER"
	EnvCallToolTimeout      = "MCP_CALL_TOOL_TIMEOUT"
	EnvBusURL               = "BUS_URL"
	EnvMode                 = "MCPGATE_MODE"
	EnvLogLevel             = "LOG_LEVEL"
)

// FromEnv builds a validated Config from the process environment alone.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the process environment onto cfg. Set variables always
// win over values already present (e.g. from a YAML file).
func ApplyEnv(cfg *Config) error {
	var errs []string

	setString := func(env string, dst *string) {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}

	setString(EnvMasterKey, &cfg.Credentials.MasterKey)
	setString(EnvToolsetName, &cfg.Credentials.ToolsetName)
	setString(EnvToolsetKey, &cfg.Credentials.ToolsetKey)
	setString(EnvSkillKey, &cfg.Credentials.SkillKey)
	setString(EnvRuntimeKey, &cfg.Credentials.RuntimeKey)
	setString(EnvRuntimeName, &cfg.Credentials.RuntimeName)
	setString(EnvWorkspaceID, &cfg.WorkspaceID)
	setString(EnvBusURL, &cfg.BusURL)

	// TOOL_SET is the legacy spelling of TOOLSET_NAME; the explicit form
	// wins when both are present.
	if v, ok := os.LookupEnv(EnvToolSet); ok && cfg.Credentials.ToolsetName == "" {
		cfg.Credentials.ToolsetName = v
	}

	if v, ok := os.LookupEnv(EnvMode); ok {
		cfg.Mode = Mode(v)
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		cfg.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v, ok := os.LookupEnv(EnvRemotePort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s=%q is not a number", EnvRemotePort, v))
		} else {
			cfg.RemotePort = port
		}
	}
	if v, ok := os.LookupEnv(EnvAllowedOrigins); ok {
		cfg.AllowedOrigins = splitOrigins(v)
	}
	if v, ok := os.LookupEnv(EnvPreventDNSRebinding); ok {
		cfg.PreventDNSRebinding = parseBool(v)
	}
	if v, ok := os.LookupEnv(EnvValidateAcceptHeader); ok {
		cfg.ValidateAcceptHeader = parseBool(v)
	}
	if v, ok := os.LookupEnv(EnvCallToolTimeout); ok {
		d, err := parseTimeout(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s=%q: %v", EnvCallToolTimeout, v, err))
		} else {
			cfg.CallToolTimeout = d
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// splitOrigins parses the comma-separated origin allowlist, dropping empty
// entries.
func splitOrigins(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseBool accepts the control plane's "true"/"1" convention; anything
// else is false.
func parseBool(v string) bool {
	v = strings.TrimSpace(strings.ToLower(v))
	return v == "true" || v == "1"
}

// parseTimeout accepts either a Go duration string or a bare millisecond
// count.
func parseTimeout(v string) (time.Duration, error) {
	if ms, err := strconv.Atoi(v); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("must be positive")
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("not a duration or millisecond count")
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}
