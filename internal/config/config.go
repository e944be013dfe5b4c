// Package config provides the configuration schema and loaders for the
// mcpgate edge runtime.
//
// Runtime behaviour is driven by environment variables (the deployment
// contract of the control plane); an optional YAML file can pre-set the
// static server settings, with the environment taking precedence.
package config

import (
	"errors"
	"fmt"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Mode selects which surfaces the process runs.
type Mode string

const (
	// ModeStdio serves a single consumer over stdin/stdout; no HTTP host.
	ModeStdio Mode = "stdio"

	// ModeEdge runs the HTTP transports plus the full reconciler and
	// dispatcher against the bus.
	ModeEdge Mode = "edge"

	// ModeStandalone runs the HTTP transports without authentication
	// enforcement; intended for local development.
	ModeStandalone Mode = "standalone"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeStdio || m == ModeEdge || m == ModeStandalone
}

// Credentials is the raw credential material read from the environment.
// Validation of the mutual-exclusion rules lives in the identity package.
type Credentials struct {
	MasterKey   string `yaml:"-"`
	ToolsetName string `yaml:"-"`
	ToolsetKey  string `yaml:"-"`
	SkillKey    string `yaml:"-"`
	RuntimeKey  string `yaml:"-"`
	RuntimeName string `yaml:"runtime_name"`
}

// Config is the full runtime configuration.
type Config struct {
	// Mode selects the process surfaces. Defaulted from the configured
	// credentials when unset; see DefaultMode.
	Mode Mode `yaml:"mode"`

	// LogLevel controls slog verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// BusURL is the NATS server address.
	BusURL string `yaml:"bus_url"`

	// BusBucket is the key-value bucket for published catalogs.
	BusBucket string `yaml:"bus_bucket"`

	// WorkspaceID is the environment-configured workspace, used as the
	// fallback when no handshake has assigned one. Default: "DEFAULT".
	WorkspaceID string `yaml:"workspace_id"`

	// RemotePort is the HTTP listen port for the SSE and streamable
	// transports. Default: 3000.
	RemotePort int `yaml:"remote_port"`

	// AllowedOrigins is the Origin allowlist for the DNS-rebinding defense.
	// Empty means loopback-only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// PreventDNSRebinding enables Origin validation on the HTTP transports.
	PreventDNSRebinding bool `yaml:"prevent_dns_rebinding"`

	// ValidateAcceptHeader enables strict Accept-header validation on the
	// SSE message endpoint.
	ValidateAcceptHeader bool `yaml:"validate_accept_header"`

	// CallToolTimeout is the per-attempt deadline of outbound tool calls.
	// Each call retries exactly once on timeout. Default: 60s.
	CallToolTimeout time.Duration `yaml:"call_tool_timeout"`

	// HeartbeatInterval is the presence beacon period. Default: 10s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	Credentials Credentials `yaml:"credentials"`
}

// Default values applied by Validate.
const (
	DefaultBusBucket         = "mcpgate"
	DefaultWorkspaceID       = "DEFAULT"
	DefaultRemotePort        = 3000
	DefaultCallToolTimeout   = 60 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

// DefaultMode infers the process mode from the configured credentials:
// a runtime key implies edge, a master or toolset key implies stdio, and no
// credentials at all implies standalone.
func (c *Config) DefaultMode() Mode {
	switch {
	case c.Credentials.RuntimeKey != "":
		return ModeEdge
	case c.Credentials.MasterKey != "" || c.Credentials.ToolsetKey != "" || c.Credentials.SkillKey != "":
		return ModeStdio
	default:
		return ModeStandalone
	}
}

// Validate fills defaults and checks that cfg is coherent. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Mode == "" {
		cfg.Mode = cfg.DefaultMode()
	}
	if !cfg.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("mode %q is invalid; valid values: stdio, edge, standalone", cfg.Mode))
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.BusBucket == "" {
		cfg.BusBucket = DefaultBusBucket
	}
	if cfg.WorkspaceID == "" {
		cfg.WorkspaceID = DefaultWorkspaceID
	}
	if cfg.RemotePort == 0 {
		cfg.RemotePort = DefaultRemotePort
	}
	if cfg.RemotePort < 0 || cfg.RemotePort > 65535 {
		errs = append(errs, fmt.Errorf("remote_port %d is out of range [0, 65535]", cfg.RemotePort))
	}
	if cfg.CallToolTimeout <= 0 {
		cfg.CallToolTimeout = DefaultCallToolTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	return errors.Join(errs...)
}
