package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidateAppliesDefaults(t *testing.T) {
	cfg := &Config{}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Mode != ModeStandalone {
		t.Errorf("Mode = %q, want standalone with no credentials", cfg.Mode)
	}
	if cfg.LogLevel != LogInfo {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.BusBucket != DefaultBusBucket {
		t.Errorf("BusBucket = %q, want %q", cfg.BusBucket, DefaultBusBucket)
	}
	if cfg.WorkspaceID != DefaultWorkspaceID {
		t.Errorf("WorkspaceID = %q, want %q", cfg.WorkspaceID, DefaultWorkspaceID)
	}
	if cfg.RemotePort != DefaultRemotePort {
		t.Errorf("RemotePort = %d, want %d", cfg.RemotePort, DefaultRemotePort)
	}
	if cfg.CallToolTimeout != DefaultCallToolTimeout {
		t.Errorf("CallToolTimeout = %v, want %v", cfg.CallToolTimeout, DefaultCallToolTimeout)
	}
	if cfg.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Errorf("HeartbeatInterval = %v, want %v", cfg.HeartbeatInterval, DefaultHeartbeatInterval)
	}
}

func TestValidateJoinsAllFailures(t *testing.T) {
	cfg := &Config{Mode: "bogus", LogLevel: "loud", RemotePort: 70000}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate accepted an incoherent config")
	}
	for _, want := range []string{"mode", "log_level", "remote_port"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestDefaultModeInference(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
		want  Mode
	}{
		{"runtime key wins", Credentials{RuntimeKey: "rk", MasterKey: "mk"}, ModeEdge},
		{"master key", Credentials{MasterKey: "mk", ToolsetName: "alpha"}, ModeStdio},
		{"toolset key", Credentials{ToolsetKey: "tk"}, ModeStdio},
		{"skill key", Credentials{SkillKey: "sk"}, ModeStdio},
		{"no credentials", Credentials{}, ModeStandalone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Credentials: tt.creds}
			if got := cfg.DefaultMode(); got != tt.want {
				t.Errorf("DefaultMode = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApplyEnvOverlaysFile(t *testing.T) {
	t.Setenv(EnvMasterKey, "env-master")
	t.Setenv(EnvToolsetName, "env-toolset")
	t.Setenv(EnvRemotePort, "4100")
	t.Setenv(EnvPreventDNSRebinding, "1")
	t.Setenv(EnvAllowedOrigins, "https://a.example, https://b.example")
	t.Setenv(EnvCallToolTimeout, "1500")

	cfg := &Config{RemotePort: 3000, Credentials: Credentials{MasterKey: "file-master"}}
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Credentials.MasterKey != "env-master" {
		t.Errorf("MasterKey = %q, environment must win over the file", cfg.Credentials.MasterKey)
	}
	if cfg.Credentials.ToolsetName != "env-toolset" {
		t.Errorf("ToolsetName = %q", cfg.Credentials.ToolsetName)
	}
	if cfg.RemotePort != 4100 {
		t.Errorf("RemotePort = %d, want 4100", cfg.RemotePort)
	}
	if !cfg.PreventDNSRebinding {
		t.Error("PreventDNSRebinding not set from \"1\"")
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.CallToolTimeout != 1500*time.Millisecond {
		t.Errorf("CallToolTimeout = %v, want 1.5s from a bare millisecond count", cfg.CallToolTimeout)
	}
}

func TestApplyEnvLegacyToolsetSpelling(t *testing.T) {
	t.Setenv(EnvToolSet, "legacy")
	cfg := &Config{}
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Credentials.ToolsetName != "legacy" {
		t.Errorf("ToolsetName = %q, want the legacy TOOL_SET value", cfg.Credentials.ToolsetName)
	}

	t.Setenv(EnvToolsetName, "explicit")
	cfg = &Config{}
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Credentials.ToolsetName != "explicit" {
		t.Errorf("ToolsetName = %q, explicit form must win", cfg.Credentials.ToolsetName)
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	t.Setenv(EnvRemotePort, "not-a-port")
	t.Setenv(EnvCallToolTimeout, "-5")

	err := ApplyEnv(&Config{})
	if err == nil {
		t.Fatal("ApplyEnv accepted malformed values")
	}
	if !strings.Contains(err.Error(), EnvRemotePort) || !strings.Contains(err.Error(), EnvCallToolTimeout) {
		t.Errorf("error %q does not name both offending variables", err)
	}
}

func TestLoadFromReader(t *testing.T) {
	yaml := `
mode: edge
log_level: debug
bus_url: nats://bus:4222
remote_port: 8080
allowed_origins:
  - https://app.example
prevent_dns_rebinding: true
call_tool_timeout: 30s
credentials:
  runtime_name: edge-1
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Mode != ModeEdge || cfg.LogLevel != LogDebug {
		t.Errorf("mode/level = %q/%q", cfg.Mode, cfg.LogLevel)
	}
	if cfg.BusURL != "nats://bus:4222" || cfg.RemotePort != 8080 {
		t.Errorf("bus/port = %q/%d", cfg.BusURL, cfg.RemotePort)
	}
	if cfg.CallToolTimeout != 30*time.Second {
		t.Errorf("CallToolTimeout = %v, want 30s", cfg.CallToolTimeout)
	}
	if cfg.Credentials.RuntimeName != "edge-1" {
		t.Errorf("RuntimeName = %q", cfg.Credentials.RuntimeName)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	if _, err := LoadFromReader(strings.NewReader("listen_port: 8080\n")); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestLoadFromReaderEmptyInput(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Mode != ModeStandalone {
		t.Errorf("Mode = %q, want standalone", cfg.Mode)
	}
}
