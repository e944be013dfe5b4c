package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/edgewire/mcpgate/internal/bus"
)

// ErrConfigInvalid marks desired-state payloads that fail schema
// validation. Providers with invalid configs are never spawned.
var ErrConfigInvalid = errors.New("provider: config invalid")

// ConfigError is a structured validation failure listing the offending
// field paths.
type ConfigError struct {
	ProviderID string
	Fields     []string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("provider %s: config invalid at %s", e.ProviderID, strings.Join(e.Fields, ", "))
}

// Unwrap makes ConfigError match [ErrConfigInvalid].
func (e *ConfigError) Unwrap() error { return ErrConfigInvalid }

// parsedConfig is the union of the transport-specific config blobs.
type parsedConfig struct {
	stdio bus.StdioProviderConfig
	http  bus.HTTPProviderConfig
}

// parseConfig validates and decodes the config blob of spec. It refuses
// blobs with missing required fields and blobs carrying unsubstituted
// "${...}" template variables, reporting every offending field path.
func parseConfig(spec bus.DesiredProvider) (parsedConfig, error) {
	var pc parsedConfig
	var bad []string

	if len(spec.Config) == 0 {
		return pc, &ConfigError{ProviderID: spec.ID, Fields: []string{"config"}}
	}

	switch spec.Transport {
	case bus.TransportStdio:
		dec := json.NewDecoder(strings.NewReader(string(spec.Config)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&pc.stdio); err != nil {
			return pc, &ConfigError{ProviderID: spec.ID, Fields: []string{"config: " + err.Error()}}
		}
		if pc.stdio.Command == "" {
			bad = append(bad, "config.command")
		}
	case bus.TransportSSE, bus.TransportStream:
		dec := json.NewDecoder(strings.NewReader(string(spec.Config)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&pc.http); err != nil {
			return pc, &ConfigError{ProviderID: spec.ID, Fields: []string{"config: " + err.Error()}}
		}
		if pc.http.URL == "" {
			bad = append(bad, "config.url")
		}
	default:
		return pc, &ConfigError{ProviderID: spec.ID, Fields: []string{"transport"}}
	}

	bad = append(bad, unsubstitutedVars(spec.Config)...)
	if len(bad) > 0 {
		sort.Strings(bad)
		return pc, &ConfigError{ProviderID: spec.ID, Fields: bad}
	}
	return pc, nil
}

// unsubstitutedVars walks the config blob and returns the paths of every
// string value still carrying a "${...}" template variable. The control
// plane substitutes these before publishing; any survivor indicates a
// broken manifest.
func unsubstitutedVars(raw json.RawMessage) []string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	var bad []string
	walkStrings("config", v, func(path, s string) {
		if strings.Contains(s, "${") {
			bad = append(bad, path)
		}
	})
	return bad
}

func walkStrings(path string, v any, visit func(path, s string)) {
	switch val := v.(type) {
	case string:
		visit(path, val)
	case map[string]any:
		for k, child := range val {
			walkStrings(path+"."+k, child, visit)
		}
	case []any:
		for i, child := range val {
			walkStrings(fmt.Sprintf("%s[%d]", path, i), child, visit)
		}
	}
}
