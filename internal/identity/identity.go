// Package identity holds the process credentials and the runtime identity
// assigned by the control plane, and performs the bus handshake that mints
// identities.
//
// The auth state machine is unauthenticated → authenticating → authenticated.
// ClearIdentity returns to unauthenticated but preserves credentials so a
// re-handshake is possible; the workspace id then falls back to the
// environment-configured value, or the literal "DEFAULT".
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/edgewire/mcpgate/internal/bus"
	"github.com/edgewire/mcpgate/internal/config"
)

// HandshakeTimeout bounds every handshake request. There is no retry.
const HandshakeTimeout = 5 * time.Second

// ErrAuthFailed marks credential validation or handshake failures.
var ErrAuthFailed = errors.New("identity: authentication failed")

// Nature states what kind of identity a key authenticates.
type Nature string

const (
	NatureRuntime Nature = "runtime"
	NatureToolset Nature = "toolset"
	NatureSkill   Nature = "skill"
)

// State is the position in the auth state machine.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Credentials is the mutable in-memory credential set: the configured keys
// plus the tokens obtained from a successful handshake.
type Credentials struct {
	MasterKey   string
	ToolsetName string
	ToolsetKey  string
	SkillKey    string
	RuntimeKey  string
	RuntimeName string

	// Post-handshake material.
	AccessToken string
	BusJWT      string
	ToolsetID   string
	SkillID     string
}

// ValidateKeys enforces the credential rules: at least one key, master and
// toolset keys are mutually exclusive, a master key requires a toolset name,
// and a toolset key must not carry one. Violations wrap [ErrAuthFailed].
func ValidateKeys(masterKey, toolsetKey, toolsetName string) error {
	switch {
	case masterKey == "" && toolsetKey == "":
		return fmt.Errorf("%w: no credentials configured", ErrAuthFailed)
	case masterKey != "" && toolsetKey != "":
		return fmt.Errorf("%w: master key and toolset key are mutually exclusive", ErrAuthFailed)
	case masterKey != "" && toolsetName == "":
		return fmt.Errorf("%w: master key requires a toolset name", ErrAuthFailed)
	case toolsetKey != "" && toolsetName != "":
		return fmt.Errorf("%w: toolset key must not carry a toolset name", ErrAuthFailed)
	}
	return nil
}

// FromConfig converts the raw config credentials.
func FromConfig(c config.Credentials) Credentials {
	return Credentials{
		MasterKey:   c.MasterKey,
		ToolsetName: c.ToolsetName,
		ToolsetKey:  c.ToolsetKey,
		SkillKey:    c.SkillKey,
		RuntimeKey:  c.RuntimeKey,
		RuntimeName: c.RuntimeName,
	}
}

// Identity is the process-wide record assigned at handshake.
type Identity struct {
	ID          string
	WorkspaceID string
	Name        string
	Nature      Nature
	Version     string
	PID         int
	HostIP      string
	Hostname    string
	Platform    string
}

// Manager owns the credential set and identity record. All methods are safe
// for concurrent use; the identity is read-only after handshake except via
// explicit SetCredentials or ClearIdentity.
type Manager struct {
	bus               bus.Client
	fallbackWorkspace string
	version           string

	mu    sync.RWMutex
	state State
	creds Credentials
	ident *Identity
}

// NewManager creates a Manager in the unauthenticated state.
func NewManager(c bus.Client, creds Credentials, fallbackWorkspace, version string) *Manager {
	if fallbackWorkspace == "" {
		fallbackWorkspace = config.DefaultWorkspaceID
	}
	return &Manager{
		bus:               c,
		fallbackWorkspace: fallbackWorkspace,
		version:           version,
		creds:             creds,
	}
}

// Handshake performs the identity handshake with the control plane for key
// and nature. On success the runtime identity is filled and the state moves
// to authenticated. Timeouts and control-plane refusals wrap [ErrAuthFailed].
func (m *Manager) Handshake(ctx context.Context, key string, nature Nature, name string) (Identity, error) {
	m.mu.Lock()
	m.state = StateAuthenticating
	m.mu.Unlock()

	resp, err := Handshake(ctx, m.bus, key, nature, name)
	if err != nil {
		m.mu.Lock()
		m.state = StateUnauthenticated
		m.mu.Unlock()
		return Identity{}, err
	}

	hostname, _ := os.Hostname()
	ident := &Identity{
		ID:          resp.ID,
		WorkspaceID: resp.WorkspaceID,
		Name:        resp.Name,
		Nature:      nature,
		Version:     m.version,
		PID:         os.Getpid(),
		HostIP:      hostIP(),
		Hostname:    hostname,
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
	}
	if ident.Name == "" {
		ident.Name = name
	}
	if ident.WorkspaceID == "" {
		ident.WorkspaceID = m.fallbackWorkspace
	}

	m.mu.Lock()
	m.ident = ident
	m.state = StateAuthenticated
	m.creds.AccessToken = resp.AccessToken
	m.creds.BusJWT = resp.BusJWT
	switch nature {
	case NatureToolset:
		m.creds.ToolsetID = resp.ID
	case NatureSkill:
		m.creds.SkillID = resp.ID
	}
	m.mu.Unlock()

	return *ident, nil
}

// Identity returns a copy of the current identity record and whether one is
// set.
func (m *Manager) Identity() (Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ident == nil {
		return Identity{}, false
	}
	return *m.ident, true
}

// Credentials returns a copy of the current credential set.
func (m *Manager) Credentials() Credentials {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds
}

// SetCredentials merges every non-empty field of patch into the credential
// set. The identity record is preserved across credential refresh.
func (m *Manager) SetCredentials(patch Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	merge := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	merge(&m.creds.MasterKey, patch.MasterKey)
	merge(&m.creds.ToolsetName, patch.ToolsetName)
	merge(&m.creds.ToolsetKey, patch.ToolsetKey)
	merge(&m.creds.SkillKey, patch.SkillKey)
	merge(&m.creds.RuntimeKey, patch.RuntimeKey)
	merge(&m.creds.RuntimeName, patch.RuntimeName)
	merge(&m.creds.AccessToken, patch.AccessToken)
	merge(&m.creds.BusJWT, patch.BusJWT)
	merge(&m.creds.ToolsetID, patch.ToolsetID)
	merge(&m.creds.SkillID, patch.SkillID)
}

// ClearIdentity drops the identity record and returns to the
// unauthenticated state. Credentials are preserved so a re-handshake is
// possible.
func (m *Manager) ClearIdentity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ident = nil
	m.state = StateUnauthenticated
}

// HasValidAuth reports whether a handshake has completed.
func (m *Manager) HasValidAuth() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateAuthenticated && m.ident != nil
}

// State returns the current auth state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// WorkspaceID returns the handshake-assigned workspace, falling back to the
// environment-configured value.
func (m *Manager) WorkspaceID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ident != nil && m.ident.WorkspaceID != "" {
		return m.ident.WorkspaceID
	}
	return m.fallbackWorkspace
}

// RuntimeID returns the handshake-assigned runtime id, or empty when the
// process is not authenticated as a runtime.
func (m *Manager) RuntimeID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ident != nil && m.ident.Nature == NatureRuntime {
		return m.ident.ID
	}
	return ""
}

// ExecutedBy returns the executor tag for call responses: the runtime id
// when the local nature is runtime, the literal "AGENT" otherwise.
func (m *Manager) ExecutedBy() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ident != nil && m.ident.Nature == NatureRuntime {
		return m.ident.ID
	}
	return "AGENT"
}

// Handshake sends a single identity handshake on the well-known subject and
// decodes the response. It is used both for the process identity and for
// per-session toolset handshakes, which must not touch the process state.
func Handshake(ctx context.Context, c bus.Client, key string, nature Nature, name string) (bus.HandshakeResponse, error) {
	hostname, _ := os.Hostname()
	req := bus.HandshakeRequest{
		Key:      key,
		Nature:   string(nature),
		Name:     name,
		PID:      os.Getpid(),
		HostIP:   hostIP(),
		Hostname: hostname,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return bus.HandshakeResponse{}, fmt.Errorf("identity: marshal handshake: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	reply, err := c.Request(reqCtx, bus.HandshakeSubject, data)
	if err != nil {
		return bus.HandshakeResponse{}, fmt.Errorf("%w: handshake: %v", ErrAuthFailed, err)
	}

	var resp bus.HandshakeResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return bus.HandshakeResponse{}, fmt.Errorf("%w: malformed handshake response: %v", ErrAuthFailed, err)
	}
	if resp.Error != "" {
		return bus.HandshakeResponse{}, fmt.Errorf("%w: %s", ErrAuthFailed, resp.Error)
	}
	if resp.ID == "" {
		return bus.HandshakeResponse{}, fmt.Errorf("%w: handshake response names no identity", ErrAuthFailed)
	}
	return resp, nil
}

// hostIP returns the first global unicast IPv4 address of the host, or
// empty when none is found.
func hostIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}
