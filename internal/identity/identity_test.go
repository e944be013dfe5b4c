package identity

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/edgewire/mcpgate/internal/bus"
	"github.com/edgewire/mcpgate/internal/bus/busmock"
)

func TestValidateKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		master      string
		toolsetKey  string
		toolsetName string
		wantErr     string
	}{
		{"master with name", "mk", "", "alpha", ""},
		{"toolset key alone", "", "tk", "", ""},
		{"no keys", "", "", "", "no credentials"},
		{"both keys", "mk", "tk", "alpha", "mutually exclusive"},
		{"master without name", "mk", "", "", "requires a toolset name"},
		{"toolset key with name", "", "tk", "alpha", "must not carry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateKeys(tt.master, tt.toolsetKey, tt.toolsetName)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateKeys: %v", err)
				}
				return
			}
			if err == nil || !errors.Is(err, ErrAuthFailed) || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want ErrAuthFailed containing %q", err, tt.wantErr)
			}
		})
	}
}

func respondHandshake(t *testing.T, mock *busmock.Client, resp bus.HandshakeResponse, check func(bus.HandshakeRequest)) {
	t.Helper()
	_, err := mock.Respond(bus.HandshakeSubject, func(data []byte) []byte {
		var req bus.HandshakeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			t.Errorf("malformed handshake request: %v", err)
		}
		if check != nil {
			check(req)
		}
		out, _ := json.Marshal(resp)
		return out
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
}

func TestManagerHandshakeAssignsIdentity(t *testing.T) {
	t.Parallel()

	mock := busmock.New()
	respondHandshake(t, mock, bus.HandshakeResponse{
		ID:          "0xR",
		WorkspaceID: "0xW",
		Name:        "edge-1",
		AccessToken: "tok",
		BusJWT:      "jwt",
	}, func(req bus.HandshakeRequest) {
		if req.Key != "rk" || req.Nature != "runtime" {
			t.Errorf("handshake request = %+v", req)
		}
	})

	m := NewManager(mock, Credentials{RuntimeKey: "rk"}, "ENV-WS", "1.0.0")
	if m.State() != StateUnauthenticated {
		t.Fatalf("initial state = %v", m.State())
	}

	ident, err := m.Handshake(context.Background(), "rk", NatureRuntime, "edge-1")
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if ident.ID != "0xR" || ident.WorkspaceID != "0xW" || ident.Nature != NatureRuntime {
		t.Errorf("identity = %+v", ident)
	}

	if !m.HasValidAuth() || m.State() != StateAuthenticated {
		t.Error("manager not authenticated after handshake")
	}
	if m.WorkspaceID() != "0xW" {
		t.Errorf("WorkspaceID = %q, want handshake-assigned 0xW", m.WorkspaceID())
	}
	if m.RuntimeID() != "0xR" || m.ExecutedBy() != "0xR" {
		t.Errorf("RuntimeID/ExecutedBy = %q/%q", m.RuntimeID(), m.ExecutedBy())
	}
	if creds := m.Credentials(); creds.AccessToken != "tok" || creds.BusJWT != "jwt" {
		t.Errorf("post-handshake credentials = %+v", creds)
	}
}

func TestManagerHandshakeRefusal(t *testing.T) {
	t.Parallel()

	mock := busmock.New()
	respondHandshake(t, mock, bus.HandshakeResponse{Error: "unknown key"}, nil)

	m := NewManager(mock, Credentials{}, "", "1.0.0")
	_, err := m.Handshake(context.Background(), "bad", NatureRuntime, "")
	if !errors.Is(err, ErrAuthFailed) || !strings.Contains(err.Error(), "unknown key") {
		t.Fatalf("err = %v, want ErrAuthFailed with control-plane message", err)
	}
	if m.HasValidAuth() || m.State() != StateUnauthenticated {
		t.Error("refused handshake left the manager authenticated")
	}
}

func TestManagerHandshakeTimeout(t *testing.T) {
	t.Parallel()

	// No responder on the handshake subject.
	m := NewManager(busmock.New(), Credentials{}, "", "1.0.0")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Handshake(ctx, "rk", NatureRuntime, "")
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestHandshakeResponseNamesNoIdentity(t *testing.T) {
	t.Parallel()

	mock := busmock.New()
	respondHandshake(t, mock, bus.HandshakeResponse{}, nil)

	_, err := Handshake(context.Background(), mock, "k", NatureToolset, "alpha")
	if !errors.Is(err, ErrAuthFailed) || !strings.Contains(err.Error(), "no identity") {
		t.Fatalf("err = %v", err)
	}
}

func TestSessionHandshakeDoesNotTouchProcessState(t *testing.T) {
	t.Parallel()

	mock := busmock.New()
	respondHandshake(t, mock, bus.HandshakeResponse{ID: "0xTS", WorkspaceID: "0xW"}, nil)

	m := NewManager(mock, Credentials{}, "", "1.0.0")
	resp, err := Handshake(context.Background(), mock, "tk", NatureToolset, "")
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if resp.ID != "0xTS" {
		t.Errorf("resp.ID = %q", resp.ID)
	}
	if m.HasValidAuth() {
		t.Error("package-level handshake mutated the manager")
	}
}

func TestWorkspaceFallbacks(t *testing.T) {
	t.Parallel()

	m := NewManager(busmock.New(), Credentials{}, "ENV-WS", "1.0.0")
	if m.WorkspaceID() != "ENV-WS" {
		t.Errorf("WorkspaceID = %q, want the environment fallback", m.WorkspaceID())
	}
	if m.ExecutedBy() != "AGENT" {
		t.Errorf("ExecutedBy = %q, want AGENT before handshake", m.ExecutedBy())
	}

	empty := NewManager(busmock.New(), Credentials{}, "", "1.0.0")
	if empty.WorkspaceID() != "DEFAULT" {
		t.Errorf("WorkspaceID = %q, want the DEFAULT literal", empty.WorkspaceID())
	}
}

func TestClearIdentityPreservesCredentials(t *testing.T) {
	t.Parallel()

	mock := busmock.New()
	respondHandshake(t, mock, bus.HandshakeResponse{ID: "0xR", WorkspaceID: "0xW"}, nil)

	m := NewManager(mock, Credentials{RuntimeKey: "rk"}, "ENV-WS", "1.0.0")
	if _, err := m.Handshake(context.Background(), "rk", NatureRuntime, ""); err != nil {
		t.Fatalf("Handshake: %v", err)
	}

	m.ClearIdentity()
	if m.HasValidAuth() {
		t.Error("still authenticated after ClearIdentity")
	}
	if m.WorkspaceID() != "ENV-WS" {
		t.Errorf("WorkspaceID = %q, want fallback after ClearIdentity", m.WorkspaceID())
	}
	if m.Credentials().RuntimeKey != "rk" {
		t.Error("ClearIdentity dropped the configured key")
	}
}

func TestSetCredentialsMergesNonEmpty(t *testing.T) {
	t.Parallel()

	m := NewManager(busmock.New(), Credentials{MasterKey: "mk", ToolsetName: "alpha"}, "", "1.0.0")
	m.SetCredentials(Credentials{ToolsetName: "beta", AccessToken: "tok"})

	creds := m.Credentials()
	if creds.MasterKey != "mk" {
		t.Error("empty patch field overwrote the master key")
	}
	if creds.ToolsetName != "beta" || creds.AccessToken != "tok" {
		t.Errorf("merged credentials = %+v", creds)
	}
}
