package bus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edgewire/mcpgate/internal/bus"
	"github.com/edgewire/mcpgate/internal/bus/busmock"
)

func TestRequestWithRetrySucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	mock := busmock.New()
	if _, err := mock.Respond("svc.echo", func(data []byte) []byte { return data }); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	reply, err := bus.RequestWithRetry(context.Background(), mock, "svc.echo", []byte("hi"), time.Second)
	if err != nil {
		t.Fatalf("RequestWithRetry: %v", err)
	}
	if string(reply) != "hi" {
		t.Errorf("reply = %q, want %q", reply, "hi")
	}
	if got := len(mock.PublishedOn("svc.echo")); got != 1 {
		t.Errorf("request publishes = %d, want 1", got)
	}
}

func TestRequestWithRetryRetriesExactlyOnceOnTimeout(t *testing.T) {
	t.Parallel()

	// No responder installed, so every attempt times out.
	mock := busmock.New()
	_, err := bus.RequestWithRetry(context.Background(), mock, "svc.slow", []byte("x"), 5*time.Millisecond)
	if !errors.Is(err, bus.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if got := len(mock.PublishedOn("svc.slow")); got != 2 {
		t.Errorf("attempts = %d, want exactly 2", got)
	}
}

func TestRequestWithRetrySecondAttemptCanSucceed(t *testing.T) {
	t.Parallel()

	mock := busmock.New()
	var calls int
	if _, err := mock.Respond("svc.flaky", func(data []byte) []byte {
		calls++
		if calls == 1 {
			// Delay past the attempt deadline so the first attempt times out.
			time.Sleep(30 * time.Millisecond)
		}
		return []byte("ok")
	}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	reply, err := bus.RequestWithRetry(context.Background(), mock, "svc.flaky", nil, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("RequestWithRetry: %v", err)
	}
	if string(reply) != "ok" {
		t.Errorf("reply = %q, want %q", reply, "ok")
	}
}

// failClient returns a fixed non-timeout error from Request.
type failClient struct {
	busmock.Client
	requests int
	err      error
}

func (f *failClient) Request(context.Context, string, []byte) ([]byte, error) {
	f.requests++
	return nil, f.err
}

func TestRequestWithRetryDoesNotRetryOtherErrors(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("connection refused")
	fc := &failClient{err: wantErr}
	_, err := bus.RequestWithRetry(context.Background(), fc, "svc.down", nil, time.Second)
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if fc.requests != 1 {
		t.Errorf("attempts = %d, want 1", fc.requests)
	}
}

func TestRequestWithRetryStopsOnCancelledParent(t *testing.T) {
	t.Parallel()

	mock := busmock.New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := bus.RequestWithRetry(ctx, mock, "svc.never", nil, time.Hour)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, bus.ErrTimeout) && !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want cancellation", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RequestWithRetry did not return after parent cancel")
	}
	if got := len(mock.PublishedOn("svc.never")); got != 1 {
		t.Errorf("attempts after parent cancel = %d, want 1", got)
	}
}

func TestSubjectShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		got  string
		want string
	}{
		{bus.DesiredProvidersSubject("0xW", "0xR"), "ws.0xW.rt.0xR.providers"},
		{bus.DesiredSkillsSubject("0xW", "0xR"), "ws.0xW.rt.0xR.skills"},
		{bus.DiscoveredToolsSubject("0xW", "0xP"), "ws.0xW.provider.0xP.tools"},
		{bus.ToolsetCatalogKey("0xW", "0xTS"), "ws.0xW.toolset.0xTS.tools"},
		{bus.SkillCatalogKey("0xW", "0xS"), "ws.0xW.skill.0xS.tools"},
		{bus.CallToolGlobalSubject("0xT"), "tool.0xT.call"},
		{bus.CallToolRuntimeSubject("0xW", "0xR", "0xT"), "ws.0xW.rt.0xR.tool.0xT.call"},
		{bus.CallSkillSubject("0xW", "0xR", "0xS"), "ws.0xW.rt.0xR.skill.0xS.call"},
		{bus.HeartbeatSubject("0xR"), "presence.0xR.beat"},
		{bus.KillSubject("0xR"), "presence.0xR.kill"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("subject = %q, want %q", tt.got, tt.want)
		}
	}
}
