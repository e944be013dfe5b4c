package watch

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGetBeforeAndAfterSet(t *testing.T) {
	t.Parallel()

	v := NewValue[int]()
	if _, ok := v.Get(); ok {
		t.Error("Get on empty value reports a value")
	}

	v.Set(42)
	got, ok := v.Get()
	if !ok || got != 42 {
		t.Errorf("Get = (%d, %v), want (42, true)", got, ok)
	}
}

func TestSubscribeReplaysCurrent(t *testing.T) {
	t.Parallel()

	v := NewValue[string]()
	v.Set("first")

	ch, cancel := v.Subscribe()
	defer cancel()

	select {
	case got := <-ch:
		if got != "first" {
			t.Errorf("replay = %q, want %q", got, "first")
		}
	case <-time.After(time.Second):
		t.Fatal("no replay of the current value")
	}

	v.Set("second")
	select {
	case got := <-ch:
		if got != "second" {
			t.Errorf("update = %q, want %q", got, "second")
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery of the update")
	}
}

func TestSlowSubscriberSeesNewestValue(t *testing.T) {
	t.Parallel()

	v := NewValue[int]()
	ch, cancel := v.Subscribe()
	defer cancel()

	// The subscriber never drains while three updates land; the one-slot
	// buffer must end up holding the newest one.
	v.Set(1)
	v.Set(2)
	v.Set(3)

	select {
	case got := <-ch:
		if got != 3 {
			t.Errorf("buffered value = %d, want 3", got)
		}
	case <-time.After(time.Second):
		t.Fatal("nothing buffered")
	}
}

func TestWaitBlocksUntilSet(t *testing.T) {
	t.Parallel()

	v := NewValue[string]()
	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := v.Wait(context.Background())
		if err != nil || got != "ready" {
			t.Errorf("Wait = (%q, %v), want (ready, nil)", got, err)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	v.Set("ready")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Set")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	t.Parallel()

	v := NewValue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := v.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait err = %v, want deadline exceeded", err)
	}
}

func TestCloseCompletesSubscribers(t *testing.T) {
	t.Parallel()

	v := NewValue[int]()
	ch, cancel := v.Subscribe()
	defer cancel()

	v.Close()
	if _, ok := <-ch; ok {
		t.Error("subscriber channel not closed")
	}

	// Late subscribers get an already-closed channel.
	late, lateCancel := v.Subscribe()
	defer lateCancel()
	if _, ok := <-late; ok {
		t.Error("late subscriber channel not closed")
	}

	if _, err := v.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Wait after Close err = %v, want ErrClosed", err)
	}

	// Set after Close must be a no-op, not a panic.
	v.Set(1)
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	v := NewValue[int]()
	_, cancel := v.Subscribe()
	cancel()
	cancel()
	v.Set(1)
}
