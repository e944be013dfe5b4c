package heartbeat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/edgewire/mcpgate/internal/bus"
	"github.com/edgewire/mcpgate/internal/bus/busmock"
	"github.com/edgewire/mcpgate/internal/observe"
)

func TestBeaconPublishesImmediatelyAndOnStop(t *testing.T) {
	t.Parallel()

	mock := busmock.New()
	b := New(mock, "0xR", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	// The first beat is synchronous with the loop start; poll briefly.
	deadline := time.After(time.Second)
	for len(mock.PublishedOn(bus.HeartbeatSubject("0xR"))) == 0 {
		select {
		case <-deadline:
			t.Fatal("no beat published after Start")
		case <-time.After(5 * time.Millisecond):
		}
	}

	beat := mock.PublishedOn(bus.HeartbeatSubject("0xR"))[0]
	var hb bus.Heartbeat
	if err := json.Unmarshal(beat.Data, &hb); err != nil {
		t.Fatalf("malformed beat: %v", err)
	}
	if hb.ID != "0xR" || hb.Time.IsZero() {
		t.Errorf("beat = %+v", hb)
	}

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	kills := mock.PublishedOn(bus.KillSubject("0xR"))
	if len(kills) != 1 {
		t.Fatalf("kill publishes = %d, want 1", len(kills))
	}
	var kill bus.Kill
	if err := json.Unmarshal(kills[0].Data, &kill); err != nil {
		t.Fatalf("malformed kill: %v", err)
	}
	if kill.ID != "0xR" {
		t.Errorf("kill.ID = %q", kill.ID)
	}
}

func TestStopWithoutStartDoesNotHang(t *testing.T) {
	t.Parallel()

	mock := busmock.New()
	b := New(mock, "0xR", time.Hour)

	done := make(chan error, 1)
	go func() { done <- b.Stop(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stop hung without a prior Start")
	}
	if len(mock.PublishedOn(bus.KillSubject("0xR"))) != 1 {
		t.Error("Stop without Start skipped the kill publish")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	mock := busmock.New()
	b := New(mock, "0xR", time.Hour)
	b.Start(context.Background())

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := len(mock.PublishedOn(bus.KillSubject("0xR"))); got != 1 {
		t.Errorf("kill publishes = %d, want exactly 1", got)
	}
}

func TestBeatIncrementsHeartbeatCounter(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	mock := busmock.New()
	b := New(mock, "0xR", time.Hour, WithMetrics(m))

	b.beat(context.Background())
	b.beat(context.Background())

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "mcpgate.heartbeats" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				t.Fatal("heartbeat counter has no data points")
			}
			if got := sum.DataPoints[0].Value; got != 2 {
				t.Errorf("heartbeat counter = %d, want 2", got)
			}
			return
		}
	}
	t.Fatal("heartbeat counter not recorded")
}
