// Package heartbeat publishes the periodic presence beacon tied to the
// process identity, and the final kill message on clean shutdown.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgewire/mcpgate/internal/bus"
	"github.com/edgewire/mcpgate/internal/observe"
)

// Beacon periodically announces presence for one identity id. Create
// instances with [New]; the zero value is not usable.
type Beacon struct {
	bus      bus.Client
	id       string
	interval time.Duration
	metrics  *observe.Metrics

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

// Option configures a Beacon.
type Option func(*Beacon)

// WithMetrics injects a metrics instance instead of the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Beacon) { b.metrics = m }
}

// New creates a beacon for id publishing every interval.
func New(c bus.Client, id string, interval time.Duration, opts ...Option) *Beacon {
	b := &Beacon{
		bus:      c,
		id:       id,
		interval: interval,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// Start begins publishing beats in a background goroutine. The first beat is
// sent immediately.
func (b *Beacon) Start(ctx context.Context) {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	go func() {
		defer close(b.stopped)
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()

		b.beat(ctx)
		for {
			select {
			case <-ticker.C:
				b.beat(ctx)
			case <-b.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (b *Beacon) beat(ctx context.Context) {
	data, err := json.Marshal(bus.Heartbeat{ID: b.id, Time: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := b.bus.Publish(ctx, bus.HeartbeatSubject(b.id), data); err != nil {
		slog.Warn("heartbeat: beat publish failed", "id", b.id, "err", err)
		return
	}
	b.metrics.Heartbeats.Add(ctx, 1)
}

// Stop cancels the beat loop and publishes the kill presence message.
// Calling Stop twice, or without a prior Start, is a no-op beyond the kill
// publish.
func (b *Beacon) Stop(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		started := b.started
		b.mu.Unlock()
		if started {
			<-b.stopped
		}

		data, merr := json.Marshal(bus.Kill{ID: b.id})
		if merr != nil {
			err = fmt.Errorf("heartbeat: marshal kill: %w", merr)
			return
		}
		if perr := b.bus.Publish(ctx, bus.KillSubject(b.id), data); perr != nil {
			err = fmt.Errorf("heartbeat: publish kill: %w", perr)
		}
	})
	return err
}
