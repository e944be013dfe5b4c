// Package natsbus adapts a NATS connection to the [bus.Client] interface.
//
// Publish/subscribe and request-reply map directly onto core NATS. The
// ephemeral key-value watch maps onto a JetStream key-value bucket whose
// watchers replay the current value of a key on attach, which is exactly the
// contract the session layer depends on.
package natsbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/edgewire/mcpgate/internal/bus"
)

// Config holds the connection settings for the bus.
type Config struct {
	// URL is the NATS server address, e.g. "nats://localhost:4222".
	URL string

	// Bucket is the JetStream key-value bucket holding the published tool
	// catalogs. Default: "mcpgate".
	Bucket string

	// Name identifies this connection on the server, shown in monitoring.
	Name string

	// Token is the bus JWT obtained from the handshake; optional for
	// unauthenticated deployments.
	Token string
}

// Client is a NATS-backed [bus.Client].
type Client struct {
	nc *nats.Conn
	kv jetstream.KeyValue
}

var _ bus.Client = (*Client)(nil)

// Connect dials the NATS server and binds the key-value bucket, creating it
// when it does not exist yet.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "mcpgate"
	}

	opts := []nats.Option{nats.Name(cfg.Name)}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect %q: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsbus: jetstream: %w", err)
	}

	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: cfg.Bucket})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsbus: bind bucket %q: %w", cfg.Bucket, err)
	}

	return &Client{nc: nc, kv: kv}, nil
}

// Publish sends data on subject.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("natsbus: publish %q: %w", subject, err)
	}
	return nil
}

type subscription struct {
	sub *nats.Subscription
}

// Unsubscribe removes the subscription. Unsubscribing twice is a no-op.
func (s *subscription) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}

// Subscribe installs h for subject.
func (c *Client) Subscribe(subject string, h bus.Handler) (bus.Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		h(bus.Msg{Subject: m.Subject, Reply: m.Reply, Data: m.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("natsbus: subscribe %q: %w", subject, err)
	}
	return &subscription{sub: sub}, nil
}

// Request publishes data and waits for a single reply until ctx expires.
func (c *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, bus.ErrTimeout
		}
		return nil, fmt.Errorf("natsbus: request %q: %w", subject, err)
	}
	return msg.Data, nil
}

type kvWatch struct {
	watcher jetstream.KeyWatcher
	ch      chan []byte
	cancel  context.CancelFunc
}

// Values returns the watch delivery channel.
func (w *kvWatch) Values() <-chan []byte { return w.ch }

// Stop tears down the watcher and closes the channel.
func (w *kvWatch) Stop() error {
	w.cancel()
	return w.watcher.Stop()
}

// WatchValues opens a key-value watch on key. JetStream delivers any current
// value first, followed by a nil marker and then live updates; the marker
// and delete operations are filtered out.
func (c *Client) WatchValues(ctx context.Context, key string) (bus.Watch, error) {
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	watcher, err := c.kv.Watch(watchCtx, key)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("natsbus: watch %q: %w", key, err)
	}

	w := &kvWatch{watcher: watcher, ch: make(chan []byte, 16), cancel: cancel}
	go func() {
		defer close(w.ch)
		for {
			select {
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil || entry.Operation() != jetstream.KeyValuePut {
					continue
				}
				select {
				case w.ch <- entry.Value():
				case <-watchCtx.Done():
					return
				}
			case <-watchCtx.Done():
				return
			}
		}
	}()

	return w, nil
}

// Close drains the connection, delivering in-flight messages before
// shutting down.
func (c *Client) Close() error {
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return fmt.Errorf("natsbus: drain: %w", err)
	}
	return nil
}
