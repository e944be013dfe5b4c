// Package bus defines the messaging-bus contract the runtime is built
// against, the subject naming scheme, and the wire message types exchanged
// with the control plane.
//
// The runtime only ever talks to the bus through the [Client] interface.
// Production deployments use the NATS adapter in the natsbus subpackage;
// tests use the in-memory implementation in busmock, which honours the same
// semantics including last-value replay on key-value watches.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by [Request] implementations when no reply arrives
// within the request deadline.
var ErrTimeout = errors.New("bus: request timed out")

// Msg is a single message delivered to a subscription handler.
type Msg struct {
	// Subject the message was published on.
	Subject string

	// Reply is the subject to publish a response on for request-reply
	// messages. Empty for plain publishes.
	Reply string

	// Data is the raw payload.
	Data []byte
}

// Handler consumes messages delivered to a subscription. Handlers run on the
// bus client's delivery goroutine and must not block indefinitely.
type Handler func(msg Msg)

// Subscription is a live subject subscription. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe() error
}

// Watch is a live ephemeral key-value watch. The channel returned by Values
// delivers the current value of the key on attach (when one exists) and then
// every subsequent write. The channel is closed when the watch stops.
type Watch interface {
	Values() <-chan []byte
	Stop() error
}

// Client is the bus client contract. All methods are safe for concurrent use.
type Client interface {
	// Publish sends data on subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe installs a handler for subject. Messages are delivered in
	// publish order per subject.
	Subscribe(subject string, h Handler) (Subscription, error)

	// Request publishes data on subject and waits for a single reply until
	// ctx expires, returning [ErrTimeout] on deadline.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)

	// WatchValues opens an ephemeral key-value watch on key.
	WatchValues(ctx context.Context, key string) (Watch, error)

	// Close tears down all subscriptions and the connection.
	Close() error
}

// RequestWithRetry performs a request with the given per-attempt timeout and
// retries exactly once when the first attempt times out. Errors other than a
// timeout are returned immediately; retry amplification beyond the single
// retry is deliberately not supported.
func RequestWithRetry(ctx context.Context, c Client, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	attempt := func() ([]byte, error) {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return c.Request(reqCtx, subject, data)
	}

	reply, err := attempt()
	if err == nil || !isTimeout(err) {
		return reply, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return attempt()
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
