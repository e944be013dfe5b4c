// Package busmock provides an in-memory [bus.Client] for tests.
//
// It honours the full bus contract: per-subject ordered delivery,
// request-reply with inbox subjects, and ephemeral key-value watches that
// replay the current value on attach. Tests drive the control-plane side via
// [Client.SetValue] (key-value writes) and [Client.Respond] (request
// handlers), and inspect traffic via the recorded publish log.
package busmock

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/edgewire/mcpgate/internal/bus"
)

// PublishedMsg records one publish for later inspection.
type PublishedMsg struct {
	Subject string
	Data    []byte
}

// Client is an in-memory bus. The zero value is not usable; create instances
// with [New]. All methods are safe for concurrent use.
type Client struct {
	mu       sync.Mutex
	closed   bool
	subs     map[string][]*subscription
	values   map[string][]byte
	watchers map[string][]*watch
	inboxSeq int

	// Published records every publish (including request publishes) in order.
	Published []PublishedMsg
}

// New creates an empty in-memory bus.
func New() *Client {
	return &Client{
		subs:     make(map[string][]*subscription),
		values:   make(map[string][]byte),
		watchers: make(map[string][]*watch),
	}
}

type subscription struct {
	c       *Client
	subject string
	h       bus.Handler
}

// Unsubscribe removes the subscription. Calling it twice is a no-op.
func (s *subscription) Unsubscribe() error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	list := s.c.subs[s.subject]
	for i, sub := range list {
		if sub == s {
			s.c.subs[s.subject] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(s.c.subs[s.subject]) == 0 {
		delete(s.c.subs, s.subject)
	}
	return nil
}

// Publish delivers data synchronously, in order, to every handler subscribed
// to subject.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.publish(bus.Msg{Subject: subject, Data: data})
	return nil
}

func (c *Client) publish(msg bus.Msg) {
	c.mu.Lock()
	c.Published = append(c.Published, PublishedMsg{Subject: msg.Subject, Data: msg.Data})
	handlers := make([]bus.Handler, 0, len(c.subs[msg.Subject]))
	for _, s := range c.subs[msg.Subject] {
		handlers = append(handlers, s.h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

// Subscribe installs h for subject.
func (c *Client) Subscribe(subject string, h bus.Handler) (bus.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &subscription{c: c, subject: subject, h: h}
	c.subs[subject] = append(c.subs[subject], s)
	return s, nil
}

// Request publishes data with a reply inbox and waits for a single reply or
// ctx expiry. With no subscriber on subject the request times out like a
// real bus, so callers exercise their timeout paths.
func (c *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	c.mu.Lock()
	c.inboxSeq++
	inbox := "_inbox." + strings.ReplaceAll(subject, ".", "-") + "." + strconv.Itoa(c.inboxSeq)
	c.mu.Unlock()

	replyCh := make(chan []byte, 1)
	sub, err := c.Subscribe(inbox, func(msg bus.Msg) {
		select {
		case replyCh <- msg.Data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	c.publish(bus.Msg{Subject: subject, Reply: inbox, Data: data})

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, bus.ErrTimeout
	}
}

// Respond installs a request handler on subject that answers every request
// with the payload produced by fn.
func (c *Client) Respond(subject string, fn func(data []byte) []byte) (bus.Subscription, error) {
	return c.Subscribe(subject, func(msg bus.Msg) {
		if msg.Reply == "" {
			return
		}
		c.publish(bus.Msg{Subject: msg.Reply, Data: fn(msg.Data)})
	})
}

type watch struct {
	c      *Client
	key    string
	ch     chan []byte
	closed bool
}

// Values returns the watch delivery channel.
func (w *watch) Values() <-chan []byte { return w.ch }

// Stop closes the watch. Calling it twice is a no-op.
func (w *watch) Stop() error {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	list := w.c.watchers[w.key]
	for i, cand := range list {
		if cand == w {
			w.c.watchers[w.key] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	close(w.ch)
	return nil
}

// WatchValues opens a key-value watch on key. The current value, when one
// exists, is buffered into the channel before WatchValues returns.
func (c *Client) WatchValues(_ context.Context, key string) (bus.Watch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &watch{c: c, key: key, ch: make(chan []byte, 16)}
	c.watchers[key] = append(c.watchers[key], w)
	if v, ok := c.values[key]; ok {
		w.ch <- v
	}
	return w, nil
}

// SetValue writes a key-value entry and fans it out to every live watch,
// playing the control-plane side of the ephemeral store.
func (c *Client) SetValue(key string, data []byte) {
	c.mu.Lock()
	c.values[key] = data
	watchers := append([]*watch(nil), c.watchers[key]...)
	c.mu.Unlock()

	for _, w := range watchers {
		select {
		case w.ch <- data:
		default:
		}
	}
}

// SubscriptionCount reports how many live subscriptions exist for subject.
func (c *Client) SubscriptionCount(subject string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[subject])
}

// PublishedOn returns every recorded publish on subject.
func (c *Client) PublishedOn(subject string) []PublishedMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []PublishedMsg
	for _, p := range c.Published {
		if p.Subject == subject {
			out = append(out, p)
		}
	}
	return out
}

// Close marks the client closed. Subscriptions stay inspectable.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
