// Package watch provides a last-value observable: a concurrency-safe cell
// whose subscribers receive the current value on attach and every subsequent
// update.
//
// It backs the provider runners' live tool catalogs and the session toolset
// views. Slow subscribers never block publishers — each subscriber holds a
// one-slot buffer that is overwritten with the newest value, so observers
// always converge on the latest state even if they miss intermediate ones.
package watch

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by [Value.Wait] when the value is closed before the
// first update arrives.
var ErrClosed = errors.New("watch: closed")

// Value is a last-value observable cell. The zero value is not usable;
// create instances with [NewValue]. All methods are safe for concurrent use.
type Value[T any] struct {
	mu     sync.Mutex
	cur    T
	set    bool
	closed bool
	subs   map[int]*subscriber[T]
	nextID int
}

type subscriber[T any] struct {
	ch chan T
}

// NewValue creates an empty observable.
func NewValue[T any]() *Value[T] {
	return &Value[T]{subs: make(map[int]*subscriber[T])}
}

// Set stores v as the current value and fans it out to every subscriber.
// Set after Close is a no-op.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.cur = val
	v.set = true
	for _, s := range v.subs {
		s.offer(val)
	}
}

// offer replaces any undelivered value with val. Callers hold v.mu.
func (s *subscriber[T]) offer(val T) {
	select {
	case s.ch <- val:
	default:
		select {
		case <-s.ch:
		default:
		}
		s.ch <- val
	}
}

// Get returns the current value and whether one has been set.
func (v *Value[T]) Get() (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur, v.set
}

// Subscribe attaches an observer. When a current value exists it is buffered
// into the channel before Subscribe returns. The returned cancel function
// detaches the observer and closes the channel; calling it twice is a no-op.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := &subscriber[T]{ch: make(chan T, 1)}
	if v.closed {
		close(s.ch)
		return s.ch, func() {}
	}
	if v.set {
		s.ch <- v.cur
	}
	id := v.nextID
	v.nextID++
	v.subs[id] = s

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			if _, ok := v.subs[id]; ok {
				delete(v.subs, id)
				close(s.ch)
			}
		})
	}
	return s.ch, cancel
}

// Wait blocks until a value has been set, then returns the newest one. It
// returns immediately when a current value already exists.
func (v *Value[T]) Wait(ctx context.Context) (T, error) {
	ch, cancel := v.Subscribe()
	defer cancel()

	var zero T
	select {
	case val, ok := <-ch:
		if !ok {
			return zero, ErrClosed
		}
		return val, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close completes the observable: every subscriber channel is closed and
// later subscribers receive an already-closed channel.
func (v *Value[T]) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	for id, s := range v.subs {
		delete(v.subs, id)
		close(s.ch)
	}
}
