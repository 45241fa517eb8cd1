// Package mailbox provides an unbounded FIFO queue whose producers never
// block. Consumers wait on Ready and take pending items with Drain.
package mailbox

import (
	"context"
	"sync"
)

// Mailbox is an unbounded, goroutine-safe FIFO queue.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	ready  chan struct{}
	closed bool
}

// New returns an empty mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{ready: make(chan struct{}, 1)}
}

// Put appends v. It reports false when the mailbox is closed.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()
	m.signal()
	return true
}

// Ready is signalled whenever items may be pending or the mailbox closed.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

// Drain removes and returns every pending item in arrival order.
func (m *Mailbox[T]) Drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.items
	m.items = nil
	return out
}

// Len returns the number of pending items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close stops accepting new items. Pending items can still be drained.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	already := m.closed
	m.closed = true
	m.mu.Unlock()
	if !already {
		m.signal()
	}
}

// Closed reports whether Close has been called.
func (m *Mailbox[T]) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Pump forwards items to the returned channel in order until ctx is done or
// the mailbox is closed and empty. The channel is closed on exit.
func (m *Mailbox[T]) Pump(ctx context.Context) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			for _, item := range m.Drain() {
				select {
				case out <- item:
				case <-ctx.Done():
					return
				}
			}
			if m.Closed() && m.Len() == 0 {
				return
			}
			select {
			case <-m.ready:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (m *Mailbox[T]) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}
