// Package event provides the typed channel plumbing used between the
// top-level event loop, the OpAMP bridge and the per-agent workers.
package event

import "errors"

// ErrClosedChannel is returned when publishing on a channel whose consumer
// side is gone.
var ErrClosedChannel = errors.New("event channel is closed")

// Publisher is the sending half of an event channel.
type Publisher[T any] struct {
	ch chan T
}

// Consumer is the receiving half of an event channel.
type Consumer[T any] struct {
	ch chan T
}

// NewChannel returns a connected publisher/consumer pair with the given
// buffer size. Workers hold only the publisher, the event loop only the
// consumer, so neither side keeps a reference to the other.
func NewChannel[T any](size int) (*Publisher[T], *Consumer[T]) {
	ch := make(chan T, size)
	return &Publisher[T]{ch: ch}, &Consumer[T]{ch: ch}
}

// Publish sends an event. It never blocks forever on a closed consumer:
// publishing on a closed channel is reported as ErrClosedChannel.
func (p *Publisher[T]) Publish(ev T) (err error) {
	defer func() {
		if recover() != nil {
			err = ErrClosedChannel
		}
	}()
	p.ch <- ev
	return nil
}

// Channel exposes the raw receive channel for use in select statements.
func (c *Consumer[T]) Channel() <-chan T {
	return c.ch
}

// Recv blocks until an event arrives or the channel is closed.
func (c *Consumer[T]) Recv() (T, bool) {
	ev, ok := <-c.ch
	return ev, ok
}

// Close tears the channel down from the consumer side. Pending publishers
// observe ErrClosedChannel.
func (c *Consumer[T]) Close() {
	close(c.ch)
}
