package event

import "time"

// CancellationHandle is held by the lifecycle manager for each worker it
// owns. Cancelling closes the underlying channel, which every consumer
// observes promptly.
type CancellationHandle struct {
	ch chan struct{}
}

// CancellationConsumer is handed to the worker. It only ever receives.
type CancellationConsumer struct {
	ch chan struct{}
}

func NewCancellation() (*CancellationHandle, *CancellationConsumer) {
	ch := make(chan struct{})
	return &CancellationHandle{ch: ch}, &CancellationConsumer{ch: ch}
}

// Cancel is idempotent.
func (h *CancellationHandle) Cancel() {
	select {
	case <-h.ch:
	default:
		close(h.ch)
	}
}

// Done exposes the channel for select statements.
func (c *CancellationConsumer) Done() <-chan struct{} {
	return c.ch
}

// IsCancelled reports whether cancellation was requested, without blocking.
func (c *CancellationConsumer) IsCancelled() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// WaitOrCancelled sleeps for d, returning true early if cancellation
// preempts the timeout.
func (c *CancellationConsumer) WaitOrCancelled(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ch:
		return true
	case <-t.C:
		return false
	}
}
