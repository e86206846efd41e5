package upstream

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Recv whenever a Fake's queue is empty,
// whether or not Close has been called; a Fake never blocks waiting
// for a Push.
var ErrClosed = errors.New("upstream: subscription closed")

// Fake is an in-memory Subscription used by tests to simulate an
// upstream endpoint: Push queues updates, Recv drains them in order,
// FailNext makes the next Recv call return an error (for exercising the
// per-endpoint retry path in internal/ingest).
type Fake struct {
	mu       sync.Mutex
	updates  []Update
	closed   bool
	failNext error
}

// NewFake constructs an empty fake subscription.
func NewFake() *Fake { return &Fake{} }

// Push enqueues an update to be returned by a future Recv call.
func (f *Fake) Push(u Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
}

// FailNext makes the next Recv call return err instead of an update.
func (f *Fake) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

func (f *Fake) Recv(ctx context.Context) (Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return Update{}, err
	}
	if len(f.updates) == 0 {
		if f.closed {
			return Update{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return Update{}, ctx.Err()
		default:
			return Update{}, ErrClosed
		}
	}
	u := f.updates[0]
	f.updates = f.updates[1:]
	return u, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var _ Subscription = (*Fake)(nil)
