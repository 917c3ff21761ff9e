package session

import (
	"context"
	"sync"
)

// Output is the bounded queue of accepted transactions handed to the
// application. Closing it is the graceful shutdown signal for the connection:
// no new transactions are accepted, while live ones keep exchanging frames.
// Transactions buffered at Close stay receivable and must be drained.
type Output struct {
	mu     sync.Mutex
	ch     chan *Transaction
	closed bool
	done   chan struct{}
}

func newOutput(size int) *Output {
	return &Output{
		ch:   make(chan *Transaction, size),
		done: make(chan struct{}),
	}
}

// push enqueues t without blocking.
func (o *Output) push(t *Transaction) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOutputClosed
	}
	select {
	case o.ch <- t:
		return nil
	default:
		return &InstanceTransactionLimitReachedError{}
	}
}

// C returns the channel of accepted transactions. It is closed by Close.
func (o *Output) C() <-chan *Transaction { return o.ch }

// Recv returns the next accepted transaction. It returns ErrOutputClosed once
// the output is closed and drained.
func (o *Output) Recv(ctx context.Context) (*Transaction, error) {
	select {
	case t, ok := <-o.ch:
		if !ok {
			return nil, ErrOutputClosed
		}
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting transactions. It is idempotent.
func (o *Output) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
		close(o.done)
	}
}

// Done is closed once Close has been called.
func (o *Output) Done() <-chan struct{} { return o.done }

// IsClosed reports whether Close has been called.
func (o *Output) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Len returns the number of transactions waiting to be received.
func (o *Output) Len() int { return len(o.ch) }
