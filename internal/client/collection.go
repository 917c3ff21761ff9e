package client

import (
	"context"
	"sync"
	"time"

	"example.com/rpcmux/internal/wire"
)

type deliverResult int

const (
	delivered deliverResult = iota
	deliverClosed
	deliverDropped
)

// transaction is the client side state of one call. The response channel is
// sent to and closed only by the connection's reader goroutine.
type transaction struct {
	id        wire.TransactionID
	ctx       context.Context
	cancel    context.CancelCauseFunc
	stopLink  func() bool
	responses chan *wire.Response
	abandoned chan struct{}
	abandon   sync.Once

	// Owned by the reader goroutine. err is published by closing responses.
	closed bool
	err    error

	// Guarded by the collection mutex.
	holders int
}

// closeResponses ends the response channel; err explains a close that is not
// caused by EndOfResponse.
func (t *transaction) closeResponses(err error) {
	if t.closed {
		return
	}
	t.closed = true
	t.err = err
	close(t.responses)
}

// deliver hands res to the consumer. A full buffer is waited on for at most
// deadline, after which the rest of the response is dropped.
func (t *transaction) deliver(res *wire.Response, deadline time.Duration) deliverResult {
	if t.closed {
		return deliverClosed
	}
	select {
	case <-t.abandoned:
		return deliverClosed
	default:
	}
	if t.ctx.Err() != nil {
		t.closeResponses(context.Cause(t.ctx))
		return deliverClosed
	}

	select {
	case t.responses <- res:
	default:
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case t.responses <- res:
		case <-t.abandoned:
			return deliverClosed
		case <-t.ctx.Done():
			t.closeResponses(context.Cause(t.ctx))
			return deliverClosed
		case <-timer.C:
			t.closeResponses(ErrResponseDropped)
			return deliverDropped
		}
	}

	if res.IsEnd() {
		t.closeResponses(nil)
	}
	return delivered
}

// transactionCollection allocates transaction ids and maps live ids to their
// state. A transaction stays registered until both its request writer and
// its response stream are done, so an id is never reused while the server
// may still send packets for it.
type transactionCollection struct {
	mu       sync.Mutex
	next     wire.TransactionID
	entries  map[wire.TransactionID]*transaction
	shutdown bool

	emptied chan struct{}
}

func newTransactionCollection() *transactionCollection {
	return &transactionCollection{
		next:    1,
		entries: make(map[wire.TransactionID]*transaction),
		emptied: make(chan struct{}, 1),
	}
}

// acquire registers a transaction with two holders, the request writer and
// the response stream. Its context is cancelled when ctx or conn is done.
func (c *transactionCollection) acquire(ctx, conn context.Context, bufferSize int) (*transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return nil, ErrConnectionClosed
	}

	id := c.next
	for {
		if _, live := c.entries[id]; !live {
			break
		}
		id++
	}
	c.next = id + 1

	txnCtx, cancel := context.WithCancelCause(ctx)
	txn := &transaction{
		id:        id,
		ctx:       txnCtx,
		cancel:    cancel,
		responses: make(chan *wire.Response, bufferSize),
		abandoned: make(chan struct{}),
		holders:   2,
	}
	txn.stopLink = context.AfterFunc(conn, func() { cancel(ErrConnectionClosed) })
	c.entries[id] = txn
	return txn, nil
}

// release drops one holder of txn; the last one unregisters it.
func (c *transactionCollection) release(txn *transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	txn.holders--
	if txn.holders > 0 {
		return
	}
	txn.stopLink()
	txn.cancel(context.Canceled)
	if c.entries[txn.id] == txn {
		delete(c.entries, txn.id)
	}
	if len(c.entries) == 0 {
		select {
		case c.emptied <- struct{}{}:
		default:
		}
	}
}

func (c *transactionCollection) get(id wire.TransactionID) *transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[id]
}

// close rejects further acquisitions and returns the live transactions.
func (c *transactionCollection) close() []*transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = true
	out := make([]*transaction, 0, len(c.entries))
	for _, txn := range c.entries {
		out = append(out, txn)
	}
	return out
}

func (c *transactionCollection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
