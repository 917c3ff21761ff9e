package session

import (
	"context"
	"sync"
	"sync/atomic"

	"example.com/rpcmux/internal/wire"
)

// requestItem is a single element of a transaction's request channel: either
// a decoded frame or a decode error reported for the transaction.
type requestItem struct {
	req *wire.Request
	err error
}

// TransactionPermit is proof that a transaction id is registered in a
// TransactionCollection. It is shared by every holder of one transaction
// (request stream and response packetizer); when the last holder releases it
// the collection reclaims the slot asynchronously.
type TransactionPermit struct {
	id         wire.TransactionID
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
	refs       atomic.Int32
	collection *TransactionCollection

	// sendMu orders the packets of the transaction with its revocation.
	sendMu   sync.Mutex
	answered bool
}

// ID returns the transaction id the permit was issued for.
func (p *TransactionPermit) ID() wire.TransactionID { return p.id }

// Context is cancelled when the transaction is overwritten, torn down for
// lagging, or the connection shuts down.
func (p *TransactionPermit) Context() context.Context { return p.ctx }

// retain registers an additional holder.
func (p *TransactionPermit) retain() *TransactionPermit {
	p.refs.Add(1)
	return p
}

// release drops one holder. The last release queues the permit for reclamation.
func (p *TransactionPermit) release() {
	if n := p.refs.Add(-1); n == 0 {
		p.collection.enqueueReclaim(p.id, p.generation)
	}
}

// send returns the packetFunc of the transaction's packetizer. Packets of a
// revoked transaction are never enqueued.
func (p *TransactionPermit) send(q *responseQueue) packetFunc {
	return func(ctx context.Context, res *wire.Response) error {
		p.sendMu.Lock()
		defer p.sendMu.Unlock()
		if err := p.ctx.Err(); err != nil {
			return err
		}
		if err := q.send(ctx, res); err != nil {
			return err
		}
		if res.IsEnd() {
			p.answered = true
		}
		return nil
	}
}

// revoke cancels the transaction and waits for a packet that is being sent on
// its behalf. It reports whether EndOfResponse had already been enqueued.
func (p *TransactionPermit) revoke() bool {
	p.cancel()
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.answered
}

type collectionEntry struct {
	permit   *TransactionPermit
	requests chan requestItem
	// closed is set once requests has been closed. Guarded by the collection mutex.
	closed bool
}

func (e *collectionEntry) closeRequests() {
	if !e.closed {
		e.closed = true
		close(e.requests)
	}
}

type reclaimNotice struct {
	id         wire.TransactionID
	generation uint64
}

// deliverResult is the outcome of routing a request frame to a transaction.
type deliverResult int

const (
	delivered deliverResult = iota
	deliverUnknown
	deliverClosed
	deliverLagging
	// deliverLaggingAnswered is a lag teardown of a transaction that had
	// already sent EndOfResponse.
	deliverLaggingAnswered
)

// TransactionCollection maps live transaction ids to their permits and
// enforces the per-connection concurrency limit. Every method is safe for
// concurrent use. Request channels are only sent to and closed under the
// collection mutex.
type TransactionCollection struct {
	limit      uint32
	bufferSize int
	ctx        context.Context
	stop       context.CancelFunc

	mu         sync.Mutex
	entries    map[wire.TransactionID]*collectionEntry
	generation uint64

	reclaimMu    sync.Mutex
	reclaimQueue []reclaimNotice
	reclaimWake  chan struct{}

	emptied chan struct{}
}

// NewTransactionCollection creates a collection whose permits derive their
// contexts from ctx. A reclaimer goroutine runs until ctx is done or Close is
// called.
func NewTransactionCollection(ctx context.Context, config SessionConfig) *TransactionCollection {
	ctx, stop := context.WithCancel(ctx)
	c := &TransactionCollection{
		limit:       config.PerConnectionConcurrentTransactionLimit,
		bufferSize:  config.PerTransactionRequestBufferSize,
		ctx:         ctx,
		stop:        stop,
		entries:     make(map[wire.TransactionID]*collectionEntry),
		reclaimWake: make(chan struct{}, 1),
		emptied:     make(chan struct{}, 1),
	}
	if c.bufferSize <= 0 {
		c.bufferSize = 1
	}
	go c.reclaimLoop()
	return c
}

// Close stops the reclaimer and cancels every permit context.
func (c *TransactionCollection) Close() {
	c.cancelAll()
	c.stop()
}

// Len returns the number of registered transactions.
func (c *TransactionCollection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// IsEmpty reports whether no transaction is registered.
func (c *TransactionCollection) IsEmpty() bool { return c.Len() == 0 }

// Emptied receives a value whenever the collection transitions to empty. The
// signal is coalesced, so receivers must re-check IsEmpty.
func (c *TransactionCollection) Emptied() <-chan struct{} { return c.emptied }

func (c *TransactionCollection) notifyEmptyLocked() {
	if len(c.entries) != 0 {
		return
	}
	select {
	case c.emptied <- struct{}{}:
	default:
	}
}

// Acquire registers id and returns its permit with one holder, plus the
// receiving end of its request channel. An existing entry for id is cancelled
// and replaced, but only if the collection is below its limit; the check is
// made before the old entry is removed, so an overwrite at the limit fails and
// leaves the old entry untouched.
func (c *TransactionCollection) Acquire(id wire.TransactionID) (*TransactionPermit, <-chan requestItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if uint32(len(c.entries)) >= c.limit {
		return nil, nil, &ConnectionTransactionLimitReachedError{Limit: c.limit}
	}

	if old, ok := c.entries[id]; ok {
		old.permit.revoke()
		old.closeRequests()
		delete(c.entries, id)
	}

	c.generation++
	ctx, cancel := context.WithCancel(c.ctx)
	permit := &TransactionPermit{
		id:         id,
		generation: c.generation,
		ctx:        ctx,
		cancel:     cancel,
		collection: c,
	}
	permit.refs.Store(1)

	entry := &collectionEntry{
		permit:   permit,
		requests: make(chan requestItem, c.bufferSize),
	}
	c.entries[id] = entry
	return permit, entry.requests, nil
}

// Release cancels and removes id. It is a no-op if id is not registered.
func (c *TransactionCollection) Release(id wire.TransactionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(id, 0)
}

// removeLocked removes id if present and, when generation is non-zero, only
// if the entry still belongs to that generation.
func (c *TransactionCollection) removeLocked(id wire.TransactionID, generation uint64) bool {
	e, ok := c.entries[id]
	if !ok || (generation != 0 && e.permit.generation != generation) {
		return false
	}
	e.permit.cancel()
	e.closeRequests()
	delete(c.entries, id)
	c.notifyEmptyLocked()
	return true
}

// contains reports whether id is registered.
func (c *TransactionCollection) contains(id wire.TransactionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// deliver routes a request frame to its transaction without blocking. A full
// request channel tears the transaction down: it is revoked, its channel is
// closed so already buffered frames stay readable, and it is removed.
func (c *TransactionCollection) deliver(req *wire.Request) deliverResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[req.Header.ID]
	if !ok {
		return deliverUnknown
	}
	if e.closed {
		return deliverClosed
	}

	select {
	case e.requests <- requestItem{req: req}:
	default:
		answered := e.permit.revoke()
		c.removeLocked(req.Header.ID, e.permit.generation)
		if answered {
			return deliverLaggingAnswered
		}
		return deliverLagging
	}

	if req.Header.Flags.Has(wire.RequestFlagEndOfRequest) {
		e.closeRequests()
	}
	return delivered
}

// deliverError ends the request stream of id with err. It reports whether id
// was registered and still receiving.
func (c *TransactionCollection) deliverError(id wire.TransactionID, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || e.closed {
		return false
	}
	select {
	case e.requests <- requestItem{err: err}:
	default:
	}
	e.closeRequests()
	return true
}

// closeReceiver closes the request channel of the given generation of id, so
// later frames are dropped instead of filling the buffer.
func (c *TransactionCollection) closeReceiver(id wire.TransactionID, generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok && e.permit.generation == generation {
		e.closeRequests()
	}
}

// shutdownSenders closes every request channel. Used when the read side of
// the connection has ended.
func (c *TransactionCollection) shutdownSenders() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.closeRequests()
	}
}

// cancelAll cancels and removes every transaction.
func (c *TransactionCollection) cancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		e.permit.cancel()
		e.closeRequests()
		delete(c.entries, id)
	}
	c.notifyEmptyLocked()
}

// enqueueReclaim never blocks; the reclaimer goroutine does the removal.
func (c *TransactionCollection) enqueueReclaim(id wire.TransactionID, generation uint64) {
	c.reclaimMu.Lock()
	c.reclaimQueue = append(c.reclaimQueue, reclaimNotice{id: id, generation: generation})
	c.reclaimMu.Unlock()

	select {
	case c.reclaimWake <- struct{}{}:
	default:
	}
}

func (c *TransactionCollection) reclaimLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.reclaimWake:
		}

		c.reclaimMu.Lock()
		pending := c.reclaimQueue
		c.reclaimQueue = nil
		c.reclaimMu.Unlock()

		c.mu.Lock()
		for _, n := range pending {
			c.removeLocked(n.id, n.generation)
		}
		c.mu.Unlock()
	}
}
