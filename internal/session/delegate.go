package session

import (
	"context"
	"sync"

	"example.com/rpcmux/internal/wire"
)

// ResponseSink is the serial outgoing side of a connection.
type ResponseSink interface {
	WriteResponse(ctx context.Context, res *wire.Response) error
}

// RequestSource is the incoming side of a connection. ReadRequest returns
// io.EOF when the peer is done, *wire.DecodeError for a skipped malformed
// frame, and any other error for a transport failure.
type RequestSource interface {
	ReadRequest(ctx context.Context) (*wire.Request, error)
}

// ConnectionDelegateTask relays packets from every transaction of a
// connection to its ResponseSink, one write at a time, in arrival order.
type ConnectionDelegateTask struct {
	sink    ResponseSink
	packets <-chan *wire.Response
}

// NewConnectionDelegateTask creates a delegate draining packets into sink.
func NewConnectionDelegateTask(sink ResponseSink, packets <-chan *wire.Response) *ConnectionDelegateTask {
	return &ConnectionDelegateTask{sink: sink, packets: packets}
}

// Run returns nil once packets is closed or ctx is done, and the sink's error
// if a write fails. Failed writes are not retried.
func (d *ConnectionDelegateTask) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case res, ok := <-d.packets:
			if !ok {
				return nil
			}
			if err := d.sink.WriteResponse(ctx, res); err != nil {
				return err
			}
		}
	}
}

// responseQueue is the shared channel every producer of a connection sends
// packets on. It is closed once the last producer has released it.
type responseQueue struct {
	ch           chan *wire.Response
	producers    sync.WaitGroup
	delegateDone chan struct{}
	doneOnce     sync.Once
}

func newResponseQueue(size int) *responseQueue {
	return &responseQueue{
		ch:           make(chan *wire.Response, size),
		delegateDone: make(chan struct{}),
	}
}

func (q *responseQueue) acquire() { q.producers.Add(1) }
func (q *responseQueue) release() { q.producers.Done() }

// closeWhenIdle must be called while at least one producer holds the queue.
func (q *responseQueue) closeWhenIdle() {
	go func() {
		q.producers.Wait()
		close(q.ch)
	}()
}

func (q *responseQueue) markDelegateDone() {
	q.doneOnce.Do(func() { close(q.delegateDone) })
}

func (q *responseQueue) send(ctx context.Context, res *wire.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-q.delegateDone:
		return ErrConnectionClosed
	default:
	}
	select {
	case q.ch <- res:
		return nil
	case <-q.delegateDone:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
