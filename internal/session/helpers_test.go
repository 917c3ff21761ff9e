package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/rpcmux/internal/logger"
	"example.com/rpcmux/internal/wire"
)

const (
	testTimeout = 2 * time.Second
	settleDelay = 100 * time.Millisecond
)

var errSinkGone = errors.New("sink gone")

func beginReq(id wire.TransactionID, flags wire.RequestFlags, payload string) *wire.Request {
	return &wire.Request{
		Header: wire.RequestHeader{ID: id, Flags: flags},
		Body: &wire.RequestBegin{
			Service:   wire.ServiceDescriptor{ID: 1, Version: wire.Version{Major: 1}},
			Procedure: wire.ProcedureDescriptor{ID: 1},
			Payload:   []byte(payload),
		},
	}
}

func frameReq(id wire.TransactionID, flags wire.RequestFlags, payload string) *wire.Request {
	return &wire.Request{
		Header: wire.RequestHeader{ID: id, Flags: flags},
		Body:   &wire.RequestFrame{Payload: []byte(payload)},
	}
}

// fakeSource is a RequestSource fed by the test.
type fakeSource struct {
	ch   chan readResult
	once sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan readResult, 32)}
}

func (s *fakeSource) ReadRequest(ctx context.Context) (*wire.Request, error) {
	select {
	case r, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return r.req, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSource) send(req *wire.Request) { s.ch <- readResult{req: req} }
func (s *fakeSource) fail(err error)        { s.ch <- readResult{err: err} }
func (s *fakeSource) close()                { s.once.Do(func() { close(s.ch) }) }

// fakeSink is a ResponseSink the test reads from.
type fakeSink struct {
	ch     chan *wire.Response
	closed chan struct{}
	once   sync.Once
}

func newFakeSink() *fakeSink {
	return &fakeSink{ch: make(chan *wire.Response, 64), closed: make(chan struct{})}
}

func (s *fakeSink) WriteResponse(ctx context.Context, res *wire.Response) error {
	select {
	case <-s.closed:
		return errSinkGone
	default:
	}
	select {
	case s.ch <- res:
		return nil
	case <-s.closed:
		return errSinkGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSink) close() { s.once.Do(func() { close(s.closed) }) }

func (s *fakeSink) recv(t *testing.T) *wire.Response {
	t.Helper()
	select {
	case res := <-s.ch:
		return res
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for response")
		return nil
	}
}

// drain returns every response that arrives within settleDelay.
func (s *fakeSink) drain() []*wire.Response {
	var out []*wire.Response
	timer := time.NewTimer(settleDelay)
	defer timer.Stop()
	for {
		select {
		case res := <-s.ch:
			out = append(out, res)
		case <-timer.C:
			return out
		}
	}
}

// testConn runs a ConnectionTask against fakes.
type testConn struct {
	task   *ConnectionTask
	source *fakeSource
	sink   *fakeSink
	output *Output
	events <-chan SessionEvent
	cancel context.CancelFunc

	finished chan struct{}
	err      error
}

func newTestConn(t *testing.T, config SessionConfig) *testConn {
	t.Helper()

	bus := NewEventBus()
	events, unsubscribe := bus.Subscribe(8)

	task, err := NewConnectionTask("127.0.0.1:4000", NewSessionID(), config, bus, logger.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	c := &testConn{
		task:     task,
		source:   newFakeSource(),
		sink:     newFakeSink(),
		output:   task.Output(),
		events:   events,
		cancel:   cancel,
		finished: make(chan struct{}),
	}
	go func() {
		c.err = task.Run(ctx, c.sink, c.source)
		close(c.finished)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-c.finished:
		case <-time.After(testTimeout):
			t.Error("connection task did not stop after cancellation")
		}
		unsubscribe()
	})
	return c
}

func (c *testConn) recvTransaction(t *testing.T) *Transaction {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	txn, err := c.output.Recv(ctx)
	require.NoError(t, err)
	return txn
}

func (c *testConn) isFinished() bool {
	select {
	case <-c.finished:
		return true
	default:
		return false
	}
}

func (c *testConn) waitFinished(t *testing.T) error {
	t.Helper()
	select {
	case <-c.finished:
		return c.err
	case <-time.After(testTimeout):
		t.Fatal("connection task did not finish")
		return nil
	}
}

func next(t *testing.T, s *TransactionStream) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	return s.Next(ctx)
}

func errorMessage(t *testing.T, res *wire.Response) string {
	t.Helper()
	msg, err := DecodePlainError(res.Payload())
	require.NoError(t, err)
	return msg
}
