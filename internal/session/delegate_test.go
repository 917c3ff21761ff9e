package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/rpcmux/internal/wire"
)

func response(id wire.TransactionID) *wire.Response {
	return &wire.Response{
		Header: wire.ResponseHeader{ID: id, Flags: wire.ResponseFlagEndOfResponse},
		Body:   &wire.ResponseBegin{Kind: wire.KindOk},
	}
}

func frameResponse(id wire.TransactionID) *wire.Response {
	return &wire.Response{
		Header: wire.ResponseHeader{ID: id},
		Body:   &wire.ResponseFrame{Payload: []byte("x")},
	}
}

func TestConnectionDelegateTask_RelaysInOrder(t *testing.T) {
	sink := newFakeSink()
	packets := make(chan *wire.Response, 4)
	for id := wire.TransactionID(1); id <= 3; id++ {
		packets <- response(id)
	}
	close(packets)

	require.NoError(t, NewConnectionDelegateTask(sink, packets).Run(context.Background()))
	for id := wire.TransactionID(1); id <= 3; id++ {
		assert.Equal(t, id, sink.recv(t).Header.ID)
	}
}

func TestConnectionDelegateTask_SinkError(t *testing.T) {
	sink := newFakeSink()
	sink.close()
	packets := make(chan *wire.Response, 1)
	packets <- response(1)

	err := NewConnectionDelegateTask(sink, packets).Run(context.Background())
	assert.ErrorIs(t, err, errSinkGone)
}

func TestConnectionDelegateTask_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewConnectionDelegateTask(newFakeSink(), make(chan *wire.Response)).Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("delegate did not stop")
	}
}

func TestResponseQueue_ClosesWhenIdle(t *testing.T) {
	q := newResponseQueue(4)
	q.acquire()
	q.closeWhenIdle()

	q.acquire()
	require.NoError(t, q.send(context.Background(), response(1)))
	q.release()
	q.release()

	assert.Equal(t, wire.TransactionID(1), (<-q.ch).Header.ID)
	select {
	case _, open := <-q.ch:
		assert.False(t, open)
	case <-time.After(testTimeout):
		t.Fatal("queue was not closed after the last producer released it")
	}
}

func TestResponseQueue_SendCancelled(t *testing.T) {
	q := newResponseQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, q.send(ctx, response(1)), context.Canceled)
	assert.Empty(t, q.ch, "a cancelled sender must not enqueue even when there is room")
}

func TestResponseQueue_SendAfterDelegateDone(t *testing.T) {
	q := newResponseQueue(1)
	q.markDelegateDone()
	q.markDelegateDone()
	assert.ErrorIs(t, q.send(context.Background(), response(1)), ErrConnectionClosed)
}
