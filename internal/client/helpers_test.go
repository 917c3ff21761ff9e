package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/rpcmux/internal/wire"
)

const (
	testTimeout = 2 * time.Second
	settleDelay = 100 * time.Millisecond
)

func okBegin(id wire.TransactionID, payload string, end bool) *wire.Response {
	return beginRes(id, wire.KindOk, payload, end)
}

func beginRes(id wire.TransactionID, kind wire.ResponseKind, payload string, end bool) *wire.Response {
	res := &wire.Response{
		Header: wire.ResponseHeader{ID: id},
		Body:   &wire.ResponseBegin{Kind: kind, Payload: []byte(payload)},
	}
	if end {
		res.Header.Flags = wire.ResponseFlagEndOfResponse
	}
	return res
}

func frameRes(id wire.TransactionID, payload string, end bool) *wire.Response {
	res := &wire.Response{
		Header: wire.ResponseHeader{ID: id},
		Body:   &wire.ResponseFrame{Payload: []byte(payload)},
	}
	if end {
		res.Header.Flags = wire.ResponseFlagEndOfResponse
	}
	return res
}

// newTestStream registers a transaction in a fresh collection and returns
// its stream. The test plays the connection's reader through txn.deliver.
func newTestStream(t *testing.T, bufferSize int) (*ResponseStream, *transaction, *transactionCollection) {
	t.Helper()
	coll := newTransactionCollection()
	txn, err := coll.acquire(context.Background(), context.Background(), bufferSize)
	require.NoError(t, err)
	return newResponseStream(txn, coll), txn, coll
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}
