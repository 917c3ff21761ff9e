package session

import (
	"context"

	"github.com/pkg/errors"

	"example.com/rpcmux/internal/wire"
)

// Transaction is the application's handle on one request/response exchange.
type Transaction struct {
	peer      string
	session   SessionID
	service   wire.ServiceDescriptor
	procedure wire.ProcedureDescriptor

	permit *TransactionPermit
	stream *TransactionStream
	sink   *TransactionSink
}

// ID returns the transaction id.
func (t *Transaction) ID() wire.TransactionID { return t.permit.ID() }

// Peer returns the remote address of the connection.
func (t *Transaction) Peer() string { return t.peer }

// Session returns the id of the connection the transaction belongs to.
func (t *Transaction) Session() SessionID { return t.session }

// Service returns the service named by the Begin frame.
func (t *Transaction) Service() wire.ServiceDescriptor { return t.service }

// Procedure returns the procedure named by the Begin frame.
func (t *Transaction) Procedure() wire.ProcedureDescriptor { return t.procedure }

// Stream returns the request body.
func (t *Transaction) Stream() *TransactionStream { return t.stream }

// Sink returns the response sink.
func (t *Transaction) Sink() *TransactionSink { return t.sink }

// Context is cancelled when the transaction is overwritten, lagging, or the
// connection shuts down.
func (t *Transaction) Context() context.Context { return t.permit.Context() }

// IsClosed reports whether the transaction has been cancelled.
func (t *Transaction) IsClosed() bool { return t.permit.Context().Err() != nil }

// Close abandons the request stream and ends the response.
func (t *Transaction) Close() error {
	streamErr := t.stream.Close()
	sinkErr := t.sink.Close()
	if sinkErr != nil && !errors.Is(sinkErr, ErrTransactionCancelled) {
		return sinkErr
	}
	return streamErr
}
