package session

import (
	"context"
	"sync"

	"example.com/rpcmux/internal/wire"
)

// TransactionSink is the response side of a transaction. Chunks sent on it
// are packetized in order by a per-transaction goroutine. A sink may be used
// from one goroutine at a time.
type TransactionSink struct {
	id       wire.TransactionID
	txnCtx   context.Context
	items    chan responseItem
	done     <-chan struct{}
	encoder  ErrorEncoder
	closeMu  sync.Mutex
	closed   bool
	writeErr func() error
}

// ID returns the transaction id.
func (s *TransactionSink) ID() wire.TransactionID { return s.id }

// ErrorEncoder returns the encoder SendErr uses, which is the connection's.
func (s *TransactionSink) ErrorEncoder() ErrorEncoder { return s.encoder }

// Send queues data as part of the Ok value of the response. The sink keeps
// data until it is written, so the caller must not modify it afterwards.
func (s *TransactionSink) Send(ctx context.Context, data []byte) error {
	return s.send(ctx, responseItem{kind: wire.KindOk, data: data})
}

// SendError queues payload as part of an Err(code) value.
func (s *TransactionSink) SendError(ctx context.Context, code wire.ErrorCode, payload []byte) error {
	return s.send(ctx, responseItem{kind: wire.KindErr(code), data: payload})
}

// SendErr encodes err with the connection's ErrorEncoder and queues it as an
// Err value. The code is taken from err if it implements CodedError.
func (s *TransactionSink) SendErr(ctx context.Context, err error) error {
	code := codeOf(err)
	return s.SendError(ctx, code, s.encoder.Encode(code, err.Error()))
}

func (s *TransactionSink) send(ctx context.Context, item responseItem) error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	if s.txnCtx.Err() != nil {
		return ErrTransactionCancelled
	}
	select {
	case s.items <- item:
		return nil
	case <-s.done:
		if err := s.writeErr(); err != nil {
			return err
		}
		return ErrSinkClosed
	case <-s.txnCtx.Done():
		return ErrTransactionCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the response and waits until its final packet has been handed
// to the connection. It returns ErrTransactionCancelled if the transaction was
// cancelled before that happened.
func (s *TransactionSink) Close() error {
	s.closeMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.items)
	}
	s.closeMu.Unlock()

	select {
	case <-s.done:
		return s.writeErr()
	case <-s.txnCtx.Done():
		select {
		case <-s.done:
			return s.writeErr()
		default:
			return ErrTransactionCancelled
		}
	}
}

// responseSender owns the packetizer goroutine of one transaction.
type responseSender struct {
	writer *responseWriter
	items  chan responseItem
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newResponseSender(writer *responseWriter, buffer int) *responseSender {
	return &responseSender{
		writer: writer,
		items:  make(chan responseItem, buffer),
		done:   make(chan struct{}),
	}
}

func (r *responseSender) result() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *responseSender) run(ctx context.Context) {
	defer close(r.done)
	err := r.writer.run(ctx, r.items)
	if err == context.Canceled || err == context.DeadlineExceeded {
		err = ErrTransactionCancelled
	}
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *responseSender) sink(txnCtx context.Context, encoder ErrorEncoder) *TransactionSink {
	return &TransactionSink{
		id:       r.writer.id,
		txnCtx:   txnCtx,
		items:    r.items,
		done:     r.done,
		encoder:  encoder,
		writeErr: r.result,
	}
}
