package client

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"example.com/rpcmux/internal/wire"
)

// Chunk is one response packet as seen by the caller. Begin is set on the
// first chunk of every value; Kind is the kind of the value the chunk
// belongs to.
type Chunk struct {
	Kind    wire.ResponseKind
	Begin   bool
	Payload []byte
}

// Value is a fully reassembled response value.
type Value struct {
	Kind    wire.ResponseKind
	Payload []byte
}

// IncompleteResponseError reports a response that stopped before
// EndOfResponse. It matches ErrIncompleteResponse and unwraps to the reason.
type IncompleteResponseError struct {
	Cause error
}

func (e *IncompleteResponseError) Error() string {
	return ErrIncompleteResponse.Error() + ": " + e.Cause.Error()
}

func (e *IncompleteResponseError) Unwrap() error { return e.Cause }

func (e *IncompleteResponseError) Is(target error) bool { return target == ErrIncompleteResponse }

// ResponseStream yields the response of one call. It is not safe for
// concurrent use. Close must be called once the caller is done with it.
type ResponseStream struct {
	txn  *transaction
	coll *transactionCollection

	kind    wire.ResponseKind
	begun   bool
	ended   bool
	err     error
	peeked  *Chunk
	release sync.Once
}

func newResponseStream(txn *transaction, coll *transactionCollection) *ResponseStream {
	return &ResponseStream{txn: txn, coll: coll}
}

// ID returns the transaction id the call was sent with.
func (s *ResponseStream) ID() wire.TransactionID { return s.txn.id }

// Recv returns the next chunk of the response. It returns io.EOF after the
// chunk carrying EndOfResponse, and an *IncompleteResponseError when the
// response stopped early. A done ctx only interrupts the wait; the stream
// stays usable.
func (s *ResponseStream) Recv(ctx context.Context) (Chunk, error) {
	if s.peeked != nil {
		c := *s.peeked
		s.peeked = nil
		return c, nil
	}
	for {
		if s.ended {
			return Chunk{}, io.EOF
		}
		if s.err != nil {
			return Chunk{}, s.err
		}

		var res *wire.Response
		var ok bool
		select {
		case res, ok = <-s.txn.responses:
		case <-s.txn.ctx.Done():
			// Packets already buffered are still handed out.
			select {
			case res, ok = <-s.txn.responses:
			default:
				s.fail(context.Cause(s.txn.ctx))
				continue
			}
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		}
		if !ok {
			if s.txn.err == nil {
				s.ended = true
			} else {
				s.fail(s.txn.err)
			}
			continue
		}

		c, keep := s.chunk(res)
		if res.IsEnd() {
			s.ended = true
		}
		if keep {
			return c, nil
		}
	}
}

// chunk converts res, reporting false for packets that carry nothing for the
// caller: empty frames and frames arriving before any Begin.
func (s *ResponseStream) chunk(res *wire.Response) (Chunk, bool) {
	switch b := res.Body.(type) {
	case *wire.ResponseBegin:
		s.kind = b.Kind
		s.begun = true
		return Chunk{Kind: b.Kind, Begin: true, Payload: b.Payload}, true
	case *wire.ResponseFrame:
		if !s.begun || len(b.Payload) == 0 {
			return Chunk{}, false
		}
		return Chunk{Kind: s.kind, Payload: b.Payload}, true
	default:
		return Chunk{}, false
	}
}

func (s *ResponseStream) fail(cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	s.err = &IncompleteResponseError{Cause: cause}
}

// ReadValue returns the next complete value of the response, or io.EOF when
// every value has been read.
func (s *ResponseStream) ReadValue(ctx context.Context) (Value, error) {
	first, err := s.Recv(ctx)
	if err != nil {
		return Value{}, err
	}
	v := Value{Kind: first.Kind, Payload: append([]byte{}, first.Payload...)}
	for {
		c, err := s.Recv(ctx)
		if err == io.EOF {
			return v, nil
		}
		if err != nil {
			return v, err
		}
		if c.Begin {
			s.peeked = &c
			return v, nil
		}
		v.Payload = append(v.Payload, c.Payload...)
	}
}

// ReadAll reads every remaining value. On error the values read so far,
// including a partial last one, are returned with it.
func (s *ResponseStream) ReadAll(ctx context.Context) ([]Value, error) {
	var values []Value
	for {
		v, err := s.ReadValue(ctx)
		if err == io.EOF {
			return values, nil
		}
		if err != nil {
			if v.Payload != nil {
				values = append(values, v)
			}
			return values, errors.WithMessage(err, "failed to read response")
		}
		values = append(values, v)
	}
}

// IsIncomplete reports whether the response stopped before EndOfResponse.
// done is false while the response is still in progress.
func (s *ResponseStream) IsIncomplete() (incomplete, done bool) {
	return s.err != nil, s.ended || s.err != nil
}

// Err returns the reason the response is incomplete, if it is.
func (s *ResponseStream) Err() error { return s.err }

// Close abandons the rest of the response. When the request is still being
// sent it is abandoned too.
func (s *ResponseStream) Close() error {
	s.release.Do(func() {
		if !s.ended {
			s.txn.cancel(context.Canceled)
		}
		s.txn.abandon.Do(func() { close(s.txn.abandoned) })
		s.coll.release(s.txn)
	})
	return nil
}
