package session

import (
	"context"
	"io"
	"sync"

	"example.com/rpcmux/internal/wire"
)

type streamState int

const (
	streamOpen streamState = iota
	streamComplete
	streamIncomplete
)

// TransactionStream is the request body of a transaction as seen by the
// application. Next and Read must not be called concurrently; IsIncomplete and
// Err may be called from any goroutine.
type TransactionStream struct {
	id         wire.TransactionID
	requests   <-chan requestItem
	permit     *TransactionPermit
	collection *TransactionCollection

	mu    sync.Mutex
	state streamState
	err   error

	pending     []byte
	releaseOnce sync.Once
}

func newTransactionStream(permit *TransactionPermit, requests <-chan requestItem, collection *TransactionCollection) *TransactionStream {
	return &TransactionStream{
		id:         permit.ID(),
		requests:   requests,
		permit:     permit,
		collection: collection,
	}
}

// ID returns the transaction id.
func (s *TransactionStream) ID() wire.TransactionID { return s.id }

// Next returns the payload of the next request frame. It returns io.EOF once
// the request has ended, whether complete or not; use IsIncomplete to tell
// the two apart. Frames already buffered when the transaction was torn down
// are still returned before io.EOF.
func (s *TransactionStream) Next(ctx context.Context) ([]byte, error) {
	if s.finished() {
		return nil, io.EOF
	}

	select {
	case item, ok := <-s.requests:
		if !ok {
			s.finish(streamIncomplete, nil)
			return nil, io.EOF
		}
		if item.err != nil {
			s.finish(streamIncomplete, item.err)
			return nil, io.EOF
		}
		if item.req.Header.Flags.Has(wire.RequestFlagEndOfRequest) {
			s.finish(streamComplete, nil)
		}
		return item.req.Payload(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Read implements io.Reader over the concatenated frame payloads.
func (s *TransactionStream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		payload, err := s.Next(context.Background())
		if err != nil {
			return 0, err
		}
		s.pending = payload
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// IsIncomplete reports whether the request ended before its final frame.
// done is false while the stream is still open.
func (s *TransactionStream) IsIncomplete() (incomplete, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case streamComplete:
		return false, true
	case streamIncomplete:
		return true, true
	default:
		return false, false
	}
}

// Err returns the decode error that ended the stream, if any.
func (s *TransactionStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close abandons the stream. Frames that arrive later are dropped rather
// than counted against the request buffer.
func (s *TransactionStream) Close() error {
	s.finish(streamIncomplete, nil)
	s.collection.closeReceiver(s.id, s.permit.generation)
	return nil
}

func (s *TransactionStream) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != streamOpen
}

func (s *TransactionStream) finish(state streamState, err error) {
	s.mu.Lock()
	if s.state == streamOpen {
		s.state = state
		s.err = err
	}
	s.mu.Unlock()

	s.releaseOnce.Do(s.permit.release)
}
