package session

import (
	"context"

	"example.com/rpcmux/internal/wire"
)

// flushPolicy decides when buffered response bytes are turned into packets.
// It never changes how they are split.
type flushPolicy int

const (
	// flushDelay coalesces chunks and only emits full packets until the
	// response ends.
	flushDelay flushPolicy = iota
	// flushNoDelay emits every non-empty chunk immediately.
	flushNoDelay
)

func (p flushPolicy) String() string {
	if p == flushNoDelay {
		return "no-delay"
	}
	return "delay"
}

// responseItem is one chunk produced by the application: bytes of an Ok value
// or of an Err(code) value.
type responseItem struct {
	kind wire.ResponseKind
	data []byte
}

// packetFunc hands a finished packet to the connection.
type packetFunc func(ctx context.Context, res *wire.Response) error

// responseWriter re-frames the response chunks of one transaction into
// packets of at most wire.MaxPayloadSize bytes.
//
// The first packet of every value is a Begin carrying the value's kind and
// the rest are Frames. When consecutive chunks differ in kind the buffered
// bytes are flushed first, before any size-triggered flush of the new chunk.
// Once an Err chunk has been seen, later Ok chunks are dropped.
// Nothing is emitted after the packet carrying EndOfResponse.
type responseWriter struct {
	id     wire.TransactionID
	policy flushPolicy
	emit   packetFunc

	kind    wire.ResponseKind
	open    bool // a chunk of the current value was pushed
	started bool // the Begin of the current value was emitted
	failed  bool
	buf     []byte
	ended   bool
}

func newResponseWriter(id wire.TransactionID, policy flushPolicy, emit packetFunc) *responseWriter {
	return &responseWriter{id: id, policy: policy, emit: emit, kind: wire.KindOk}
}

func (w *responseWriter) packet(ctx context.Context, payload []byte, flags wire.ResponseFlags) error {
	res := &wire.Response{Header: wire.ResponseHeader{ID: w.id, Flags: flags}}
	if w.started {
		res.Body = &wire.ResponseFrame{Payload: payload}
	} else {
		res.Body = &wire.ResponseBegin{Kind: w.kind, Payload: payload}
		w.started = true
	}
	if flags.Has(wire.ResponseFlagEndOfResponse) {
		w.ended = true
	}
	return w.emit(ctx, res)
}

func (w *responseWriter) push(ctx context.Context, item responseItem) error {
	if w.ended {
		return nil
	}

	if item.kind.IsOk() && w.failed {
		return nil
	}

	if item.kind != w.kind {
		if err := w.closeValue(ctx); err != nil {
			return err
		}
		w.kind = item.kind
		w.started = false
	}
	w.open = true
	if !item.kind.IsOk() {
		w.failed = true
	}

	switch w.policy {
	case flushNoDelay:
		data := item.data
		for len(data) > 0 {
			n := min(len(data), wire.MaxPayloadSize)
			if err := w.packet(ctx, data[:n], 0); err != nil {
				return err
			}
			data = data[n:]
		}
	default:
		w.buf = append(w.buf, item.data...)
		for len(w.buf) > wire.MaxPayloadSize {
			payload := w.buf[:wire.MaxPayloadSize:wire.MaxPayloadSize]
			w.buf = append([]byte(nil), w.buf[wire.MaxPayloadSize:]...)
			if err := w.packet(ctx, payload, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// closeValue flushes what is left of the current value. An Err value that has
// not emitted anything yet still gets its Begin so its code reaches the peer.
func (w *responseWriter) closeValue(ctx context.Context) error {
	pending := w.open && !w.started && !w.kind.IsOk()
	if len(w.buf) == 0 && !pending {
		w.open = false
		return nil
	}
	payload := w.buf
	w.buf = nil
	if payload == nil {
		payload = []byte{}
	}
	w.open = false
	return w.packet(ctx, payload, 0)
}

// finish emits the final packet with EndOfResponse. In delay mode it carries
// the remaining buffer; in no-delay mode it is always empty.
func (w *responseWriter) finish(ctx context.Context) error {
	if w.ended {
		return nil
	}
	payload := w.buf
	w.buf = nil
	if payload == nil {
		payload = []byte{}
	}
	return w.packet(ctx, payload, wire.ResponseFlagEndOfResponse)
}

// run consumes items until the channel is closed, then finishes the response.
// If ctx is cancelled it returns without flushing.
func (w *responseWriter) run(ctx context.Context, items <-chan responseItem) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-items:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !ok {
				return w.finish(ctx)
			}
			if err := w.push(ctx, item); err != nil {
				return err
			}
		}
	}
}
