package client

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"example.com/rpcmux/internal/wire"
)

// requestWriter cuts a request payload into packets: a Begin carrying the
// service and procedure, then frames, with EndOfRequest on the last one.
type requestWriter struct {
	txn       *transaction
	service   wire.ServiceDescriptor
	procedure wire.ProcedureDescriptor
	noDelay   bool
	emit      func(ctx context.Context, req *wire.Request) error

	sentBegin bool
}

func (w *requestWriter) packet(ctx context.Context, payload []byte, end bool) error {
	req := &wire.Request{Header: wire.RequestHeader{ID: w.txn.id}}
	if end {
		req.Header.Flags = wire.RequestFlagEndOfRequest
	}
	if w.sentBegin {
		req.Body = &wire.RequestFrame{Payload: payload}
	} else {
		req.Body = &wire.RequestBegin{Service: w.service, Procedure: w.procedure, Payload: payload}
		w.sentBegin = true
	}
	return w.emit(ctx, req)
}

// run sends the whole of payload. A failed read cancels the transaction with
// the read error as its cause.
func (w *requestWriter) run(payload io.Reader) error {
	ctx := w.txn.ctx
	var err error
	if w.noDelay {
		err = w.runNoDelay(ctx, payload)
	} else {
		err = w.runDelay(ctx, payload)
	}
	if err != nil {
		w.txn.cancel(err)
	}
	return err
}

// runDelay fills every packet up to wire.MaxPayloadSize. One packet is held
// back so EndOfRequest can ride on the last one carrying data.
func (w *requestWriter) runDelay(ctx context.Context, payload io.Reader) error {
	var pending []byte
	for {
		buf := make([]byte, wire.MaxPayloadSize)
		n, err := io.ReadFull(payload, buf)
		if n > 0 {
			if pending != nil {
				if err := w.packet(ctx, pending, false); err != nil {
					return err
				}
			}
			pending = buf[:n]
		}
		switch {
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			if pending == nil {
				pending = []byte{}
			}
			return w.packet(ctx, pending, true)
		case err != nil:
			return errors.Wrap(err, "failed to read request payload")
		}
	}
}

// runNoDelay sends every read as its own packet and ends the request with an
// empty one.
func (w *requestWriter) runNoDelay(ctx context.Context, payload io.Reader) error {
	buf := make([]byte, wire.MaxPayloadSize)
	for {
		n, err := payload.Read(buf)
		if n > 0 {
			chunk := append([]byte{}, buf[:n]...)
			if err := w.packet(ctx, chunk, false); err != nil {
				return err
			}
		}
		if err == io.EOF {
			return w.packet(ctx, []byte{}, true)
		}
		if err != nil {
			return errors.Wrap(err, "failed to read request payload")
		}
	}
}
