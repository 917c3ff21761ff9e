// Package echo implements a handler that streams each request frame back as
// part of an Ok response.
package echo

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"example.com/rpcmux/internal/logger"
	"example.com/rpcmux/internal/server"
	"example.com/rpcmux/internal/session"
	"example.com/rpcmux/internal/wire"
)

// Config is the handler_config of an echo route.
type Config struct {
	// Uppercase converts ASCII letters before echoing them.
	Uppercase bool `json:"uppercase,omitempty"`
}

// Echo answers each transaction with the bytes of its request.
type Echo struct {
	cfg Config
	log *logger.Logger
}

// New is the server.HandlerFactory for the "echo" handler type.
func New(handlerCfg json.RawMessage, lg *logger.Logger) (server.Handler, error) {
	var cfg Config
	if len(handlerCfg) > 0 {
		dec := json.NewDecoder(bytes.NewReader(handlerCfg))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, errors.Wrap(err, "echo: invalid handler_config")
		}
	}
	if lg == nil {
		lg = logger.Nop()
	}
	return &Echo{cfg: cfg, log: lg}, nil
}

// ServeTransaction implements server.Handler.
func (e *Echo) ServeTransaction(ctx context.Context, txn *session.Transaction) {
	stream, sink := txn.Stream(), txn.Sink()
	var echoed int

	for {
		chunk, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			e.log.Debug("Echo stopped reading request", logger.LogFields{
				"transaction_id": txn.ID(),
				"error":          err.Error(),
			})
			return
		}
		if e.cfg.Uppercase {
			chunk = bytes.ToUpper(chunk)
		}
		if err := sink.Send(ctx, chunk); err != nil {
			e.log.Debug("Echo failed to send response chunk", logger.LogFields{
				"transaction_id": txn.ID(),
				"error":          err.Error(),
			})
			return
		}
		echoed += len(chunk)
	}

	if incomplete, _ := stream.IsIncomplete(); incomplete {
		detail := "request ended before EndOfRequest"
		if err := stream.Err(); err != nil {
			detail = err.Error()
		}
		if err := server.WriteErrorResponse(ctx, txn, wire.ErrCodeBadRequest, detail, nil, e.log); err != nil {
			e.log.Debug("Echo failed to report incomplete request", logger.LogFields{
				"transaction_id": txn.ID(),
				"error":          err.Error(),
			})
		}
		return
	}

	if err := sink.Close(); err != nil {
		e.log.Debug("Echo failed to close response", logger.LogFields{
			"transaction_id": txn.ID(),
			"error":          err.Error(),
		})
		return
	}
	e.log.Debug("Echoed request", logger.LogFields{"transaction_id": txn.ID(), "bytes": echoed})
}
