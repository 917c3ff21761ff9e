package server

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"example.com/rpcmux/internal/config"
	"example.com/rpcmux/internal/logger"
	"example.com/rpcmux/internal/session"
	"example.com/rpcmux/internal/wire"
)

// jsonMarshalFunc allows swapping out json.Marshal for testing.
var jsonMarshalFunc = json.Marshal

// ErrorDetail represents the inner structure of a JSON error payload.
type ErrorDetail struct {
	Code    uint16 `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// ErrorResponseJSON represents the full JSON error payload.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

// defaultMessages maps error codes to their default human readable message.
var defaultMessages = map[wire.ErrorCode]string{
	wire.ErrCodeBadRequest:                        "The request could not be processed because it is malformed.",
	wire.ErrCodeForbidden:                         "You do not have permission to access this resource.",
	wire.ErrCodeNotFound:                          "The requested procedure or resource was not found.",
	wire.ErrCodeInternalServerError:               "The server encountered an internal error and was unable to complete the transaction.",
	wire.ErrCodeConnectionClosed:                  "The connection was closed before the response completed.",
	wire.ErrCodeConnectionShutdown:                "The connection no longer accepts new transactions.",
	wire.ErrCodeConnectionTransactionLimitReached: "Too many transactions are active on this connection.",
	wire.ErrCodeInstanceTransactionLimitReached:   "The server is unable to process more transactions.",
	wire.ErrCodeTransactionLagging:                "The transaction did not consume its request frames fast enough.",
}

// DefaultMessage returns the default message for code, or a generic one.
func DefaultMessage(code wire.ErrorCode) string {
	if msg, ok := defaultMessages[code]; ok {
		return msg
	}
	return "The server encountered an error processing the transaction."
}

// JSONErrorEncoder encodes error payloads as ErrorResponseJSON documents.
// If marshalling fails or the document does not fit in one packet, it falls
// back to session.PlainErrorEncoder.
type JSONErrorEncoder struct {
	Log *logger.Logger
}

// Encode implements session.ErrorEncoder.
func (e JSONErrorEncoder) Encode(code wire.ErrorCode, message string) []byte {
	detail := ErrorDetail{
		Code:    uint16(code),
		Name:    code.String(),
		Message: DefaultMessage(code),
	}
	if message != "" && message != detail.Message {
		detail.Detail = message
	}

	body, err := jsonMarshalFunc(ErrorResponseJSON{Error: detail})
	if err == nil && len(body) <= wire.MaxPayloadSize {
		return body
	}
	if e.Log != nil {
		fields := logger.LogFields{"code": code.String(), "size": len(body)}
		if err != nil {
			fields["error"] = err.Error()
		}
		e.Log.Warn("Failed to encode JSON error payload, falling back to plain", fields)
	}
	return session.PlainErrorEncoder{}.Encode(code, message)
}

// NewErrorEncoder returns the encoder for a session.error_format value.
func NewErrorEncoder(format string, lg *logger.Logger) (session.ErrorEncoder, error) {
	switch format {
	case "", config.ErrorFormatPlain:
		return session.PlainErrorEncoder{}, nil
	case config.ErrorFormatJSON:
		return JSONErrorEncoder{Log: lg}, nil
	default:
		return nil, errors.Errorf("unknown error format %q", format)
	}
}

// WriteErrorResponse answers txn with a single Err(code) value and closes its
// sink. detail defaults to the code's default message, and a nil enc to the
// connection's encoder.
func WriteErrorResponse(ctx context.Context, txn *session.Transaction, code wire.ErrorCode, detail string, enc session.ErrorEncoder, log *logger.Logger) error {
	if enc == nil {
		enc = txn.Sink().ErrorEncoder()
	}
	if detail == "" {
		detail = DefaultMessage(code)
	}
	if log != nil {
		log.Debug("Writing error response", logger.LogFields{
			"transaction_id": txn.ID(),
			"code":           code.String(),
			"detail":         detail,
		})
	}

	if err := txn.Sink().SendError(ctx, code, enc.Encode(code, detail)); err != nil {
		return errors.Wrapf(err, "failed to send %s for transaction %d", code, txn.ID())
	}
	if err := txn.Sink().Close(); err != nil {
		return errors.Wrapf(err, "failed to close response of transaction %d", txn.ID())
	}
	return nil
}
