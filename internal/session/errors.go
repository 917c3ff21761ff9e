package session

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/pkg/errors"

	"example.com/rpcmux/internal/wire"
)

var (
	// ErrTransactionCancelled is returned by sink and stream operations once the
	// transaction has been cancelled by an overwrite, lag teardown or connection shutdown.
	ErrTransactionCancelled = errors.New("transaction has been cancelled")
	// ErrSinkClosed is returned when sending on a closed TransactionSink.
	ErrSinkClosed = errors.New("transaction sink is closed")
	// ErrOutputClosed is returned when pushing to an Output that stopped accepting transactions.
	ErrOutputClosed = errors.New("transaction output is closed")
	// ErrConnectionClosed is returned when the outgoing side of the connection is gone.
	ErrConnectionClosed = errors.New("connection is closed")
)

// CodedError is an error that maps to a wire error code.
type CodedError interface {
	error
	Code() wire.ErrorCode
}

// ConnectionTransactionLimitReachedError is returned by Acquire when the
// collection is at its per-connection limit.
type ConnectionTransactionLimitReachedError struct {
	Limit uint32
}

func (e *ConnectionTransactionLimitReachedError) Error() string {
	return fmt.Sprintf("transaction limit per connection has been reached, the transaction has been dropped. The limit is %d", e.Limit)
}

func (e *ConnectionTransactionLimitReachedError) Code() wire.ErrorCode {
	return wire.ErrCodeConnectionTransactionLimitReached
}

// InstanceTransactionLimitReachedError is reported when the output queue is full.
type InstanceTransactionLimitReachedError struct{}

func (e *InstanceTransactionLimitReachedError) Error() string {
	return "transaction has been dropped, because the server is unable to process more transactions"
}

func (e *InstanceTransactionLimitReachedError) Code() wire.ErrorCode {
	return wire.ErrCodeInstanceTransactionLimitReached
}

// ConnectionShutdownError is reported for a Begin received after the output was closed.
type ConnectionShutdownError struct{}

func (e *ConnectionShutdownError) Error() string {
	return "The connection is in the graceful shutdown state and no longer accepts any new transactions"
}

func (e *ConnectionShutdownError) Code() wire.ErrorCode {
	return wire.ErrCodeConnectionShutdown
}

// TransactionLaggingError is reported when a transaction's request buffer overflows.
type TransactionLaggingError struct{}

func (e *TransactionLaggingError) Error() string {
	return "transaction has been dropped, because it is unable to receive more request packets"
}

func (e *TransactionLaggingError) Code() wire.ErrorCode {
	return wire.ErrCodeTransactionLagging
}

// codeOf returns the wire code carried by err, or INTERNAL_SERVER_ERROR.
func codeOf(err error) wire.ErrorCode {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return wire.ErrCodeInternalServerError
}

// ErrorEncoder turns an error message into a response payload.
type ErrorEncoder interface {
	Encode(code wire.ErrorCode, message string) []byte
}

// PlainErrorEncoder encodes the message as a 4-byte big-endian length
// followed by the UTF-8 bytes.
type PlainErrorEncoder struct{}

func (PlainErrorEncoder) Encode(_ wire.ErrorCode, message string) []byte {
	if n := wire.MaxPayloadSize - 4; len(message) > n {
		for n > 0 && !utf8.RuneStart(message[n]) {
			n--
		}
		message = message[:n]
	}
	buf := make([]byte, 4+len(message))
	binary.BigEndian.PutUint32(buf, uint32(len(message)))
	copy(buf[4:], message)
	return buf
}

// DecodePlainError is the inverse of PlainErrorEncoder.Encode.
func DecodePlainError(payload []byte) (string, error) {
	if len(payload) < 4 {
		return "", errors.Errorf("error payload too short: %d bytes", len(payload))
	}
	n := binary.BigEndian.Uint32(payload)
	if int(n) != len(payload)-4 {
		return "", errors.Errorf("error payload length mismatch: header says %d, have %d", n, len(payload)-4)
	}
	return string(payload[4:]), nil
}
