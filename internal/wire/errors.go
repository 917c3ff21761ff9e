package wire

import "fmt"

// ErrorCode is carried by an Err response kind. Codes at or above 0xFF00 are
// reserved for the transport itself; handlers use codes below that range.
type ErrorCode uint16

// Transport error codes.
const (
	// ErrCodeConnectionClosed (0xFF00): the connection closed before the response completed.
	ErrCodeConnectionClosed ErrorCode = 0xFF00
	// ErrCodeConnectionShutdown (0xFF01): the connection no longer accepts transactions.
	ErrCodeConnectionShutdown ErrorCode = 0xFF01
	// ErrCodeConnectionTransactionLimitReached (0xFF02): too many live transactions on this connection.
	ErrCodeConnectionTransactionLimitReached ErrorCode = 0xFF02
	// ErrCodeInstanceTransactionLimitReached (0xFF03): the application is not taking new transactions.
	ErrCodeInstanceTransactionLimitReached ErrorCode = 0xFF03
	// ErrCodeTransactionLagging (0xFF04): the transaction did not drain its request frames in time.
	ErrCodeTransactionLagging ErrorCode = 0xFF04
	// ErrCodeInternalServerError (0xFF05): unexpected failure inside the server.
	ErrCodeInternalServerError ErrorCode = 0xFF05
)

// Application error codes used by the bundled handlers.
const (
	ErrCodeBadRequest ErrorCode = 0x0400
	ErrCodeForbidden  ErrorCode = 0x0403
	ErrCodeNotFound   ErrorCode = 0x0404
)

// String returns the string representation of the ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrCodeConnectionClosed:
		return "CONNECTION_CLOSED"
	case ErrCodeConnectionShutdown:
		return "CONNECTION_SHUTDOWN"
	case ErrCodeConnectionTransactionLimitReached:
		return "CONNECTION_TRANSACTION_LIMIT_REACHED"
	case ErrCodeInstanceTransactionLimitReached:
		return "INSTANCE_TRANSACTION_LIMIT_REACHED"
	case ErrCodeTransactionLagging:
		return "TRANSACTION_LAGGING"
	case ErrCodeInternalServerError:
		return "INTERNAL_SERVER_ERROR"
	case ErrCodeBadRequest:
		return "BAD_REQUEST"
	case ErrCodeForbidden:
		return "FORBIDDEN"
	case ErrCodeNotFound:
		return "NOT_FOUND"
	default:
		return fmt.Sprintf("UNKNOWN_ERROR_CODE_%d", uint16(e))
	}
}

// IsTransport reports whether the code is in the range reserved for the transport.
func (e ErrorCode) IsTransport() bool { return e >= 0xFF00 }

// DecodeError reports a malformed frame that was skipped without losing
// framing. The connection can keep reading after a DecodeError.
type DecodeError struct {
	// ID is the transaction the frame was addressed to, valid when HasID is set.
	ID     TransactionID
	HasID  bool
	Reason string
}

// Error returns a string representation of the DecodeError.
func (e *DecodeError) Error() string {
	if e.HasID {
		return fmt.Sprintf("malformed frame for transaction %d: %s", e.ID, e.Reason)
	}
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

// NewDecodeError creates a DecodeError for the frame of transaction id.
func NewDecodeError(id TransactionID, reason string) *DecodeError {
	return &DecodeError{ID: id, HasID: true, Reason: reason}
}
