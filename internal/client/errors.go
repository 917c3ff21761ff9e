package client

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConnectionClosed is returned by Call once Shutdown or Close has been
	// called, and reported by streams whose connection went away.
	ErrConnectionClosed = errors.New("connection is closed")
	// ErrResponseDropped is reported by a ResponseStream whose consumer did
	// not keep up with the response within the delivery deadline.
	ErrResponseDropped = errors.New("response has been dropped, because it was not consumed in time")
	// ErrIncompleteResponse is returned by ReadAll when the response ended
	// without EndOfResponse.
	ErrIncompleteResponse = errors.New("response ended before EndOfResponse")
)

// ConnectionPartiallyClosedError is returned by Call when the read or write
// side of the connection has stopped.
type ConnectionPartiallyClosedError struct {
	Read  bool
	Write bool
}

func (e *ConnectionPartiallyClosedError) Error() string {
	return fmt.Sprintf("connection has been partially closed (read: %t, write: %t)", e.Read, e.Write)
}
