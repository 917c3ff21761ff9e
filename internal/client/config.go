package client

import (
	"time"

	"github.com/pkg/errors"
)

// Config governs the buffering of a client connection. It is immutable once
// the connection has been created.
type Config struct {
	// NoDelay sends every chunk read from a request payload as its own packet
	// instead of coalescing chunks up to wire.MaxPayloadSize.
	NoDelay bool
	// RequestBufferSize is the capacity of the queue of outgoing request
	// packets shared by every transaction of the connection.
	RequestBufferSize int
	// ResponseBufferSize is the number of response packets buffered per
	// transaction before the reader starts waiting for the consumer.
	ResponseBufferSize int
	// ResponseDeliveryDeadline bounds that wait. A consumer that does not
	// catch up in time loses the rest of its response, so a single slow
	// transaction cannot stall the connection.
	ResponseDeliveryDeadline time.Duration
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		RequestBufferSize:        16,
		ResponseBufferSize:       16,
		ResponseDeliveryDeadline: 100 * time.Millisecond,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.RequestBufferSize <= 0 {
		return errors.Errorf("request buffer size must be positive, got %d", c.RequestBufferSize)
	}
	if c.ResponseBufferSize <= 0 {
		return errors.Errorf("response buffer size must be positive, got %d", c.ResponseBufferSize)
	}
	if c.ResponseDeliveryDeadline <= 0 {
		return errors.Errorf("response delivery deadline must be positive, got %s", c.ResponseDeliveryDeadline)
	}
	return nil
}
