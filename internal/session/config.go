package session

import "github.com/pkg/errors"

// SessionConfig governs every capacity and flush-policy decision of a
// connection. It is immutable once a ConnectionTask is created.
type SessionConfig struct {
	// NoDelay flushes every response chunk immediately instead of coalescing
	// chunks up to wire.MaxPayloadSize.
	NoDelay bool

	// PerConnectionConcurrentTransactionLimit bounds the live transactions of
	// one connection. Zero rejects every transaction.
	PerConnectionConcurrentTransactionLimit uint32

	// PerConnectionResponseBufferSize is the capacity of both the accepted
	// transaction queue and the shared outgoing packet queue.
	PerConnectionResponseBufferSize int

	// PerTransactionRequestBufferSize is how many request frames may be
	// buffered for a transaction before it is considered lagging.
	PerTransactionRequestBufferSize int

	// PerTransactionResponseByteStreamBufferSize is how many response chunks
	// may be buffered between a TransactionSink and its packetizer.
	PerTransactionResponseByteStreamBufferSize int
}

// DefaultSessionConfig returns the default configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		NoDelay:                                    false,
		PerConnectionConcurrentTransactionLimit:    256,
		PerConnectionResponseBufferSize:            16,
		PerTransactionRequestBufferSize:            16,
		PerTransactionResponseByteStreamBufferSize: 16,
	}
}

// Validate checks that every buffer size is non-zero.
func (c SessionConfig) Validate() error {
	if c.PerConnectionResponseBufferSize <= 0 {
		return errors.Errorf("per-connection response buffer size must be positive, got %d", c.PerConnectionResponseBufferSize)
	}
	if c.PerTransactionRequestBufferSize <= 0 {
		return errors.Errorf("per-transaction request buffer size must be positive, got %d", c.PerTransactionRequestBufferSize)
	}
	if c.PerTransactionResponseByteStreamBufferSize <= 0 {
		return errors.Errorf("per-transaction response byte stream buffer size must be positive, got %d", c.PerTransactionResponseByteStreamBufferSize)
	}
	return nil
}

func (c SessionConfig) flushPolicy() flushPolicy {
	if c.NoDelay {
		return flushNoDelay
	}
	return flushDelay
}
