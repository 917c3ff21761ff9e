// Package client multiplexes calls over a single rpcmux connection. Each
// call gets a transaction id, sends its request as a Begin followed by
// frames, and reads its response through a ResponseStream.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"example.com/rpcmux/internal/logger"
	"example.com/rpcmux/internal/transport"
	"example.com/rpcmux/internal/wire"
)

// RequestSink accepts request packets. *transport.Conn implements it.
type RequestSink interface {
	WriteRequest(ctx context.Context, req *wire.Request) error
}

// ResponseSource yields response packets. *transport.Conn implements it.
// ReadResponse must return promptly once ctx is done.
type ResponseSource interface {
	ReadResponse(ctx context.Context) (*wire.Response, error)
}

// Connection is the client end of an rpcmux connection. It is safe for
// concurrent use.
type Connection struct {
	sink   RequestSink
	source ResponseSource
	closer io.Closer
	cfg    Config
	log    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	transactions *transactionCollection
	requests     chan *wire.Request
	closing      atomic.Bool

	readDone  chan struct{}
	writeDone chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New starts a connection reading responses from source and writing
// requests to sink. Neither is closed by the connection.
func New(sink RequestSink, source ResponseSource, cfg Config, lg *logger.Logger) (*Connection, error) {
	return newConnection(sink, source, nil, cfg, lg)
}

// Wrap starts a connection over conn and takes ownership of it.
func Wrap(conn *transport.Conn, cfg Config, lg *logger.Logger) (*Connection, error) {
	return newConnection(conn, conn, conn, cfg, lg)
}

// Dial connects to address, with TLS when tlsConfig is non-nil.
func Dial(ctx context.Context, address string, tlsConfig *tls.Config, cfg Config, lg *logger.Logger) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid client config")
	}
	conn, err := transport.Dial(ctx, address, tlsConfig)
	if err != nil {
		return nil, err
	}
	if lg != nil {
		lg = lg.With(logger.LogFields{"peer": conn.RemoteAddr()})
	}
	return Wrap(conn, cfg, lg)
}

func newConnection(sink RequestSink, source ResponseSource, closer io.Closer, cfg Config, lg *logger.Logger) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid client config")
	}
	if lg == nil {
		lg = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		sink:         sink,
		source:       source,
		closer:       closer,
		cfg:          cfg,
		log:          lg,
		ctx:          ctx,
		cancel:       cancel,
		transactions: newTransactionCollection(),
		requests:     make(chan *wire.Request, cfg.RequestBufferSize),
		readDone:     make(chan struct{}),
		writeDone:    make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// Call starts a transaction sending payload to procedure of service. The
// payload is read and sent in the background; a nil payload sends an empty
// request. Cancelling ctx abandons the call.
func (c *Connection) Call(ctx context.Context, service wire.ServiceDescriptor, procedure wire.ProcedureDescriptor, payload io.Reader) (*ResponseStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.closing.Load() {
		return nil, ErrConnectionClosed
	}
	if read, write := isDone(c.readDone), isDone(c.writeDone); read || write {
		return nil, &ConnectionPartiallyClosedError{Read: read, Write: write}
	}
	if payload == nil {
		payload = bytes.NewReader(nil)
	}

	txn, err := c.transactions.acquire(ctx, c.ctx, c.cfg.ResponseBufferSize)
	if err != nil {
		return nil, err
	}
	w := &requestWriter{
		txn:       txn,
		service:   service,
		procedure: procedure,
		noDelay:   c.cfg.NoDelay,
		emit:      c.emit,
	}
	go func() {
		defer c.transactions.release(txn)
		if err := w.run(payload); err != nil {
			c.log.Debug("Request was not sent completely", logger.LogFields{
				"transaction_id": txn.id,
				"error":          err.Error(),
			})
		}
	}()
	return newResponseStream(txn, c.transactions), nil
}

func (c *Connection) emit(ctx context.Context, req *wire.Request) error {
	select {
	case c.requests <- req:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-c.writeDone:
		return ErrConnectionClosed
	}
}

func (c *Connection) writeLoop() {
	defer close(c.writeDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case req := <-c.requests:
			if err := c.sink.WriteRequest(c.ctx, req); err != nil {
				if c.ctx.Err() == nil {
					c.log.Warn("Connection write failed", logger.LogFields{"error": err.Error()})
				}
				return
			}
		}
	}
}

func (c *Connection) readLoop() {
	defer close(c.readDone)
	defer func() {
		for _, txn := range c.transactions.close() {
			txn.closeResponses(ErrConnectionClosed)
		}
	}()
	for {
		res, err := c.source.ReadResponse(c.ctx)
		if err != nil {
			var de *wire.DecodeError
			if errors.As(err, &de) {
				c.log.Warn("Skipping malformed response", logger.LogFields{"error": de.Error()})
				continue
			}
			if err != io.EOF && c.ctx.Err() == nil {
				c.log.Warn("Connection read failed", logger.LogFields{"error": err.Error()})
			}
			return
		}
		c.route(res)
	}
}

func (c *Connection) route(res *wire.Response) {
	id := res.Header.ID
	txn := c.transactions.get(id)
	if txn == nil {
		c.log.Debug("Dropping response for unknown transaction", logger.LogFields{"transaction_id": id})
		return
	}
	if txn.deliver(res, c.cfg.ResponseDeliveryDeadline) == deliverDropped {
		c.log.Warn("Response is not being consumed, dropping it", logger.LogFields{"transaction_id": id})
	}
}

// IsHealthy reports whether both directions of the connection still run.
func (c *Connection) IsHealthy() bool {
	return !c.closing.Load() && !isDone(c.readDone) && !isDone(c.writeDone)
}

// Shutdown stops accepting calls and waits for the live ones to be closed
// before closing the connection. When ctx ends first the connection is
// closed anyway and ctx.Err() is returned.
func (c *Connection) Shutdown(ctx context.Context) error {
	c.closing.Store(true)
	for c.transactions.Len() > 0 {
		select {
		case <-c.transactions.emptied:
		case <-ctx.Done():
			_ = c.Close()
			return ctx.Err()
		}
	}
	return c.Close()
}

// Close closes the connection immediately. Responses in progress end with
// ErrConnectionClosed.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.cancel()
		if c.closer != nil {
			c.closeErr = c.closer.Close()
		}
		<-c.readDone
		<-c.writeDone
	})
	return c.closeErr
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
