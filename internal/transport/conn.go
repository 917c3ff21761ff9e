package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"example.com/rpcmux/internal/wire"
)

// aLongTimeAgo is a non-zero time in the past, used to interrupt blocked reads.
var aLongTimeAgo = time.Unix(1, 0)

// Conn carries wire packets over a net.Conn. It serves both sides of the
// protocol: a server reads requests and writes responses, a client does the
// opposite. Reads and writes may run concurrently with each other, but only
// one read and one write may be in progress at a time.
type Conn struct {
	netConn net.Conn
	dec     *wire.Decoder

	readMu  sync.Mutex
	writeMu sync.Mutex
	enc     *wire.Encoder

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps nc.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		netConn: nc,
		dec:     wire.NewDecoder(nc),
		enc:     wire.NewEncoder(nc),
	}
}

// RemoteAddr returns the remote network address as a string.
func (c *Conn) RemoteAddr() string {
	if addr := c.netConn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// NetConn returns the underlying connection.
func (c *Conn) NetConn() net.Conn { return c.netConn }

// ReadRequest reads the next request packet. It returns io.EOF when the peer
// closed its side cleanly and *wire.DecodeError for a malformed frame that was
// skipped. If ctx is done while blocked, ctx.Err() is returned and the
// connection must not be read from again.
func (c *Conn) ReadRequest(ctx context.Context) (*wire.Request, error) {
	var req *wire.Request
	err := c.read(ctx, func() (err error) {
		req, err = c.dec.ReadRequest()
		return err
	})
	return req, err
}

// ReadResponse reads the next response packet, with the same error
// conventions as ReadRequest.
func (c *Conn) ReadResponse(ctx context.Context) (*wire.Response, error) {
	var res *wire.Response
	err := c.read(ctx, func() (err error) {
		res, err = c.dec.ReadResponse()
		return err
	})
	return res, err
}

func (c *Conn) read(ctx context.Context, fn func() error) error {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.netConn.SetReadDeadline(aLongTimeAgo)
	})
	err := fn()
	if !stop() {
		// The deadline fired; whatever fn returned is a consequence of it.
		return ctx.Err()
	}
	if err == nil || err == io.EOF {
		return err
	}
	var de *wire.DecodeError
	if errors.As(err, &de) {
		return err
	}
	return errors.Wrap(err, "failed to read packet")
}

// WriteRequest writes and flushes one request packet.
func (c *Conn) WriteRequest(ctx context.Context, req *wire.Request) error {
	return c.write(ctx, func() error { return c.enc.WriteRequest(req) })
}

// WriteResponse writes and flushes one response packet.
func (c *Conn) WriteResponse(ctx context.Context, res *wire.Response) error {
	return c.write(ctx, func() error { return c.enc.WriteResponse(res) })
}

func (c *Conn) write(ctx context.Context, fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.netConn.SetWriteDeadline(aLongTimeAgo)
	})
	err := fn()
	if err == nil {
		err = c.enc.Flush()
	}
	if !stop() {
		return ctx.Err()
	}
	if err != nil {
		return errors.Wrap(err, "failed to write packet")
	}
	return nil
}

// CloseWrite shuts down the writing side of a TCP or TLS connection, so the
// peer reads io.EOF while this side can still read.
func (c *Conn) CloseWrite() error {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.netConn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return errors.Errorf("connection type %T does not support half-close", c.netConn)
}

// Close closes the underlying connection. It is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.netConn.Close()
	})
	return c.closeErr
}

// Dial connects to address over TCP and, when tlsConfig is non-nil, performs
// a TLS handshake.
func Dial(ctx context.Context, address string, tlsConfig *tls.Config) (*Conn, error) {
	var (
		nc  net.Conn
		err error
	)
	if tlsConfig != nil {
		d := &tls.Dialer{Config: tlsConfig}
		nc, err = d.DialContext(ctx, "tcp", address)
	} else {
		var d net.Dialer
		nc, err = d.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", address)
	}
	return NewConn(nc), nil
}
