package transport

import (
	"crypto/tls"
	"net"

	"github.com/pkg/errors"

	"example.com/rpcmux/internal/util"
)

// Listener accepts connections and wraps them as *Conn.
type Listener struct {
	ln net.Listener
}

// Listen opens a TCP listener on address. maxConns > 0 bounds the number of
// simultaneously open accepted connections. A non-nil tlsConfig makes every
// accepted connection a TLS server connection.
func Listen(address string, maxConns int, tlsConfig *tls.Config) (*Listener, error) {
	ln, err := util.CreateListener("tcp", address, maxConns)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	return &Listener{ln: ln}, nil
}

// NewListener wraps an existing listener.
func NewListener(ln net.Listener) *Listener { return &Listener{ln: ln} }

// Accept waits for the next connection. After Close it returns an error
// matching net.ErrClosed.
func (l *Listener) Accept() (*Conn, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, errors.Wrap(err, "failed to accept connection")
	}
	return NewConn(nc), nil
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops the listener. Already accepted connections are not affected.
func (l *Listener) Close() error { return l.ln.Close() }
