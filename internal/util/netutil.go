package util

import (
	"crypto/tls"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/net/netutil"
)

// CreateListener creates a TCP listener on address. When maxConns is
// positive, at most maxConns accepted connections may be open at once; further
// Accept calls block until one of them is closed.
func CreateListener(network, address string, maxConns int) (net.Listener, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, errors.Errorf("unsupported network type: %s, only 'tcp', 'tcp4', or 'tcp6' are supported for CreateListener", network)
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s %s", network, address)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}

// WrapTLS wraps ln so that accepted connections perform a server-side TLS
// handshake with the key pair loaded from certFile and keyFile.
func WrapTLS(ln net.Listener, certFile, keyFile string) (net.Listener, error) {
	config, err := LoadServerTLSConfig(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, config), nil
}

// LoadServerTLSConfig loads a certificate and key into a TLS config for a listener.
func LoadServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load TLS key pair (cert %q, key %q)", certFile, keyFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// IsAddrInUse checks if the error indicates an "address already in use" condition.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		if sysErr.Err == syscall.EADDRINUSE {
			return true
		}
	}
	// net.OpError does not always expose the errno.
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}

// IsClosedConnError reports whether err is the result of using a connection or
// listener after it was closed.
func IsClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed)
}
