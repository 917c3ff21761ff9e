package server

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/rpcmux/internal/config"
	"example.com/rpcmux/internal/logger"
	"example.com/rpcmux/internal/session"
	"example.com/rpcmux/internal/testutil"
	"example.com/rpcmux/internal/transport"
	"example.com/rpcmux/internal/wire"
)

const testTimeout = 5 * time.Second

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func testServerConfig() *config.Config {
	cfg := &config.Config{Server: &config.ServerConfig{Address: strPtr("127.0.0.1:0")}}
	config.ApplyDefaults(cfg)
	return cfg
}

// echoRouter answers every transaction with the bytes of its request.
type echoRouter struct{}

func (echoRouter) ServeTransaction(ctx context.Context, txn *session.Transaction) {
	defer txn.Close()
	for {
		chunk, err := txn.Stream().Next(ctx)
		if err != nil {
			break
		}
		if txn.Sink().Send(ctx, chunk) != nil {
			return
		}
	}
	txn.Sink().Close()
}

func startServer(t *testing.T, cfg *config.Config, router RouterInterface) *Server {
	t.Helper()
	s, err := NewServer(cfg, logger.Nop(), router, NewHandlerRegistry())
	require.NoError(t, err)
	require.NoError(t, s.Listen())

	served := make(chan error, 1)
	go func() { served <- s.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		s.Shutdown(ctx)
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(testTimeout):
			t.Error("Serve did not return after Shutdown")
		}
	})
	return s
}

func dial(t *testing.T, s *Server) *transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	conn, err := transport.Dial(ctx, s.Addr().String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func begin(id wire.TransactionID, payload string, end bool) *wire.Request {
	var flags wire.RequestFlags
	if end {
		flags = wire.RequestFlagEndOfRequest
	}
	return &wire.Request{
		Header: wire.RequestHeader{ID: id, Flags: flags},
		Body: &wire.RequestBegin{
			Service:   wire.ServiceDescriptor{ID: 1, Version: wire.Version{Major: 1}},
			Procedure: wire.ProcedureDescriptor{ID: 1},
			Payload:   []byte(payload),
		},
	}
}

func frame(id wire.TransactionID, payload string, end bool) *wire.Request {
	var flags wire.RequestFlags
	if end {
		flags = wire.RequestFlagEndOfRequest
	}
	return &wire.Request{
		Header: wire.RequestHeader{ID: id, Flags: flags},
		Body:   &wire.RequestFrame{Payload: []byte(payload)},
	}
}

func send(t *testing.T, conn *transport.Conn, req *wire.Request) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, conn.WriteRequest(ctx, req))
}

func recv(t *testing.T, conn *transport.Conn) (*wire.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	return conn.ReadResponse(ctx)
}

func TestNewServer_Validation(t *testing.T) {
	valid := testServerConfig()
	badFormat := testServerConfig()
	badFormat.Session.ErrorFormat = strPtr("xml")
	badSession := testServerConfig()
	badSession.Session.PerTransactionRequestBufferSize = intPtr(0)
	noAddress := &config.Config{Server: &config.ServerConfig{}}
	missingCert := testServerConfig()
	missingCert.Server.TLSCertFile = strPtr("/nonexistent/cert.pem")
	missingCert.Server.TLSKeyFile = strPtr("/nonexistent/key.pem")

	tests := []struct {
		name     string
		cfg      *config.Config
		lg       *logger.Logger
		router   RouterInterface
		registry *HandlerRegistry
		wantErr  string
	}{
		{name: "nil config", lg: logger.Nop(), router: echoRouter{}, registry: NewHandlerRegistry(), wantErr: "config cannot be nil"},
		{name: "nil logger", cfg: valid, router: echoRouter{}, registry: NewHandlerRegistry(), wantErr: "logger cannot be nil"},
		{name: "nil router", cfg: valid, lg: logger.Nop(), registry: NewHandlerRegistry(), wantErr: "router cannot be nil"},
		{name: "nil registry", cfg: valid, lg: logger.Nop(), router: echoRouter{}, wantErr: "handler registry cannot be nil"},
		{name: "no address", cfg: noAddress, lg: logger.Nop(), router: echoRouter{}, registry: NewHandlerRegistry(), wantErr: "server.address"},
		{name: "bad error format", cfg: badFormat, lg: logger.Nop(), router: echoRouter{}, registry: NewHandlerRegistry(), wantErr: `unknown error format "xml"`},
		{name: "bad session", cfg: badSession, lg: logger.Nop(), router: echoRouter{}, registry: NewHandlerRegistry(), wantErr: "invalid session configuration"},
		{name: "missing certificate", cfg: missingCert, lg: logger.Nop(), router: echoRouter{}, registry: NewHandlerRegistry(), wantErr: "cert.pem"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewServer(tt.cfg, tt.lg, tt.router, tt.registry)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewSessionConfig(t *testing.T) {
	assert.Equal(t, session.DefaultSessionConfig(), NewSessionConfig(nil))
	assert.Equal(t, session.DefaultSessionConfig(), NewSessionConfig(&config.SessionConfig{}))

	noDelay := true
	limit := uint32(3)
	got := NewSessionConfig(&config.SessionConfig{
		NoDelay:                                    &noDelay,
		PerConnectionConcurrentTransactionLimit:    &limit,
		PerConnectionResponseBufferSize:            intPtr(4),
		PerTransactionRequestBufferSize:            intPtr(5),
		PerTransactionResponseByteStreamBufferSize: intPtr(6),
	})
	assert.Equal(t, session.SessionConfig{
		NoDelay:                                    true,
		PerConnectionConcurrentTransactionLimit:    3,
		PerConnectionResponseBufferSize:            4,
		PerTransactionRequestBufferSize:            5,
		PerTransactionResponseByteStreamBufferSize: 6,
	}, got)
}

func TestServer_AddrBeforeListen(t *testing.T) {
	s, err := NewServer(testServerConfig(), logger.Nop(), echoRouter{}, NewHandlerRegistry())
	require.NoError(t, err)
	assert.Nil(t, s.Addr())
	assert.Equal(t, 0, s.ActiveSessions())
}

func TestServer_Roundtrip(t *testing.T) {
	s := startServer(t, testServerConfig(), echoRouter{})
	conn := dial(t, s)

	send(t, conn, begin(1, "hello ", false))
	send(t, conn, begin(2, "other", true))
	send(t, conn, frame(1, "world", true))

	got := map[wire.TransactionID]string{}
	for ended := 0; ended < 2; {
		res, err := recv(t, conn)
		require.NoError(t, err)
		if b, ok := res.Body.(*wire.ResponseBegin); ok {
			assert.True(t, b.Kind.IsOk())
		}
		got[res.Header.ID] += string(res.Payload())
		if res.IsEnd() {
			ended++
		}
	}
	assert.Equal(t, map[wire.TransactionID]string{1: "hello world", 2: "other"}, got)
	assert.Equal(t, 1, s.ActiveSessions())
}

func TestServer_SessionDroppedEvent(t *testing.T) {
	s := startServer(t, testServerConfig(), echoRouter{})
	events, unsubscribe := s.Events().Subscribe(4)
	defer unsubscribe()

	conn := dial(t, s)
	require.Eventually(t, func() bool { return s.ActiveSessions() == 1 }, testTimeout, 5*time.Millisecond)
	conn.Close()

	select {
	case ev := <-events:
		assert.IsType(t, session.SessionDropped{}, ev)
	case <-time.After(testTimeout):
		t.Fatal("no SessionDropped event")
	}
	require.Eventually(t, func() bool { return s.ActiveSessions() == 0 }, testTimeout, 5*time.Millisecond)
}

// blockingRouter holds every transaction until its request ends or its
// context is cancelled.
type blockingRouter struct {
	started chan wire.TransactionID
}

func (r blockingRouter) ServeTransaction(ctx context.Context, txn *session.Transaction) {
	defer txn.Close()
	r.started <- txn.ID()
	var body []byte
	for {
		chunk, err := txn.Stream().Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return
		}
		body = append(body, chunk...)
	}
	txn.Sink().Send(ctx, body)
	txn.Sink().Close()
}

func TestServer_GracefulShutdown(t *testing.T) {
	router := blockingRouter{started: make(chan wire.TransactionID, 4)}
	cfg := testServerConfig()
	s, err := NewServer(cfg, logger.Nop(), router, NewHandlerRegistry())
	require.NoError(t, err)
	require.NoError(t, s.Listen())
	go s.Serve()

	conn := dial(t, s)
	send(t, conn, begin(1, "live ", false))
	select {
	case <-router.started:
	case <-time.After(testTimeout):
		t.Fatal("transaction was not dispatched")
	}

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- s.Shutdown(context.Background()) }()

	// Wait until the connection's output is closed.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, ac := range s.activeConns {
			if !ac.task.Output().IsClosed() {
				return false
			}
		}
		return true
	}, testTimeout, 5*time.Millisecond)

	send(t, conn, begin(2, "too late", true))
	res, err := recv(t, conn)
	require.NoError(t, err)
	assert.Equal(t, wire.TransactionID(2), res.Header.ID)
	assert.Equal(t, wire.ErrCodeConnectionShutdown, res.Body.(*wire.ResponseBegin).Kind.Code())

	send(t, conn, frame(1, "transaction", true))
	res, err = recv(t, conn)
	require.NoError(t, err)
	assert.Equal(t, wire.TransactionID(1), res.Header.ID)
	assert.Equal(t, "live transaction", string(res.Payload()))
	assert.True(t, res.IsEnd())

	_, err = recv(t, conn)
	assert.Equal(t, io.EOF, err, "the connection closes once its last transaction ends")

	select {
	case err := <-shutdownErr:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Shutdown did not return")
	}
	assert.Equal(t, 0, s.ActiveSessions())
}

func TestServer_ShutdownTimeoutForcesClose(t *testing.T) {
	router := blockingRouter{started: make(chan wire.TransactionID, 4)}
	cfg := testServerConfig()
	cfg.Server.GracefulShutdownTimeout = &config.Duration{Duration: 50 * time.Millisecond}
	s, err := NewServer(cfg, logger.Nop(), router, NewHandlerRegistry())
	require.NoError(t, err)
	require.NoError(t, s.Listen())
	go s.Serve()

	conn := dial(t, s)
	send(t, conn, begin(1, "never ends", false))
	<-router.started

	start := time.Now()
	require.NoError(t, s.Shutdown(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, s.ActiveSessions())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done is not closed after Shutdown")
	}
}

func TestServer_ShutdownContext(t *testing.T) {
	router := blockingRouter{started: make(chan wire.TransactionID, 4)}
	s, err := NewServer(testServerConfig(), logger.Nop(), router, NewHandlerRegistry())
	require.NoError(t, err)
	require.NoError(t, s.Listen())
	go s.Serve()

	conn := dial(t, s)
	send(t, conn, begin(1, "never ends", false))
	<-router.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, s.Shutdown(context.Background()), context.DeadlineExceeded, "later calls report the same result")
}

func TestServer_ConnectionsAfterShutdownAreRefused(t *testing.T) {
	s, err := NewServer(testServerConfig(), logger.Nop(), echoRouter{}, NewHandlerRegistry())
	require.NoError(t, err)
	require.NoError(t, s.Listen())
	addr := s.Addr().String()
	served := make(chan error, 1)
	go func() { served <- s.Serve() }()

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, <-served)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = transport.Dial(ctx, addr, nil)
	assert.Error(t, err)
}

func TestServer_TLS(t *testing.T) {
	pair, err := testutil.GenerateCertKeyPair("localhost")
	require.NoError(t, err)
	certFile, keyFile, err := pair.WriteFiles(t)
	require.NoError(t, err)

	cfg := testServerConfig()
	cfg.Server.TLSCertFile = &certFile
	cfg.Server.TLSKeyFile = &keyFile
	s := startServer(t, cfg, echoRouter{})

	clientTLS, err := pair.ClientTLSConfig()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	conn, err := transport.Dial(ctx, s.Addr().String(), clientTLS)
	require.NoError(t, err)
	defer conn.Close()

	send(t, conn, begin(7, "secret", true))
	res, err := recv(t, conn)
	require.NoError(t, err)
	assert.Equal(t, wire.TransactionID(7), res.Header.ID)
	assert.Equal(t, "secret", string(res.Payload()))
	assert.True(t, res.IsEnd())
}

func TestServer_JSONErrors(t *testing.T) {
	cfg := testServerConfig()
	cfg.Session.ErrorFormat = strPtr(config.ErrorFormatJSON)
	cfg.Session.PerConnectionConcurrentTransactionLimit = new(uint32)
	s := startServer(t, cfg, echoRouter{})
	conn := dial(t, s)

	send(t, conn, begin(3, "rejected", true))
	res, err := recv(t, conn)
	require.NoError(t, err)
	assert.Equal(t, wire.ErrCodeConnectionTransactionLimitReached, res.Body.(*wire.ResponseBegin).Kind.Code())
	assert.Contains(t, string(res.Payload()), `"name":"CONNECTION_TRANSACTION_LIMIT_REACHED"`)
}
