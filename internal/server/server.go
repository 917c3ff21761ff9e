package server

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"example.com/rpcmux/internal/config"
	"example.com/rpcmux/internal/logger"
	"example.com/rpcmux/internal/session"
	"example.com/rpcmux/internal/transport"
	"example.com/rpcmux/internal/util"
)

// NewSessionConfig converts the defaulted session section of the
// configuration into a session.SessionConfig. Unset fields keep the session
// package defaults.
func NewSessionConfig(c *config.SessionConfig) session.SessionConfig {
	sc := session.DefaultSessionConfig()
	if c == nil {
		return sc
	}
	if c.NoDelay != nil {
		sc.NoDelay = *c.NoDelay
	}
	if c.PerConnectionConcurrentTransactionLimit != nil {
		sc.PerConnectionConcurrentTransactionLimit = *c.PerConnectionConcurrentTransactionLimit
	}
	if c.PerConnectionResponseBufferSize != nil {
		sc.PerConnectionResponseBufferSize = *c.PerConnectionResponseBufferSize
	}
	if c.PerTransactionRequestBufferSize != nil {
		sc.PerTransactionRequestBufferSize = *c.PerTransactionRequestBufferSize
	}
	if c.PerTransactionResponseByteStreamBufferSize != nil {
		sc.PerTransactionResponseByteStreamBufferSize = *c.PerTransactionResponseByteStreamBufferSize
	}
	return sc
}

// activeConn is a connection currently served by the server.
type activeConn struct {
	task *session.ConnectionTask
	conn *transport.Conn
}

// Server accepts connections, runs a session.ConnectionTask for each of them
// and dispatches accepted transactions to the router.
type Server struct {
	cfg             *config.Config
	log             *logger.Logger
	router          RouterInterface
	handlerRegistry *HandlerRegistry

	sessionConfig session.SessionConfig
	errorEncoder  session.ErrorEncoder
	tlsConfig     *tls.Config
	events        *session.EventBus

	mu          sync.Mutex
	listener    *transport.Listener
	activeConns map[session.SessionID]*activeConn
	connWG      sync.WaitGroup

	// baseCtx parents every ConnectionTask; cancelling it force-closes them.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	shutdownOnce sync.Once
	shutdownChan chan struct{} // closed when shutdown begins
	doneChan     chan struct{} // closed when shutdown has completed
	shutdownErr  error
	reloadChan   chan os.Signal
}

// NewServer creates a Server from a loaded and validated configuration.
func NewServer(cfg *config.Config, lg *logger.Logger, router RouterInterface, registry *HandlerRegistry) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if lg == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if router == nil {
		return nil, errors.New("router cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("handler registry cannot be nil")
	}
	if cfg.Server == nil || cfg.Server.Address == nil {
		return nil, errors.New("server listen address (server.address) is not configured")
	}

	sessionConfig := NewSessionConfig(cfg.Session)
	if err := sessionConfig.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid session configuration")
	}

	format := ""
	if cfg.Session != nil && cfg.Session.ErrorFormat != nil {
		format = *cfg.Session.ErrorFormat
	}
	encoder, err := NewErrorEncoder(format, lg)
	if err != nil {
		return nil, err
	}

	var tlsConfig *tls.Config
	if cfg.Server.TLSCertFile != nil && *cfg.Server.TLSCertFile != "" {
		keyFile := ""
		if cfg.Server.TLSKeyFile != nil {
			keyFile = *cfg.Server.TLSKeyFile
		}
		tlsConfig, err = util.LoadServerTLSConfig(*cfg.Server.TLSCertFile, keyFile)
		if err != nil {
			return nil, err
		}
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	return &Server{
		cfg:             cfg,
		log:             lg,
		router:          router,
		handlerRegistry: registry,
		sessionConfig:   sessionConfig,
		errorEncoder:    encoder,
		tlsConfig:       tlsConfig,
		events:          session.NewEventBus(),
		activeConns:     make(map[session.SessionID]*activeConn),
		baseCtx:         baseCtx,
		cancelBase:      cancelBase,
		shutdownChan:    make(chan struct{}),
		doneChan:        make(chan struct{}),
		reloadChan:      make(chan os.Signal, 1),
	}, nil
}

// Events returns the bus on which session events are published.
func (s *Server) Events() *session.EventBus { return s.events }

// Listen opens the configured listener. It is called by Start and may be
// called beforehand to learn the bound address.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	maxConns := 0
	if s.cfg.Server.MaxConnections != nil {
		maxConns = *s.cfg.Server.MaxConnections
	}
	ln, err := transport.Listen(*s.cfg.Server.Address, maxConns, s.tlsConfig)
	if err != nil {
		if util.IsAddrInUse(err) {
			s.log.Error("Listen address already in use", logger.LogFields{"address": *s.cfg.Server.Address})
		}
		return errors.Wrapf(err, "failed to create listener on %s", *s.cfg.Server.Address)
	}
	s.listener = ln
	s.log.Info("Listening", logger.LogFields{
		"address":         ln.Addr().String(),
		"tls":             s.tlsConfig != nil,
		"max_connections": maxConns,
		"no_delay":        s.sessionConfig.NoDelay,
	})
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveSessions returns the number of connections being served.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeConns)
}

// Start listens, serves connections and handles signals until the server has
// shut down: SIGINT and SIGTERM trigger a graceful shutdown, SIGHUP reopens
// log files. It returns the shutdown error, if any.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	signal.Notify(s.reloadChan, syscall.SIGHUP)
	defer signal.Stop(sigs)
	defer signal.Stop(s.reloadChan)

	go func() {
		for {
			select {
			case sig := <-sigs:
				s.log.Info("Received signal, shutting down", logger.LogFields{"signal": sig.String()})
				_ = s.Shutdown(context.Background())
				return
			case <-s.reloadChan:
				s.log.Info("Received SIGHUP, reopening log files", nil)
				if err := s.log.ReopenLogFiles(); err != nil {
					s.log.Error("Failed to reopen log files", logger.LogFields{"error": err.Error()})
				}
			case <-s.shutdownChan:
				return
			}
		}
	}()

	if err := s.Serve(); err != nil {
		return err
	}
	<-s.doneChan
	return s.shutdownErr
}

// Serve accepts connections until the listener is closed. It returns nil if
// the listener was closed by Shutdown.
func (s *Server) Serve() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	events, unsubscribe := s.events.Subscribe(64)
	defer unsubscribe()
	go s.logEvents(events)

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdownChan:
				return nil
			default:
			}
			if util.IsClosedConnError(err) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.log.Warn("Accept failed, retrying", logger.LogFields{"error": err.Error(), "backoff": backoff.String()})
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		s.startConn(conn)
	}
}

func (s *Server) logEvents(events <-chan session.SessionEvent) {
	for ev := range events {
		switch ev := ev.(type) {
		case session.SessionDropped:
			s.log.Debug("Session dropped", logger.LogFields{"session_id": ev.ID.String()})
		}
	}
}

func (s *Server) startConn(conn *transport.Conn) {
	s.mu.Lock()
	select {
	case <-s.shutdownChan:
		// Shutdown raced with Accept.
		s.mu.Unlock()
		conn.Close()
		return
	default:
	}

	id := session.NewSessionID()
	task, err := session.NewConnectionTask(conn.RemoteAddr(), id, s.sessionConfig, s.events, s.log, session.WithErrorEncoder(s.errorEncoder))
	if err != nil {
		s.mu.Unlock()
		s.log.Error("Failed to create connection task", logger.LogFields{"error": err.Error()})
		conn.Close()
		return
	}
	s.activeConns[id] = &activeConn{task: task, conn: conn}
	s.connWG.Add(1)
	s.mu.Unlock()

	go s.serveConn(id, task, conn)
}

func (s *Server) serveConn(id session.SessionID, task *session.ConnectionTask, conn *transport.Conn) {
	defer s.connWG.Done()
	lg := s.log.With(logger.LogFields{"session_id": id.String(), "peer": conn.RemoteAddr()})
	lg.Debug("Connection accepted", nil)

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		var handlers sync.WaitGroup
		for txn := range task.Output().C() {
			handlers.Add(1)
			go func(txn *session.Transaction) {
				defer handlers.Done()
				s.router.ServeTransaction(txn.Context(), txn)
			}(txn)
		}
		handlers.Wait()
	}()

	if err := task.Run(s.baseCtx, conn, conn); err != nil {
		lg.Warn("Connection terminated with error", logger.LogFields{"error": err.Error()})
	} else {
		lg.Debug("Connection closed", nil)
	}
	conn.Close()
	<-dispatchDone

	s.mu.Lock()
	delete(s.activeConns, id)
	s.mu.Unlock()
}

// Shutdown stops accepting connections and closes the output queue of every
// session, so live transactions finish but no new ones start. It waits for
// every connection to terminate, up to the configured graceful shutdown
// timeout or until ctx is done, and then force-closes the rest.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		defer close(s.doneChan)
		close(s.shutdownChan)

		s.mu.Lock()
		if s.listener != nil {
			if err := s.listener.Close(); err != nil && !util.IsClosedConnError(err) {
				s.shutdownErr = errors.Wrap(err, "failed to close listener")
			}
		}
		for _, ac := range s.activeConns {
			ac.task.Output().Close()
		}
		active := len(s.activeConns)
		s.mu.Unlock()

		timeout := config.DefaultGracefulShutdownTimeout
		if s.cfg.Server.GracefulShutdownTimeout != nil {
			timeout = s.cfg.Server.GracefulShutdownTimeout.Duration
		}
		s.log.Info("Shutting down", logger.LogFields{"active_sessions": active, "timeout": timeout.String()})

		drained := make(chan struct{})
		go func() {
			s.connWG.Wait()
			close(drained)
		}()

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-drained:
			s.log.Info("All sessions drained", nil)
		case <-timer.C:
			s.log.Warn("Graceful shutdown timed out, closing remaining sessions", logger.LogFields{"remaining": s.ActiveSessions()})
		case <-ctx.Done():
			s.log.Warn("Shutdown context done, closing remaining sessions", logger.LogFields{"remaining": s.ActiveSessions()})
			if s.shutdownErr == nil {
				s.shutdownErr = ctx.Err()
			}
		}
		s.cancelBase()
		<-drained
	})
	<-s.doneChan
	return s.shutdownErr
}

// Done is closed once Shutdown has completed.
func (s *Server) Done() <-chan struct{} { return s.doneChan }
