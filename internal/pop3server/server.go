// Package pop3server implements the POP3 Server Engine (PSE): the RFC 1939
// AUTHORIZATION/TRANSACTION/UPDATE state machine, RFC 2449 CAPA, and RFC
// 2595 STLS. Unlike SSE there is no third-party POP3 server library
// anywhere in the retrieval pack, so the line protocol is hand-rolled in
// the teacher's own idiom: grounded on server/pop3/server.go's
// listener/accept-loop shape and server/pop3/session.go's per-connection
// command loop, both trimmed of PROXY protocol, XCLIENT, S3/cache storage
// tiers, and master-user impersonation, none of which this system has.
package pop3server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/mailstack/mailstack/internal/auth"
	"github.com/mailstack/mailstack/internal/config"
	"github.com/mailstack/mailstack/internal/content"
	"github.com/mailstack/mailstack/internal/logger"
	"github.com/mailstack/mailstack/internal/metrics"
	"github.com/mailstack/mailstack/internal/server"
	"github.com/mailstack/mailstack/internal/store"
	"github.com/mailstack/mailstack/internal/tlsconfig"
)

// Server owns the listener and PSE's shared collaborators; Session holds
// per-connection state.
type Server struct {
	cfg     config.POP3Config
	auth    *auth.Module
	content *content.Manager
	store   *store.Store
	tlsCfg  *tls.Config
	limiter *server.ConnectionLimiter

	listener net.Listener
}

// New builds the PSE listener from configuration and its collaborators.
// The returned Server has not started listening yet; call Start.
func New(cfg config.POP3Config, am *auth.Module, cm *content.Manager, ds *store.Store) (*Server, error) {
	tlsCfg, err := tlsconfig.Build(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("pop3server: %w", err)
	}

	limiter := server.NewConnectionLimiter("POP3", cfg.MaxConnections, cfg.MaxConnsPerIP, cfg.TrustedNetworks)

	return &Server{
		cfg:     cfg,
		auth:    am,
		content: cm,
		store:   ds,
		tlsCfg:  tlsCfg,
		limiter: limiter,
	}, nil
}

// Start binds the listener and serves until Close is called or an
// unrecoverable error occurs, in which case it is sent to errChan. Mirrors
// smtpserver.Server.Start's wrapping order: raw TCP, optional implicit
// TLS, idle/absolute timeout, then admission gate.
func (s *Server) Start(errChan chan<- error) {
	tcpListener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		errChan <- fmt.Errorf("pop3server: failed to listen on %s: %w", s.cfg.Addr, err)
		return
	}

	var listener net.Listener = tcpListener
	if s.tlsCfg != nil && s.cfg.TLS.Implicit {
		listener = tls.NewListener(tcpListener, s.tlsCfg)
		logger.Info("pop3server: listening with implicit TLS", "addr", s.cfg.Addr)
	} else {
		logger.Info("pop3server: listening", "addr", s.cfg.Addr, "stls", s.tlsCfg != nil)
	}

	idleTimeout, err := s.cfg.GetIdleTimeout()
	if err != nil {
		errChan <- fmt.Errorf("pop3server: invalid idle_timeout: %w", err)
		return
	}
	totalTimeout, err := s.cfg.GetTotalTimeout()
	if err != nil {
		errChan <- fmt.Errorf("pop3server: invalid total_timeout: %w", err)
		return
	}
	listener = server.NewTimeoutListener(listener, server.TimeoutConnConfig{
		Protocol:        "POP3",
		IdleTimeout:     idleTimeout,
		AbsoluteTimeout: totalTimeout,
		OnTimeout: func(conn net.Conn, reason string) {
			metrics.ConnectionTimeoutsTotal.WithLabelValues("pop3", reason).Inc()
			fmt.Fprintf(conn, "-ERR [IN-USE] %s timeout, please reconnect\r\n", reason)
		},
	})

	s.listener = &limitingListener{Listener: listener, limiter: s.limiter}
	s.limiter.StartCleanup(context.Background())

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			errChan <- fmt.Errorf("pop3server: serve error: %w", err)
			return
		}

		metrics.ConnectionsTotal.WithLabelValues("pop3").Inc()
		metrics.ConnectionsCurrent.WithLabelValues("pop3").Inc()

		sess := newSession(s, conn)
		go sess.handleConnection()
	}
}

// Close stops accepting new connections by closing the listener; in-flight
// sessions are left to finish within the caller's grace period.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// limitingListener enforces PSE's admission gate the same way SSE's does: a
// connection over either limit is rejected synchronously, with POP3's own
// busy reply, before the session is ever constructed.
type limitingListener struct {
	net.Listener
	limiter *server.ConnectionLimiter
}

func (l *limitingListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		release, err := l.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			metrics.ConnectionsRejected.WithLabelValues("pop3", "limit").Inc()
			logger.Debug("pop3server: connection rejected", "remote", conn.RemoteAddr(), "error", err)
			fmt.Fprintf(conn, "-ERR [SYS/TEMP] %s\r\n", err)
			conn.Close()
			continue
		}
		return &releasingConn{Conn: conn, release: release}, nil
	}
}

type releasingConn struct {
	net.Conn
	release func()
	once    bool
}

func (c *releasingConn) Close() error {
	if !c.once {
		c.once = true
		c.release()
	}
	return c.Conn.Close()
}
