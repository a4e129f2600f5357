// Package smtpserver implements the SMTP Server Engine (SSE): the receive
// side RFC 5321 state machine, wired on top of github.com/emersion/go-smtp
// rather than hand-rolled line parsing, in the same style the teacher wires
// github.com/emersion/go-smtp for its LMTP listener in server/lmtp/server.go
// — connection-limiting listener wrapper, idle/absolute timeout wrapper,
// and a constructor that builds a *smtp.Server around a Backend. SSE runs
// go-smtp in plain SMTP mode (LMTP is never enabled: nothing in this system
// needs multi-recipient per-RCPT delivery status, which is LMTP's reason to
// exist over SMTP).
package smtpserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/mailstack/mailstack/internal/auth"
	"github.com/mailstack/mailstack/internal/config"
	"github.com/mailstack/mailstack/internal/content"
	"github.com/mailstack/mailstack/internal/logger"
	"github.com/mailstack/mailstack/internal/metrics"
	"github.com/mailstack/mailstack/internal/server"
	"github.com/mailstack/mailstack/internal/store"
	"github.com/mailstack/mailstack/internal/tlsconfig"
)

// Server owns the listener and the underlying *smtp.Server.
type Server struct {
	cfg      config.SMTPConfig
	backend  *Backend
	inner    *gosmtp.Server
	limiter  *server.ConnectionLimiter
	tlsCfg   *tls.Config
	listener net.Listener
}

// New builds the SSE listener from configuration and its collaborators
// (AM, CM, DS). The returned Server has not started listening yet; call
// Start.
func New(cfg config.SMTPConfig, am *auth.Module, cm *content.Manager, ds *store.Store) (*Server, error) {
	tlsCfg, err := tlsconfig.Build(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("smtpserver: %w", err)
	}

	backend := NewBackend(cfg.Hostname, cfg.AuthRequired, cfg.MaxMessageBytes, am, cm, ds)

	s := gosmtp.NewServer(backend)
	s.Addr = cfg.Addr
	s.Domain = cfg.Hostname
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.MaxLineLength = 1000 // RFC 5321 §4.5.3.1.6 DATA line cap
	s.EnableSMTPUTF8 = false

	// STARTTLS is offered (TLSConfig set) whenever TLS is enabled and not
	// implicit; implicit TLS instead wraps the raw listener below, and
	// go-smtp detects the already-TLS connection on its own.
	if tlsCfg != nil && !cfg.TLS.Implicit {
		s.TLSConfig = tlsCfg
		s.AllowInsecureAuth = false
	} else {
		// No STARTTLS offered: either TLS is fully disabled, or it is
		// implicit and already active by the time go-smtp sees the
		// connection. Either way plaintext AUTH must be allowed or no
		// client could ever authenticate.
		s.AllowInsecureAuth = true
	}

	idleTimeout, err := cfg.GetIdleTimeout()
	if err != nil {
		return nil, fmt.Errorf("smtpserver: invalid idle_timeout: %w", err)
	}
	if _, err := cfg.GetTotalTimeout(); err != nil {
		return nil, fmt.Errorf("smtpserver: invalid total_timeout: %w", err)
	}
	s.ReadTimeout = idleTimeout
	s.WriteTimeout = idleTimeout

	limiter := server.NewConnectionLimiter("SMTP", cfg.MaxConnections, cfg.MaxConnsPerIP, cfg.TrustedNetworks)

	return &Server{
		cfg:     cfg,
		backend: backend,
		inner:   s,
		limiter: limiter,
		tlsCfg:  tlsCfg,
	}, nil
}

// Start binds the listener and serves until Close is called or an
// unrecoverable error occurs, in which case it is sent to errChan. Mirrors
// the teacher's Start(errChan)-plus-background-goroutine shape.
func (s *Server) Start(errChan chan<- error) {
	tcpListener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		errChan <- fmt.Errorf("smtpserver: failed to listen on %s: %w", s.cfg.Addr, err)
		return
	}

	var listener net.Listener = tcpListener
	if s.tlsCfg != nil && s.cfg.TLS.Implicit {
		listener = tls.NewListener(tcpListener, s.tlsCfg)
		logger.Info("smtpserver: listening with implicit TLS", "addr", s.cfg.Addr)
	} else {
		logger.Info("smtpserver: listening", "addr", s.cfg.Addr, "starttls", s.tlsCfg != nil)
	}

	idleTimeout, _ := s.cfg.GetIdleTimeout()
	totalTimeout, _ := s.cfg.GetTotalTimeout()
	listener = server.NewTimeoutListener(listener, server.TimeoutConnConfig{
		Protocol:        "SMTP",
		IdleTimeout:     idleTimeout,
		AbsoluteTimeout: totalTimeout,
		OnTimeout: func(conn net.Conn, reason string) {
			metrics.ConnectionTimeoutsTotal.WithLabelValues("smtp", reason).Inc()
		},
	})

	s.listener = &limitingListener{Listener: listener, limiter: s.limiter}
	s.limiter.StartCleanup(context.Background())

	if err := s.inner.Serve(s.listener); err != nil {
		errChan <- fmt.Errorf("smtpserver: serve error: %w", err)
	}
}

// Close stops accepting new connections and closes the listener. Existing
// sessions are given the SR grace period by the caller before a harder
// shutdown; go-smtp's Close begins a graceful shutdown of its own.
func (s *Server) Close() error {
	return s.inner.Close()
}

// limitingListener enforces SR's admission gate (§4.1): a connection over
// either limit is rejected synchronously, before the protocol banner, by
// writing a "421 4.3.2" reply and closing it without ever handing it to
// go-smtp.
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
			metrics.ConnectionsRejected.WithLabelValues("smtp", "limit").Inc()
			logger.Debug("smtpserver: connection rejected", "remote", conn.RemoteAddr(), "error", err)
			fmt.Fprintf(conn, "421 4.3.2 %s\r\n", err)
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
