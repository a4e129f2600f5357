package server

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/mailstack/mailstack/internal/logger"
)

// TimeoutConnConfig configures the idle and total-session timeouts SR applies
// uniformly to SSE and PSE connections.
type TimeoutConnConfig struct {
	Protocol        string
	IdleTimeout     time.Duration // 0 disables
	AbsoluteTimeout time.Duration // 0 disables
	OnTimeout       func(conn net.Conn, reason string)
}

// TimeoutConn wraps a net.Conn to enforce idle_timeout and total_timeout from
// the Session Runtime contract: if no bytes are read or written within
// idle_timeout, or the connection's total lifetime exceeds total_timeout, the
// socket is closed and OnTimeout is invoked for logging/reply purposes.
type TimeoutConn struct {
	net.Conn
	cfg          TimeoutConnConfig
	lastActivity time.Time
	start        time.Time
	mu           sync.RWMutex
	closed       bool
	closeMu      sync.Mutex
	cancel       chan struct{}
}

// NewTimeoutConn wraps conn and, if any timeout is configured, starts the
// background checker goroutine.
func NewTimeoutConn(conn net.Conn, cfg TimeoutConnConfig) *TimeoutConn {
	now := time.Now()
	tc := &TimeoutConn{
		Conn:         conn,
		cfg:          cfg,
		lastActivity: now,
		start:        now,
		cancel:       make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 || cfg.AbsoluteTimeout > 0 {
		go tc.watch()
	}
	return tc
}

func (c *TimeoutConn) watch() {
	interval := time.Minute
	if c.cfg.IdleTimeout > 0 && c.cfg.IdleTimeout/4 < interval {
		interval = c.cfg.IdleTimeout / 4
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.RLock()
			idle := time.Since(c.lastActivity)
			total := time.Since(c.start)
			closed := c.closed
			c.mu.RUnlock()
			if closed {
				return
			}
			if c.cfg.AbsoluteTimeout > 0 && total >= c.cfg.AbsoluteTimeout {
				c.fire("total")
				return
			}
			if c.cfg.IdleTimeout > 0 && idle >= c.cfg.IdleTimeout {
				c.fire("idle")
				return
			}
		case <-c.cancel:
			return
		}
	}
}

func (c *TimeoutConn) fire(reason string) {
	logger.Warn("connection timeout", "protocol", c.cfg.Protocol, "remote", c.Conn.RemoteAddr().String(), "reason", reason)
	if c.cfg.OnTimeout != nil {
		c.cfg.OnTimeout(c.Conn, reason)
	}
	c.Close()
}

func (c *TimeoutConn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *TimeoutConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.touch()
	}
	return n, err
}

func (c *TimeoutConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.touch()
	}
	return n, err
}

func (c *TimeoutConn) Close() error {
	c.closeMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.cancel)
	}
	c.closeMu.Unlock()
	return c.Conn.Close()
}

// TimeoutListener wraps a net.Listener so every accepted connection is
// protected by the same idle/total timeout policy.
type TimeoutListener struct {
	net.Listener
	cfg TimeoutConnConfig
}

func NewTimeoutListener(l net.Listener, cfg TimeoutConnConfig) *TimeoutListener {
	return &TimeoutListener{Listener: l, cfg: cfg}
}

func (l *TimeoutListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return NewTimeoutConn(conn, l.cfg), nil
}

// UpgradeToTLS performs a server-side TLS handshake on conn (STARTTLS/STLS
// upgrade path) and returns the same TimeoutConn with its inner connection
// replaced, preserving the idle/total timeout wrapper across the upgrade.
func UpgradeToTLS(conn net.Conn, tlsConfig *tls.Config) (net.Conn, error) {
	if tc, ok := conn.(*TimeoutConn); ok {
		tlsConn := tls.Server(tc.Conn, tlsConfig)
		if err := tlsConn.HandshakeContext(context.Background()); err != nil {
			return nil, err
		}
		tc.Conn = tlsConn
		return tc, nil
	}
	tlsConn := tls.Server(conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	return tlsConn, nil
}
