package smtpserver

import (
	"context"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/mailstack/mailstack/internal/auth"
	"github.com/mailstack/mailstack/internal/content"
	"github.com/mailstack/mailstack/internal/idgen"
	"github.com/mailstack/mailstack/internal/metrics"
	"github.com/mailstack/mailstack/internal/server"
	"github.com/mailstack/mailstack/internal/store"
)

// Backend implements go-smtp's Backend interface, handing out one Session
// per accepted connection. Grounded on server/lmtp/server.go's
// LMTPServerBackend, narrowed to a single trusted-or-not SMTP role (no
// XCLIENT/PROXY protocol/sieve caching, none of which spec.md's SSE needs).
type Backend struct {
	hostname        string
	authRequired    bool
	maxMessageBytes int64

	auth    *auth.Module
	content *content.Manager
	store   *store.Store
}

// NewBackend builds the SSE backend from its collaborators.
func NewBackend(hostname string, authRequired bool, maxMessageBytes int64, am *auth.Module, cm *content.Manager, ds *store.Store) *Backend {
	return &Backend{
		hostname:        hostname,
		authRequired:    authRequired,
		maxMessageBytes: maxMessageBytes,
		auth:            am,
		content:         cm,
		store:           ds,
	}
}

// NewSession is called by go-smtp once per accepted connection.
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	sess := &Session{
		backend: b,
		conn:    c,
		ctx:     context.Background(),
	}
	sess.Session = server.Session{
		ID:         idgen.New(),
		RemoteAddr: c.Conn().RemoteAddr().String(),
		Protocol:   "SMTP",
		ServerName: b.hostname,
	}

	metrics.ConnectionsTotal.WithLabelValues("smtp").Inc()
	metrics.ConnectionsCurrent.WithLabelValues("smtp").Inc()
	sess.Log("new session")
	return sess, nil
}
