package smtpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	gosasl "github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"lukechampine.com/blake3"

	"github.com/mailstack/mailstack/internal/circuitbreaker"
	"github.com/mailstack/mailstack/internal/content"
	"github.com/mailstack/mailstack/internal/headers"
	"github.com/mailstack/mailstack/internal/messageid"
	"github.com/mailstack/mailstack/internal/metrics"
	"github.com/mailstack/mailstack/internal/resilient"
	"github.com/mailstack/mailstack/internal/retry"
	"github.com/mailstack/mailstack/internal/store"
)

// TLSMode selects how SCE brings up transport security, mirroring the
// Implicit/STARTTLS split SR's own TLSConfig draws for the server side.
type TLSMode int

const (
	TLSImplicit TLSMode = iota
	TLSStartTLS
	TLSNone
)

// AuthMechanism selects or auto-negotiates the AUTH mechanism per spec's
// "prefer PLAIN if TLS active; fall back to LOGIN; AUTO tries PLAIN then
// LOGIN" rule.
type AuthMechanism string

const (
	AuthAuto  AuthMechanism = "AUTO"
	AuthPlain AuthMechanism = "PLAIN"
	AuthLogin AuthMechanism = "LOGIN"
	AuthNone  AuthMechanism = "NONE"
)

// Config parameterizes one SCE client. Store/Content/AccountID are only
// consulted when SaveSentCopies is set.
type Config struct {
	Addr               string // host:port of the remote SMTP server
	Domain             string // EHLO/HELO identity
	TLSMode            TLSMode
	InsecureSkipVerify bool
	Auth               AuthMechanism
	Username           string
	Password           string

	Retry          retry.BackoffConfig
	CircuitBreaker *circuitbreaker.CircuitBreaker

	SaveSentCopies bool
	AccountID      int64
	Store          *store.Store
	Content        *content.Manager
}

// Client drives one outbound send session at a time; it holds no
// connection state between Send calls, matching relay.go's own
// connect-per-delivery shape (no persistent pool).
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Retry == (retry.BackoffConfig{}) {
		cfg.Retry = resilient.RelayConnectRetryConfig
	}
	return &Client{cfg: cfg}
}

// Send drives one full submission per spec's SCE step list: connect
// (+implicit TLS), EHLO, STARTTLS when TLSMode is TLSStartTLS (failing if the
// server does not advertise it), AUTH, MAIL/RCPT/DATA, QUIT. A RelayHandler-style caller gets back an *Error carrying enough
// detail (Kind, Code, EnhancedCode, Text) to decide whether to retry at a
// higher level.
func (c *Client) Send(ctx context.Context, from string, to []string, data []byte) error {
	if len(to) == 0 {
		return &Error{Kind: KindProtocol, Text: "no recipients", Err: errors.New("smtpclient: empty recipient list")}
	}

	start := time.Now()
	err := c.send(ctx, from, to, data)
	c.recordResult(err, time.Since(start))
	return err
}

func (c *Client) send(ctx context.Context, from string, to []string, data []byte) error {
	var conn *gosmtp.Client
	if err := c.withResilience(ctx, func() error {
		cl, dialErr := c.dial()
		if dialErr != nil {
			return dialErr
		}
		conn = cl
		return nil
	}); err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Hello(c.cfg.Domain); err != nil {
		return classifySMTPError(KindProtocol, "EHLO", err)
	}

	if c.cfg.TLSMode == TLSStartTLS {
		if _, ok := conn.Extension("STARTTLS"); !ok {
			return &Error{Kind: KindTLS, Text: "server does not advertise STARTTLS", Err: errors.New("smtpclient: STARTTLS required but not advertised")}
		}
		tlsConfig := &tls.Config{
			ServerName:         hostOnly(c.cfg.Addr),
			InsecureSkipVerify: c.cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}
		if err := conn.StartTLS(tlsConfig); err != nil {
			return &Error{Kind: KindTLS, Err: err, Text: fmt.Sprintf("STARTTLS handshake: %v", err)}
		}
		if err := conn.Hello(c.cfg.Domain); err != nil {
			return classifySMTPError(KindProtocol, "EHLO after STARTTLS", err)
		}
	}

	if err := c.authenticate(ctx, conn); err != nil {
		return err
	}

	if err := c.withResilience(ctx, func() error {
		if err := conn.Mail(from, nil); err != nil {
			return classifySMTPError(KindRejected, "MAIL FROM", err)
		}
		return nil
	}); err != nil {
		return err
	}

	var accepted int
	var lastRcptErr error
	for _, rcpt := range to {
		err := c.withResilience(ctx, func() error {
			if err := conn.Rcpt(rcpt, nil); err != nil {
				return classifySMTPError(KindRejected, "RCPT TO", err)
			}
			return nil
		})
		if err != nil {
			lastRcptErr = err
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return lastRcptErr
	}

	wc, err := conn.Data()
	if err != nil {
		return classifySMTPError(KindProtocol, "DATA", err)
	}
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return &Error{Kind: KindProtocol, Err: err, Text: fmt.Sprintf("write message body: %v", err)}
	}
	if err := wc.Close(); err != nil {
		return classifySMTPError(KindRejected, "DATA terminator", err)
	}

	// QUIT failures don't affect delivery, which the DATA close already
	// confirmed; relay.go treats this the same way.
	_ = conn.Quit()

	if c.cfg.SaveSentCopies {
		c.persistSentCopy(ctx, from, to, data)
	}
	return nil
}

func (c *Client) dial() (*gosmtp.Client, error) {
	if c.cfg.TLSMode == TLSImplicit {
		tlsConfig := &tls.Config{
			ServerName:         hostOnly(c.cfg.Addr),
			InsecureSkipVerify: c.cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}
		cl, err := gosmtp.DialTLS(c.cfg.Addr, tlsConfig)
		if err != nil {
			return nil, &Error{Kind: KindConnect, Err: err, Text: fmt.Sprintf("dial %s over TLS: %v", c.cfg.Addr, err)}
		}
		return cl, nil
	}
	cl, err := gosmtp.Dial(c.cfg.Addr)
	if err != nil {
		return nil, &Error{Kind: KindConnect, Err: err, Text: fmt.Sprintf("dial %s: %v", c.cfg.Addr, err)}
	}
	return cl, nil
}

// authMechanismCandidates orders the mechanisms authenticate tries, per
// spec's selection rule.
func (c *Client) authMechanismCandidates(tlsActive bool) []string {
	if c.cfg.Auth == AuthNone || c.cfg.Username == "" {
		return nil
	}
	switch c.cfg.Auth {
	case AuthPlain:
		return []string{gosasl.Plain}
	case AuthLogin:
		return []string{gosasl.Login}
	default: // AUTO or unset
		if tlsActive {
			return []string{gosasl.Plain, gosasl.Login}
		}
		return []string{gosasl.Login}
	}
}

func (c *Client) authenticate(ctx context.Context, conn *gosmtp.Client) error {
	_, tlsActive := conn.TLSConnectionState()
	mechs := c.authMechanismCandidates(tlsActive)
	if len(mechs) == 0 {
		return nil
	}

	var lastErr error
	for _, mech := range mechs {
		saslClient := newSASLClient(mech, c.cfg.Username, c.cfg.Password)
		lastErr = c.withResilience(ctx, func() error {
			if err := conn.Auth(saslClient); err != nil {
				return classifySMTPError(KindAuth, "AUTH "+mech, err)
			}
			return nil
		})
		if lastErr == nil {
			return nil
		}
	}
	if sceErr, ok := lastErr.(*Error); ok {
		sceErr.Kind = KindAuth
		return sceErr
	}
	return &Error{Kind: KindAuth, Err: lastErr, Text: fmt.Sprintf("authentication failed: %v", lastErr)}
}

func newSASLClient(mech, username, password string) gosasl.Client {
	if mech == gosasl.Login {
		return gosasl.NewLoginClient(username, password)
	}
	return gosasl.NewPlainClient("", username, password)
}

// withResilience retries fn per c.cfg.Retry, stopping immediately on a
// permanent (5xx) failure, and routes through c.cfg.CircuitBreaker when
// configured — the same breaker-wraps-retry composition
// NewRelayHandlerFromConfig builds for a relay hop, generalized to any SCE
// step rather than only the connect.
func (c *Client) withResilience(ctx context.Context, fn retry.RetryableFunc) error {
	op := func() error {
		if err := fn(); err != nil {
			if IsPermanentError(err) {
				return retry.Stop(err)
			}
			return err
		}
		return nil
	}
	if c.cfg.CircuitBreaker == nil {
		return retry.WithRetry(ctx, op, c.cfg.Retry)
	}
	return circuitbreaker.WrapWithContext(ctx, c.cfg.CircuitBreaker, func(ctx context.Context) error {
		return retry.WithRetry(ctx, op, c.cfg.Retry)
	})
}

func (c *Client) recordResult(err error, elapsed time.Duration) {
	label := "success"
	if err != nil {
		label = "transient_failure"
		if IsPermanentError(err) {
			label = "permanent_failure"
		}
	}
	metrics.RelayDeliveryTotal.WithLabelValues(label).Inc()
	metrics.RelayDeliveryDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	if c.cfg.CircuitBreaker != nil {
		metrics.RelayCircuitBreakerState.WithLabelValues(c.cfg.Addr).Set(float64(c.cfg.CircuitBreaker.State()))
	}
}

// persistSentCopy writes a best-effort SentRecord + content file after a
// confirmed delivery, per spec's "on success, if configured to save sent
// copies" side effect. A failure here never unwinds the already-successful
// send.
func (c *Client) persistSentCopy(ctx context.Context, from string, to []string, data []byte) {
	if c.cfg.Store == nil || c.cfg.Content == nil {
		return
	}

	msgID := headers.Parse(data).MessageID
	if msgID == "" {
		msgID = messageid.Generate(hostOnly(c.cfg.Addr))
	}
	sum := blake3.Sum256(data)
	contentHash := fmt.Sprintf("%x", sum[:])

	path, err := c.cfg.Content.Put(msgID, data)
	if err != nil {
		return
	}
	rec := store.SentRecord{
		MessageID:   msgID,
		AccountID:   c.cfg.AccountID,
		FromAddr:    from,
		ToAddrs:     append([]string(nil), to...),
		Date:        time.Now().UTC(),
		SizeBytes:   int64(len(data)),
		ContentPath: path,
		ContentHash: contentHash,
	}
	_ = c.cfg.Store.WithWriteRetry(ctx, func() error {
		return c.cfg.Store.InsertSent(ctx, rec)
	})
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
