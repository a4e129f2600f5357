package pop3client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mailstack/mailstack/internal/headers"
	"github.com/mailstack/mailstack/internal/resilient"
	"github.com/mailstack/mailstack/internal/retry"
)

// TLSMode selects how PCE brings up transport security, mirroring
// smtpclient.TLSMode's Implicit/STARTTLS/None split for the retrieval side.
type TLSMode int

const (
	TLSImplicit TLSMode = iota
	TLSStartTLS          // issues STLS per RFC 2595
	TLSNone
)

// Config parameterizes one PCE client.
type Config struct {
	Addr               string // host:port of the remote POP3 server
	TLSMode            TLSMode
	InsecureSkipVerify bool

	Username string
	Password string
	// UseAPOP, when true, attempts APOP using Password as the account's
	// reversible APOP secret before falling back to USER/PASS. Per spec's
	// "mechanism unsupported" fallback, a server that rejects APOP is
	// retried with plaintext USER/PASS rather than treated as a hard
	// failure, since the client cannot know in advance whether the
	// account opted into APOP.
	UseAPOP bool

	Retry retry.BackoffConfig
}

// MessageInfo is one LIST entry: the session-scoped message number and its
// size, exactly as STAT/LIST report it.
type MessageInfo struct {
	Number int
	Size   int64
}

// RetrievedMessage is one message handed back by RetrieveAll: the raw bytes
// plus the handful of headers PCE itself needs for filtering (full
// RFC 5322/MIME parsing is MFC's job, an external collaborator per spec's
// §1 scope split).
type RetrievedMessage struct {
	Number  int
	UID     string
	Raw     []byte
	Subject string
	From    string
	Date    time.Time
	HasDate bool
}

// ReadStateOracle correlates a message's unique id (its UIDL token, which
// per spec's Open Question resolution is the raw message_id) against
// locally-held read state, since POP3 itself has no read flag. RetrieveAll's
// only_unread filter is a client-side pass-through against this interface
// when one is supplied.
type ReadStateOracle interface {
	IsRead(uid string) bool
}

// Filter narrows RetrieveAll's result set.
type Filter struct {
	SinceDate  time.Time // zero value: no lower bound
	OnlyUnread bool
	ReadState  ReadStateOracle // required when OnlyUnread is set; nil disables the filter
}

// Client drives one retrieval session. It holds no state before Connect and
// is not safe for concurrent use by multiple goroutines, mirroring a POP3
// session's single-writer-per-connection nature.
type Client struct {
	cfg Config

	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	apopNonce string
	tlsActive bool
}

func New(cfg Config) *Client {
	if cfg.Retry == (retry.BackoffConfig{}) {
		cfg.Retry = resilient.POP3ConnectRetryConfig
	}
	return &Client{cfg: cfg}
}

// Connect dials the server, completing an implicit TLS handshake first if
// configured, then reads the greeting banner and captures its APOP
// timestamp-challenge token (the "<...>" substring) for a later APOP
// attempt.
func (c *Client) Connect(ctx context.Context) error {
	var conn net.Conn
	err := retry.WithRetry(ctx, func() error {
		cl, dialErr := c.dial(ctx)
		if dialErr != nil {
			return dialErr
		}
		conn = cl
		return nil
	}, c.cfg.Retry)
	if err != nil {
		return err
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.writer = bufio.NewWriter(conn)
	c.tlsActive = c.cfg.TLSMode == TLSImplicit

	line, err := c.readLine()
	if err != nil {
		conn.Close()
		return wrapErr(KindProtocol, "read greeting", err)
	}
	if !strings.HasPrefix(line, "+OK") {
		conn.Close()
		return &Error{Kind: KindRejected, Text: line}
	}
	c.apopNonce = extractNonce(line)
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{}
	if c.cfg.TLSMode == TLSImplicit {
		tlsConfig := &tls.Config{
			ServerName:         hostOnly(c.cfg.Addr),
			InsecureSkipVerify: c.cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}
		conn, err := tls.DialWithDialer(dialer, "tcp", c.cfg.Addr, tlsConfig)
		if err != nil {
			return nil, &Error{Kind: KindConnect, Err: err, Text: fmt.Sprintf("dial %s over TLS: %v", c.cfg.Addr, err)}
		}
		return conn, nil
	}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, &Error{Kind: KindConnect, Err: err, Text: fmt.Sprintf("dial %s: %v", c.cfg.Addr, err)}
	}
	return conn, nil
}

// StartTLS issues STLS and completes the handshake in place, per RFC 2595.
// Per that RFC, a successful upgrade discards any prior authorization
// state, so callers must not have already sent USER/PASS/APOP.
func (c *Client) StartTLS(ctx context.Context) error {
	if c.cfg.TLSMode != TLSStartTLS {
		return nil
	}
	if err := c.writeLine("STLS"); err != nil {
		return wrapErr(KindProtocol, "write STLS", err)
	}
	line, err := c.readLine()
	if err != nil {
		return wrapErr(KindProtocol, "read STLS reply", err)
	}
	if !strings.HasPrefix(line, "+OK") {
		return &Error{Kind: KindRejected, Text: line}
	}

	tlsConfig := &tls.Config{
		ServerName:         hostOnly(c.cfg.Addr),
		InsecureSkipVerify: c.cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	tlsConn := tls.Client(c.conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return &Error{Kind: KindTLS, Err: err, Text: fmt.Sprintf("STLS handshake: %v", err)}
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	c.tlsActive = true
	return nil
}

// Authenticate tries APOP first when configured and the greeting carried a
// nonce, falling back to USER/PASS whenever the APOP attempt fails for any
// reason — the client has no way to know in advance whether this account
// opted into APOP.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.cfg.TLSMode == TLSStartTLS && !c.tlsActive {
		if err := c.StartTLS(ctx); err != nil {
			return err
		}
	}

	if c.cfg.UseAPOP && c.apopNonce != "" {
		if err := c.authenticateAPOP(); err == nil {
			return nil
		}
	}
	return c.authenticateUserPass()
}

func (c *Client) authenticateAPOP() error {
	sum := md5.Sum([]byte(c.apopNonce + c.cfg.Password))
	digest := hex.EncodeToString(sum[:])
	if err := c.writeLine(fmt.Sprintf("APOP %s %s", c.cfg.Username, digest)); err != nil {
		return wrapErr(KindAuth, "write APOP", err)
	}
	line, err := c.readLine()
	if err != nil {
		return wrapErr(KindAuth, "read APOP reply", err)
	}
	if !strings.HasPrefix(line, "+OK") {
		return &Error{Kind: KindAuth, Text: line}
	}
	return nil
}

func (c *Client) authenticateUserPass() error {
	if err := c.writeLine("USER " + c.cfg.Username); err != nil {
		return wrapErr(KindAuth, "write USER", err)
	}
	line, err := c.readLine()
	if err != nil {
		return wrapErr(KindAuth, "read USER reply", err)
	}
	if !strings.HasPrefix(line, "+OK") {
		return &Error{Kind: KindAuth, Text: line}
	}

	if err := c.writeLine("PASS " + c.cfg.Password); err != nil {
		return wrapErr(KindAuth, "write PASS", err)
	}
	line, err = c.readLine()
	if err != nil {
		return wrapErr(KindAuth, "read PASS reply", err)
	}
	if !strings.HasPrefix(line, "+OK") {
		return &Error{Kind: KindAuth, Text: line}
	}
	return nil
}

// GetMailboxStatus issues STAT and parses its "+OK <n> <size>" reply.
func (c *Client) GetMailboxStatus() (count int, size int64, err error) {
	line, err := c.command("STAT")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, 0, &Error{Kind: KindProtocol, Text: "malformed STAT reply: " + line}
	}
	count, cErr := strconv.Atoi(fields[0])
	size64, sErr := strconv.ParseInt(fields[1], 10, 64)
	if cErr != nil || sErr != nil {
		return 0, 0, &Error{Kind: KindProtocol, Text: "malformed STAT reply: " + line}
	}
	return count, size64, nil
}

// ListMessages issues LIST and parses its multiline "<n> <size>" body.
func (c *Client) ListMessages() ([]MessageInfo, error) {
	lines, err := c.multilineCommand("LIST")
	if err != nil {
		return nil, err
	}
	infos := make([]MessageInfo, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		n, nErr := strconv.Atoi(fields[0])
		size, sErr := strconv.ParseInt(fields[1], 10, 64)
		if nErr != nil || sErr != nil {
			continue
		}
		infos = append(infos, MessageInfo{Number: n, Size: size})
	}
	return infos, nil
}

// uidEntry pairs a message number with its UIDL.
type uidEntry struct {
	Number int
	UID    string
}

// listUIDs issues UIDL and parses its multiline "<n> <uid>" body.
func (c *Client) listUIDs() ([]uidEntry, error) {
	lines, err := c.multilineCommand("UIDL")
	if err != nil {
		return nil, err
	}
	entries := make([]uidEntry, 0, len(lines))
	for _, line := range lines {
		fields := strings.SplitN(line, " ", 2)
		if len(fields) < 2 {
			continue
		}
		n, nErr := strconv.Atoi(fields[0])
		if nErr != nil {
			continue
		}
		entries = append(entries, uidEntry{Number: n, UID: fields[1]})
	}
	return entries, nil
}

// RetrieveMessage issues RETR n, dot-unstuffing the body back to its
// original bytes, and optionally follows with DELE per spec's
// "retrieve_message(n, delete?)" contract.
func (c *Client) RetrieveMessage(n int, del bool) ([]byte, error) {
	data, err := c.retrieveBody(fmt.Sprintf("RETR %d", n))
	if err != nil {
		return nil, err
	}
	if del {
		if _, err := c.command(fmt.Sprintf("DELE %d", n)); err != nil {
			return data, err
		}
	}
	return data, nil
}

// retrieveBody issues a RETR/TOP-shaped command and returns the
// dot-unstuffed multiline body.
func (c *Client) retrieveBody(cmd string) ([]byte, error) {
	if _, err := c.command(cmd); err != nil {
		return nil, err
	}
	return c.readMultilineBody()
}

// RetrieveAll drives the bulk-fetch contract: LIST, then UIDL for
// correlation (a failed UIDL fails the whole call), retrieve each message in
// turn, and apply an optional
// since_date / only_unread filter. A server-side LIST pre-filter isn't
// possible (POP3 has no header-only query); the since_date filter is
// necessarily client-side, evaluated against each message's own Date header
// once retrieved.
func (c *Client) RetrieveAll(filter *Filter) ([]RetrievedMessage, error) {
	infos, err := c.ListMessages()
	if err != nil {
		return nil, err
	}
	uids, err := c.listUIDs()
	if err != nil {
		return nil, err
	}
	uidByNumber := make(map[int]string, len(uids))
	for _, u := range uids {
		uidByNumber[u.Number] = u.UID
	}

	var out []RetrievedMessage
	for _, info := range infos {
		raw, err := c.RetrieveMessage(info.Number, false)
		if err != nil {
			return out, err
		}
		uid := uidByNumber[info.Number]
		msg := RetrievedMessage{Number: info.Number, UID: uid, Raw: raw}
		from, subject, date, hasDate := scanHeaders(raw)
		msg.From, msg.Subject, msg.Date, msg.HasDate = from, subject, date, hasDate

		if filter != nil {
			if !filter.SinceDate.IsZero() && (!hasDate || date.Before(filter.SinceDate)) {
				continue
			}
			if filter.OnlyUnread && filter.ReadState != nil && filter.ReadState.IsRead(uid) {
				continue
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

// Quit issues QUIT and consumes its UPDATE-state reply. Per spec's
// "QUIT-without-DELE is a no-op" law, any DELE calls already made earlier in
// the session are what the server commits here, not anything Quit itself
// decides.
func (c *Client) Quit() error {
	_, err := c.command("QUIT")
	c.conn.Close()
	return err
}

// command writes a single-line request and returns the status line's text
// (without the leading "+OK "/"-ERR "), failing on a -ERR reply.
func (c *Client) command(cmd string) (string, error) {
	if err := c.writeLine(cmd); err != nil {
		return "", wrapErr(KindProtocol, "write "+cmd, err)
	}
	line, err := c.readLine()
	if err != nil {
		return "", wrapErr(KindProtocol, "read reply to "+cmd, err)
	}
	if strings.HasPrefix(line, "+OK") {
		return strings.TrimSpace(strings.TrimPrefix(line, "+OK")), nil
	}
	if strings.HasPrefix(line, "-ERR") {
		return "", &Error{Kind: KindRejected, Text: strings.TrimSpace(strings.TrimPrefix(line, "-ERR"))}
	}
	return "", &Error{Kind: KindProtocol, Text: "unrecognized reply: " + line}
}

// multilineCommand writes cmd, consumes its status line, then reads a
// non-body multiline response (LIST/UIDL/CAPA): no dot-unstuffing applies
// since none of those bodies carry message content.
func (c *Client) multilineCommand(cmd string) ([]string, error) {
	if _, err := c.command(cmd); err != nil {
		return nil, err
	}
	var lines []string
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, wrapErr(KindProtocol, "read multiline body", err)
		}
		if line == "." {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

// readMultilineBody reads a RETR/TOP body, dot-unstuffing per RFC 1939 §3:
// a line beginning with ".." has its first "." stripped, and a bare "."
// line terminates the body without being part of it.
func (c *Client) readMultilineBody() ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := c.readRawLine()
		if err != nil {
			return nil, wrapErr(KindProtocol, "read message body", err)
		}
		if line == ".\r\n" {
			break
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		buf.WriteString(line)
	}
	return buf.Bytes(), nil
}

// readLine reads one CRLF-terminated line and strips the terminator, for
// status lines and non-body multiline listings.
func (c *Client) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readRawLine reads one line including its CRLF terminator, for body
// content where a single leading dot is semantically significant.
func (c *Client) readRawLine() (string, error) {
	return c.reader.ReadString('\n')
}

func (c *Client) writeLine(line string) error {
	if _, err := c.writer.WriteString(line); err != nil {
		return err
	}
	if _, err := c.writer.WriteString("\r\n"); err != nil {
		return err
	}
	return c.writer.Flush()
}

// scanHeaders extracts From/Subject/Date via internal/headers, the same
// minimal RFC 5322 boundary smtpserver/smtpclient use at their own
// commit/send points; it is only precise enough for RetrieveAll's own
// filtering needs, not full MIME parsing (MFC's job per spec's §1 scope
// split).
func scanHeaders(raw []byte) (from, subject string, date time.Time, hasDate bool) {
	p := headers.Parse(raw)
	return p.From, p.Subject, p.Date, p.HasDate
}

// extractNonce pulls the "<...>" APOP timestamp-challenge token out of the
// greeting banner, per RFC 1939 §7.
func extractNonce(greeting string) string {
	start := strings.Index(greeting, "<")
	end := strings.LastIndex(greeting, ">")
	if start < 0 || end < 0 || end < start {
		return ""
	}
	return greeting[start : end+1]
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
