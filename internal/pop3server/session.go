package pop3server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mailstack/mailstack/internal/auth"
	"github.com/mailstack/mailstack/internal/consts"
	"github.com/mailstack/mailstack/internal/idgen"
	"github.com/mailstack/mailstack/internal/metrics"
	"github.com/mailstack/mailstack/internal/protocol"
	"github.com/mailstack/mailstack/internal/server"
	"github.com/mailstack/mailstack/internal/store"
)

// state is PSE's RFC 1939 state, plus the RFC 2595 STLS transient folded
// into authorization (a STLS exchange never leaves AUTHORIZATION; see
// handleSTLS).
type state int

const (
	stateAuthorization state = iota
	stateTransaction
	stateUpdate
	stateClosed
)

// Session is one POP3 connection: the command loop, the frozen mailbox
// snapshot, and the deletion set accumulated during TRANSACTION. Grounded
// on server/pop3/session.go's per-command switch and lock-around-shared-
// state idiom, narrowed to a single in-process mutex-free model since PSE
// (unlike the teacher) never shares a session across goroutines — one
// handleConnection goroutine owns the whole lifecycle.
type Session struct {
	server.Session

	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	ctx    context.Context

	state state

	apopNonce   string
	pendingUser string

	accountID   int64
	snapshot    []store.InboxRecord
	deletionSet map[int]bool

	tlsActive bool
}

func newSession(srv *Server, conn net.Conn) *Session {
	s := &Session{
		server: srv,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		ctx:    context.Background(),
		state:  stateAuthorization,
	}
	s.Session = server.Session{
		ID:         idgen.New(),
		RemoteAddr: conn.RemoteAddr().String(),
		Protocol:   "POP3",
		ServerName: srv.cfg.Hostname,
	}
	s.tlsActive = srv.cfg.TLS.Enabled && srv.cfg.TLS.Implicit
	return s
}

// handleConnection drives the command loop for the lifetime of the
// connection: greeting, then one command per line until QUIT or an
// unrecoverable I/O error.
func (s *Session) handleConnection() {
	defer func() {
		metrics.ConnectionsCurrent.WithLabelValues("pop3").Dec()
		s.conn.Close()
		s.Log("session closed")
	}()

	nonce, err := auth.IssueAPOPNonce(s.server.cfg.Hostname)
	if err != nil {
		s.WarnLog("failed to generate apop nonce: %v", err)
		s.writeLine("-ERR [SYS/TEMP] Internal error")
		return
	}
	s.apopNonce = nonce
	s.Log("new session")
	s.writeLine(fmt.Sprintf("+OK POP3 server ready %s", nonce))

	for s.state != stateClosed {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToUpper(parts[0])
		args := parts[1:]

		result := s.dispatch(cmd, args)
		s.applyResult(cmd, result)
		if result.Close {
			return
		}
	}
}

// dispatch routes one command to its handler, rejecting anything not valid
// in the current state before the handler ever sees it.
func (s *Session) dispatch(cmd string, args []string) protocol.Result {
	switch cmd {
	case "CAPA":
		return s.handleCAPA()
	case "NOOP":
		return protocol.Ok()
	case "QUIT":
		return s.handleQUIT()
	case "STLS":
		return s.handleSTLS()
	}

	switch s.state {
	case stateAuthorization:
		switch cmd {
		case "USER":
			return s.handleUSER(args)
		case "PASS":
			return s.handlePASS(args)
		case "APOP":
			return s.handleAPOP(args)
		default:
			return protocol.Fail(protocol.KindProtocol, 0, "Command not valid in this state", nil)
		}
	case stateTransaction:
		switch cmd {
		case "STAT":
			return s.handleSTAT()
		case "LIST":
			return s.handleLIST(args)
		case "UIDL":
			return s.handleUIDL(args)
		case "RETR":
			return s.handleRETR(args)
		case "TOP":
			return s.handleTOP(args)
		case "DELE":
			return s.handleDELE(args)
		case "RSET":
			return s.handleRSET()
		default:
			return protocol.Fail(protocol.KindProtocol, 0, "Command not valid in this state", nil)
		}
	default:
		return protocol.Fail(protocol.KindProtocol, 0, "Command not valid in this state", nil)
	}
}

// applyResult writes the single-line +OK/-ERR status for commands that
// don't write their own multiline body (LIST/UIDL/RETR/TOP write directly
// and return protocol.Ok() with an empty Text).
func (s *Session) applyResult(cmd string, r protocol.Result) {
	label := strings.ToLower(cmd)
	if r.Kind == protocol.KindNone {
		metrics.POP3CommandsTotal.WithLabelValues(label, "ok").Inc()
		if r.Text != "" {
			s.writeLine("+OK " + r.Text)
		}
		return
	}
	metrics.POP3CommandsTotal.WithLabelValues(label, "error").Inc()
	s.writeLine("-ERR " + r.Text)
}

func (s *Session) writeLine(line string) {
	s.writer.WriteString(line)
	s.writer.WriteString("\r\n")
	s.writer.Flush()
}

// writeMultiline writes each line followed by CRLF, then the ".\r\n"
// terminator. None of PSE's multiline bodies (LIST/UIDL/CAPA) carry message
// content, so none needs dot-stuffing; only RETR/TOP do (see writeBody).
func (s *Session) writeMultiline(lines []string) {
	for _, line := range lines {
		s.writer.WriteString(line)
		s.writer.WriteString("\r\n")
	}
	s.writer.WriteString(".\r\n")
	s.writer.Flush()
}

// writeBody dot-stuffs message content and writes the "." terminator,
// matching RFC 1939 §3's transparency rule for RETR/TOP.
func (s *Session) writeBody(data []byte) {
	s.writer.Write(dotStuffPOP3(data))
	if len(data) == 0 || data[len(data)-1] != '\n' {
		s.writer.WriteString("\r\n")
	}
	s.writer.WriteString(".\r\n")
	s.writer.Flush()
}

// handleUSER never reveals whether the name is a real account, avoiding
// account-existence enumeration: it always succeeds syntactically and
// defers the real check to PASS/APOP.
func (s *Session) handleUSER(args []string) protocol.Result {
	if len(args) != 1 {
		return protocol.Fail(protocol.KindProtocol, 0, "Missing username", nil)
	}
	s.pendingUser = args[0]
	return protocol.Result{Kind: protocol.KindNone, Text: "User accepted"}
}

func (s *Session) handlePASS(args []string) protocol.Result {
	if s.pendingUser == "" {
		return protocol.Fail(protocol.KindProtocol, 0, "USER required first", nil)
	}
	if len(args) != 1 {
		return protocol.Fail(protocol.KindProtocol, 0, "Missing password", nil)
	}

	principal, err := s.server.auth.Verify(s.pendingUser, args[0])
	if err != nil {
		metrics.AuthenticationAttempts.WithLabelValues("pop3", "pass", "failure").Inc()
		s.pendingUser = ""
		return protocol.Fail(protocol.KindAuthentication, 0, "Authentication failed", err)
	}
	metrics.AuthenticationAttempts.WithLabelValues("pop3", "pass", "success").Inc()
	return s.enterTransaction(principal)
}

// handleAPOP verifies the RFC 1939 §7 digest against this connection's own
// nonce; a server-level policy switch (cfg.APOPEnabled) gates the mechanism
// independently of whether any given account has opted in (AM.VerifyAPOP's
// ErrAPOPUnsupported covers the per-account case).
func (s *Session) handleAPOP(args []string) protocol.Result {
	if !s.server.cfg.APOPEnabled {
		return protocol.Fail(protocol.KindAuthentication, 0, "APOP not supported", nil)
	}
	if len(args) != 2 {
		return protocol.Fail(protocol.KindProtocol, 0, "Usage: APOP <user> <digest>", nil)
	}

	principal, err := s.server.auth.VerifyAPOP(args[0], s.apopNonce, args[1])
	if err != nil {
		metrics.AuthenticationAttempts.WithLabelValues("pop3", "apop", "failure").Inc()
		if err == consts.ErrAPOPUnsupported {
			return protocol.Fail(protocol.KindAuthentication, 0, "APOP not supported for this user", err)
		}
		return protocol.Fail(protocol.KindAuthentication, 0, "Authentication failed", err)
	}
	metrics.AuthenticationAttempts.WithLabelValues("pop3", "apop", "success").Inc()
	return s.enterTransaction(principal)
}

// enterTransaction takes the mailbox snapshot and moves the session into
// TRANSACTION. The snapshot is ordered oldest-first and frozen for the rest
// of the session: later deliveries never appear in it.
func (s *Session) enterTransaction(principal auth.Principal) protocol.Result {
	snapshot, err := s.listSnapshot(principal.AccountID)
	if err != nil {
		s.WarnLog("failed to load mailbox snapshot: %v", err)
		return protocol.Fail(protocol.KindStorage, 0, "Unable to lock mailbox", err)
	}

	s.accountID = principal.AccountID
	s.Principal = principal.Address
	s.snapshot = snapshot
	s.deletionSet = make(map[int]bool)
	s.state = stateTransaction
	s.Log("authenticated, %d messages in snapshot", len(snapshot))
	return protocol.Result{Kind: protocol.KindNone, Text: fmt.Sprintf("mailbox ready, %d messages", len(snapshot))}
}

func (s *Session) listSnapshot(accountID int64) ([]store.InboxRecord, error) {
	records, err := s.server.store.ListInbox(s.ctx, accountID, store.ListInboxOptions{ExcludeTrash: true})
	if err != nil {
		return nil, err
	}
	oldestFirst := make([]store.InboxRecord, len(records))
	for i, r := range records {
		oldestFirst[len(records)-1-i] = r
	}
	return oldestFirst, nil
}

func (s *Session) handleSTAT() protocol.Result {
	count, size := computeStatTotals(s.snapshot, s.deletionSet)
	return protocol.Result{Kind: protocol.KindNone, Text: fmt.Sprintf("%d %d", count, size)}
}

func (s *Session) handleLIST(args []string) protocol.Result {
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return protocol.Fail(protocol.KindProtocol, 0, "Invalid message number", err)
		}
		ok, line := buildSingleListResponse(s.snapshot, s.deletionSet, n)
		if !ok {
			return protocol.Fail(protocol.KindResource, 0, "No such message", nil)
		}
		return protocol.Result{Kind: protocol.KindNone, Text: line}
	}

	lines := buildListResponseLines(s.snapshot, s.deletionSet)
	s.writeLine(fmt.Sprintf("+OK %d messages", countNonDeletedMessages(s.snapshot, s.deletionSet)))
	s.writeMultiline(lines)
	return protocol.Result{Kind: protocol.KindNone}
}

func (s *Session) handleUIDL(args []string) protocol.Result {
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return protocol.Fail(protocol.KindProtocol, 0, "Invalid message number", err)
		}
		ok, line := buildSingleUIDLResponse(s.snapshot, s.deletionSet, n)
		if !ok {
			return protocol.Fail(protocol.KindResource, 0, "No such message", nil)
		}
		return protocol.Result{Kind: protocol.KindNone, Text: line}
	}

	lines := buildUIDLResponseLines(s.snapshot, s.deletionSet)
	s.writeLine("+OK unique-id listing follows")
	s.writeMultiline(lines)
	return protocol.Result{Kind: protocol.KindNone}
}

func (s *Session) handleRETR(args []string) protocol.Result {
	rec, ok := s.resolveArg(args)
	if !ok {
		return protocol.Fail(protocol.KindResource, 0, "No such message", nil)
	}

	data, err := s.server.content.Get(rec.MessageID, rec.ContentPath)
	if err != nil {
		s.WarnLog("failed to load message %s: %v", rec.MessageID, err)
		return protocol.Fail(protocol.KindStorage, 0, "Message not available", err)
	}

	s.writeLine(fmt.Sprintf("+OK %d octets", len(data)))
	s.writeBody(data)
	return protocol.Result{Kind: protocol.KindNone}
}

func (s *Session) handleTOP(args []string) protocol.Result {
	if len(args) != 2 {
		return protocol.Fail(protocol.KindProtocol, 0, "Usage: TOP <n> <k>", nil)
	}
	k, err := strconv.Atoi(args[1])
	if err != nil || k < 0 {
		return protocol.Fail(protocol.KindProtocol, 0, "Invalid line count", err)
	}

	rec, ok := s.resolveArg(args[:1])
	if !ok {
		return protocol.Fail(protocol.KindResource, 0, "No such message", nil)
	}

	data, err := s.server.content.Get(rec.MessageID, rec.ContentPath)
	if err != nil {
		s.WarnLog("failed to load message %s: %v", rec.MessageID, err)
		return protocol.Fail(protocol.KindStorage, 0, "Message not available", err)
	}

	headers, body := splitHeaderBody(data)
	out := append(append([]byte{}, headers...), firstKBodyLines(body, k)...)

	s.writeLine("+OK top of message follows")
	s.writeBody(out)
	return protocol.Result{Kind: protocol.KindNone}
}

// resolveArg validates a single message-number argument against the
// snapshot and the current deletion set, shared by RETR and TOP.
func (s *Session) resolveArg(args []string) (store.InboxRecord, bool) {
	if len(args) != 1 {
		return store.InboxRecord{}, false
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(s.snapshot) {
		return store.InboxRecord{}, false
	}
	if s.deletionSet[n-1] {
		return store.InboxRecord{}, false
	}
	return s.snapshot[n-1], true
}

func (s *Session) handleDELE(args []string) protocol.Result {
	if len(args) != 1 {
		return protocol.Fail(protocol.KindProtocol, 0, "Usage: DELE <n>", nil)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(s.snapshot) {
		return protocol.Fail(protocol.KindResource, 0, "No such message", err)
	}
	if s.deletionSet[n-1] {
		return protocol.Fail(protocol.KindResource, 0, "Message already deleted", nil)
	}
	s.deletionSet[n-1] = true
	return protocol.Result{Kind: protocol.KindNone, Text: "Message marked for deletion"}
}

func (s *Session) handleRSET() protocol.Result {
	s.deletionSet = make(map[int]bool)
	return protocol.Result{Kind: protocol.KindNone, Text: "Maildrop has no messages marked for deletion"}
}

// handleCAPA advertises PSE's capability set per RFC 2449. STLS is only
// advertised while TLS is configured and not yet active, the same rule
// go-smtp applies to SSE's STARTTLS advertisement.
func (s *Session) handleCAPA() protocol.Result {
	s.writeLine("+OK Capability list follows")
	caps := []string{"USER", "TOP", "UIDL", "RESP-CODES", "PIPELINING", "IMPLEMENTATION mailstack"}
	if s.server.tlsCfg != nil && !s.tlsActive {
		caps = append(caps, "STLS")
	}
	if s.server.cfg.APOPEnabled {
		caps = append(caps, "EXPIRE NEVER")
	}
	s.writeMultiline(caps)
	return protocol.Result{Kind: protocol.KindNone}
}

// handleSTLS upgrades the connection in place and discards all
// authorization state, per RFC 2595: the client must re-authenticate under
// the new encrypted channel.
func (s *Session) handleSTLS() protocol.Result {
	if s.state != stateAuthorization {
		return protocol.Fail(protocol.KindProtocol, 0, "Command not valid in this state", nil)
	}
	if s.server.tlsCfg == nil {
		return protocol.Fail(protocol.KindProtocol, 0, "STLS not available", nil)
	}
	if s.tlsActive {
		return protocol.Fail(protocol.KindProtocol, 0, "TLS already active", nil)
	}

	s.writeLine("+OK Begin TLS negotiation")

	upgraded, err := server.UpgradeToTLS(s.conn, s.server.tlsCfg)
	if err != nil {
		s.WarnLog("STLS handshake failed: %v", err)
		return protocol.Result{Close: true}
	}

	s.conn = upgraded
	s.reader = bufio.NewReader(upgraded)
	s.writer = bufio.NewWriter(upgraded)
	s.tlsActive = true
	s.pendingUser = ""
	s.Log("STLS handshake complete")
	return protocol.Result{Kind: protocol.KindNone, Text: ""}
}

// handleQUIT closes a still-AUTHORIZATION session immediately; from
// TRANSACTION it commits the deletion set via DS before closing, per the
// UPDATE-state's all-or-nothing intent: a DS failure here is reported but
// the session still closes, leaving no deletions applied since
// MarkInboxDeleted is a single statement.
func (s *Session) handleQUIT() protocol.Result {
	if s.state != stateTransaction {
		s.writeLine("+OK Goodbye")
		s.state = stateClosed
		return protocol.Result{Close: true}
	}

	s.state = stateUpdate
	var toDelete []string
	for i, deleted := range s.deletionSet {
		if deleted {
			toDelete = append(toDelete, s.snapshot[i].MessageID)
		}
	}

	if len(toDelete) > 0 {
		if err := s.server.store.MarkInboxDeleted(s.ctx, toDelete); err != nil {
			s.WarnLog("failed to commit deletions: %v", err)
			s.writeLine("-ERR [SYS/TEMP] Unable to update mailbox, deletions not applied")
			s.state = stateClosed
			return protocol.Result{Close: true}
		}
		s.Log("expunged %d messages", len(toDelete))
	}

	s.writeLine("+OK Goodbye")
	s.state = stateClosed
	return protocol.Result{Close: true}
}
