// Package pop3client implements the POP3 Client Engine (PCE): a retrieval
// protocol driver mirroring internal/pop3server's framing from the other
// side of the wire. No example repo in the retrieval pack ships a POP3
// client, so the line protocol here is authored fresh in the same idiom as
// internal/smtpclient and internal/pop3server, reusing internal/retry for
// connect-retry parity with SCE.
package pop3client

import (
	"errors"
	"fmt"
)

// ErrKind classifies why a PCE call did not simply succeed, mirroring
// smtpclient's connect_failed/tls_failed/auth_failed/rejected_by_server/
// timeout/protocol_violation error surface for the retrieval side.
type ErrKind int

const (
	KindConnect ErrKind = iota
	KindTLS
	KindAuth
	KindRejected
	KindTimeout
	KindProtocol
)

func (k ErrKind) String() string {
	switch k {
	case KindConnect:
		return "connect_failed"
	case KindTLS:
		return "tls_failed"
	case KindAuth:
		return "auth_failed"
	case KindRejected:
		return "rejected_by_server"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol_violation"
	default:
		return "unknown"
	}
}

// Error wraps a PCE failure with its kind and, for a server-rejected
// command, the raw -ERR text.
type Error struct {
	Kind ErrKind
	Text string
	Err  error
}

func (e *Error) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("pop3client: %s: %s", e.Kind, e.Text)
	}
	return fmt.Sprintf("pop3client: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsPermanentError reports whether err should not be retried: every
// -ERR from the server is permanent here since POP3 has no transient/
// permanent reply-code distinction the way SMTP does (no enhanced status
// codes, §6) — only connect/TLS/timeout failures are worth a retry.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Kind == KindRejected || pErr.Kind == KindAuth || pErr.Kind == KindProtocol
	}
	return false
}

func wrapErr(kind ErrKind, action string, err error) *Error {
	return &Error{Kind: kind, Text: fmt.Sprintf("%s: %v", action, err), Err: err}
}
