// Package smtpclient implements the SMTP Client Engine (SCE): drives an
// outbound send session against a remote (or local) SMTP server. Grounded
// on server/delivery/relay.go's sendToSMTPRelay, generalized from a
// single-recipient relay hop into the full EHLO/STARTTLS/AUTH/MAIL/RCPT/
// DATA/QUIT sequence and multi-recipient envelopes.
package smtpclient

import (
	"errors"
	"fmt"

	gosmtp "github.com/emersion/go-smtp"
)

// ErrKind classifies why Send did not simply succeed, mirroring the
// connect_failed/tls_failed/auth_failed/rejected_by_server/timeout/
// protocol_violation error surface.
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

// Error wraps an SCE failure with its kind, the server's reply if any, and
// whether it is safe to retry: ported from relay.go's RelayError{Err,
// Permanent} shape, extended with Kind/Code/EnhancedCode/Text so a caller
// can distinguish rejected_by_server(code, enhanced_code, text) from the
// other kinds without re-parsing the wrapped error.
type Error struct {
	Kind         ErrKind
	Code         int
	EnhancedCode string
	Text         string
	Err          error
	Permanent    bool // true: do not retry (5xx); false: transient (4xx/network)
}

func (e *Error) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("smtpclient: %s: %s", e.Kind, e.Text)
	}
	return fmt.Sprintf("smtpclient: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsPermanentError reports whether err represents a 5xx (or otherwise
// non-retryable) failure, ported from relay.go's IsPermanentError.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	var sceErr *Error
	if errors.As(err, &sceErr) {
		return sceErr.Permanent
	}
	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}

// classifySMTPError turns a go-smtp client error into an SCE Error, folding
// in the 5xx/4xx permanence split relay.go performs inline at every call
// site into one helper.
func classifySMTPError(kind ErrKind, action string, err error) *Error {
	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &Error{
			Kind:         KindRejected,
			Code:         smtpErr.Code,
			EnhancedCode: fmt.Sprintf("%d.%d.%d", smtpErr.EnhancedCode[0], smtpErr.EnhancedCode[1], smtpErr.EnhancedCode[2]),
			Text:         smtpErr.Message,
			Err:          err,
			Permanent:    !smtpErr.Temporary(),
		}
	}
	return &Error{Kind: kind, Text: fmt.Sprintf("%s: %v", action, err), Err: err, Permanent: false}
}
