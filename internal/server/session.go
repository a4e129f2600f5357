package server

import (
	"fmt"

	"github.com/mailstack/mailstack/internal/logger"
)

// Session is the common per-connection state every engine embeds: identity,
// remote address, protocol name, and the structured logging methods that
// decorate every log line with connection context.
type Session struct {
	ID         string
	RemoteAddr string
	Principal  string // authenticated username, empty until AUTH/PASS succeeds
	Protocol   string // "SMTP" or "POP3"
	ServerName string
}

func (s *Session) user() string {
	if s.Principal == "" {
		return "none"
	}
	return s.Principal
}

// Log writes an info-level structured log line for this session.
func (s *Session) Log(format string, args ...any) {
	logger.Info("session", "protocol", s.Protocol, "remote", s.RemoteAddr, "user", s.user(), "session", s.ID, "msg", fmt.Sprintf(format, args...))
}

// DebugLog writes a debug-level structured log line for this session.
func (s *Session) DebugLog(format string, args ...any) {
	logger.Debug("session", "protocol", s.Protocol, "remote", s.RemoteAddr, "user", s.user(), "session", s.ID, "msg", fmt.Sprintf(format, args...))
}

// WarnLog writes a warn-level structured log line for this session.
func (s *Session) WarnLog(format string, args ...any) {
	logger.Warn("session", "protocol", s.Protocol, "remote", s.RemoteAddr, "user", s.user(), "session", s.ID, "msg", fmt.Sprintf(format, args...))
}
