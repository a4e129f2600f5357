// Package messageid generates RFC 5322 msg-id values for messages that
// arrive, or are submitted, without their own Message-ID header. Shared by
// SSE (receive-side, when DATA lacks one) and SCE (submission-side).
package messageid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"
)

// Generate returns a new `<timestamp.random.pid@domain>` identifier
// satisfying RFC 5322's msg-id grammar (no whitespace, a single '@', a
// dot-atom-safe left side).
func Generate(domain string) string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("<%d.%s.%d@%s>", time.Now().UnixNano(), hex.EncodeToString(buf[:]), os.Getpid(), domain)
}
