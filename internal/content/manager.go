// Package content implements the Content Manager: a thin adapter binding a
// message-id to a safe filesystem path under a single flat directory,
// writing atomically and resolving reads with a bounded fallback scan.
package content

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lukechampine.com/blake3"

	"github.com/mailstack/mailstack/internal/metrics"
)

const (
	maxNameLen  = 100
	hashSuffLen = 8 // hex chars of blake3 appended when truncation occurs
)

// ErrNotFound is returned by Get when no content can be resolved for a
// message-id, whether via the metadata hint, the canonical path, or the
// fallback scan.
var ErrNotFound = fmt.Errorf("content: not found")

// Manager writes and resolves message bodies under a single directory,
// named <emails_dir>/<safe(message_id)>.eml.
type Manager struct {
	dir string
}

func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("content: failed to create emails directory: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// safe replaces characters illegal or awkward in filenames with "_" and
// truncates to maxNameLen, appending a short blake3-derived suffix when
// truncation occurs so two long message-ids sharing a 100-char prefix don't
// collide.
func safe(messageID string) string {
	var b strings.Builder
	b.Grow(len(messageID))
	for _, r := range messageID {
		switch {
		case r < 0x20:
			b.WriteByte('_')
		case strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	name := b.String()
	if len(name) <= maxNameLen {
		return name
	}
	sum := blake3.Sum256([]byte(messageID))
	suffix := fmt.Sprintf("%x", sum[:4])[:hashSuffLen]
	cut := maxNameLen - hashSuffLen - 1
	return name[:cut] + "_" + suffix
}

func (m *Manager) pathFor(messageID string) string {
	return filepath.Join(m.dir, safe(messageID)+".eml")
}

// Put writes bytes atomically (write-then-rename) to the message's
// canonical path and returns that path. A crash between the two steps
// leaves either the old state (no file, or the prior version) or the new
// one, never a partial file.
func (m *Manager) Put(messageID string, data []byte) (path string, err error) {
	start := time.Now()
	defer func() {
		result := "success"
		if err != nil {
			result = "error"
		}
		metrics.ContentOperationsTotal.WithLabelValues("put", result).Inc()
		metrics.ContentOperationDuration.WithLabelValues("put").Observe(time.Since(start).Seconds())
	}()

	path = m.pathFor(messageID)
	tmp, err := os.CreateTemp(m.dir, "put-*.tmp")
	if err != nil {
		return "", fmt.Errorf("content: failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("content: failed to write temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return "", fmt.Errorf("content: failed to close temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("content: failed to rename into place: %w", err)
	}
	metrics.ContentBytesStored.Add(float64(len(data)))
	return path, nil
}

// Get resolves message content by trying, in order: the metadata hint path
// (if non-empty), the canonical safe(message_id).eml path, and a bounded
// directory scan matching "*safe(message_id)*" to tolerate historical
// filename schemes.
func (m *Manager) Get(messageID string, metadataHint string) (data []byte, err error) {
	start := time.Now()
	defer func() {
		result := "success"
		if err != nil {
			result = "error"
		}
		metrics.ContentOperationsTotal.WithLabelValues("get", result).Inc()
		metrics.ContentOperationDuration.WithLabelValues("get").Observe(time.Since(start).Seconds())
	}()

	if metadataHint != "" {
		if data, err = os.ReadFile(metadataHint); err == nil {
			return data, nil
		}
	}

	canonical := m.pathFor(messageID)
	if data, err = os.ReadFile(canonical); err == nil {
		return data, nil
	}

	if found := m.scanFor(messageID); found != "" {
		if data, err = os.ReadFile(found); err == nil {
			return data, nil
		}
	}

	err = ErrNotFound
	return nil, err
}

// scanFor performs a single bounded readdir pass matching any entry whose
// name contains the safe-encoded message-id.
func (m *Manager) scanFor(messageID string) string {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return ""
	}
	needle := safe(messageID)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.Contains(e.Name(), needle) {
			return filepath.Join(m.dir, e.Name())
		}
	}
	return ""
}

// Delete removes the message's canonical file. Idempotent: deleting an
// already-absent file is not an error.
func (m *Manager) Delete(messageID string) (err error) {
	start := time.Now()
	defer func() {
		result := "success"
		if err != nil {
			result = "error"
		}
		metrics.ContentOperationsTotal.WithLabelValues("delete", result).Inc()
		metrics.ContentOperationDuration.WithLabelValues("delete").Observe(time.Since(start).Seconds())
	}()

	path := m.pathFor(messageID)
	if err = os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			err = nil
			return nil
		}
		return fmt.Errorf("content: failed to delete %s: %w", path, err)
	}
	return nil
}
