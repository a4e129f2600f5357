package content

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetDelete_RoundTrip(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	id := "<abc123.456.789@example.com>"
	path, err := m.Put(id, []byte("hello world"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".eml"))

	data, err := m.Get(id, "")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	require.NoError(t, m.Delete(id))

	_, err = m.Get(id, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete_Idempotent(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	assert.NoError(t, m.Delete("<never-existed@example.com>"))
}

func TestGet_MetadataHintTakesPrecedence(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)

	id := "<dup@example.com>"
	_, err = m.Put(id, []byte("canonical"))
	require.NoError(t, err)

	hintPath := filepath.Join(dir, "legacy-name.eml")
	require.NoError(t, os.WriteFile(hintPath, []byte("from hint"), 0o644))

	data, err := m.Get(id, hintPath)
	require.NoError(t, err)
	assert.Equal(t, "from hint", string(data))
}

func TestGet_FallbackScanFindsHistoricalName(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)

	id := "<legacy-scheme@example.com>"
	legacyName := safe(id) + ".old-format.eml"
	require.NoError(t, os.WriteFile(filepath.Join(dir, legacyName), []byte("legacy body"), 0o644))

	data, err := m.Get(id, "")
	require.NoError(t, err)
	assert.Equal(t, "legacy body", string(data))
}

func TestSafe_ReplacesIllegalCharsAndTruncatesWithHashSuffix(t *testing.T) {
	short := safe("<normal@example.com>")
	assert.NotContains(t, short, "<")
	assert.NotContains(t, short, ">")

	long := safe("<" + strings.Repeat("a", 200) + "@example.com>")
	assert.LessOrEqual(t, len(long), maxNameLen)
	assert.Len(t, long, maxNameLen)
}

func TestPut_AtomicNoPartialFileVisible(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)

	id := "<atomic@example.com>"
	path, err := m.Put(id, []byte("payload"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "put-"), "temp file must not remain after Put returns")
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}
