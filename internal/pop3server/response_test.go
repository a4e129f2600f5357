package pop3server

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mailstack/mailstack/internal/store"
)

func snap(ids ...string) []store.InboxRecord {
	out := make([]store.InboxRecord, len(ids))
	for i, id := range ids {
		out[i] = store.InboxRecord{MessageID: id, SizeBytes: int64(10 * (i + 1))}
	}
	return out
}

func TestBuildListResponseLines_SkipsDeleted(t *testing.T) {
	s := snap("a", "b", "c")
	lines := buildListResponseLines(s, map[int]bool{1: true})
	assert.Equal(t, []string{"1 10", "3 30"}, lines)
}

func TestBuildUIDLResponseLines_UsesRawMessageID(t *testing.T) {
	s := snap("<a@x>", "<b@x>")
	lines := buildUIDLResponseLines(s, map[int]bool{})
	assert.Equal(t, []string{"1 <a@x>", "2 <b@x>"}, lines)
}

func TestCountNonDeletedMessages(t *testing.T) {
	s := snap("a", "b", "c")
	assert.Equal(t, 3, countNonDeletedMessages(s, map[int]bool{}))
	assert.Equal(t, 2, countNonDeletedMessages(s, map[int]bool{0: true}))
}

func TestBuildSingleListResponse_OutOfRangeAndDeleted(t *testing.T) {
	s := snap("a", "b")
	ok, line := buildSingleListResponse(s, map[int]bool{}, 1)
	assert.True(t, ok)
	assert.Equal(t, "1 10", line)

	ok, _ = buildSingleListResponse(s, map[int]bool{}, 0)
	assert.False(t, ok)
	ok, _ = buildSingleListResponse(s, map[int]bool{}, 3)
	assert.False(t, ok)
	ok, _ = buildSingleListResponse(s, map[int]bool{0: true}, 1)
	assert.False(t, ok)
}

func TestBuildSingleUIDLResponse(t *testing.T) {
	s := snap("<a@x>", "<b@x>")
	ok, line := buildSingleUIDLResponse(s, map[int]bool{}, 2)
	assert.True(t, ok)
	assert.Equal(t, "2 <b@x>", line)

	ok, _ = buildSingleUIDLResponse(s, map[int]bool{1: true}, 2)
	assert.False(t, ok)
}

func TestComputeStatTotals(t *testing.T) {
	s := snap("a", "b", "c")
	count, size := computeStatTotals(s, map[int]bool{1: true})
	assert.Equal(t, 2, count)
	assert.Equal(t, int64(10+30), size)
}

func TestDotStuffPOP3(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"no dots", "hello\r\nworld\r\n", "hello\r\nworld\r\n"},
		{"dot at start of line", ".hidden\r\ntext\r\n", "..hidden\r\ntext\r\n"},
		{"dot terminator in body", "line1\r\n.\r\nline2\r\n", "line1\r\n..\r\nline2\r\n"},
		{"multiple dots at line start", "..two\r\n", "...two\r\n"},
		{"dot in middle, no stuffing", "a.b.c\r\n", "a.b.c\r\n"},
		{"empty message", "", ""},
		{"single dot", ".", ".."},
		{"just terminator sequence", ".\r\n", "..\r\n"},
		{
			"real-world html email",
			"<html>\r\n.content { color: red; }\r\n</html>\r\n",
			"<html>\r\n..content { color: red; }\r\n</html>\r\n",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, string(dotStuffPOP3([]byte(c.in))))
		})
	}
}

func TestSplitHeaderBody(t *testing.T) {
	data := []byte("From: a@x\r\nTo: b@x\r\n\r\nhello\r\nworld\r\n")
	headers, body := splitHeaderBody(data)
	assert.Equal(t, "From: a@x\r\nTo: b@x\r\n", string(headers))
	assert.Equal(t, "hello\r\nworld\r\n", string(body))
}

func TestSplitHeaderBody_NoBoundary(t *testing.T) {
	data := []byte("From: a@x\r\nTo: b@x\r\n")
	headers, body := splitHeaderBody(data)
	assert.Equal(t, data, headers)
	assert.Nil(t, body)
}

func TestFirstKBodyLines(t *testing.T) {
	body := []byte("line1\r\nline2\r\nline3\r\n")
	assert.Equal(t, "line1\r\nline2\r\n", string(firstKBodyLines(body, 2)))
	assert.Equal(t, body, firstKBodyLines(body, 10))
	assert.Nil(t, firstKBodyLines(body, 0))
}
