package pop3client

import (
	"bufio"
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePOP3Server is a minimal scripted responder good enough to exercise
// PCE's framing without standing up internal/pop3server end-to-end: this
// package has no teacher POP3 client to test against, so the round trip is
// validated against a purpose-built fixture instead, mirroring how
// pop3server's own tests fake the counterpart side (a fakeLookup) rather
// than requiring a live database.
func fakePOP3Server(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()
	return ln.Addr().String()
}

func writeLine(t *testing.T, w *bufio.Writer, s string) {
	t.Helper()
	_, err := w.WriteString(s + "\r\n")
	require.NoError(t, err)
	require.NoError(t, w.Flush())
}

func TestConnect_ParsesGreetingAndNonce(t *testing.T) {
	addr := fakePOP3Server(t, func(conn net.Conn) {
		w := bufio.NewWriter(conn)
		writeLine(t, w, "+OK POP3 server ready <1896.697170952@mail.example.com>")
	})

	c := New(Config{Addr: addr, TLSMode: TLSNone})
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "<1896.697170952@mail.example.com>", c.apopNonce)
}

func TestConnect_RejectsErrGreeting(t *testing.T) {
	addr := fakePOP3Server(t, func(conn net.Conn) {
		w := bufio.NewWriter(conn)
		writeLine(t, w, "-ERR server busy")
	})

	c := New(Config{Addr: addr, TLSMode: TLSNone})
	err := c.Connect(context.Background())
	require.Error(t, err)
	var pErr *Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, KindRejected, pErr.Kind)
}

func TestAuthenticate_UserPassSuccess(t *testing.T) {
	addr := fakePOP3Server(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)
		writeLine(t, w, "+OK POP3 server ready <nonce@x>")

		line, _ := r.ReadString('\n')
		assert.Equal(t, "USER alice\r\n", line)
		writeLine(t, w, "+OK")

		line, _ = r.ReadString('\n')
		assert.Equal(t, "PASS secret\r\n", line)
		writeLine(t, w, "+OK mailbox ready")
	})

	c := New(Config{Addr: addr, TLSMode: TLSNone, Username: "alice", Password: "secret"})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Authenticate(context.Background()))
}

func TestGetMailboxStatus_ParsesStat(t *testing.T) {
	addr := fakePOP3Server(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)
		writeLine(t, w, "+OK ready <nonce@x>")
		line, _ := r.ReadString('\n')
		assert.Equal(t, "STAT\r\n", line)
		writeLine(t, w, "+OK 2 300")
	})

	c := New(Config{Addr: addr, TLSMode: TLSNone})
	require.NoError(t, c.Connect(context.Background()))
	count, size, err := c.GetMailboxStatus()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, int64(300), size)
}

func TestListMessages_ParsesMultiline(t *testing.T) {
	addr := fakePOP3Server(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)
		writeLine(t, w, "+OK ready <nonce@x>")
		line, _ := r.ReadString('\n')
		assert.Equal(t, "LIST\r\n", line)
		writeLine(t, w, "+OK 2 messages")
		writeLine(t, w, "1 100")
		writeLine(t, w, "2 200")
		writeLine(t, w, ".")
	})

	c := New(Config{Addr: addr, TLSMode: TLSNone})
	require.NoError(t, c.Connect(context.Background()))
	infos, err := c.ListMessages()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, MessageInfo{Number: 1, Size: 100}, infos[0])
	assert.Equal(t, MessageInfo{Number: 2, Size: 200}, infos[1])
}

// TestRetrieveMessage_DotUnstuffsBody round-trips a body whose first line
// starts with a literal "." the way a dot-stuffed transmission would
// double it, matching property 4 (dot-unstuffed RETR yields the exact
// stored bytes) against pop3server's own dotStuffPOP3.
func TestRetrieveMessage_DotUnstuffsBody(t *testing.T) {
	addr := fakePOP3Server(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)
		writeLine(t, w, "+OK ready <nonce@x>")
		line, _ := r.ReadString('\n')
		assert.Equal(t, "RETR 1\r\n", line)
		writeLine(t, w, "+OK 27 octets")
		// Original body: ".leading dot\r\nnormal line\r\n" — the leading
		// ".." below is the wire-level stuffed form of its single leading dot.
		writeLine(t, w, "..leading dot")
		writeLine(t, w, "normal line")
		writeLine(t, w, ".")
	})

	c := New(Config{Addr: addr, TLSMode: TLSNone})
	require.NoError(t, c.Connect(context.Background()))
	data, err := c.RetrieveMessage(1, false)
	require.NoError(t, err)
	assert.Equal(t, ".leading dot\r\nnormal line\r\n", string(data))
}

func TestRetrieveMessage_WithDeleteSendsDELE(t *testing.T) {
	addr := fakePOP3Server(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)
		writeLine(t, w, "+OK ready <nonce@x>")
		line, _ := r.ReadString('\n')
		assert.Equal(t, "RETR 1\r\n", line)
		writeLine(t, w, "+OK")
		writeLine(t, w, "body")
		writeLine(t, w, ".")

		line, _ = r.ReadString('\n')
		assert.Equal(t, "DELE 1\r\n", line)
		writeLine(t, w, "+OK")
	})

	c := New(Config{Addr: addr, TLSMode: TLSNone})
	require.NoError(t, c.Connect(context.Background()))
	_, err := c.RetrieveMessage(1, true)
	require.NoError(t, err)
}

func TestQuit_ClosesConnection(t *testing.T) {
	addr := fakePOP3Server(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)
		writeLine(t, w, "+OK ready <nonce@x>")
		line, _ := r.ReadString('\n')
		assert.Equal(t, "QUIT\r\n", line)
		writeLine(t, w, "+OK Goodbye")
	})

	c := New(Config{Addr: addr, TLSMode: TLSNone})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Quit())
}

func TestExtractNonce(t *testing.T) {
	assert.Equal(t, "<1.2@x>", extractNonce("+OK ready <1.2@x>"))
	assert.Equal(t, "", extractNonce("+OK ready, no challenge here"))
}

func TestScanHeaders_ExtractsFromSubjectDate(t *testing.T) {
	raw := []byte("From: bob@x\r\nSubject: hi\r\nDate: Mon, 02 Jan 2006 15:04:05 -0700\r\n\r\nbody\r\n")
	from, subject, date, hasDate := scanHeaders(raw)
	assert.Equal(t, "bob@x", from)
	assert.Equal(t, "hi", subject)
	require.True(t, hasDate)
	assert.Equal(t, 2006, date.Year())
}

func TestIsPermanentError(t *testing.T) {
	assert.False(t, IsPermanentError(nil))
	assert.True(t, IsPermanentError(&Error{Kind: KindRejected}))
	assert.True(t, IsPermanentError(&Error{Kind: KindAuth}))
	assert.False(t, IsPermanentError(&Error{Kind: KindConnect}))
	assert.False(t, IsPermanentError(&Error{Kind: KindTimeout}))
}

