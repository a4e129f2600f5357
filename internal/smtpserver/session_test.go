package smtpserver

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailstack/mailstack/internal/auth"
	"github.com/mailstack/mailstack/internal/content"
	"github.com/mailstack/mailstack/internal/headers"
	"github.com/mailstack/mailstack/internal/server"
	"github.com/mailstack/mailstack/internal/store"
	"github.com/mailstack/mailstack/internal/testutils"
)

var errFakeLookupMiss = errors.New("fake lookup: not found")

type fakeLookup struct {
	creds map[string]auth.Credentials
}

func (f *fakeLookup) GetCredentials(address string) (auth.Credentials, error) {
	c, ok := f.creds[address]
	if !ok {
		return auth.Credentials{}, errFakeLookupMiss
	}
	return c, nil
}

func newTestSession(t *testing.T, authRequired bool) *Session {
	t.Helper()
	am := auth.NewModule(&fakeLookup{creds: map[string]auth.Credentials{}}, 4)
	cm, err := content.NewManager(t.TempDir())
	require.NoError(t, err)

	return &Session{
		Session: server.Session{ID: "test", RemoteAddr: "127.0.0.1:1234", Protocol: "SMTP", ServerName: "mail.example.com"},
		backend: NewBackend("mail.example.com", authRequired, 0, am, cm, nil),
		ctx:     context.Background(),
	}
}

func TestExtractMessageID_FindsExistingHeader(t *testing.T) {
	data := []byte("From: a@example.com\r\nMessage-Id: <abc123@example.com>\r\nSubject: hi\r\n\r\nbody\r\n")
	assert.Equal(t, "<abc123@example.com>", headers.Parse(data).MessageID)
}

func TestExtractMessageID_AbsentReturnsEmpty(t *testing.T) {
	data := []byte("From: a@example.com\r\nSubject: hi\r\n\r\nbody\r\n")
	assert.Equal(t, "", headers.Parse(data).MessageID)
}

func TestMail_AuthRequiredRejectsUnauthenticated(t *testing.T) {
	s := newTestSession(t, true)
	err := s.Mail("bob@example.com", nil)
	require.Error(t, err)
	assert.Equal(t, s.mailFrom, "")
}

func TestMail_InvalidAddressRejected(t *testing.T) {
	s := newTestSession(t, false)
	err := s.Mail("not-an-address", nil)
	assert.Error(t, err)
}

func TestMail_ValidAddressAccepted(t *testing.T) {
	s := newTestSession(t, false)
	err := s.Mail("bob@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", s.mailFrom)
}

func TestRcpt_InvalidAddressRejected(t *testing.T) {
	s := newTestSession(t, false)
	err := s.Rcpt("nope", nil)
	assert.Error(t, err)
	assert.Empty(t, s.rcptTo)
}

func TestRcpt_ValidAddressAccumulates(t *testing.T) {
	s := newTestSession(t, false)
	require.NoError(t, s.Rcpt("carol@example.com", nil))
	require.NoError(t, s.Rcpt("dave@example.com", nil))
	assert.Equal(t, []string{"carol@example.com", "dave@example.com"}, s.rcptTo)
}

func TestReset_ClearsEnvelopeButNotAuth(t *testing.T) {
	s := newTestSession(t, false)
	require.NoError(t, s.Mail("bob@example.com", nil))
	require.NoError(t, s.Rcpt("carol@example.com", nil))
	s.authenticated = true
	s.Principal = "bob@example.com"

	s.Reset()

	assert.Equal(t, "", s.mailFrom)
	assert.Empty(t, s.rcptTo)
	assert.True(t, s.authenticated)
	assert.Equal(t, "bob@example.com", s.Principal)
}

func TestData_AcceptsAndPersistsThenDetectsIdempotentDuplicate(t *testing.T) {
	st := testutils.SetupTestStore(t)
	testutils.TruncateAll(t, st)
	ctx := context.Background()

	accountID, err := st.CreateUser(ctx, "erin", "erin@example.com", "bcrypt-hash")
	require.NoError(t, err)

	am := auth.NewModule(&fakeLookup{}, 4)
	cm, err := content.NewManager(t.TempDir())
	require.NoError(t, err)

	backend := NewBackend("mail.example.com", false, 0, am, cm, st)
	// No accountID set and no AUTH performed: this session is never
	// authenticated. Delivery must resolve erin's account purely from
	// rcptTo, the way an unauthenticated inbound submission from the
	// outside world actually arrives.
	s := &Session{
		Session:  server.Session{ID: "t2", RemoteAddr: "127.0.0.1:1", Protocol: "SMTP", ServerName: "mail.example.com"},
		backend:  backend,
		ctx:      ctx,
		mailFrom: "frank@example.com",
		rcptTo:   []string{"erin@example.com"},
	}

	body := []byte("From: frank@example.com\r\nTo: erin@example.com\r\nMessage-Id: <same@example.com>\r\nSubject: test\r\n\r\nhello\r\n")
	require.NoError(t, s.Data(bytes.NewReader(body)))

	list, err := st.ListInbox(ctx, accountID, store.ListInboxOptions{ExcludeTrash: true})
	require.NoError(t, err)
	require.Len(t, list, 1)

	data, err := cm.Get(list[0].MessageID, list[0].ContentPath)
	require.NoError(t, err)
	assert.Equal(t, body, data)

	// Re-delivering the same message through Data itself, not a raw store
	// call, exercises the full idempotent-accept path: it must not touch
	// the file backing the record just verified above.
	require.NoError(t, s.Data(bytes.NewReader(body)))

	list2, err := st.ListInbox(ctx, accountID, store.ListInboxOptions{ExcludeTrash: true})
	require.NoError(t, err)
	require.Len(t, list2, 1)

	data2, err := cm.Get(list2[0].MessageID, list2[0].ContentPath)
	require.NoError(t, err)
	assert.Equal(t, body, data2)
}

func TestData_DifferentContentSameMessageIDRejectedWithoutCorruptingStoredCopy(t *testing.T) {
	st := testutils.SetupTestStore(t)
	testutils.TruncateAll(t, st)
	ctx := context.Background()

	accountID, err := st.CreateUser(ctx, "erin", "erin@example.com", "bcrypt-hash")
	require.NoError(t, err)

	am := auth.NewModule(&fakeLookup{}, 4)
	cm, err := content.NewManager(t.TempDir())
	require.NoError(t, err)

	backend := NewBackend("mail.example.com", false, 0, am, cm, st)
	s := &Session{
		Session:  server.Session{ID: "t3", RemoteAddr: "127.0.0.1:1", Protocol: "SMTP", ServerName: "mail.example.com"},
		backend:  backend,
		ctx:      ctx,
		mailFrom: "frank@example.com",
		rcptTo:   []string{"erin@example.com"},
	}

	first := []byte("From: frank@example.com\r\nTo: erin@example.com\r\nMessage-Id: <fixed@example.com>\r\nSubject: v1\r\n\r\nfirst\r\n")
	require.NoError(t, s.Data(bytes.NewReader(first)))

	second := []byte("From: frank@example.com\r\nTo: erin@example.com\r\nMessage-Id: <fixed@example.com>\r\nSubject: v2\r\n\r\nsecond body, different length\r\n")
	err = s.Data(bytes.NewReader(second))
	assert.Error(t, err)

	list, err := st.ListInbox(ctx, accountID, store.ListInboxOptions{ExcludeTrash: true})
	require.NoError(t, err)
	require.Len(t, list, 1)

	data, err := cm.Get(list[0].MessageID, list[0].ContentPath)
	require.NoError(t, err)
	assert.Equal(t, first, data)
}

func TestData_NoLocalRecipientRejected(t *testing.T) {
	st := testutils.SetupTestStore(t)
	testutils.TruncateAll(t, st)
	ctx := context.Background()

	am := auth.NewModule(&fakeLookup{}, 4)
	cm, err := content.NewManager(t.TempDir())
	require.NoError(t, err)

	backend := NewBackend("mail.example.com", false, 0, am, cm, st)
	s := &Session{
		Session:  server.Session{ID: "t4", RemoteAddr: "127.0.0.1:1", Protocol: "SMTP", ServerName: "mail.example.com"},
		backend:  backend,
		ctx:      ctx,
		mailFrom: "frank@example.com",
		rcptTo:   []string{"nobody@example.com"},
	}

	body := []byte("From: frank@example.com\r\nTo: nobody@example.com\r\nSubject: test\r\n\r\nhello\r\n")
	err = s.Data(bytes.NewReader(body))
	assert.Error(t, err)
}
