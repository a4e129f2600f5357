package pop3server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailstack/mailstack/internal/auth"
	"github.com/mailstack/mailstack/internal/config"
	"github.com/mailstack/mailstack/internal/consts"
	"github.com/mailstack/mailstack/internal/content"
	"github.com/mailstack/mailstack/internal/protocol"
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

func newTestServer(t *testing.T, lookup auth.Lookup, st *store.Store, apopEnabled bool) *Server {
	t.Helper()
	am := auth.NewModule(lookup, 4)
	cm, err := content.NewManager(t.TempDir())
	require.NoError(t, err)
	return &Server{
		cfg:     config.POP3Config{APOPEnabled: apopEnabled, ServerConfig: config.ServerConfig{Hostname: "mail.example.com"}},
		auth:    am,
		content: cm,
		store:   st,
	}
}

func newTestSession(srv *Server) *Session {
	return &Session{
		Session: server.Session{ID: "test", RemoteAddr: "127.0.0.1:1234", Protocol: "POP3", ServerName: "mail.example.com"},
		server:  srv,
		writer:  bufio.NewWriter(io.Discard),
		ctx:     context.Background(),
		state:   stateAuthorization,
	}
}

func TestHandleUSER_NeverRevealsExistence(t *testing.T) {
	srv := newTestServer(t, &fakeLookup{creds: map[string]auth.Credentials{}}, nil, false)
	s := newTestSession(srv)

	r := s.handleUSER([]string{"ghost@example.com"})
	assert.Equal(t, protocol.KindNone, r.Kind)
	assert.Equal(t, "ghost@example.com", s.pendingUser)
}

func TestHandlePASS_WrongPasswordFailsAndClearsPendingUser(t *testing.T) {
	hash, err := auth.NewModule(nil, 4).HashPassword("correct-horse")
	require.NoError(t, err)
	lookup := &fakeLookup{creds: map[string]auth.Credentials{
		"alice@example.com": {AccountID: 1, Address: "alice@example.com", Bcrypt: hash},
	}}
	srv := newTestServer(t, lookup, nil, false)
	s := newTestSession(srv)
	s.pendingUser = "alice@example.com"

	r := s.handlePASS([]string{"wrong-password"})
	assert.Equal(t, protocol.KindAuthentication, r.Kind)
	assert.Equal(t, "", s.pendingUser)
	assert.Equal(t, stateAuthorization, s.state)
}

func TestPASS_SuccessEntersTransactionWithOldestFirstSnapshot(t *testing.T) {
	st := testutils.SetupTestStore(t)
	testutils.TruncateAll(t, st)
	ctx := context.Background()

	accountID, err := st.CreateUser(ctx, "alice", "alice@example.com", "unused")
	require.NoError(t, err)

	base := time.Now().UTC().Truncate(time.Second)
	older := store.InboxRecord{
		MessageID: "<older@x>", AccountID: accountID, FromAddr: "bob@x", ToAddrs: []string{"alice@example.com"},
		Date: base.Add(-time.Hour), SizeBytes: 10, ContentPath: "/tmp/older.eml", ContentHash: "h1",
	}
	newer := store.InboxRecord{
		MessageID: "<newer@x>", AccountID: accountID, FromAddr: "bob@x", ToAddrs: []string{"alice@example.com"},
		Date: base, SizeBytes: 20, ContentPath: "/tmp/newer.eml", ContentHash: "h2",
	}
	require.NoError(t, st.InsertInbox(ctx, older))
	require.NoError(t, st.InsertInbox(ctx, newer))

	hash, err := auth.NewModule(nil, 4).HashPassword("secret")
	require.NoError(t, err)
	lookup := &fakeLookup{creds: map[string]auth.Credentials{
		"alice@example.com": {AccountID: accountID, Address: "alice@example.com", Bcrypt: hash},
	}}
	srv := newTestServer(t, lookup, st, false)
	s := newTestSession(srv)
	s.pendingUser = "alice@example.com"

	r := s.handlePASS([]string{"secret"})
	require.Equal(t, protocol.KindNone, r.Kind)
	assert.Equal(t, stateTransaction, s.state)
	require.Len(t, s.snapshot, 2)
	assert.Equal(t, "<older@x>", s.snapshot[0].MessageID)
	assert.Equal(t, "<newer@x>", s.snapshot[1].MessageID)
}

func TestHandleAPOP_UnsupportedWhenNoSecretSet(t *testing.T) {
	hash, err := auth.NewModule(nil, 4).HashPassword("secret")
	require.NoError(t, err)
	lookup := &fakeLookup{creds: map[string]auth.Credentials{
		"alice@example.com": {AccountID: 1, Address: "alice@example.com", Bcrypt: hash},
	}}
	srv := newTestServer(t, lookup, nil, true)
	s := newTestSession(srv)
	s.apopNonce = "<nonce.mail.example.com>"

	r := s.handleAPOP([]string{"alice@example.com", "deadbeef"})
	assert.Equal(t, protocol.KindAuthentication, r.Kind)
	assert.ErrorIs(t, r.Err, consts.ErrAPOPUnsupported)
}

func TestHandleAPOP_DisabledByServerPolicy(t *testing.T) {
	srv := newTestServer(t, &fakeLookup{}, nil, false)
	s := newTestSession(srv)
	r := s.handleAPOP([]string{"alice@example.com", "deadbeef"})
	assert.Equal(t, protocol.KindAuthentication, r.Kind)
}

func TestHandleAPOP_SuccessWithMatchingDigest(t *testing.T) {
	st := testutils.SetupTestStore(t)
	testutils.TruncateAll(t, st)
	ctx := context.Background()

	accountID, err := st.CreateUser(ctx, "alice", "alice@example.com", "unused")
	require.NoError(t, err)
	require.NoError(t, st.SetAPOPSecret(ctx, accountID, "tanstaaf"))

	lookup := &fakeLookup{}
	srv := newTestServer(t, lookup, st, true)
	srv.auth = auth.NewModule(st, 4) // route through DS-backed lookup
	s := newTestSession(srv)
	nonce := "<1896.697170952@mail.example.com>"
	s.apopNonce = nonce

	sum := md5.Sum([]byte(nonce + "tanstaaf"))
	digest := hex.EncodeToString(sum[:])

	r := s.handleAPOP([]string{"alice@example.com", digest})
	require.Equal(t, protocol.KindNone, r.Kind)
	assert.Equal(t, stateTransaction, s.state)
}

func TestHandleDELE_RSET_STAT(t *testing.T) {
	srv := newTestServer(t, &fakeLookup{}, nil, false)
	s := newTestSession(srv)
	s.state = stateTransaction
	s.snapshot = snap("a", "b", "c")
	s.deletionSet = map[int]bool{}

	r := s.handleDELE([]string{"2"})
	require.Equal(t, protocol.KindNone, r.Kind)
	assert.True(t, s.deletionSet[1])

	stat := s.handleSTAT()
	assert.Equal(t, "2 40", stat.Text)

	dup := s.handleDELE([]string{"2"})
	assert.Equal(t, protocol.KindResource, dup.Kind)

	r = s.handleRSET()
	assert.Equal(t, protocol.KindNone, r.Kind)
	assert.Empty(t, s.deletionSet)
	stat = s.handleSTAT()
	assert.Equal(t, "3 60", stat.Text)
}

func TestHandleDELE_OutOfRange(t *testing.T) {
	srv := newTestServer(t, &fakeLookup{}, nil, false)
	s := newTestSession(srv)
	s.state = stateTransaction
	s.snapshot = snap("a")
	s.deletionSet = map[int]bool{}

	r := s.handleDELE([]string{"9"})
	assert.Equal(t, protocol.KindResource, r.Kind)
}

func TestResolveArg_SkipsDeletedAndOutOfRange(t *testing.T) {
	srv := newTestServer(t, &fakeLookup{}, nil, false)
	s := newTestSession(srv)
	s.snapshot = snap("a", "b")
	s.deletionSet = map[int]bool{0: true}

	_, ok := s.resolveArg([]string{"1"})
	assert.False(t, ok)

	rec, ok := s.resolveArg([]string{"2"})
	assert.True(t, ok)
	assert.Equal(t, "b", rec.MessageID)

	_, ok = s.resolveArg([]string{"3"})
	assert.False(t, ok)
}

func TestHandleQUIT_FromAuthorizationClosesWithoutCommit(t *testing.T) {
	srv := newTestServer(t, &fakeLookup{}, nil, false)
	s := newTestSession(srv)

	r := s.handleQUIT()
	assert.True(t, r.Close)
	assert.Equal(t, stateClosed, s.state)
}

func TestHandleQUIT_FromTransactionCommitsDeletions(t *testing.T) {
	st := testutils.SetupTestStore(t)
	testutils.TruncateAll(t, st)
	ctx := context.Background()

	accountID, err := st.CreateUser(ctx, "alice", "alice@example.com", "unused")
	require.NoError(t, err)
	rec := store.InboxRecord{
		MessageID: "<del@x>", AccountID: accountID, FromAddr: "bob@x", ToAddrs: []string{"alice@example.com"},
		Date: time.Now().UTC(), SizeBytes: 5, ContentPath: "/tmp/del.eml", ContentHash: "h1",
	}
	require.NoError(t, st.InsertInbox(ctx, rec))

	srv := newTestServer(t, &fakeLookup{}, st, false)
	s := newTestSession(srv)
	s.state = stateTransaction
	s.accountID = accountID
	s.snapshot = []store.InboxRecord{rec}
	s.deletionSet = map[int]bool{0: true}

	r := s.handleQUIT()
	assert.True(t, r.Close)
	assert.Equal(t, stateClosed, s.state)

	got, err := st.GetInbox(ctx, rec.MessageID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
}

func TestHandleSTLS_RequiresAuthorizationState(t *testing.T) {
	srv := newTestServer(t, &fakeLookup{}, nil, false)
	s := newTestSession(srv)
	s.state = stateTransaction

	r := s.handleSTLS()
	assert.Equal(t, protocol.KindProtocol, r.Kind)
}

func TestHandleSTLS_UnavailableWithoutTLSConfig(t *testing.T) {
	srv := newTestServer(t, &fakeLookup{}, nil, false)
	s := newTestSession(srv)

	r := s.handleSTLS()
	assert.Equal(t, protocol.KindProtocol, r.Kind)
}

func TestHandleCAPA_AdvertisesSTLSOnlyWhenAvailable(t *testing.T) {
	srv := newTestServer(t, &fakeLookup{}, nil, true)
	s := newTestSession(srv)
	var out bytes.Buffer
	s.writer = bufio.NewWriter(&out)

	r := s.handleCAPA()
	assert.Equal(t, protocol.KindNone, r.Kind)
	assert.Nil(t, r.Err)
	// No TLS config on this server, so STLS must not be offered.
	assert.Contains(t, out.String(), "UIDL\r\n")
	assert.NotContains(t, out.String(), "STLS")
}
