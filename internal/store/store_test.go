package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailstack/mailstack/internal/store"
	"github.com/mailstack/mailstack/internal/testutils"
)

func TestInboxInsertGetListDelete(t *testing.T) {
	s := testutils.SetupTestStore(t)
	testutils.TruncateAll(t, s)
	ctx := context.Background()

	accountID, err := s.CreateUser(ctx, "alice", "alice@example.com", "bcrypt-hash")
	require.NoError(t, err)

	rec := store.InboxRecord{
		MessageID:   "<msg1@example.com>",
		AccountID:   accountID,
		FromAddr:    "bob@example.com",
		ToAddrs:     []string{"alice@example.com"},
		Subject:     "hello",
		Date:        time.Now().UTC().Truncate(time.Second),
		SizeBytes:   42,
		ContentPath: "/var/mail/msg1.eml",
		ContentHash: "deadbeef",
	}
	require.NoError(t, s.InsertInbox(ctx, rec))

	got, err := s.GetInbox(ctx, rec.MessageID)
	require.NoError(t, err)
	assert.Equal(t, rec.FromAddr, got.FromAddr)
	assert.False(t, got.IsRead)

	list, err := s.ListInbox(ctx, accountID, store.ListInboxOptions{ExcludeTrash: true})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.MarkInboxRead(ctx, rec.MessageID, true))
	got, err = s.GetInbox(ctx, rec.MessageID)
	require.NoError(t, err)
	assert.True(t, got.IsRead)

	require.NoError(t, s.MarkInboxDeleted(ctx, []string{rec.MessageID}))
	got, err = s.GetInbox(ctx, rec.MessageID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)

	list, err = s.ListInbox(ctx, accountID, store.ListInboxOptions{ExcludeTrash: true})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestInboxDuplicateMessageIDIsUniqueViolation(t *testing.T) {
	s := testutils.SetupTestStore(t)
	testutils.TruncateAll(t, s)
	ctx := context.Background()

	accountID, err := s.CreateUser(ctx, "carol", "carol@example.com", "bcrypt-hash")
	require.NoError(t, err)

	rec := store.InboxRecord{
		MessageID:   "<dup@example.com>",
		AccountID:   accountID,
		FromAddr:    "bob@example.com",
		ToAddrs:     []string{"carol@example.com"},
		Date:        time.Now().UTC(),
		ContentPath: "/var/mail/dup.eml",
		ContentHash: "hash1",
	}
	require.NoError(t, s.InsertInbox(ctx, rec))

	rec.ContentHash = "hash2"
	err = s.InsertInbox(ctx, rec)
	assert.Error(t, err)
}

func TestGetCredentials_UnknownUserReturnsNotFound(t *testing.T) {
	s := testutils.SetupTestStore(t)
	testutils.TruncateAll(t, s)

	_, err := s.GetCredentials("ghost@example.com")
	assert.Error(t, err)
}
