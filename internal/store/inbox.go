package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mailstack/mailstack/internal/consts"
)

// InboxRecord mirrors spec.md's persisted InboxRecord entity.
type InboxRecord struct {
	MessageID   string
	AccountID   int64
	FromAddr    string
	ToAddrs     []string
	Subject     string
	Date        time.Time
	SizeBytes   int64
	IsRead      bool
	IsDeleted   bool
	IsSpam      bool
	SpamScore   float32
	ContentPath string
	HeadersBlob []byte
	ContentHash string
}

// InsertInbox inserts one inbox row; it never updates an existing one. A
// duplicate message_id is reported via ErrDBUniqueViolation whatever its
// content_hash; SSE compares hashes (GetInboxContentHash) to decide between
// an idempotent 250 accept and a 451.
func (s *Store) InsertInbox(ctx context.Context, rec InboxRecord) error {
	_, err := s.TimedExec(ctx, "insert_inbox",
		`INSERT INTO inbox (message_id, account_id, from_addr, to_addrs, subject, date,
			size_bytes, content_path, headers_blob, content_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.MessageID, rec.AccountID, rec.FromAddr, rec.ToAddrs, rec.Subject, rec.Date,
		rec.SizeBytes, rec.ContentPath, rec.HeadersBlob, rec.ContentHash)
	if err != nil {
		return classifyPgError(fmt.Errorf("store: failed to insert inbox record: %w", err))
	}
	return nil
}

// GetInboxContentHash returns the stored content hash for a message-id, used
// by SSE to decide whether a duplicate delivery is byte-identical.
func (s *Store) GetInboxContentHash(ctx context.Context, messageID string) (string, error) {
	var hash string
	row := s.TimedQueryRow(ctx, "get_inbox_content_hash",
		`SELECT content_hash FROM inbox WHERE message_id = $1`, messageID)
	if err := row.Scan(&hash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", consts.ErrMessageNotFound
		}
		return "", fmt.Errorf("store: failed to fetch content hash: %w", err)
	}
	return hash, nil
}

// GetInbox fetches a single message's metadata.
func (s *Store) GetInbox(ctx context.Context, messageID string) (InboxRecord, error) {
	var r InboxRecord
	row := s.TimedQueryRow(ctx, "get_inbox",
		`SELECT message_id, account_id, from_addr, to_addrs, subject, date, size_bytes,
			is_read, is_deleted, is_spam, spam_score, content_path, headers_blob, content_hash
		 FROM inbox WHERE message_id = $1`, messageID)
	if err := row.Scan(&r.MessageID, &r.AccountID, &r.FromAddr, &r.ToAddrs, &r.Subject, &r.Date,
		&r.SizeBytes, &r.IsRead, &r.IsDeleted, &r.IsSpam, &r.SpamScore, &r.ContentPath,
		&r.HeadersBlob, &r.ContentHash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InboxRecord{}, consts.ErrMessageNotFound
		}
		return InboxRecord{}, fmt.Errorf("store: failed to fetch inbox record: %w", err)
	}
	return r, nil
}

// ListInboxOptions filters ListInbox, mirroring the PCE retrieve_all filters
// from spec.md §4.5.
type ListInboxOptions struct {
	SinceDate    *time.Time
	OnlyUnread   bool
	IncludeSpam  bool
	ExcludeTrash bool
}

// ListInbox returns the account's mailbox snapshot ordered newest-first,
// suitable for PSE's frozen-for-the-session snapshot semantics.
func (s *Store) ListInbox(ctx context.Context, accountID int64, opts ListInboxOptions) ([]InboxRecord, error) {
	query := `SELECT message_id, account_id, from_addr, to_addrs, subject, date, size_bytes,
		is_read, is_deleted, is_spam, spam_score, content_path, headers_blob, content_hash
		FROM inbox WHERE account_id = $1`
	args := []interface{}{accountID}

	if opts.ExcludeTrash {
		query += ` AND NOT is_deleted`
	}
	if !opts.IncludeSpam {
		query += ` AND NOT is_spam`
	}
	if opts.OnlyUnread {
		query += ` AND NOT is_read`
	}
	if opts.SinceDate != nil {
		args = append(args, *opts.SinceDate)
		query += fmt.Sprintf(` AND date >= $%d`, len(args))
	}
	query += ` ORDER BY date DESC`

	rows, err := s.TimedQuery(ctx, "list_inbox", query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list inbox: %w", err)
	}
	defer rows.Close()

	var out []InboxRecord
	for rows.Next() {
		var r InboxRecord
		if err := rows.Scan(&r.MessageID, &r.AccountID, &r.FromAddr, &r.ToAddrs, &r.Subject, &r.Date,
			&r.SizeBytes, &r.IsRead, &r.IsDeleted, &r.IsSpam, &r.SpamScore, &r.ContentPath,
			&r.HeadersBlob, &r.ContentHash); err != nil {
			return nil, fmt.Errorf("store: failed to scan inbox row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkInboxRead flips is_read for one message.
func (s *Store) MarkInboxRead(ctx context.Context, messageID string, read bool) error {
	_, err := s.TimedExec(ctx, "mark_inbox_read",
		`UPDATE inbox SET is_read = $1 WHERE message_id = $2`, read, messageID)
	if err != nil {
		return fmt.Errorf("store: failed to update read flag: %w", err)
	}
	return nil
}

// MarkInboxDeleted commits a PSE UPDATE-state deletion set: called only
// after a clean QUIT, never for abnormal termination. A single UPDATE
// statement covering the whole set is PostgreSQL's atomic unit here: it
// either applies to every row or none.
func (s *Store) MarkInboxDeleted(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.TimedExec(ctx, "mark_inbox_deleted",
		`UPDATE inbox SET is_deleted = true WHERE message_id = ANY($1)`, messageIDs)
	if err != nil {
		return fmt.Errorf("store: failed to mark inbox records deleted: %w", err)
	}
	return nil
}
