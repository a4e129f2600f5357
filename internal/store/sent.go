package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mailstack/mailstack/internal/consts"
)

// SentRecord mirrors spec.md's SentRecord entity: same shape as
// InboxRecord, kept as a distinct table and type for the bidirectional
// storage symmetry spec.md requires, rather than a shared "folder" column.
type SentRecord struct {
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

// InsertSent records a message SCE has submitted.
func (s *Store) InsertSent(ctx context.Context, rec SentRecord) error {
	_, err := s.TimedExec(ctx, "insert_sent",
		`INSERT INTO sent (message_id, account_id, from_addr, to_addrs, subject, date,
			size_bytes, content_path, headers_blob, content_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.MessageID, rec.AccountID, rec.FromAddr, rec.ToAddrs, rec.Subject, rec.Date,
		rec.SizeBytes, rec.ContentPath, rec.HeadersBlob, rec.ContentHash)
	if err != nil {
		return classifyPgError(fmt.Errorf("store: failed to insert sent record: %w", err))
	}
	return nil
}

// GetSent fetches a single sent message's metadata.
func (s *Store) GetSent(ctx context.Context, messageID string) (SentRecord, error) {
	var r SentRecord
	row := s.TimedQueryRow(ctx, "get_sent",
		`SELECT message_id, account_id, from_addr, to_addrs, subject, date, size_bytes,
			is_read, is_deleted, is_spam, spam_score, content_path, headers_blob, content_hash
		 FROM sent WHERE message_id = $1`, messageID)
	if err := row.Scan(&r.MessageID, &r.AccountID, &r.FromAddr, &r.ToAddrs, &r.Subject, &r.Date,
		&r.SizeBytes, &r.IsRead, &r.IsDeleted, &r.IsSpam, &r.SpamScore, &r.ContentPath,
		&r.HeadersBlob, &r.ContentHash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SentRecord{}, consts.ErrMessageNotFound
		}
		return SentRecord{}, fmt.Errorf("store: failed to fetch sent record: %w", err)
	}
	return r, nil
}

// ListSent returns the account's sent messages, newest first, applying the
// same spam/trash filters as ListInbox for symmetry.
func (s *Store) ListSent(ctx context.Context, accountID int64, opts ListInboxOptions) ([]SentRecord, error) {
	query := `SELECT message_id, account_id, from_addr, to_addrs, subject, date, size_bytes,
		is_read, is_deleted, is_spam, spam_score, content_path, headers_blob, content_hash
		FROM sent WHERE account_id = $1`
	args := []interface{}{accountID}

	if opts.ExcludeTrash {
		query += ` AND NOT is_deleted`
	}
	if !opts.IncludeSpam {
		query += ` AND NOT is_spam`
	}
	if opts.SinceDate != nil {
		args = append(args, *opts.SinceDate)
		query += fmt.Sprintf(` AND date >= $%d`, len(args))
	}
	query += ` ORDER BY date DESC`

	rows, err := s.TimedQuery(ctx, "list_sent", query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list sent: %w", err)
	}
	defer rows.Close()

	var out []SentRecord
	for rows.Next() {
		var r SentRecord
		if err := rows.Scan(&r.MessageID, &r.AccountID, &r.FromAddr, &r.ToAddrs, &r.Subject, &r.Date,
			&r.SizeBytes, &r.IsRead, &r.IsDeleted, &r.IsSpam, &r.SpamScore, &r.ContentPath,
			&r.HeadersBlob, &r.ContentHash); err != nil {
			return nil, fmt.Errorf("store: failed to scan sent row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
