// Package consts holds sentinel errors shared across engines and the store.
package consts

import "errors"

var (
	ErrMailboxNotFound  = errors.New("mailbox not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrInternalError    = errors.New("internal error")
	ErrNotPermitted     = errors.New("operation not permitted")
	ErrMessageExists    = errors.New("message already exists")
	ErrMalformedMessage = errors.New("malformed message")
	ErrMessageNotFound  = errors.New("message not found")

	ErrDBNotFound                = errors.New("not found")
	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBForeignKeyViolation     = errors.New("foreign key violation")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBInsertFailed            = errors.New("insert failed")

	ErrContentWriteFailed = errors.New("content write failed")

	ErrAPOPUnsupported = errors.New("apop mechanism unsupported for this user")
	ErrInvalidAPOPTag  = errors.New("invalid apop digest")
)

// MigrationAdvisoryLockID namespaces the Postgres advisory lock taken around
// schema migrations so a concurrent `mailstack -migrate` invocation (or one
// run against a live server) serializes instead of racing DDL.
const MigrationAdvisoryLockID = 72930184
