package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mailstack/mailstack/internal/consts"
)

// classifyPgError maps a pgx/pgconn error to one of the consts sentinel
// errors used by the engines, per db/accounts.go's pgErr.Code == "23505"
// idiom.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return consts.ErrDBUniqueViolation
		case "23503":
			return consts.ErrDBForeignKeyViolation
		}
	}
	return err
}
