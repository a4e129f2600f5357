package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mailstack/mailstack/internal/config"
	"github.com/mailstack/mailstack/internal/consts"
	"github.com/mailstack/mailstack/internal/logger"
)

// MigrationsFS embeds the versioned migration tree used by the
// `mailstack -migrate` subcommand for established deployments that track
// schema changes one version at a time, as opposed to schema.sql's
// apply-idempotently-at-startup path used by NewStore for fresh installs.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Migrate applies or reverts versioned migrations against cfg's write
// endpoint, serialized by a Postgres advisory lock so it can't race a
// concurrently running server or a second migrate invocation.
func Migrate(ctx context.Context, cfg config.DatabaseConfig, direction string) error {
	if cfg.Write == nil {
		return fmt.Errorf("store: write database configuration is required")
	}

	m, db, err := newMigrateInstance(ctx, cfg.Write)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := acquireMigrationLock(ctx, db); err != nil {
		return err
	}
	defer releaseMigrationLock(context.Background(), db)

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	default:
		return fmt.Errorf("store: unknown migrate direction %q", direction)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate %s failed: %w", direction, err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("store: failed to read migration version: %w", err)
	}
	logger.Info("store: migration complete", "direction", direction, "version", version, "dirty", dirty)
	return nil
}

func newMigrateInstance(ctx context.Context, ep *config.DatabaseEndpointConfig) (*migrate.Migrate, *sql.DB, error) {
	sslMode := "disable"
	if ep.TLSMode {
		sslMode = "require"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		ep.User, ep.Password, ep.Host, ep.Port, ep.Name, sslMode)

	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, nil, fmt.Errorf("store: failed to open migration connection: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("store: failed to ping database: %w", err)
	}

	migrationsDir, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("store: failed to open embedded migrations: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsDir, ".")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("store: failed to create migration source: %w", err)
	}
	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("store: failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("store: failed to create migrate instance: %w", err)
	}
	m.Log = migrationLogger{}
	return m, sqlDB, nil
}

func acquireMigrationLock(ctx context.Context, db *sql.DB) error {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var acquired bool
	if err := db.QueryRowContext(lockCtx, "SELECT pg_try_advisory_lock($1)", consts.MigrationAdvisoryLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("store: failed to acquire migration lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("store: could not acquire exclusive migration lock; another migration or server may be running")
	}
	return nil
}

func releaseMigrationLock(ctx context.Context, db *sql.DB) {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var released bool
	if err := db.QueryRowContext(lockCtx, "SELECT pg_advisory_unlock($1)", consts.MigrationAdvisoryLockID).Scan(&released); err != nil {
		logger.Warn("store: failed to release migration lock", "error", err)
	} else if !released {
		logger.Warn("store: pg_advisory_unlock reported the lock was not held")
	}
}

type migrationLogger struct{}

func (migrationLogger) Printf(format string, v ...interface{}) {
	logger.Info(fmt.Sprintf(format, v...))
}

func (migrationLogger) Verbose() bool { return true }
