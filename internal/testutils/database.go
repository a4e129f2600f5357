// Package testutils provides shared test fixtures for packages that need a
// live PostgreSQL instance, mirroring testutils/database.go's
// config-test.toml lookup and skip-in-short-mode idiom.
package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mailstack/mailstack/internal/config"
	"github.com/mailstack/mailstack/internal/store"
)

// SetupTestStore connects to a local PostgreSQL instance described by
// config-test.toml, found by walking up from the working directory. Tests
// using it are skipped with `go test -short`.
func SetupTestStore(t *testing.T) *store.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}

	configPath, err := findTestConfig()
	require.NoError(t, err, "config-test.toml not found; ensure it exists in the project root")

	cfg, err := config.Load(configPath)
	require.NoError(t, err, "failed to load test config")

	s, err := store.NewStore(context.Background(), cfg.Database)
	require.NoError(t, err, "failed to connect to test database; ensure PostgreSQL is running")

	t.Cleanup(s.Close)
	return s
}

func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		path := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("config-test.toml not found in any parent directory")
}

// TruncateAll clears every table between tests.
func TruncateAll(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	for _, table := range []string{"inbox", "sent", "users"} {
		_, err := s.WritePool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		require.NoError(t, err)
	}
}
