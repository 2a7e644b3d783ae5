// Package migrations exposes the embedded dispatch schema for each supported
// SQL dialect.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"strings"

	dispatch "github.com/goliatone/go-dispatch"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const migrationsRoot = "data/sql/migrations"

// RegisterFunc hands one dialect's migration files to a runner, typically
// persistence.Client.RegisterSQLMigrations.
type RegisterFunc func(ctx context.Context, dialect string, fsys fs.FS) error

// Dialect returns the migration files for one dialect. Postgres files sit at
// the root of the tree, sqlite files in its sqlite directory.
func Dialect(name string) (fs.FS, error) {
	dir := migrationsRoot
	switch normalize(name) {
	case DialectPostgres:
	case DialectSQLite:
		dir = path.Join(migrationsRoot, "sqlite")
	default:
		return nil, fmt.Errorf("migrations: unsupported dialect %q", name)
	}
	sub, err := fs.Sub(dispatch.GetCoreMigrationsFS(), dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", dir, err)
	}
	matches, err := fs.Glob(sub, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: glob %s: %w", dir, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("migrations: %s has no *.up.sql files", dir)
	}
	return sub, nil
}

// Register passes the files of each target dialect to fn once. No targets
// means every supported dialect.
func Register(ctx context.Context, fn RegisterFunc, targets ...string) error {
	if fn == nil {
		return fmt.Errorf("migrations: register function is required")
	}
	if len(targets) == 0 {
		targets = []string{DialectPostgres, DialectSQLite}
	}
	seen := make(map[string]bool, len(targets))
	for _, target := range targets {
		dialect := normalize(target)
		if seen[dialect] {
			continue
		}
		seen[dialect] = true
		fsys, err := Dialect(dialect)
		if err != nil {
			return err
		}
		if err := fn(ctx, dialect, fsys); err != nil {
			return fmt.Errorf("migrations: register %s: %w", dialect, err)
		}
	}
	return nil
}

func normalize(dialect string) string {
	return strings.ToLower(strings.TrimSpace(dialect))
}
