package dispatch

import (
	"embed"
	"io/fs"
)

// migrationsFS holds the dispatch schema for postgres, with the sqlite
// variants under data/sql/migrations/sqlite.
//
//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

// GetCoreMigrationsFS returns the reliability log, order, delivery and
// merchant schema together with the shared rate-limit state table.
func GetCoreMigrationsFS() fs.FS {
	return migrationsFS
}
