package migrations

import (
	"context"
	"database/sql"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	dispatch "github.com/goliatone/go-dispatch"
	_ "github.com/mattn/go-sqlite3"
)

func TestDialect_ResolvesBothRoots(t *testing.T) {
	for _, dialect := range []string{DialectPostgres, DialectSQLite, " SQLite "} {
		fsys, err := Dialect(dialect)
		if err != nil {
			t.Fatalf("dialect %q: %v", dialect, err)
		}
		matches, err := fs.Glob(fsys, "*.up.sql")
		if err != nil || len(matches) == 0 {
			t.Fatalf("expected %q up migrations, got %v (%v)", dialect, matches, err)
		}
	}
	sqliteFS, _ := Dialect(DialectSQLite)
	if _, err := fs.Stat(sqliteFS, "sqlite"); err == nil {
		t.Fatalf("expected sqlite root to be the sqlite directory itself")
	}
	postgresFS, _ := Dialect(DialectPostgres)
	if _, err := fs.Stat(postgresFS, "sqlite"); err != nil {
		t.Fatalf("expected postgres root to hold the sqlite directory: %v", err)
	}
	if _, err := Dialect("mysql"); err == nil {
		t.Fatalf("expected unsupported dialect to fail")
	}
}

func TestRegister_OnlyRegistersTargets(t *testing.T) {
	var calls []string
	err := Register(context.Background(), func(_ context.Context, dialect string, _ fs.FS) error {
		calls = append(calls, dialect)
		return nil
	}, DialectSQLite, "sqlite")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(calls) != 1 || calls[0] != DialectSQLite {
		t.Fatalf("expected one sqlite registration, got %v", calls)
	}

	calls = nil
	if err := Register(context.Background(), func(_ context.Context, dialect string, _ fs.FS) error {
		calls = append(calls, dialect)
		return nil
	}); err != nil {
		t.Fatalf("register all: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected both dialects without targets, got %v", calls)
	}
}

func TestRegister_Validates(t *testing.T) {
	if err := Register(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil register function")
	}
	err := Register(context.Background(), func(context.Context, string, fs.FS) error {
		return nil
	}, "oracle")
	if err == nil {
		t.Fatalf("expected unsupported target to fail")
	}
}

func TestMigrationPairs_ExistForBothDialects(t *testing.T) {
	root := dispatch.GetCoreMigrationsFS()
	names := []string{
		"00001_dispatch_core_schema",
		"00002_dispatch_rate_limit_state",
	}
	for _, name := range names {
		for _, dir := range []string{"data/sql/migrations", "data/sql/migrations/sqlite"} {
			for _, direction := range []string{"up", "down"} {
				migrationPath := dir + "/" + name + "." + direction + ".sql"
				content, err := fs.ReadFile(root, migrationPath)
				if err != nil {
					t.Fatalf("read migration %s: %v", migrationPath, err)
				}
				if strings.TrimSpace(string(content)) == "" {
					t.Fatalf("expected migration %s to have SQL content", migrationPath)
				}
			}
		}
	}
}

func TestSQLiteCoreSchemaMigration_ApplyAndRollback(t *testing.T) {
	db, err := sql.Open("sqlite3", "file:migrations-core-schema?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	sqliteMigrations, err := fs.Sub(dispatch.GetCoreMigrationsFS(), "data/sql/migrations/sqlite")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}

	ctx := context.Background()
	for _, migration := range []string{
		"00001_dispatch_core_schema.up.sql",
		"00002_dispatch_rate_limit_state.up.sql",
	} {
		if err := execSQLMigration(ctx, db, sqliteMigrations, migration); err != nil {
			t.Fatalf("apply migration %s: %v", migration, err)
		}
	}

	for _, tableName := range []string{
		"dispatch_webhook_events",
		"dispatch_merchants",
		"dispatch_orders",
		"dispatch_deliveries",
		"dispatch_rate_limit_state",
	} {
		if count := countSQLiteObjects(t, db, "table", tableName); count != 1 {
			t.Fatalf("expected table %s to exist after up migration", tableName)
		}
	}

	insertEvent := `
		INSERT INTO dispatch_webhook_events (id, source, dedupe_key, payload)
		VALUES (?, ?, ?, ?)
	`
	if _, err := db.ExecContext(ctx, insertEvent, "evt-1", "platform", "order.created:o-1", []byte("{}")); err != nil {
		t.Fatalf("insert first event: %v", err)
	}
	if _, err := db.ExecContext(ctx, insertEvent, "evt-2", "platform", "order.created:o-1", []byte("{}")); err == nil {
		t.Fatalf("expected unique (source, dedupe_key) violation")
	}
	if _, err := db.ExecContext(ctx, insertEvent, "evt-3", "courier", "order.created:o-1", []byte("{}")); err != nil {
		t.Fatalf("expected same dedupe key from another source to insert: %v", err)
	}

	var status string
	if err := db.QueryRowContext(ctx, `SELECT status FROM dispatch_webhook_events WHERE id = ?`, "evt-1").Scan(&status); err != nil {
		t.Fatalf("select default status: %v", err)
	}
	if status != "pending" {
		t.Fatalf("expected default status pending, got %q", status)
	}

	for _, migration := range []string{
		"00002_dispatch_rate_limit_state.down.sql",
		"00001_dispatch_core_schema.down.sql",
	} {
		if err := execSQLMigration(ctx, db, sqliteMigrations, migration); err != nil {
			t.Fatalf("apply migration %s: %v", migration, err)
		}
	}
	if count := countSQLiteObjects(t, db, "table", "dispatch_webhook_events"); count != 0 {
		t.Fatalf("expected dispatch_webhook_events to be dropped after down migration")
	}
}

func countSQLiteObjects(t *testing.T, db *sql.DB, kind string, name string) int {
	t.Helper()
	var count int
	if err := db.QueryRowContext(
		context.Background(),
		`SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?`,
		kind,
		name,
	).Scan(&count); err != nil {
		t.Fatalf("query sqlite_master for %s: %v", name, err)
	}
	return count
}

func execSQLMigration(ctx context.Context, db *sql.DB, fsys fs.FS, filename string) error {
	content, err := fs.ReadFile(fsys, filepath.Clean(filename))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(content))
	return err
}
