package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	dispatch "github.com/goliatone/go-dispatch"
	"github.com/goliatone/go-dispatch/adapters/gologger"
	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/migrations"
)

func loadRuntime(ctx context.Context, opts *rootOptions) (*dispatch.Runtime, error) {
	logger := gologger.NewZerologLogger(gologger.ZerologConfig{
		Level:   opts.logLevel,
		Console: opts.console,
		Output:  os.Stderr,
	})
	return dispatch.NewRuntime(ctx, dispatch.Config{},
		dispatch.WithConfigProvider(envConfigProvider{prefix: opts.envPrefix}),
		dispatch.WithLogger(logger),
		dispatch.WithLoggerProvider(gologger.NewZerologProvider(logger)),
	)
}

type persistenceConfig struct {
	cfg core.PersistenceConfig
}

func (c persistenceConfig) GetDebug() bool {
	return c.cfg.Debug
}

func (c persistenceConfig) GetDriver() string {
	return c.cfg.Driver
}

func (c persistenceConfig) GetServer() string {
	return c.cfg.DSN
}

func (c persistenceConfig) GetPingTimeout() time.Duration {
	return c.cfg.PingTimeout
}

func (c persistenceConfig) GetOtelIdentifier() string {
	return "dispatchd"
}

// openPersistence connects the configured driver and returns the client with
// the migration dialect that matches it.
func openPersistence(cfg core.PersistenceConfig) (*persistence.Client, string, error) {
	var (
		dialect   schema.Dialect
		migration string
	)
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "postgres", "pq":
		driver = "postgres"
		dialect = pgdialect.New()
		migration = migrations.DialectPostgres
	case "sqlite", "sqlite3":
		driver = "sqlite3"
		dialect = sqlitedialect.New()
		migration = migrations.DialectSQLite
	default:
		return nil, "", fmt.Errorf("dispatchd: unsupported persistence driver %q", cfg.Driver)
	}

	sqlDB, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, "", fmt.Errorf("dispatchd: open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		sqlDB.SetMaxOpenConns(1)
	}
	cfg.Driver = driver
	client, err := persistence.New(persistenceConfig{cfg: cfg}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, "", fmt.Errorf("dispatchd: persistence client: %w", err)
	}
	return client, migration, nil
}

func migrate(ctx context.Context, client *persistence.Client, dialect string) error {
	err := migrations.Register(ctx, func(_ context.Context, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	}, dialect)
	if err != nil {
		return err
	}
	return client.Migrate(ctx)
}
