// Package sqldb opens the service database and applies the embedded schema migrations.
// SQLite (mattn/go-sqlite3) is the default; PostgreSQL is reached through the pgx stdlib driver.
// All queries in the stores use $N placeholders, which both drivers accept.
package sqldb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Settings selects the driver and data source.
type Settings struct {
	Driver string
	DSN    string
}

// SQLiteDSNForFile builds a DSN with WAL journaling and a busy timeout so concurrent
// usage increments wait instead of failing with SQLITE_BUSY.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqldb: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func normalizeDriver(driver string) (string, goose.Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", DriverSQLite:
		return DriverSQLite, goose.DialectSQLite3, nil
	case DriverPostgres, "postgres", "postgresql":
		return DriverPostgres, goose.DialectPostgres, nil
	default:
		return "", "", errors.Errorf("sqldb: unsupported driver %q", driver)
	}
}

// Open connects to the database and migrates it to the latest schema.
func Open(ctx context.Context, s Settings) (*sql.DB, error) {
	if strings.TrimSpace(s.DSN) == "" {
		return nil, errors.New("sqldb: empty dsn")
	}
	driver, dialect, err := normalizeDriver(s.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, s.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "sqldb: open")
	}
	if driver == DriverSQLite {
		// A single writer avoids lock contention on the usage upserts.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqldb: ping")
	}
	if err := Migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies all pending migrations.
func Migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "sqldb: migrations fs")
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return errors.Wrap(err, "sqldb: migration provider")
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return errors.Wrap(err, "sqldb: migrate")
	}
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		log.Debug().Str("component", "sqldb").Int64("version", r.Source.Version).Dur("duration", r.Duration).Msg("applied migration")
	}
	return nil
}

// DialectFor exposes the goose dialect for a driver name.
func DialectFor(driver string) (goose.Dialect, error) {
	_, d, err := normalizeDriver(driver)
	return d, err
}
