package sqlite

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nulzo/novel-gateway/internal/platform/logger"
	"github.com/nulzo/novel-gateway/internal/store"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ledgerPragmas are applied to file databases unless the DSN sets them itself.
var ledgerPragmas = []string{"_journal_mode=WAL", "_busy_timeout=5000", "_foreign_keys=on"}

// NewSQLiteStorage opens the usage ledger at dsn and migrates it to the latest
// schema. ":memory:" is accepted for tests.
func NewSQLiteStorage(dsn string) (store.Repository, error) {
	db, err := sqlx.Connect("sqlite3", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	// writes are serialised by sqlite; a single connection also pins :memory:
	db.SetMaxOpenConns(1)

	version, err := migrateUp(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	logger.Info("Usage ledger ready", zap.Uint("schema_version", version))

	return NewSqliteRepository(db), nil
}

// withPragmas adds the missing ledger pragmas to a file DSN.
func withPragmas(dsn string) string {
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return dsn
	}

	var missing []string
	for _, p := range ledgerPragmas {
		name, _, _ := strings.Cut(p, "=")
		if !strings.Contains(dsn, name+"=") {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return dsn
	}

	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(missing, "&")
}

func migrateUp(db *sqlx.DB) (uint, error) {
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return 0, err
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return 0, err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return 0, err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, err
	}
	version, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, err
	}
	return version, nil
}
