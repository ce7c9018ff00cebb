// Package database holds the versioned PostgreSQL schema of the dashboard
// store. The SQL files are embedded and applied with golang-migrate.
package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"sitebuilder/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Source returns the embedded migration files.
func Source() (source.Driver, error) {
	return iofs.New(migrationsFS, "migrations")
}

// Version describes where the schema stands.
type Version struct {
	Number uint `json:"version"`
	Dirty  bool `json:"dirty"`
}

// Applied reports whether any migration has run.
func (v Version) Applied() bool { return v.Number > 0 }

// Migrator moves a PostgreSQL schema between versions.
type Migrator struct {
	m   *migrate.Migrate
	log *zap.Logger
}

// OpenMigrator connects to url. An empty dir uses the embedded files.
func OpenMigrator(url, dir string, log *zap.Logger) (*Migrator, error) {
	if url == "" {
		return nil, errors.New("database URL is required")
	}
	conn, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	driver, err := postgres.WithInstance(conn, &postgres.Config{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("postgres migrate driver: %w", err)
	}

	var m *migrate.Migrate
	if dir != "" {
		abs, absErr := filepath.Abs(dir)
		if absErr != nil {
			conn.Close()
			return nil, absErr
		}
		m, err = migrate.NewWithDatabaseInstance("file://"+abs, "postgres", driver)
	} else {
		src, srcErr := Source()
		if srcErr != nil {
			conn.Close()
			return nil, srcErr
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", driver)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	return &Migrator{m: m, log: logging.OrNop(log).With(zap.String("component", "migrate"))}, nil
}

// apply runs step and treats "no change" as success.
func (mg *Migrator) apply(what string, step func() error) error {
	err := step()
	if errors.Is(err, migrate.ErrNoChange) {
		mg.log.Info(what+": nothing to do")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	v, _ := mg.Version()
	mg.log.Info(what+" done", zap.Uint("version", v.Number), zap.Bool("dirty", v.Dirty))
	return nil
}

// Up applies every pending migration.
func (mg *Migrator) Up() error { return mg.apply("migrate up", mg.m.Up) }

// Down rolls back n migrations.
func (mg *Migrator) Down(n int) error {
	return mg.apply("migrate down", func() error { return mg.m.Steps(-n) })
}

// Reset rolls back every migration.
func (mg *Migrator) Reset() error { return mg.apply("migrate reset", mg.m.Down) }

// To moves up or down to version.
func (mg *Migrator) To(version uint) error {
	return mg.apply(fmt.Sprintf("migrate to %d", version), func() error { return mg.m.Migrate(version) })
}

// Force records version as current without running anything. It clears a
// dirty flag left by a failed migration.
func (mg *Migrator) Force(version int) error {
	if err := mg.m.Force(version); err != nil {
		return fmt.Errorf("force version %d: %w", version, err)
	}
	mg.log.Warn("migration version forced", zap.Int("version", version))
	return nil
}

// Version reports the current schema version. A fresh database is version 0.
func (mg *Migrator) Version() (Version, error) {
	n, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Version{}, nil
	}
	if err != nil {
		return Version{}, err
	}
	return Version{Number: n, Dirty: dirty}, nil
}

func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

// MigrateUp applies the embedded migrations to url.
func MigrateUp(url string, log *zap.Logger) error {
	mg, err := OpenMigrator(url, "", log)
	if err != nil {
		return err
	}
	defer mg.Close()
	return mg.Up()
}
