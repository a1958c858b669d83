// Package migrator applies the embedded groupscan schema with golang-migrate
// and reports how far a database is behind it.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// ErrDirty is returned when a previous migration failed halfway. The schema
// has to be fixed by hand and the version forced before groupscan starts.
var ErrDirty = errors.New("schema is dirty")

// Migrator runs migrations from an fs.FS of NNNN_name.{up,down}.sql files.
type Migrator struct {
	migrationsFS fs.FS
}

// Status describes a database relative to the embedded migrations.
type Status struct {
	Current uint   `json:"current"`
	Latest  uint   `json:"latest"`
	Dirty   bool   `json:"dirty"`
	Pending []uint `json:"pending,omitempty"`
}

// UpToDate reports whether nothing is left to apply.
func (s Status) UpToDate() bool {
	return !s.Dirty && len(s.Pending) == 0
}

func NewWithFS(migrationsFS fs.FS) (*Migrator, error) {
	if migrationsFS == nil {
		return nil, errors.New("migrationsFS cannot be nil")
	}
	return &Migrator{migrationsFS: migrationsFS}, nil
}

// Available lists migration versions in ascending order without touching a
// database.
func (m *Migrator) Available() ([]uint, error) {
	src, err := iofs.New(m.migrationsFS, ".")
	if err != nil {
		return nil, fmt.Errorf("create iofs source: %w", err)
	}
	defer src.Close()
	return versions(src)
}

// Up applies every pending migration. A dirty schema is refused instead of
// being retried.
func (m *Migrator) Up(ctx context.Context, databaseURL string) error {
	return m.with(databaseURL, func(mg *migrate.Migrate) error {
		if _, dirty, err := mg.Version(); err == nil && dirty {
			return ErrDirty
		}
		if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("run migrations: %w", err)
		}
		return nil
	})
}

// Down rolls back n migrations, or all of them when n <= 0.
func (m *Migrator) Down(ctx context.Context, databaseURL string, n int) error {
	return m.with(databaseURL, func(mg *migrate.Migrate) error {
		var err error
		if n > 0 {
			err = mg.Steps(-n)
		} else {
			err = mg.Down()
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("rollback migrations: %w", err)
		}
		return nil
	})
}

// Force records version as applied and clears the dirty flag.
func (m *Migrator) Force(ctx context.Context, databaseURL string, version int) error {
	return m.with(databaseURL, func(mg *migrate.Migrate) error {
		if err := mg.Force(version); err != nil {
			return fmt.Errorf("force version %d: %w", version, err)
		}
		return nil
	})
}

// Version returns the applied version and dirty flag. An empty database
// reports version 0.
func (m *Migrator) Version(ctx context.Context, databaseURL string) (version uint, dirty bool, err error) {
	err = m.with(databaseURL, func(mg *migrate.Migrate) error {
		version, dirty, err = currentVersion(mg)
		return err
	})
	return version, dirty, err
}

// Status compares the database against the embedded migrations.
func (m *Migrator) Status(ctx context.Context, databaseURL string) (Status, error) {
	available, err := m.Available()
	if err != nil {
		return Status{}, err
	}
	current, dirty, err := m.Version(ctx, databaseURL)
	if err != nil {
		return Status{}, err
	}
	return buildStatus(available, current, dirty), nil
}

func buildStatus(available []uint, current uint, dirty bool) Status {
	st := Status{Current: current, Dirty: dirty}
	for _, v := range available {
		if v > st.Latest {
			st.Latest = v
		}
		if v > current {
			st.Pending = append(st.Pending, v)
		}
	}
	return st
}

func currentVersion(mg *migrate.Migrate) (uint, bool, error) {
	version, dirty, err := mg.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get version: %w", err)
	}
	return version, dirty, nil
}

func versions(src source.Driver) ([]uint, error) {
	first, err := src.First()
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read first migration: %w", err)
	}
	out := []uint{first}
	for v := first; ; {
		next, err := src.Next(v)
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read migration after %d: %w", v, err)
		}
		out = append(out, next)
		v = next
	}
}

func (m *Migrator) with(databaseURL string, fn func(*migrate.Migrate) error) error {
	if databaseURL == "" {
		return errors.New("database URL cannot be empty")
	}

	src, err := iofs.New(m.migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}

	mg, err := migrate.NewWithSourceInstance("iofs", src, convertToPgx5URL(databaseURL))
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer mg.Close()
	return fn(mg)
}

// convertToPgx5URL rewrites postgres DSNs to the scheme registered by the
// pgx/v5 migrate driver.
func convertToPgx5URL(databaseURL string) string {
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(databaseURL, scheme) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, scheme)
		}
	}
	return databaseURL
}
