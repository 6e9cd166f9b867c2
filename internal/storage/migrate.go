package storage

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	logx "recurpay/pkg/logx"
)

//go:embed migrations
var migrationsFS embed.FS

// migrateUp applies the embedded migrations of dialect through drv.
func migrateUp(dialect string, drv database.Driver, log logx.Logger) (*migrate.Migrate, error) {
	sub, err := fs.Sub(migrationsFS, "migrations/"+dialect)
	if err != nil {
		return nil, err
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("migrations source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, dialect, drv)
	if err != nil {
		return nil, fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return m, fmt.Errorf("migrate up: %w", err)
	}
	if v, dirty, err := m.Version(); err == nil {
		log.Debug("storage schema ready", logx.String("dialect", dialect), logx.Uint64("version", uint64(v)), logx.Bool("dirty", dirty))
	}
	return m, nil
}
