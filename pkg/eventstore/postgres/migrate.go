package postgres

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"

	cerrors "github.com/incident-commander/coordinator/pkg/sharedutil/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings db's schema up to the latest version using the
// embedded goose migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return cerrors.Wrap(cerrors.KindInternal, "set goose dialect", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return cerrors.Wrap(cerrors.KindInternal, "run eventstore migrations", err)
	}
	return nil
}
