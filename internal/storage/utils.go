package storage

import (
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

func InitStore(dbConnStr string) (*PostgresStore, error) {
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// Migrate applies the migrations under sourceURL (e.g. "file://migrations").
// down rolls every migration back instead.
func Migrate(sourceURL, dbConnStr string, down bool) error {
	m, err := migrate.New(sourceURL, dbConnStr)
	if err != nil {
		return errors.Wrap(err, "failed to initialize migrations")
	}
	defer m.Close()
	if down {
		err = m.Down()
	} else {
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "failed to apply migrations")
	}
	return nil
}
