package commands

import (
	"database/sql"

	"github.com/quarrylabs/quarry/config"
	"github.com/quarrylabs/quarry/db"
	"github.com/quarrylabs/quarry/errors"
	"github.com/quarrylabs/quarry/logger"
)

// openDatabase opens and migrates the quarry database. If dbPath is empty the
// path comes from configuration.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load config")
		}
		dbPath = cfg.Database.Path
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
