package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	pkgerrors "github.com/pkg/errors"
)

type MigrationConfig struct {
	MigrationFolderPath string
	// Version pins the schema version. Zero applies every migration.
	Version uint
	// Force marks the schema clean at this version before migrating. Zero disables it.
	Force int
	// AutoRollback marks a database left dirty by a failed run clean at its previous version.
	AutoRollback bool
}

// migrator is the subset of *migrate.Migrate the service drives.
type migrator interface {
	Force(version int) error
	Version() (version uint, dirty bool, err error)
	Up() error
	Migrate(version uint) error
}

type migrationLogger struct {
	logger ectologger.Logger
}

func (l migrationLogger) Verbose() bool { return false }

func (l migrationLogger) Printf(format string, v ...any) {
	l.logger.Debugf(strings.TrimSuffix(format, "\n"), v...)
}

type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{
		config: config,
		logger: logger,
	}
}

// folder resolves a relative migration path against the working directory.
func (ms *MigrationService) folder() (string, error) {
	folder := ms.config.MigrationFolderPath
	if !filepath.IsAbs(folder) {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		folder = filepath.Join(wd, folder)
	}
	if _, err := os.Stat(folder); err != nil {
		return "", pkgerrors.Wrapf(err, "migration folder %s does not exist", folder)
	}
	return folder, nil
}

// Migrate applies the schema migrations to databaseName.
func (ms *MigrationService) Migrate(databaseName string, db DB) error {
	folder, err := ms.folder()
	if err != nil {
		return err
	}

	driver, err := postgres.WithInstance(db.SQLDB(), &postgres.Config{DatabaseName: databaseName})
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create postgres migration driver")
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to open migrations")
	}
	m.Log = migrationLogger{logger: ms.logger}

	return ms.run(m)
}

func (ms *MigrationService) run(m migrator) error {
	log := ms.logger.WithField("target_version", ms.config.Version)

	if ms.config.Force != 0 {
		log.Warnf("forcing schema version %d", ms.config.Force)
		if err := m.Force(ms.config.Force); err != nil {
			return pkgerrors.Wrapf(err, "failed to force version %d", ms.config.Force)
		}
	}

	previous, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return pkgerrors.Wrap(err, "failed to read schema version")
	}

	start := time.Now()
	if ms.config.Version != 0 {
		err = m.Migrate(ms.config.Version)
	} else {
		err = m.Up()
	}

	switch {
	case err == nil:
		log.WithField("duration", time.Since(start)).Info("schema migrations applied")
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		log.Info("schema is up to date")
		return nil
	}

	log.WithError(err).Error("schema migration failed")
	if !ms.config.AutoRollback {
		return err
	}

	current, dirty, verr := m.Version()
	if verr != nil || !dirty {
		return err
	}
	target := int(previous)
	if target == 0 && current > 0 {
		target = int(current) - 1
	}
	log.Warnf("schema dirty at version %d, marking version %d clean", current, target)
	if ferr := m.Force(target); ferr != nil {
		return fmt.Errorf("%w (rollback to %d also failed: %v)", err, target, ferr)
	}
	return err
}
