package sqlite

import (
	_ "embed" // for init.sql
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// init queries are run when the database is first created.
//
//go:embed init.sql
var initDatabase string

// DatabaseFilename is the fixed name of the database file within the
// caller's directory. It is stable across releases so existing
// installations are found.
const DatabaseFilename = "expo-updates.db"

// latestRegistry returns the registry for the current release's schema.
func latestRegistry() registry {
	return registry{
		latest: Schema{
			Version:    int64(len(migrations) + 1),
			Statements: initDatabase,
		},
		steps: migrations,
	}
}

// Initialize opens the update database in dir, creating it if necessary and
// migrating an existing database to the latest schema version in place. The
// directory must already exist and be writable.
//
// If recreate is true, a corrupt database or one with no known upgrade path
// is deleted and recreated from scratch; update history is sacrificed so the
// app can still boot. If recreate is false, the underlying error is returned
// and the file is left untouched.
//
// The caller owns the returned store and must close it; Initialize never
// closes a store it has successfully returned.
func Initialize(dir string, recreate bool, log *zap.Logger) (*Store, error) {
	return initialize(filepath.Join(dir, DatabaseFilename), latestRegistry(), recreate, log)
}

// InitializeWithSchema opens a database in dir with an arbitrary latest
// schema and filename. It is used in testing to validate initialization
// against synthetic schemas without touching the release registry. If
// shouldMigrate is true the release migration chain is used to upgrade
// existing databases; otherwise an existing database at any version other
// than the target fails with an UnknownVersionError. The destructive
// recreation fallback is disabled so failures are observable.
func InitializeWithSchema(dir, filename, schema string, shouldMigrate bool, log *zap.Logger) (*Store, error) {
	reg := registry{
		latest: Schema{Version: 1, Statements: schema},
	}
	if shouldMigrate {
		reg.latest.Version = int64(len(migrations) + 1)
		reg.steps = migrations
	}
	return initialize(filepath.Join(dir, filename), reg, false, log)
}

func initialize(fp string, reg registry, recreate bool, log *zap.Logger) (*Store, error) {
	store, err := openInit(fp, reg, log)
	if err == nil {
		return store, nil
	} else if !recreate || !recoverable(err) {
		return nil, err
	}

	// the file cannot be opened or migrated; delete it and retry exactly
	// once on a fresh, empty file
	log.Warn("recreating update database", zap.String("path", fp), zap.Error(err))
	if err := removeDatabase(fp); err != nil {
		return nil, fmt.Errorf("failed to remove database: %w", err)
	}
	store, err = openInit(fp, reg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after recreating: %w", err)
	}
	return store, nil
}

// openInit opens the database at fp and brings it to the registry's latest
// schema version. The store is closed and withheld on any failure.
func openInit(fp string, reg registry, log *zap.Logger) (*Store, error) {
	store, err := openDatabase(fp, false, log)
	if errors.Is(err, os.ErrNotExist) {
		// fresh install
		store, err = openDatabase(fp, true, log)
	}
	if err != nil {
		return nil, &OpenError{err: err}
	}
	if err := store.init(reg); err != nil {
		store.Close()
		return nil, err
	}
	sqliteVersion, _, _ := sqlite3.Version()
	log.Debug("database initialized", zap.String("sqliteVersion", sqliteVersion), zap.Int64("schemaVersion", reg.latest.Version), zap.String("path", fp))
	return store, nil
}

// init brings the database to the registry's latest schema version. A fresh
// database executes the latest schema directly; an existing database walks
// the migration chain, committing each step's statements together with the
// version it produces.
func (s *Store) init(reg registry) error {
	target := reg.latest.Version
	version, err := getSchemaVersion(s.db)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version == target {
		return nil
	} else if version == 0 {
		return s.transaction(func(tx *txn) error {
			if _, err := tx.Exec(reg.latest.Statements); err != nil {
				return fmt.Errorf("failed to initialize schema: %w", err)
			} else if err := setSchemaVersion(tx, target); err != nil {
				return fmt.Errorf("failed to set schema version: %w", err)
			}
			return nil
		})
	}

	steps, err := reg.migrationChain(version)
	if errors.Is(err, ErrNoMigrationPath) {
		return &UnknownVersionError{Version: version}
	} else if err != nil {
		return err
	}

	logger := s.log.Named("migrations")
	logger.Info("migrating database", zap.Int64("current", version), zap.Int64("target", target))
	for _, step := range steps {
		start := time.Now()
		err := s.transaction(func(tx *txn) error {
			if err := step.apply(tx); err != nil {
				return err
			}
			return setSchemaVersion(tx, step.target)
		})
		if err != nil {
			// the step rolled back; the database is still consistent at
			// the last committed version and the migration is retried on
			// the next launch
			return &MigrationError{
				Version: version,
				err:     fmt.Errorf("failed to migrate to version %d: %w", step.target, err),
			}
		}
		version = step.target
		logger.Debug("migration complete", zap.Int64("current", version), zap.Int64("target", target), zap.Duration("elapsed", time.Since(start)))
	}
	return nil
}

// removeDatabase deletes the database file along with its write-ahead log
// and shared-memory sidecar files.
func removeDatabase(fp string) error {
	for _, fp := range []string{fp, fp + "-wal", fp + "-shm"} {
		if err := os.Remove(fp); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %q: %w", fp, err)
		}
	}
	return nil
}
