package sqlite

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrNoMigrationPath is returned by the schema registry when it has no
// upgrade route from the requested version to the latest version.
var ErrNoMigrationPath = errors.New("no migration path")

// errBrokenRegistry indicates the registry's migration chain cannot reach
// its latest version. It is a programming error, not a runtime condition,
// and never triggers the destructive recreation fallback.
var errBrokenRegistry = errors.New("migration chain does not reach latest version")

type (
	// An OpenError indicates the database file could not be opened: the
	// path is unwritable, the file is not a valid SQLite database, or the
	// underlying filesystem failed.
	OpenError struct {
		err error
	}

	// An UnknownVersionError is returned when the stored schema version has
	// no known upgrade path, e.g. the file was written by a newer release
	// and the app was then downgraded. It is terminal: the file cannot be
	// migrated, only recreated.
	UnknownVersionError struct {
		Version int64
	}

	// A MigrationError is returned when a migration step's transaction
	// fails. The database remains consistent and usable at Version, the
	// last fully committed schema version, and the migration is retried on
	// the next initialization.
	MigrationError struct {
		Version int64
		err     error
	}
)

// Error implements the error interface.
func (e *OpenError) Error() string { return e.err.Error() }

// Unwrap returns the underlying error.
func (e *OpenError) Unwrap() error { return e.err }

// Error implements the error interface.
func (e *UnknownVersionError) Error() string {
	return fmt.Sprintf("unknown schema version %d", e.Version)
}

// Error implements the error interface.
func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration failed at version %d: %v", e.Version, e.err)
}

// Unwrap returns the underlying error.
func (e *MigrationError) Unwrap() error { return e.err }

// isCorrupt returns true if err indicates the file exists but is not a
// valid database of the engine's format.
func isCorrupt(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrNotADB || se.Code == sqlite3.ErrCorrupt
	}
	return false
}

// recoverable returns true if deleting and recreating the database file can
// resolve err. Migration step failures are excluded: the database is still
// consistent at its last committed version and the failure indicates a
// defect that should surface rather than silently destroy update history.
func recoverable(err error) bool {
	var oe *OpenError
	var uve *UnknownVersionError
	return errors.As(err, &oe) || errors.As(err, &uve) || isCorrupt(err)
}
