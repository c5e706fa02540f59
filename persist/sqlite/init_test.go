package sqlite

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"
)

// markerSchema is a minimal latest schema used by synthetic registries. Each
// migration step records the version it produced so tests can observe
// execution order.
const markerSchema = `CREATE TABLE markers (version INTEGER NOT NULL);`

func markerStep(version int64) func(*txn) error {
	return func(tx *txn) error {
		_, err := tx.Exec(`INSERT INTO markers (version) VALUES (?)`, version)
		return err
	}
}

func markerVersions(t *testing.T, s *Store) (versions []int64) {
	t.Helper()
	err := s.transaction(func(tx *txn) error {
		rows, err := tx.Query(`SELECT version FROM markers ORDER BY rowid`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var v int64
			if err := rows.Scan(&v); err != nil {
				return err
			}
			versions = append(versions, v)
		}
		return rows.Err()
	})
	if err != nil {
		t.Fatal(err)
	}
	return
}

func TestInitializeFreshInstall(t *testing.T) {
	log := zaptest.NewLogger(t)
	dir := t.TempDir()

	store, err := Initialize(dir, true, log)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if version, err := getSchemaVersion(store.db); err != nil {
		t.Fatal(err)
	} else if expected := int64(len(migrations) + 1); version != expected {
		t.Fatalf("expected schema version %d, got %d", expected, version)
	}

	tables, err := getTables(store.db)
	if err != nil {
		t.Fatal(err)
	}
	for _, table := range []string{"updates", "assets", "updates_assets", "json_data"} {
		if !tables[table] {
			t.Errorf("missing table %s", table)
		}
	}
}

func TestInitializeIdempotent(t *testing.T) {
	log := zaptest.NewLogger(t)
	dir := t.TempDir()

	store, err := Initialize(dir, true, log)
	if err != nil {
		t.Fatal(err)
	}
	// insert a row so data loss is observable
	err = store.transaction(func(tx *txn) error {
		_, err := tx.Exec(`INSERT INTO json_data (key, value, last_updated, scope_key) VALUES ('k', '{}', 0, 's')`)
		return err
	})
	if err != nil {
		t.Fatal(err)
	} else if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = Initialize(dir, true, log)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if version, err := getSchemaVersion(store.db); err != nil {
		t.Fatal(err)
	} else if expected := int64(len(migrations) + 1); version != expected {
		t.Fatalf("expected schema version %d, got %d", expected, version)
	}
	var count int
	err = store.transaction(func(tx *txn) error {
		return tx.QueryRow(`SELECT COUNT(*) FROM json_data`).Scan(&count)
	})
	if err != nil {
		t.Fatal(err)
	} else if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestMigrationChainOrder(t *testing.T) {
	log := zaptest.NewLogger(t)
	fp := filepath.Join(t.TempDir(), DatabaseFilename)

	// create a database at version 1
	store, err := initialize(fp, registry{latest: Schema{Version: 1, Statements: markerSchema}}, false, log)
	if err != nil {
		t.Fatal(err)
	} else if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// migrate to version 4 through three marker steps
	reg := registry{
		latest: Schema{Version: 4, Statements: markerSchema},
		steps: []func(*txn) error{
			markerStep(2),
			markerStep(3),
			markerStep(4),
		},
	}
	store, err = initialize(fp, reg, false, log)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if version, err := getSchemaVersion(store.db); err != nil {
		t.Fatal(err)
	} else if version != 4 {
		t.Fatalf("expected schema version 4, got %d", version)
	}

	versions := markerVersions(t, store)
	if len(versions) != 3 {
		t.Fatalf("expected 3 markers, got %d", len(versions))
	}
	for i, v := range versions {
		if expected := int64(i + 2); v != expected {
			t.Fatalf("expected marker %d at position %d, got %d", expected, i, v)
		}
	}
}

func TestMigrationStepFailure(t *testing.T) {
	log := zaptest.NewLogger(t)
	fp := filepath.Join(t.TempDir(), DatabaseFilename)

	store, err := initialize(fp, registry{latest: Schema{Version: 1, Statements: markerSchema}}, false, log)
	if err != nil {
		t.Fatal(err)
	} else if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// the step from version 2 to 3 fails after writing its marker; the
	// marker must be rolled back with it
	broken := registry{
		latest: Schema{Version: 4, Statements: markerSchema},
		steps: []func(*txn) error{
			markerStep(2),
			func(tx *txn) error {
				if err := markerStep(3)(tx); err != nil {
					return err
				}
				return errors.New("step failed")
			},
			markerStep(4),
		},
	}
	_, err = initialize(fp, broken, false, log)
	var me *MigrationError
	if !errors.As(err, &me) {
		t.Fatalf("expected MigrationError, got %v", err)
	} else if me.Version != 2 {
		t.Fatalf("expected failure at version 2, got %d", me.Version)
	}

	// the database must be usable at version 2 with only the first marker
	store, err = initialize(fp, registry{latest: Schema{Version: 2, Statements: markerSchema}, steps: broken.steps[:1]}, false, log)
	if err != nil {
		t.Fatal(err)
	}
	if version, err := getSchemaVersion(store.db); err != nil {
		t.Fatal(err)
	} else if version != 2 {
		t.Fatalf("expected schema version 2, got %d", version)
	}
	if versions := markerVersions(t, store); len(versions) != 1 || versions[0] != 2 {
		t.Fatalf("expected only marker 2, got %v", versions)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// a repaired registry resumes from version 2
	fixed := registry{
		latest: Schema{Version: 4, Statements: markerSchema},
		steps: []func(*txn) error{
			markerStep(2),
			markerStep(3),
			markerStep(4),
		},
	}
	store, err = initialize(fp, fixed, false, log)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if version, err := getSchemaVersion(store.db); err != nil {
		t.Fatal(err)
	} else if version != 4 {
		t.Fatalf("expected schema version 4, got %d", version)
	}
	if versions := markerVersions(t, store); len(versions) != 3 {
		t.Fatalf("expected 3 markers, got %v", versions)
	}
}

func TestInitializeUnknownVersion(t *testing.T) {
	log := zaptest.NewLogger(t)
	dir := t.TempDir()

	store, err := Initialize(dir, true, log)
	if err != nil {
		t.Fatal(err)
	}
	// simulate a database written by a newer release
	err = store.transaction(func(tx *txn) error {
		if _, err := tx.Exec(`INSERT INTO json_data (key, value, last_updated, scope_key) VALUES ('k', '{}', 0, 's')`); err != nil {
			return err
		}
		return setSchemaVersion(tx, 100)
	})
	if err != nil {
		t.Fatal(err)
	} else if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// without the fallback the error surfaces and the file is untouched
	_, err = Initialize(dir, false, log)
	var uve *UnknownVersionError
	if !errors.As(err, &uve) {
		t.Fatalf("expected UnknownVersionError, got %v", err)
	} else if uve.Version != 100 {
		t.Fatalf("expected version 100, got %d", uve.Version)
	}

	// with the fallback the database is recreated from scratch
	store, err = Initialize(dir, true, log)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if version, err := getSchemaVersion(store.db); err != nil {
		t.Fatal(err)
	} else if expected := int64(len(migrations) + 1); version != expected {
		t.Fatalf("expected schema version %d, got %d", expected, version)
	}
	var count int
	err = store.transaction(func(tx *txn) error {
		return tx.QueryRow(`SELECT COUNT(*) FROM json_data`).Scan(&count)
	})
	if err != nil {
		t.Fatal(err)
	} else if count != 0 {
		t.Fatalf("expected no remnant rows, got %d", count)
	}
}

func TestInitializeCorruptFile(t *testing.T) {
	log := zaptest.NewLogger(t)
	dir := t.TempDir()
	fp := filepath.Join(dir, DatabaseFilename)

	garbage := bytes.Repeat([]byte("not a database. "), 64)
	if err := os.WriteFile(fp, garbage, 0o644); err != nil {
		t.Fatal(err)
	}

	// without the fallback the error surfaces and the file is untouched
	if _, err := Initialize(dir, false, log); err == nil {
		t.Fatal("expected error initializing corrupt database")
	}
	if buf, err := os.ReadFile(fp); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(buf, garbage) {
		t.Fatal("corrupt file was modified without the recreate fallback")
	}

	// with the fallback the file is replaced with a fresh database
	store, err := Initialize(dir, true, log)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if version, err := getSchemaVersion(store.db); err != nil {
		t.Fatal(err)
	} else if expected := int64(len(migrations) + 1); version != expected {
		t.Fatalf("expected schema version %d, got %d", expected, version)
	}
}

func TestInitializeWithSchema(t *testing.T) {
	log := zaptest.NewLogger(t)
	dir := t.TempDir()
	const filename = "synthetic.db"

	store, err := InitializeWithSchema(dir, filename, markerSchema, false, log)
	if err != nil {
		t.Fatal(err)
	}
	if version, err := getSchemaVersion(store.db); err != nil {
		t.Fatal(err)
	} else if version != 1 {
		t.Fatalf("expected schema version 1, got %d", version)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// reopening is a no-op
	store, err = InitializeWithSchema(dir, filename, markerSchema, false, log)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// with migrations disabled, a database at any other version fails
	// rather than being upgraded or recreated
	store, err = openDatabase(filepath.Join(dir, filename), false, log)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.db.Exec(`PRAGMA user_version = 3`); err != nil {
		t.Fatal(err)
	} else if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	_, err = InitializeWithSchema(dir, filename, markerSchema, false, log)
	var uve *UnknownVersionError
	if !errors.As(err, &uve) {
		t.Fatalf("expected UnknownVersionError, got %v", err)
	} else if uve.Version != 3 {
		t.Fatalf("expected version 3, got %d", uve.Version)
	}
}

func TestOpenDatabaseNotFound(t *testing.T) {
	log := zaptest.NewLogger(t)
	fp := filepath.Join(t.TempDir(), DatabaseFilename)

	if _, err := openDatabase(fp, false, log); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}

	// create must leave a database behind
	store, err := openDatabase(fp, true, log)
	if err != nil {
		t.Fatal(err)
	} else if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(fp); err != nil {
		t.Fatal(err)
	}
}

func TestVersionCommitsWithStep(t *testing.T) {
	log := zaptest.NewLogger(t)
	fp := filepath.Join(t.TempDir(), DatabaseFilename)

	store, err := initialize(fp, registry{latest: Schema{Version: 1, Statements: markerSchema}}, false, log)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	// a rolled back transaction must not advance the version counter
	err = store.transaction(func(tx *txn) error {
		if err := setSchemaVersion(tx, 42); err != nil {
			return err
		}
		return fmt.Errorf("rollback")
	})
	if err == nil {
		t.Fatal("expected transaction to fail")
	}
	if version, err := getSchemaVersion(store.db); err != nil {
		t.Fatal(err)
	} else if version != 1 {
		t.Fatalf("expected schema version 1 after rollback, got %d", version)
	}
}
