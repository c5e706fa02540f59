package sqlite

import (
	"fmt"
)

type (
	// A Schema is the complete DDL that creates a fresh database at a
	// specific version.
	Schema struct {
		Version    int64
		Statements string
	}

	// A migrationStep transforms a database from version target-1 to
	// target. The step's statements and the version advance commit in the
	// same transaction.
	migrationStep struct {
		target int64
		apply  func(*txn) error
	}

	// A registry holds the latest schema and the ordered chain of upgrade
	// steps from version 1 to latest. Registries are immutable values;
	// steps[i] migrates version i+1 to version i+2, so the chain is
	// contiguous by construction.
	registry struct {
		latest Schema
		steps  []func(*txn) error
	}
)

// migrationChain returns the ordered steps that upgrade a database from the
// given version to the latest version. It fails with ErrNoMigrationPath when
// from is outside the range the chain covers.
func (r registry) migrationChain(from int64) ([]migrationStep, error) {
	latest := r.latest.Version
	if from < 1 || from >= latest {
		return nil, fmt.Errorf("%w from version %d to %d", ErrNoMigrationPath, from, latest)
	} else if int64(len(r.steps))+1 != latest {
		return nil, fmt.Errorf("%w: %d steps, latest version %d", errBrokenRegistry, len(r.steps), latest)
	}
	steps := make([]migrationStep, 0, latest-from)
	for i := from - 1; i < int64(len(r.steps)); i++ {
		steps = append(steps, migrationStep{
			target: i + 2,
			apply:  r.steps[i],
		})
	}
	return steps, nil
}
