package sqlite

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"lukechampine.com/frand"

	"github.com/suzu-prog/expo/updates"
)

type (
	// A Store is a persistent store for update metadata backed by a SQLite
	// database. A Store is exclusively owned by its caller; it is not safe
	// for concurrent use without external synchronization.
	Store struct {
		db  *sql.DB
		log *zap.Logger
	}
)

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// transaction executes a function within a database transaction. If the
// function returns an error, the transaction is rolled back. Otherwise, the
// transaction is committed. If the transaction fails due to a busy error, it
// is retried before returning.
func (s *Store) transaction(fn func(*txn) error) error {
	var err error
	txnID := hex.EncodeToString(frand.Bytes(4))
	log := s.log.Named("transaction").With(zap.String("id", txnID))
	start := time.Now()
	attempt := 1
	for ; attempt < retryAttempts; attempt++ {
		attemptStart := time.Now()
		log := log.With(zap.Int("attempt", attempt))
		err = doTransaction(s.db, log, fn)
		if err == nil {
			return nil
		}

		// return immediately if the error is not a busy error
		if !strings.Contains(err.Error(), "database is locked") {
			break
		}
		// exponential backoff
		sleep := time.Duration(math.Pow(factor, float64(attempt))) * time.Millisecond
		if sleep > maxBackoff {
			sleep = maxBackoff
		}
		log.Debug("database locked", zap.Duration("elapsed", time.Since(attemptStart)), zap.Duration("totalElapsed", time.Since(start)), zap.Duration("retry", sleep))
		jitterSleep(sleep)
	}
	return fmt.Errorf("transaction failed (attempt %d): %w", attempt, err)
}

// doTransaction is a helper function to execute a function within a
// transaction. If fn returns an error, the transaction is rolled back.
// Otherwise, the transaction is committed.
func doTransaction(db *sql.DB, log *zap.Logger, fn func(tx *txn) error) error {
	dbtx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	start := time.Now()
	defer func() {
		if err := dbtx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Error("failed to rollback transaction", zap.Error(err))
		}
		if time.Since(start) > longTxnDuration {
			log.Debug("long transaction", zap.Duration("elapsed", time.Since(start)), zap.Bool("failed", err != nil))
		}
	}()

	tx := &txn{
		Tx:  dbtx,
		log: log,
	}
	if err := fn(tx); err != nil {
		return err
	} else if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// sqliteFilepath returns the DSN for the database at fp. Every open applies
// the same baseline configuration: WAL journaling, foreign key enforcement
// and a busy timeout. If create is false, a missing file is an error rather
// than being created.
func sqliteFilepath(fp string, create bool) string {
	params := []string{
		fmt.Sprintf("_busy_timeout=%d", busyTimeout),
		"_foreign_keys=true",
		"_journal_mode=WAL",
		"_secure_delete=false",
	}
	if create {
		params = append(params, "mode=rwc")
	} else {
		params = append(params, "mode=rw")
	}
	return "file:" + fp + "?" + strings.Join(params, "&")
}

// openDatabase opens the database at fp. When create is false and the file
// does not exist, os.ErrNotExist is returned instead of creating it. The
// connection is pinged so that open failures surface here rather than on
// first use.
func openDatabase(fp string, create bool, log *zap.Logger) (*Store, error) {
	if !create {
		if _, err := os.Stat(fp); errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to open database %q: %w", fp, os.ErrNotExist)
		}
	}
	db, err := sql.Open("sqlite3", sqliteFilepath(fp, create))
	if err != nil {
		return nil, err
	}
	// the database file is a singleton resource; additional connections
	// would only contend for the write lock
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database %q: %w", fp, err)
	}
	return &Store{
		db:  db,
		log: log,
	}, nil
}

var _ updates.Store = (*Store)(nil)
