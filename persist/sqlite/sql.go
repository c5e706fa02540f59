package sqlite

import (
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // import sqlite3 driver
	"go.uber.org/zap"
)

const (
	longQueryDuration = 10 * time.Millisecond
	longTxnDuration   = time.Second
)

type (
	// A stmt wraps a *sql.Stmt, logging slow queries.
	stmt struct {
		*sql.Stmt
		query string

		log *zap.Logger
	}

	// A txn wraps a *sql.Tx, logging slow queries.
	txn struct {
		*sql.Tx
		log *zap.Logger
	}

	// A row wraps a *sql.Row, logging slow queries.
	row struct {
		*sql.Row
		log *zap.Logger
	}

	// rows wraps a *sql.Rows, logging slow queries.
	rows struct {
		*sql.Rows

		log *zap.Logger
	}
)

func (r *rows) Next() bool {
	start := time.Now()
	next := r.Rows.Next()
	if dur := time.Since(start); dur > longQueryDuration {
		r.log.Debug("slow next", zap.Duration("elapsed", dur))
	}
	return next
}

func (r *rows) Scan(dest ...any) error {
	start := time.Now()
	err := r.Rows.Scan(dest...)
	if dur := time.Since(start); dur > longQueryDuration {
		r.log.Debug("slow scan", zap.Duration("elapsed", dur))
	}
	return err
}

func (r *row) Scan(dest ...any) error {
	start := time.Now()
	err := r.Row.Scan(dest...)
	if dur := time.Since(start); dur > longQueryDuration {
		r.log.Debug("slow scan", zap.Duration("elapsed", dur))
	}
	return err
}

func (s *stmt) Exec(args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := s.Stmt.Exec(args...)
	if dur := time.Since(start); dur > longQueryDuration {
		s.log.Debug("slow exec", zap.String("query", s.query), zap.Duration("elapsed", dur))
	}
	return result, err
}

func (s *stmt) QueryRow(args ...any) *row {
	start := time.Now()
	r := s.Stmt.QueryRow(args...)
	if dur := time.Since(start); dur > longQueryDuration {
		s.log.Debug("slow query row", zap.String("query", s.query), zap.Duration("elapsed", dur))
	}
	return &row{r, s.log.Named("row")}
}

// Exec executes a query without returning any rows. The args are for
// any placeholder parameters in the query.
func (tx *txn) Exec(query string, args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := tx.Tx.Exec(query, args...)
	if dur := time.Since(start); dur > longQueryDuration {
		tx.log.Debug("slow exec", zap.String("query", query), zap.Duration("elapsed", dur))
	}
	return result, err
}

// Prepare creates a prepared statement for later queries or executions.
// The caller must call the statement's Close method when the statement is
// no longer needed.
func (tx *txn) Prepare(query string) (*stmt, error) {
	start := time.Now()
	s, err := tx.Tx.Prepare(query)
	if dur := time.Since(start); dur > longQueryDuration {
		tx.log.Debug("slow prepare", zap.String("query", query), zap.Duration("elapsed", dur))
	} else if err != nil {
		return nil, err
	}
	return &stmt{
		Stmt:  s,
		query: query,
		log:   tx.log.Named("statement"),
	}, nil
}

// Query executes a query that returns rows, typically a SELECT. The
// args are for any placeholder parameters in the query.
func (tx *txn) Query(query string, args ...any) (*rows, error) {
	start := time.Now()
	r, err := tx.Tx.Query(query, args...)
	if dur := time.Since(start); dur > longQueryDuration {
		tx.log.Debug("slow query", zap.String("query", query), zap.Duration("elapsed", dur))
	}
	return &rows{r, tx.log.Named("rows")}, err
}

// QueryRow executes a query that is expected to return at most one row.
// QueryRow always returns a non-nil value. Errors are deferred until Row's
// Scan method is called.
func (tx *txn) QueryRow(query string, args ...any) *row {
	start := time.Now()
	r := tx.Tx.QueryRow(query, args...)
	if dur := time.Since(start); dur > longQueryDuration {
		tx.log.Debug("slow query row", zap.String("query", query), zap.Duration("elapsed", dur))
	}
	return &row{r, tx.log.Named("row")}
}

// getSchemaVersion returns the schema version recorded in the database
// header. A freshly created database reads as version 0. The version is
// stored in the file's user version field rather than a table so it can be
// read without a working schema.
func getSchemaVersion(db *sql.DB) (version int64, err error) {
	err = db.QueryRow(`PRAGMA user_version;`).Scan(&version)
	return
}

// setSchemaVersion updates the schema version recorded in the database
// header. The pragma participates in the enclosing transaction, so the
// version and the schema changes it describes commit or roll back together.
func setSchemaVersion(tx *txn, version int64) error {
	// PRAGMA statements do not support placeholders
	_, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d;`, version))
	return err
}

// jitterSleep sleeps for a random duration between t and t*1.5.
func jitterSleep(t time.Duration) {
	time.Sleep(t + time.Duration(rand.Int63n(int64(t/2))))
}

func queryPlaceHolders(n int) string {
	if n == 0 {
		return ""
	} else if n == 1 {
		return "?"
	}
	var b strings.Builder
	b.Grow(((n - 1) * 2) + 1) // ?,?
	for i := 0; i < n-1; i++ {
		b.WriteString("?,")
	}
	b.WriteString("?")
	return b.String()
}

func queryArgs[T any](args []T) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, len(args))
	for i, arg := range args {
		out[i] = arg
	}
	return out
}
