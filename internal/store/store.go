// Package store implements the Durable Store (C1): transactional SQLite
// storage for jobs, tasks, events, outputs, users, workers, factories,
// targets and leases-adjacent bookkeeping. Required isolation is
// serializable write locking, matching the source's SQLite-with-write-lock
// design.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"buildomat/pkg/crypto"
)

const (
	defaultBusyTimeout = 5 * time.Second
)

// Store wraps a *sql.DB configured for single-writer WAL-mode SQLite, plus
// an optional encryptor for secret Store Values.
type Store struct {
	db        *sql.DB
	encryptor *crypto.Encryptor
}

// Open creates (if needed) and migrates the SQLite database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	return open(ctx, path, nil)
}

// OpenWithEncryption is like Open but encrypts Store Value entries marked
// secret=true at rest using passphrase-derived AES-GCM.
func OpenWithEncryption(ctx context.Context, path, passphrase string) (*Store, error) {
	var enc *crypto.Encryptor
	if passphrase != "" {
		e, err := crypto.NewEncryptor(passphrase)
		if err != nil {
			return nil, fmt.Errorf("building encryptor: %w", err)
		}
		enc = e
	}
	return open(ctx, path, enc)
}

func open(ctx context.Context, path string, enc *crypto.Encryptor) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path, int(defaultBusyTimeout.Milliseconds()),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	s := &Store{db: db, encryptor: enc}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range migrations {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("applying migration: %w", err)
			}
		}
		return nil
	})
}

// WithTx runs fn inside a serializable transaction, rolling back on error
// or panic (re-panicking after rollback so the caller's stack is
// preserved).
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false, Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- null-handling helpers, grounded on the reference store's pattern ---

func fromNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func fromNullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func toNullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
