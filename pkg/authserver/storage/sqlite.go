// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	autherrors "github.com/stacklok/indieauth/pkg/errors"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// sqliteBusyTimeoutMillis is how long SQLite waits on a locked database
// before failing a statement.
const sqliteBusyTimeoutMillis = 5000

// SQLStore owns the embedded SQLite database shared by the SQL collections.
type SQLStore struct {
	db *sql.DB
}

var _ Transactor = (*SQLStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies the
// embedded migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, autherrors.NewStorageIOError(fmt.Sprintf("failed to create database directory %s", dir), err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", path, sqliteBusyTimeoutMillis)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, autherrors.NewStorageIOError("failed to open sqlite database", err)
	}
	// A single connection serializes writers; transactions travel in the context.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, autherrors.NewStorageIOError("failed to migrate sqlite database", err)
	}
	return &SQLStore{db: db}, nil
}

// runMigrations applies all pending database migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type txKey struct{}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func txFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{}).(*sql.Tx)
	return tx
}

// RunInTx runs fn inside one database transaction. Collection calls made with
// the context passed to fn join the transaction. The transaction is rolled
// back when fn returns an error.
func (s *SQLStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return autherrors.NewStorageIOError("failed to begin transaction", err)
	}
	defer rollback(tx)

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return autherrors.NewStorageIOError("failed to commit transaction", err)
	}
	return nil
}

// withTx runs fn in the transaction carried by ctx, or in a new one.
func (s *SQLStore) withTx(ctx context.Context, fn func(q querier) error) error {
	return s.RunInTx(ctx, func(ctx context.Context) error {
		return fn(txFromContext(ctx))
	})
}

// reader returns the transaction carried by ctx, or the database.
func (s *SQLStore) reader(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

func rollback(tx *sql.Tx) { _ = tx.Rollback() }

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
