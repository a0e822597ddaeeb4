package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteBackend struct {
	db *sql.DB
}

func openSQLite(ctx context.Context, path string) (*sqliteBackend, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	backend := &sqliteBackend{db: db}
	if err := backend.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return backend, nil
}

func (b *sqliteBackend) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS digests (
            id TEXT PRIMARY KEY,
            body TEXT NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
	}
	for _, statement := range statements {
		if _, err := b.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (b *sqliteBackend) Exists(ctx context.Context, id string) (bool, error) {
	var found int
	err := b.db.QueryRowContext(ctx, `SELECT 1 FROM digests WHERE id = ?;`, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check digest: %w", err)
	}
	return true, nil
}

func (b *sqliteBackend) Load(ctx context.Context, id string) (Record, error) {
	var body string
	err := b.db.QueryRowContext(ctx, `SELECT body FROM digests WHERE id = ?;`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get digest: %w", err)
	}
	return DecodeRecord([]byte(body))
}

func (b *sqliteBackend) LoadAll(ctx context.Context) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT body FROM digests ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("list digests: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("list digests: %w", err)
		}
		record, err := DecodeRecord([]byte(body))
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list digests: %w", err)
	}
	return records, nil
}

func (b *sqliteBackend) Save(ctx context.Context, record Record) error {
	body, err := EncodeRecord(record)
	if err != nil {
		return err
	}
	query := `INSERT INTO digests (id, body, updated_at)
        VALUES (?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at;`
	if _, err := b.db.ExecContext(ctx, query, record.ID, string(body), time.Now().Unix()); err != nil {
		return fmt.Errorf("save digest: %w", err)
	}
	return nil
}

func (b *sqliteBackend) Delete(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM digests WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete digest: %w", err)
	}
	return nil
}

func (b *sqliteBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}
