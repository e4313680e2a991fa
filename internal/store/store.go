package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/examgen/internal/dedup"
	"github.com/pavelanni/examgen/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS response_cache (
		key_hash TEXT PRIMARY KEY,
		response_json TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS item_cache (
		fingerprint TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (fingerprint, content_hash)
	);

	CREATE INDEX IF NOT EXISTS idx_item_cache_kind ON item_cache(kind);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put stores item under fingerprint fp. It reports whether a new row was
// written; storing an identical item again is a no-op.
func (s *Store) Put(ctx context.Context, fp string, item model.Item) (bool, error) {
	canon := dedup.Canonical(item)
	hash, err := dedup.ContentHash(canon)
	if err != nil {
		return false, err
	}
	// Media URLs are kept in the payload so cache hits can reuse rendered files.
	stored := item
	stored.ID = 0
	payload, err := json.Marshal(stored)
	if err != nil {
		return false, fmt.Errorf("marshal item: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO item_cache (fingerprint, content_hash, kind, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint, content_hash) DO NOTHING`,
		fp, hash, string(item.Kind), string(payload), time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetAll returns every item cached under fp, oldest first.
func (s *Store) GetAll(ctx context.Context, fp string) ([]model.CachedItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, content_hash, kind, payload, created_at
		 FROM item_cache WHERE fingerprint = ? ORDER BY created_at, content_hash`, fp,
	)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()
	return scanCachedItems(rows)
}

// Remove deletes the row holding item under fp and returns its stored kind.
// found is false when no such row exists.
func (s *Store) Remove(ctx context.Context, fp string, item model.Item) (kind model.Kind, found bool, err error) {
	hash, err := dedup.ContentHash(item)
	if err != nil {
		return "", false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	var k string
	err = tx.QueryRowContext(ctx,
		`SELECT kind FROM item_cache WHERE fingerprint = ? AND content_hash = ?`, fp, hash,
	).Scan(&k)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select item: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM item_cache WHERE fingerprint = ? AND content_hash = ?`, fp, hash,
	); err != nil {
		return "", false, fmt.Errorf("delete item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return model.Kind(k), true, nil
}

// ItemCount returns the number of cached items.
func (s *Store) ItemCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM item_cache`).Scan(&count)
	return count, err
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanCachedItems(rows rowScanner) ([]model.CachedItem, error) {
	var items []model.CachedItem
	for rows.Next() {
		var (
			ci      model.CachedItem
			kind    string
			payload string
		)
		if err := rows.Scan(&ci.Fingerprint, &ci.ContentHash, &kind, &payload, &ci.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &ci.Item); err != nil {
			return nil, fmt.Errorf("decode item %s: %w", ci.ContentHash, err)
		}
		ci.Kind = model.Kind(kind)
		ci.Item.Kind = ci.Kind
		items = append(items, ci)
	}
	return items, rows.Err()
}
