package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"
)

func keyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// SaveResponse upserts a raw response payload under key.
func (s *Store) SaveResponse(ctx context.Context, key, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO response_cache (key_hash, response_json, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key_hash) DO UPDATE SET response_json = ?, created_at = ?`,
		keyHash(key), payload, time.Now().UTC(), payload, time.Now().UTC(),
	)
	return err
}

// GetResponse returns the payload stored under key.
// found is false and err is nil if the key is missing.
func (s *Store) GetResponse(ctx context.Context, key string) (payload string, found bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT response_json FROM response_cache WHERE key_hash = ?`, keyHash(key),
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return payload, true, nil
}
