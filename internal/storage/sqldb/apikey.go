package sqldb

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

const keyColumns = `id, user_id, key_hash, key_prefix, label, status, created_at, last_used_at`

// CreateKey inserts a new API key row.
func (s *Store) CreateKey(ctx context.Context, k *gateway.APIKey) error {
	_, err := s.write.ExecContext(ctx, s.q(
		`INSERT INTO api_keys (id, user_id, key_hash, key_prefix, label, status, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		k.ID, k.UserID, k.Hash, k.Prefix, k.Label, string(k.Status),
		toMillis(k.CreatedAt), nullMillis(k.LastUsedAt),
	)
	return err
}

// GetKey retrieves an API key by ID.
func (s *Store) GetKey(ctx context.Context, id string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx, s.q(
		`SELECT `+keyColumns+` FROM api_keys WHERE id = ?`), id)
	return scanKey(row)
}

// ActiveKeysByPrefix returns the active keys whose stored prefix equals
// prefix. Revoked keys never reach the verifier.
func (s *Store) ActiveKeysByPrefix(ctx context.Context, prefix string) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx, s.q(
		`SELECT `+keyColumns+` FROM api_keys WHERE key_prefix = ? AND status = 'active'`), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectKeys(rows)
}

// ListKeysByUser returns all of a user's keys, newest first.
func (s *Store) ListKeysByUser(ctx context.Context, userID string) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx, s.q(
		`SELECT `+keyColumns+` FROM api_keys WHERE user_id = ? ORDER BY created_at DESC, id`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectKeys(rows)
}

// RevokeKey marks a key revoked. Revoking an already-revoked key is a no-op
// success; only a missing row is an error.
func (s *Store) RevokeKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, s.q(
		`UPDATE api_keys SET status = 'revoked' WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// RevokeKeysForUser revokes all of a user's active keys in one statement and
// returns the affected key IDs so callers can invalidate caches.
func (s *Store) RevokeKeysForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.read.QueryContext(ctx, s.q(
		`SELECT id FROM api_keys WHERE user_id = ? AND status = 'active'`), userID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = s.write.ExecContext(ctx, s.q(
		`UPDATE api_keys SET status = 'revoked' WHERE user_id = ? AND status = 'active'`), userID)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx, s.q(
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`), toMillis(time.Now()), id)
	return err
}

func collectKeys(rows *sql.Rows) ([]*gateway.APIKey, error) {
	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func scanKey(sc scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var status string
	var created int64
	var lastUsed sql.NullInt64
	err := sc.Scan(&k.ID, &k.UserID, &k.Hash, &k.Prefix, &k.Label, &status, &created, &lastUsed)
	if err != nil {
		return nil, notFoundErr(err)
	}
	k.Status = gateway.KeyStatus(status)
	k.CreatedAt = fromMillis(created)
	k.LastUsedAt = millisPtr(lastUsed)
	return &k, nil
}
