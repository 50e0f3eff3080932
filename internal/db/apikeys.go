package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/strato-hq/strato/internal/models"
)

// APIKeyDB handles personal access tokens users generate for programmatic
// API access, scoped to the owning user.
type APIKeyDB struct {
	db *sql.DB
}

func NewAPIKeyDB(db *sql.DB) *APIKeyDB {
	return &APIKeyDB{db: db}
}

func (a *APIKeyDB) CreateAPIKey(ctx context.Context, userID, name, prefix, tokenHash string, expiresAt *time.Time) (*models.APIKey, error) {
	key := &models.APIKey{
		ID: uuid.New().String(), UserID: userID, Name: name, Prefix: prefix,
		ExpiresAt: expiresAt, CreatedAt: time.Now(),
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, user_id, name, token_hash, prefix, expires_at, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		key.ID, key.UserID, key.Name, tokenHash, key.Prefix, key.ExpiresAt, key.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating api key: %w", err)
	}
	return key, nil
}

func (a *APIKeyDB) ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, user_id, name, prefix, last_used_at, expires_at, created_at
		 FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		key := &models.APIKey{}
		var lastUsed, expires sql.NullTime
		if err := rows.Scan(&key.ID, &key.UserID, &key.Name, &key.Prefix, &lastUsed, &expires, &key.CreatedAt); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			key.LastUsedAt = &lastUsed.Time
		}
		if expires.Valid {
			key.ExpiresAt = &expires.Time
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// GetAPIKeyByPrefix finds all keys matching a prefix so a caller can verify
// the presented plaintext key against each candidate's bcrypt hash.
func (a *APIKeyDB) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, []string, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, user_id, name, prefix, token_hash, last_used_at, expires_at, created_at
		 FROM api_keys WHERE prefix = $1`, prefix)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var keys []*models.APIKey
	var hashes []string
	for rows.Next() {
		key := &models.APIKey{}
		var hash string
		var lastUsed, expires sql.NullTime
		if err := rows.Scan(&key.ID, &key.UserID, &key.Name, &key.Prefix, &hash, &lastUsed, &expires, &key.CreatedAt); err != nil {
			return nil, nil, err
		}
		if lastUsed.Valid {
			key.LastUsedAt = &lastUsed.Time
		}
		if expires.Valid {
			key.ExpiresAt = &expires.Time
		}
		keys = append(keys, key)
		hashes = append(hashes, hash)
	}
	return keys, hashes, rows.Err()
}

func (a *APIKeyDB) UpdateLastUsed(ctx context.Context, keyID string) error {
	_, err := a.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, time.Now(), keyID)
	return err
}

func (a *APIKeyDB) DeleteAPIKey(ctx context.Context, userID, keyID string) (bool, error) {
	result, err := a.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1 AND user_id = $2`, keyID, userID)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}
