package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/strato-hq/strato/internal/models"
)

// JoinTokenDB persists join tokens and satisfies the join-token half of
// internal/enrollment.Store.
type JoinTokenDB struct {
	db *sql.DB
}

func NewJoinTokenDB(db *sql.DB) *JoinTokenDB {
	return &JoinTokenDB{db: db}
}

func (j *JoinTokenDB) SaveJoinToken(token *models.JoinToken) error {
	_, err := j.db.Exec(
		`INSERT INTO join_tokens (id, agent_id, token_hash, expires_at, created_at, created_by)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		token.ID, token.AgentID, token.TokenHash, token.ExpiresAt, token.CreatedAt, token.CreatedBy)
	return err
}

// ConsumeJoinToken atomically marks a token used, returning apierr-free nil
// if it is already used, expired, or absent; callers (internal/enrollment)
// apply those business checks against the returned row themselves.
func (j *JoinTokenDB) ConsumeJoinToken(id string, at time.Time) (*models.JoinToken, error) {
	tx, err := j.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	tok := &models.JoinToken{}
	var usedAt sql.NullTime
	err = tx.QueryRow(
		`SELECT id, agent_id, token_hash, expires_at, used_at, created_at, created_by
		 FROM join_tokens WHERE id = $1 FOR UPDATE`, id,
	).Scan(&tok.ID, &tok.AgentID, &tok.TokenHash, &tok.ExpiresAt, &usedAt, &tok.CreatedAt, &tok.CreatedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if usedAt.Valid {
		tok.UsedAt = &usedAt.Time
		return tok, tx.Commit()
	}

	if _, err := tx.Exec(`UPDATE join_tokens SET used_at = $1 WHERE id = $2`, at, id); err != nil {
		return nil, fmt.Errorf("marking join token used: %w", err)
	}
	tok.UsedAt = &at
	return tok, tx.Commit()
}
