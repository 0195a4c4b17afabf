package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"

	"joatu/internal/domain"
)

// APIKeyPrefix marks raw keys so they are recognizable in config files and logs.
const APIKeyPrefix = "jk_"

const apiKeyColumns = `id, person_id, COALESCE(name,''), key_hash, created_at`

// HashAPIKey returns the SHA-256 hex digest stored in place of the raw key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// IssueAPIKey creates a key for personID, registering the person when new.
// The raw key is returned once; only its hash is stored.
func (r Repo) IssueAPIKey(ctx context.Context, personID, name, now string) (string, domain.APIKey, error) {
	personID = strings.TrimSpace(personID)
	if personID == "" {
		return "", domain.APIKey{}, domain.NewValidationError("person_id", "is required")
	}
	raw := APIKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		PersonID:  personID,
		Name:      strings.TrimSpace(name),
		KeyHash:   HashAPIKey(raw),
		CreatedAt: now,
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := r.EnsurePerson(ctx, tx, personID, "", now); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := r.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return raw, key, nil
}

// InsertAPIKey stores an already hashed key. The person must exist.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return errors.New("api key id required")
	case key.PersonID == "":
		return errors.New("api key person_id required")
	case key.KeyHash == "":
		return errors.New("api key hash required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO api_keys(id, person_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.PersonID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

func scanAPIKey(s scanner) (domain.APIKey, error) {
	var key domain.APIKey
	err := s.Scan(&key.ID, &key.PersonID, &key.Name, &key.KeyHash, &key.CreatedAt)
	return key, err
}

// GetAPIKeyByHash resolves a presented key to its owner.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	key, err := scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, &domain.NotFoundError{Entity: "api key", ID: hash[:min(8, len(hash))]}
	}
	return key, err
}

// ListAPIKeys returns the keys of one person, newest first.
func (r Repo) ListAPIKeys(ctx context.Context, personID string) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE person_id=? ORDER BY created_at DESC, rowid DESC`, personID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []domain.APIKey{}
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey revokes a key. Revoking an unknown key is a NotFoundError.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return &domain.NotFoundError{Entity: "api key", ID: id}
	}
	return nil
}
