package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"joatu/internal/config"
	"joatu/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound aliases the domain sentinel so callers can test either.
var ErrNotFound = domain.ErrNotFound

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q runs against tx when one is open, otherwise against the pool.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) EnsurePerson(ctx context.Context, tx *sql.Tx, id, name, now string) error {
	if id == "" {
		return domain.NewValidationError("creator", "must be present")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO persons(id,name,created_at) VALUES (?,?,?)`, id, nullable(name), now)
	return err
}

func (r Repo) GetPerson(ctx context.Context, id string) (domain.Person, error) {
	var p domain.Person
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM persons WHERE id=?`, id).Scan(&p.ID, &name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, &domain.NotFoundError{Entity: "person", ID: id}
	}
	if name.Valid {
		p.Name = name.String
	}
	return p, err
}

func (r Repo) UpsertPlatformConfig(ctx context.Context, tx *sql.Tx, platformID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Platform.ID = platformID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO platform_configs(platform_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(platform_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, platformID, string(payload), now, now)
	return err
}

func (r Repo) GetPlatformConfig(ctx context.Context, platformID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM platform_configs WHERE platform_id=?`, platformID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, &domain.NotFoundError{Entity: "platform config", ID: platformID}
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Platform.ID == "" {
		cfg.Platform.ID = platformID
	}
	return &cfg, cfg.Validate()
}

// SinglePlatform returns the only configured platform id.
func (r Repo) SinglePlatform(ctx context.Context) (string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT platform_id FROM platform_configs`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", ErrNotFound
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("multiple platforms exist; specify --platform")
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// LocaleOrder ranks translation rows by position in the preference chain.
func LocaleOrder(col string, locales []string) (string, []any) {
	if len(locales) == 0 {
		return col, nil
	}
	var b strings.Builder
	args := make([]any, 0, len(locales))
	b.WriteString("CASE ")
	b.WriteString(col)
	for i, l := range locales {
		fmt.Fprintf(&b, " WHEN ? THEN %d", i)
		args = append(args, l)
	}
	fmt.Fprintf(&b, " ELSE %d END, %s", len(locales), col)
	return b.String(), args
}

func splitIDs(csv sql.NullString) []string {
	if !csv.Valid || csv.String == "" {
		return []string{}
	}
	return strings.Split(csv.String, ",")
}
