// Package app wires a workspace into a ready engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"joatu/internal/config"
	"joatu/internal/db"
	"joatu/internal/engine"
	"joatu/internal/metrics"
	"joatu/internal/migrate"
	"joatu/internal/repo"
)

// ResolvePlatformAndConfig picks the active platform and makes sure its
// config is stored, seeding it from joatu.yml or the defaults when missing.
// It prefers the override, then the only platform in the database, then the
// platform named by joatu.yml.
func ResolvePlatformAndConfig(ctx context.Context, workspace, platformOverride string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	platformID := platformOverride
	if platformID == "" {
		p, err := r.SinglePlatform(ctx)
		switch {
		case err == nil:
			platformID = p
		case errors.Is(err, repo.ErrNotFound) && fileCfg != nil:
			platformID = fileCfg.Platform.ID
		case errors.Is(err, repo.ErrNotFound):
			return "", nil, fmt.Errorf("platform not specified; run joatu init or pass --platform")
		default:
			return "", nil, err
		}
	}

	cfg, err := r.GetPlatformConfig(ctx, platformID)
	if err == nil {
		cfg.Platform.ID = platformID
		return platformID, cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", nil, err
	}
	seed := fileCfg
	if seed == nil || seed.Platform.ID != platformID {
		seed = config.Default(platformID)
	}
	if err := r.UpsertPlatformConfig(ctx, nil, platformID, seed); err != nil {
		return "", nil, fmt.Errorf("seed platform config: %w", err)
	}
	return platformID, seed, nil
}

// Open opens and migrates the workspace database.
func Open(workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

// Env is an opened workspace.
type Env struct {
	DB         *sql.DB
	PlatformID string
	Config     *config.Config
	Engine     engine.Engine
}

func (e *Env) Close() error { return e.DB.Close() }

// Load opens the workspace and builds an engine for its platform.
func Load(ctx context.Context, workspace, platformOverride string, log *logrus.Logger, m *metrics.Metrics) (*Env, error) {
	conn, err := Open(workspace)
	if err != nil {
		return nil, err
	}
	platformID, cfg, err := ResolvePlatformAndConfig(ctx, workspace, platformOverride, repo.Repo{DB: conn})
	if err != nil {
		conn.Close()
		return nil, err
	}
	eng := engine.New(conn, cfg)
	if log != nil {
		eng.Log = log
	}
	eng.Metrics = m
	return &Env{DB: conn, PlatformID: platformID, Config: cfg, Engine: eng}, nil
}
