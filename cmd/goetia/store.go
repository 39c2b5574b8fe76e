package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mrtesla07/goetia-bot/internal/limiter"
	"github.com/mrtesla07/goetia-bot/internal/migrate"
	"github.com/mrtesla07/goetia-bot/internal/repository"
	"github.com/mrtesla07/goetia-bot/internal/repository/postgres"
	"github.com/mrtesla07/goetia-bot/internal/repository/sqlite"
)

// store bundles the profile repository with the sign-in limiter of the same backend.
type store struct {
	profiles repository.ProfileRepository
	limiter  limiter.Limiter
	close    func()
}

// openStore selects PostgreSQL for postgres:// DSNs and SQLite for sqlite:// ones.
func openStore(ctx context.Context, dsn string, log *zap.Logger) (*store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		if err := migrate.Up(ctx, dsn); err != nil {
			return nil, fmt.Errorf("migrate up: %w", err)
		}
		db, err := postgres.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("pgxpool: %w", err)
		}
		log.Info("store: postgres")
		return &store{
			profiles: postgres.NewProfileRepo(db),
			limiter:  limiter.NewPG(db.Pool, limiter.DefaultWindow, limiter.DefaultMaxFails, limiter.DefaultBlockFor),
			close:    db.Close,
		}, nil

	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, err
			}
		}
		db, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		log.Info("store: sqlite", zap.String("path", path))
		return &store{
			profiles: sqlite.NewProfileRepo(db),
			limiter:  limiter.NewMemory(limiter.DefaultWindow, limiter.DefaultMaxFails, limiter.DefaultBlockFor),
			close:    func() { _ = db.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unsupported DATABASE_DSN scheme: %q", dsn)
	}
}
