package app

import (
	"context"
	"database/sql"
	"fmt"

	"worktab/internal/config"
	"worktab/internal/db"
	"worktab/internal/engine"
	"worktab/internal/migrate"
)

// Setup opens the workspace ledger, applies migrations, loads
// worktab.yml and seeds the worker roster from it. The caller owns the
// returned connection.
func Setup(ctx context.Context, workspace string) (engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, cfg)
	if err := e.SeedWorkers(ctx); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("seed workers: %w", err)
	}
	return e, conn, nil
}
