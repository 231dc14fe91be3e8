package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/samirrijal/mapprobe/internal/adapters/postgres"
	"github.com/samirrijal/mapprobe/internal/pkg/config"
	"github.com/samirrijal/mapprobe/internal/pkg/logging"
	"github.com/samirrijal/mapprobe/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate <up|status>")
		os.Exit(2)
	}

	_ = godotenv.Load() // .env is optional

	cfg, err := config.Load("mapprobe-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Log.Level, "text")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := postgres.New(ctx, postgres.Options{
		DSN:      cfg.Database.DSN(),
		MaxConns: 1,
		AppName:  "mapprobe-migrate",
	})
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	pool := db.Pool

	switch os.Args[1] {
	case "up":
		err = up(ctx, pool)
	case "status":
		err = status(ctx, pool)
	default:
		err = fmt.Errorf("unknown command: %s", os.Args[1])
	}
	if err != nil {
		slog.Error("migrate failed", "error", err)
		os.Exit(1)
	}
}

func ensureTracking(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return err
}

func files() ([]string, error) {
	names, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func applied(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

// up applies every pending migration in its own transaction.
func up(ctx context.Context, pool *pgxpool.Pool) error {
	if err := ensureTracking(ctx, pool); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	names, err := files()
	if err != nil {
		return err
	}
	done, err := applied(ctx, pool)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}

	for _, name := range names {
		if done[name] {
			slog.Debug("migration already applied", "name", name)
			continue
		}
		data, err := migrations.FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
		slog.Info("migration applied", "name", name)
	}

	slog.Info("all migrations applied", "count", len(names))
	return nil
}

func status(ctx context.Context, pool *pgxpool.Pool) error {
	if err := ensureTracking(ctx, pool); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	names, err := files()
	if err != nil {
		return err
	}
	done, err := applied(ctx, pool)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for _, name := range names {
		state := "pending"
		if done[name] {
			state = "applied"
		}
		fmt.Printf("%-8s %s\n", state, name)
	}
	return nil
}
