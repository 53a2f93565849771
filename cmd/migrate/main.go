// Command migrate applies the embedded Postgres schema and reports the row
// count of every table it manages.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"lifequest-live/internal/config"
	"lifequest-live/internal/observability/logging"
	"lifequest-live/internal/storage"
)

// managedTables lists the tables created by the embedded migrations.
var managedTables = []string{
	"players",
	"friendships",
	"missions",
	"habits",
	"competitions",
	"competition_participants",
	"communities",
	"community_members",
	"chat_messages",
	"channel_subscriptions",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(2)
	}
	dsn := flag.String("postgres-dsn", cfg.Postgres.DSN, "Postgres connection string (defaults to LIFEQUEST_POSTGRES_DSN or DATABASE_URL)")
	timeout := flag.Duration("timeout", time.Minute, "overall migration deadline")
	flag.Parse()

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := migrate(ctx, *dsn, logger); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func migrate(ctx context.Context, dsn string, logger *slog.Logger) error {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return errors.New("postgres DSN required: set --postgres-dsn, LIFEQUEST_POSTGRES_DSN or DATABASE_URL")
	}

	repo, err := storage.NewPostgresRepository(ctx, dsn, storage.WithPostgresApplicationName("lifequest-migrate"))
	if err != nil {
		return fmt.Errorf("open postgres repository: %w", err)
	}
	defer repo.Close(context.WithoutCancel(ctx))

	if err := repo.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema applied")

	counts, err := tableCounts(ctx, dsn)
	if err != nil {
		return fmt.Errorf("verify schema: %w", err)
	}
	for _, table := range managedTables {
		logger.Info("table ready", "table", table, "rows", counts[table])
	}
	return nil
}

func tableCounts(ctx context.Context, dsn string) (map[string]int64, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	counts := make(map[string]int64, len(managedTables))
	for _, table := range managedTables {
		var rows int64
		// Table names come from the fixed list above.
		if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&rows); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = rows
	}
	return counts, nil
}
