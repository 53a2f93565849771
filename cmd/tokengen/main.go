// Command tokengen mints a handshake token for a player so that a WebSocket
// client can connect during development.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"lifequest-live/internal/auth"
	"lifequest-live/internal/config"
	"lifequest-live/internal/storage"
)

type options struct {
	playerID string
	ttl      time.Duration
	jsonPath string
	dsn      string
	url      string
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatalf("load configuration: %v", err)
	}

	var opts options
	flag.StringVar(&opts.playerID, "player", "", "player ID to issue the token for")
	flag.DurationVar(&opts.ttl, "ttl", time.Hour, "token lifetime")
	flag.StringVar(&opts.jsonPath, "json", "", "check the player exists in this JSON datastore")
	flag.StringVar(&opts.dsn, "postgres-dsn", "", "check the player exists in this Postgres datastore")
	flag.StringVar(&opts.url, "url", "", "print a ready-to-use WebSocket URL for this base (e.g. ws://localhost:8080)")
	flag.StringVar(&cfg.JWT.Secret, "secret", cfg.JWT.Secret, "signing secret (defaults to LIFEQUEST_JWT_SECRET)")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mint(ctx, cfg.JWT, opts, os.Stdout); err != nil {
		fatalf("%v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func mint(ctx context.Context, jwtCfg config.JWTConfig, opts options, out io.Writer) error {
	playerID := strings.TrimSpace(opts.playerID)
	if playerID == "" {
		return errors.New("--player is required")
	}
	if opts.jsonPath != "" && opts.dsn != "" {
		return errors.New("only one datastore option may be provided")
	}
	if opts.jsonPath != "" || opts.dsn != "" {
		if err := checkPlayer(ctx, opts, playerID); err != nil {
			return err
		}
	}

	issuer, err := auth.NewIssuer([]byte(jwtCfg.Secret), jwtCfg.Issuer, jwtCfg.Audience)
	if err != nil {
		return fmt.Errorf("configure issuer: %w", err)
	}
	token, expiresAt, err := issuer.Issue(playerID, opts.ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}

	fmt.Fprintln(out, token)
	if base := strings.TrimRight(strings.TrimSpace(opts.url), "/"); base != "" {
		fmt.Fprintf(out, "%s/ws?token=%s\n", base, token)
	}
	fmt.Fprintf(out, "expires %s\n", expiresAt.Format(time.RFC3339))
	return nil
}

func checkPlayer(ctx context.Context, opts options, playerID string) error {
	repo, err := openRepository(ctx, opts)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer repo.Close(context.WithoutCancel(ctx))

	if _, err := repo.GetPlayer(ctx, playerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("player %q does not exist", playerID)
		}
		return fmt.Errorf("look up player: %w", err)
	}
	return nil
}

func openRepository(ctx context.Context, opts options) (storage.Repository, error) {
	if opts.jsonPath != "" {
		return storage.NewStorage(opts.jsonPath)
	}
	return storage.NewPostgresRepository(ctx, opts.dsn)
}
