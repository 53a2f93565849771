// Command server runs the LifeQuest realtime service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"lifequest-live/internal/actions"
	"lifequest-live/internal/auth"
	"lifequest-live/internal/config"
	"lifequest-live/internal/feed"
	"lifequest-live/internal/observability/logging"
	"lifequest-live/internal/observability/metrics"
	"lifequest-live/internal/realtime"
	"lifequest-live/internal/scheduler"
	"lifequest-live/internal/server"
	"lifequest-live/internal/serverutil"
	"lifequest-live/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(2)
	}
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, metrics.Default(), nil); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// run wires every component and blocks until ctx ends. ready, when non-nil,
// is closed once the listener accepts connections.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder, ready chan<- struct{}) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget(cfg))
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}()

	queue, err := openFeed(cfg, logger)
	if err != nil {
		return err
	}
	if queue != nil {
		defer func() {
			if err := queue.Close(); err != nil {
				logger.Warn("failed to close activity feed", "error", err)
			}
		}()
	}

	var limiterClient redis.UniversalClient
	if cfg.RateLimit.Redis {
		limiterClient, err = feed.NewRedisClient(redisQueueConfig(cfg, logger))
		if err != nil {
			return fmt.Errorf("open rate limit redis: %w", err)
		}
		defer limiterClient.Close()
	}

	verifier, err := auth.NewVerifier([]byte(cfg.JWT.Secret), store,
		auth.WithIssuer(cfg.JWT.Issuer),
		auth.WithAudience(cfg.JWT.Audience),
		auth.WithLeeway(cfg.JWT.Leeway),
	)
	if err != nil {
		return fmt.Errorf("configure identity verifier: %w", err)
	}

	hub, err := realtime.NewHub(realtime.Config{
		Store:             store,
		Verifier:          verifier,
		Processor:         actions.NewProcessor(store, actions.WithEarnPoints(cfg.Realtime.EarnPoints)),
		Feed:              queue,
		Logger:            logger,
		Metrics:           recorder,
		SendBuffer:        cfg.Realtime.SendBuffer,
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		ReadTimeout:       cfg.Realtime.ReadTimeout,
		WriteTimeout:      cfg.Realtime.WriteTimeout,
		MaxMessageBytes:   cfg.Realtime.MaxMessageBytes,
		AllowedOrigins:    cfg.AllowedOrigins,
		CustomChannels:    cfg.Realtime.CustomChannels,
		Retention:         cfg.Realtime.SubscriptionRetention,
		Intervals:         snapshotIntervals(cfg.Realtime),
		LeaderboardLimit:  cfg.Realtime.LeaderboardLimit,
	})
	if err != nil {
		return fmt.Errorf("configure realtime hub: %w", err)
	}

	sched := scheduler.New(
		scheduler.WithLogger(logging.WithComponent(logger, "scheduler")),
		scheduler.WithMetrics(recorder),
	)
	for _, job := range hub.Jobs() {
		if err := sched.Add(job); err != nil {
			return fmt.Errorf("register job %s: %w", job.Name, err)
		}
	}

	srv, err := server.New(server.Config{
		Addr: cfg.ListenAddr(),
		TLS:  server.TLSConfig{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:             cfg.RateLimit.GlobalRPS,
			GlobalBurst:           cfg.RateLimit.GlobalBurst,
			ConnectLimit:          cfg.RateLimit.ConnectLimit,
			ConnectWindow:         cfg.RateLimit.ConnectWindow,
			TrustForwardedHeaders: cfg.RateLimit.TrustForwardedHeaders,
			TrustedProxies:        cfg.RateLimit.TrustedProxies,
		},
		Logger:   logging.WithComponent(logger, "http"),
		Metrics:  recorder,
		Realtime: hub,
		Health:   store,
		Redis:    limiterClient,
	})
	if err != nil {
		return fmt.Errorf("configure http server: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := sched.Start(groupCtx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		<-groupCtx.Done()
		sched.Stop()
		return nil
	})
	if queue != nil {
		group.Go(func() error {
			feed.NewWorker(queue, feed.LogHandler(logging.WithComponent(logger, "activity")), logger).Run(groupCtx)
			return nil
		})
	}
	group.Go(func() error {
		logger.Info("LifeQuest live listening",
			"addr", cfg.ListenAddr(),
			"mode", cfg.Mode,
			"store", cfg.StoreDriver(),
			"feed", cfg.FeedDriver(),
			"jobs", sched.Jobs())
		tlsFiles := srv.TLS()
		return serverutil.Run(groupCtx, serverutil.Config{
			Server:          srv.HTTPServer(),
			TLS:             serverutil.TLSConfig{CertFile: tlsFiles.CertFile, KeyFile: tlsFiles.KeyFile},
			ShutdownTimeout: shutdownBudget(cfg),
			Ready:           ready,
			BeforeShutdown: func(ctx context.Context) error {
				sched.Stop()
				return hub.Close(ctx)
			},
		})
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Repository, error) {
	switch driver := cfg.StoreDriver(); driver {
	case config.StoreMemory:
		logger.Warn("using the in-memory datastore; data is lost on restart")
		return storage.NewMemoryStorage(), nil
	case config.StoreJSON:
		store, err := storage.NewStorage(cfg.Store.DataPath, storage.WithChatHistory(cfg.Store.ChatHistory))
		if err != nil {
			return nil, fmt.Errorf("open json datastore: %w", err)
		}
		return store, nil
	case config.StorePostgres:
		repo, err := storage.NewPostgresRepository(ctx, cfg.Postgres.DSN, postgresOptions(cfg.Postgres)...)
		if err != nil {
			return nil, fmt.Errorf("open postgres datastore: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func postgresOptions(cfg config.PostgresConfig) []storage.PostgresOption {
	return []storage.PostgresOption{
		storage.WithPostgresPoolLimits(cfg.MaxConns, cfg.MinConns),
		storage.WithPostgresTimeouts(cfg.MaxConnLifetime, cfg.MaxConnIdle, cfg.HealthInterval, cfg.AcquireTimeout),
		storage.WithPostgresApplicationName(cfg.AppName),
		storage.WithPostgresQueryTimeout(cfg.QueryTimeout),
		storage.WithPostgresAutoMigrate(cfg.AutoMigrate),
	}
}

// openFeed returns a nil queue when the feed is disabled.
func openFeed(cfg config.Config, logger *slog.Logger) (feed.Queue, error) {
	switch driver := cfg.FeedDriver(); driver {
	case config.FeedNone:
		return nil, nil
	case config.FeedMemory:
		return feed.NewMemoryQueue(cfg.Feed.Buffer), nil
	case config.FeedRedis:
		queue, err := feed.NewRedisQueue(redisQueueConfig(cfg, logger))
		if err != nil {
			return nil, fmt.Errorf("open redis activity feed: %w", err)
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("unsupported feed driver %q", driver)
	}
}

func redisQueueConfig(cfg config.Config, logger *slog.Logger) feed.RedisQueueConfig {
	r := cfg.Feed.Redis
	return feed.RedisQueueConfig{
		Addr:         strings.TrimSpace(r.Addr),
		Addrs:        r.Addrs,
		Username:     r.Username,
		Password:     r.Password,
		MasterName:   r.MasterName,
		Stream:       r.Stream,
		Group:        r.Group,
		Logger:       logging.WithComponent(logger, "feed"),
		DialTimeout:  r.Timeout,
		ReadTimeout:  r.Timeout,
		WriteTimeout: r.Timeout,
		MaxLen:       r.MaxLen,
		Buffer:       cfg.Feed.Buffer,
		PoolSize:     r.PoolSize,
		TLS: feed.RedisTLSConfig{
			CAFile:             r.TLSCA,
			CertFile:           r.TLSCert,
			KeyFile:            r.TLSKey,
			ServerName:         r.TLSServerName,
			InsecureSkipVerify: r.TLSSkipVerify,
		},
	}
}

func snapshotIntervals(cfg config.RealtimeConfig) realtime.SnapshotIntervals {
	return realtime.SnapshotIntervals{
		Leaderboard:    cfg.LeaderboardInterval,
		Competitions:   cfg.CompetitionsInterval,
		FriendsOnline:  cfg.FriendsOnlineInterval,
		SubscriptionGC: cfg.SubscriptionGCInterval,
	}
}

// shutdownBudget is how long run waits for the server to drain after ctx ends.
func shutdownBudget(cfg config.Config) time.Duration {
	if cfg.ShutdownTimeout <= 0 {
		return serverutil.DefaultShutdownTimeout
	}
	return cfg.ShutdownTimeout
}
