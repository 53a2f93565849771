package feed

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisQueueConfig configures the Redis Streams backed feed.
type RedisQueueConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	Group        string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	// MaxLen caps the stream length with approximate trimming. Zero keeps
	// every entry.
	MaxLen     int64
	Buffer     int
	PoolSize   int
	MasterName string
	TLS        RedisTLSConfig
}

const payloadField = "payload"

// NewRedisQueue initialises a queue backed by Redis Streams. The consumer
// group is created on first use.
func NewRedisQueue(cfg RedisQueueConfig) (Queue, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "lifequest:activity"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "activity-consumers"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	queue := &redisQueue{
		client:       client,
		stream:       stream,
		group:        group,
		blockTimeout: cfg.BlockTimeout,
		maxLen:       cfg.MaxLen,
		logger:       cfg.Logger,
		buffer:       cfg.Buffer,
	}
	if queue.logger == nil {
		queue.logger = slog.Default()
	}
	if queue.blockTimeout <= 0 {
		queue.blockTimeout = 2 * time.Second
	}
	if err := queue.ensureGroup(context.Background()); err != nil {
		_ = client.Close()
		return nil, err
	}
	return queue, nil
}

// NewRedisClient builds the universal client shared by the feed and other
// Redis consumers. A single address yields a plain client, several addresses a
// cluster client and a master name a sentinel-backed failover client.
func NewRedisClient(cfg RedisQueueConfig) (redis.UniversalClient, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	}), nil
}

type redisQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	blockTimeout time.Duration
	maxLen       int64
	logger       *slog.Logger
	buffer       int

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

func (q *redisQueue) Publish(ctx context.Context, event Event) error {
	if event.Kind == "" {
		return ErrKindRequired
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return q.add(ctx, payload)
}

func (q *redisQueue) add(ctx context.Context, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{payloadField: string(payload)},
	}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}
	if err := q.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", q.stream, err)
	}
	return nil
}

func (q *redisQueue) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		queue:    q,
		consumer: "consumer-" + uuid.NewString(),
		cancel:   cancel,
		ch:       make(chan Event, q.buffer),
		done:     make(chan struct{}),
	}
	go sub.run(ctx)
	return sub
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}

func (q *redisQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	if err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err(); err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	q.groupReady.Store(true)
	return nil
}

type redisSubscription struct {
	queue    *redisQueue
	consumer string
	cancel   context.CancelFunc
	done     chan struct{}

	once sync.Once
	ch   chan Event
}

func (s *redisSubscription) Events() <-chan Event {
	return s.ch
}

// Close stops the reader and waits for it to hand back any undelivered entry
// before closing the event channel.
func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		close(s.ch)
	})
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.done)
	logger := s.queue.logger
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.queue.ensureGroup(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("activity feed group ensure failed", "error", err)
			sleepContext(ctx, 200*time.Millisecond)
			continue
		}
		streams, err := s.queue.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.queue.group,
			Consumer: s.consumer,
			Streams:  []string{s.queue.stream, ">"},
			Count:    32,
			Block:    s.queue.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warn("activity feed read failed", "error", err)
			sleepContext(ctx, 200*time.Millisecond)
			continue
		}
		for _, stream := range streams {
			for i, message := range stream.Messages {
				payload := extractPayload(message.Values)
				var event Event
				if err := json.Unmarshal(payload, &event); err != nil {
					logger.Error("activity feed decode failed", "id", message.ID, "error", err)
					s.ack(ctx, message.ID)
					continue
				}
				select {
				case s.ch <- event:
					s.ack(ctx, message.ID)
				case <-ctx.Done():
					for _, pending := range stream.Messages[i:] {
						s.requeue(pending.ID, extractPayload(pending.Values))
					}
					return
				}
			}
		}
	}
}

func (s *redisSubscription) ack(ctx context.Context, id string) {
	if err := s.queue.client.XAck(ctx, s.queue.stream, s.queue.group, id).Err(); err != nil {
		s.queue.logger.Warn("activity feed ack failed", "id", id, "error", err)
	}
}

// requeue acknowledges an entry this consumer can no longer deliver and
// appends its payload again so another consumer picks it up.
func (s *redisSubscription) requeue(id string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s.ack(ctx, id)
	if len(payload) == 0 {
		return
	}
	if err := s.queue.add(ctx, payload); err != nil {
		s.queue.logger.Warn("activity feed requeue failed", "id", id, "error", err)
	}
}

func extractPayload(values map[string]any) []byte {
	switch value := values[payloadField].(type) {
	case string:
		return []byte(value)
	case []byte:
		return value
	default:
		return nil
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busygroup")
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
