//go:build redis

package feed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func redisTestConfig(t *testing.T) RedisQueueConfig {
	t.Helper()
	addr := os.Getenv("LIFEQUEST_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LIFEQUEST_TEST_REDIS_ADDR not set")
	}
	suffix := uuid.NewString()
	return RedisQueueConfig{
		Addr:         addr,
		Password:     os.Getenv("LIFEQUEST_TEST_REDIS_PASSWORD"),
		Stream:       "test-activity-" + suffix,
		Group:        "test-group-" + suffix,
		BlockTimeout: 100 * time.Millisecond,
	}
}

func TestRedisQueueDeliversEvents(t *testing.T) {
	queue, err := NewRedisQueue(redisTestConfig(t))
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	t.Cleanup(func() { _ = queue.Close() })

	sub := queue.Subscribe()
	t.Cleanup(sub.Close)

	event := Event{
		ID:         "evt-1",
		Kind:       KindChatMessage,
		PlayerID:   "player-1",
		ChannelID:  "community:c1",
		Data:       []byte(`{"text":"hello"}`),
		OccurredAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := receive(t, sub)
	if got.ID != event.ID || got.Kind != event.Kind || got.ChannelID != event.ChannelID || string(got.Data) != string(event.Data) {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestRedisQueueRequeuesOnClose(t *testing.T) {
	cfg := redisTestConfig(t)
	cfg.Buffer = 1
	queue, err := NewRedisQueue(cfg)
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	t.Cleanup(func() { _ = queue.Close() })

	sub := queue.Subscribe()
	for _, id := range []string{"evt-1", "evt-2"} {
		if err := queue.Publish(context.Background(), Event{ID: id, Kind: KindGameAction}); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	// Give the reader time to fill the buffer and block on the second entry.
	time.Sleep(300 * time.Millisecond)
	sub.Close()

	next := queue.Subscribe()
	t.Cleanup(next.Close)
	if got := receive(t, next); got.ID != "evt-2" {
		t.Fatalf("expected requeued evt-2, got %+v", got)
	}
}
