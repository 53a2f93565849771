package realtime

import (
	"context"
	"testing"

	"lifequest-live/internal/auth"
	"lifequest-live/internal/feed"
	"lifequest-live/internal/observability/metrics"
	"lifequest-live/internal/storage"
)

func TestBroadcasterSkipsSlowAndClosedSessions(t *testing.T) {
	registry := NewRegistry()
	directory := NewDirectory(registry, storage.NewMemoryStorage(), stubAuthorizer{allow: true})
	recorder := metrics.New()
	broadcaster := NewBroadcaster(registry, directory, discardLogger(), recorder)

	healthy := NewSession(auth.Identity{PlayerID: "p1"}, 4, testEpoch)
	slow := NewSession(auth.Identity{PlayerID: "p2"}, 1, testEpoch)
	gone := NewSession(auth.Identity{PlayerID: "p3"}, 4, testEpoch)
	for _, session := range []*Session{healthy, slow, gone} {
		registry.Register(session)
	}
	if err := slow.Enqueue([]byte("backlog")); err != nil {
		t.Fatalf("fill buffer: %v", err)
	}
	gone.Close()

	if got := broadcaster.ToAll(EventLeaderboardUpdate, []string{}); got != 1 {
		t.Fatalf("expected one delivery, got %d", got)
	}
	delivered, failed := recorder.DeliveryCounts()
	if delivered[EventLeaderboardUpdate] != 1 {
		t.Fatalf("expected one recorded delivery, got %v", delivered)
	}
	if failed[metrics.DeliveryFailureLabel{Event: EventLeaderboardUpdate, Reason: "buffer_full"}] != 1 {
		t.Fatalf("expected buffer_full failure, got %v", failed)
	}
	if failed[metrics.DeliveryFailureLabel{Event: EventLeaderboardUpdate, Reason: "closed"}] != 1 {
		t.Fatalf("expected closed failure, got %v", failed)
	}
}

func TestBroadcasterToPlayerReachesEverySession(t *testing.T) {
	registry := NewRegistry()
	directory := NewDirectory(registry, storage.NewMemoryStorage(), stubAuthorizer{allow: true})
	broadcaster := NewBroadcaster(registry, directory, discardLogger(), nil)
	first := registeredSession(registry, auth.Identity{PlayerID: "p1"})
	second := registeredSession(registry, auth.Identity{PlayerID: "p1"})
	other := registeredSession(registry, auth.Identity{PlayerID: "p2"})

	if got := broadcaster.ToPlayer("p1", EventFriendOffline, FriendOfflinePayload{PlayerID: "p2"}); got != 2 {
		t.Fatalf("expected two deliveries, got %d", got)
	}
	for _, session := range []*Session{first, second} {
		only(t, drain(t, session), EventFriendOffline, nil)
	}
	if got := drain(t, other); len(got) != 0 {
		t.Fatalf("expected nothing for p2, got %v", frameTypes(got))
	}
	if got := broadcaster.ToChannel("lobby", EventChatMessage, nil); got != 0 {
		t.Fatalf("expected no members in an unknown channel, got %d", got)
	}
}

func TestActivityPublisherWithoutQueue(t *testing.T) {
	var publisher *ActivityPublisher
	publisher.Publish(context.Background(), feed.KindChatMessage, "p1", "lobby", nil)

	publisher = NewActivityPublisher(nil, discardLogger(), nil)
	publisher.Publish(context.Background(), feed.KindChatMessage, "p1", "lobby", nil)
}

func TestActivityPublisherRecordsEvents(t *testing.T) {
	queue := feed.NewMemoryQueue(4)
	defer queue.Close()
	sub := queue.Subscribe()
	defer sub.Close()
	recorder := metrics.New()

	publisher := NewActivityPublisher(queue, discardLogger(), recorder)
	publisher.Publish(context.Background(), feed.KindPresenceOffline, "p1", "", FriendOfflinePayload{PlayerID: "p1"})

	event := <-sub.Events()
	if event.Kind != feed.KindPresenceOffline || event.PlayerID != "p1" || event.ID == "" {
		t.Fatalf("unexpected event %+v", event)
	}
}
