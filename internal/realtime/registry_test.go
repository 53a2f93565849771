package realtime

import (
	"errors"
	"testing"
	"time"

	"lifequest-live/internal/auth"
)

var testEpoch = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestSession(playerID string, offset time.Duration) *Session {
	return NewSession(auth.Identity{PlayerID: playerID, DisplayName: playerID}, 8, testEpoch.Add(offset))
}

func TestRegistryTracksSessionsPerPlayer(t *testing.T) {
	registry := NewRegistry()
	a := newTestSession("p1", 0)
	b := newTestSession("p1", time.Second)
	c := newTestSession("p2", 2*time.Second)

	if !registry.Register(a) {
		t.Fatal("expected first session of p1 to be reported as first")
	}
	if registry.Register(b) {
		t.Fatal("expected second session of p1 not to be first")
	}
	if !registry.Register(c) {
		t.Fatal("expected first session of p2 to be reported as first")
	}
	if got := registry.Count(); got != 3 {
		t.Fatalf("expected 3 sessions, got %d", got)
	}

	sessions := registry.SessionsFor("p1")
	if len(sessions) != 2 || sessions[0].ID != a.ID || sessions[1].ID != b.ID {
		t.Fatalf("expected p1 sessions in connect order, got %+v", sessions)
	}
	if playerID, ok := registry.PlayerFor(c.ID); !ok || playerID != "p2" {
		t.Fatalf("expected session %s to belong to p2, got %q %v", c.ID, playerID, ok)
	}
	players := registry.OnlinePlayers()
	if len(players) != 2 || players[0] != "p1" || players[1] != "p2" {
		t.Fatalf("unexpected online players %v", players)
	}
}

func TestRegistryUnregisterReportsLastSession(t *testing.T) {
	registry := NewRegistry()
	a := newTestSession("p1", 0)
	b := newTestSession("p1", time.Second)
	registry.Register(a)
	registry.Register(b)

	playerID, last, ok := registry.Unregister(a.ID)
	if !ok || playerID != "p1" || last {
		t.Fatalf("expected p1 to stay online, got player=%q last=%v ok=%v", playerID, last, ok)
	}
	if !registry.IsOnline("p1") {
		t.Fatal("expected p1 online while b is registered")
	}

	_, last, ok = registry.Unregister(b.ID)
	if !ok || !last {
		t.Fatalf("expected last session to be reported, got last=%v ok=%v", last, ok)
	}
	if registry.IsOnline("p1") {
		t.Fatal("expected p1 offline")
	}
	if _, _, ok := registry.Unregister(b.ID); ok {
		t.Fatal("expected repeated unregister to be a no-op")
	}
	if registry.Contains(b.ID) {
		t.Fatal("expected session to be gone")
	}
	if got := len(registry.SessionsFor("p1")); got != 0 {
		t.Fatalf("expected no sessions for p1, got %d", got)
	}
}

func TestSessionEnqueue(t *testing.T) {
	session := NewSession(auth.Identity{PlayerID: "p1"}, 1, testEpoch)
	if err := session.Enqueue([]byte("one")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := session.Enqueue([]byte("two")); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}

	session.Close()
	session.Close()
	if !session.Closed() {
		t.Fatal("expected session to report closed")
	}
	if err := session.Enqueue([]byte("three")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if frame, ok := <-session.Outbound(); !ok || string(frame) != "one" {
		t.Fatalf("expected queued frame to survive close, got %q %v", frame, ok)
	}
	if _, ok := <-session.Outbound(); ok {
		t.Fatal("expected outbound to be closed after draining")
	}
	select {
	case <-session.Done():
	default:
		t.Fatal("expected done to be closed")
	}
}
