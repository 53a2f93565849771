package realtime

import (
	"context"
	"log/slog"

	"lifequest-live/internal/auth"
	"lifequest-live/internal/feed"
	"lifequest-live/internal/models"
)

// FriendStore resolves a player's friends.
type FriendStore interface {
	GetPlayer(ctx context.Context, id string) (models.Player, error)
	ListFriendIDs(ctx context.Context, playerID string) ([]string, error)
}

// Presence turns session churn into friend notifications.
type Presence struct {
	store       FriendStore
	registry    *Registry
	broadcaster *Broadcaster
	activity    *ActivityPublisher
	logger      *slog.Logger
}

// NewPresence builds a presence tracker.
func NewPresence(store FriendStore, registry *Registry, broadcaster *Broadcaster, activity *ActivityPublisher, logger *slog.Logger) *Presence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presence{store: store, registry: registry, broadcaster: broadcaster, activity: activity, logger: logger}
}

// SessionOpened observes a registration. Coming online is reported through
// the next friends_online snapshot rather than a dedicated event.
func (p *Presence) SessionOpened(identity auth.Identity, first bool) {
	if first {
		p.logger.Debug("player online", "player_id", identity.PlayerID)
	}
}

// SessionClosed notifies the player's online friends with friend_offline when
// last reports that the player's final session closed. It returns the number
// of friends notified.
func (p *Presence) SessionClosed(ctx context.Context, identity auth.Identity, last bool) int {
	if !last {
		return 0
	}
	// A new session may have registered since Unregister reported last.
	if p.registry.IsOnline(identity.PlayerID) {
		return 0
	}
	displayName := identity.DisplayName
	if player, err := p.store.GetPlayer(ctx, identity.PlayerID); err == nil {
		displayName = player.DisplayName
	}
	payload := FriendOfflinePayload{PlayerID: identity.PlayerID, DisplayName: displayName}

	friends, err := p.store.ListFriendIDs(ctx, identity.PlayerID)
	if err != nil {
		p.logger.Warn("failed to list friends for offline notice", "player_id", identity.PlayerID, "error", err)
	}
	notified := 0
	for _, friendID := range friends {
		if !p.registry.IsOnline(friendID) {
			continue
		}
		if p.broadcaster.ToPlayer(friendID, EventFriendOffline, payload) > 0 {
			notified++
		}
	}
	p.activity.Publish(ctx, feed.KindPresenceOffline, identity.PlayerID, "", payload)
	return notified
}
