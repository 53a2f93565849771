package realtime

import (
	"context"

	"lifequest-live/internal/auth"
)

// Authorizer decides whether a player may join or post to a channel.
type Authorizer interface {
	CanSubscribe(ctx context.Context, identity auth.Identity, ref ChannelRef) (bool, error)
	CanPostTo(ctx context.Context, identity auth.Identity, ref ChannelRef) (bool, error)
}

// MembershipStore answers the participation questions channel access depends
// on.
type MembershipStore interface {
	IsCompetitionParticipant(ctx context.Context, competitionID, playerID string) (bool, error)
	IsCommunityMember(ctx context.Context, communityID, playerID string) (bool, error)
}

// StoreAuthorizer grants access from the player's identity and the
// participation records held in the store.
type StoreAuthorizer struct {
	store         MembershipStore
	customAllowed bool
}

// NewStoreAuthorizer builds an authorizer. customAllowed controls access to
// channels outside the reserved prefixes.
func NewStoreAuthorizer(store MembershipStore, customAllowed bool) *StoreAuthorizer {
	return &StoreAuthorizer{store: store, customAllowed: customAllowed}
}

// CanSubscribe allows the player's own personal channel, their generation and
// rank channels, competitions they participate in and communities they belong
// to.
func (a *StoreAuthorizer) CanSubscribe(ctx context.Context, identity auth.Identity, ref ChannelRef) (bool, error) {
	switch ref.Kind {
	case ChannelPlayer:
		return ref.Key == identity.PlayerID, nil
	case ChannelGeneration:
		return identity.Generation != "" && ref.Key == identity.Generation, nil
	case ChannelRank:
		return identity.Rank != "" && ref.Key == identity.Rank, nil
	case ChannelCompetition:
		return a.store.IsCompetitionParticipant(ctx, ref.Key, identity.PlayerID)
	case ChannelCommunity:
		return a.store.IsCommunityMember(ctx, ref.Key, identity.PlayerID)
	default:
		return a.customAllowed, nil
	}
}

// CanPostTo applies the subscribe rules to every channel except personal ones,
// which only carry server pushes.
func (a *StoreAuthorizer) CanPostTo(ctx context.Context, identity auth.Identity, ref ChannelRef) (bool, error) {
	if ref.Kind == ChannelPlayer {
		return false, nil
	}
	return a.CanSubscribe(ctx, identity, ref)
}
