// Package feed carries the activity stream produced by realtime sessions to
// downstream consumers, either in process or through Redis Streams.
package feed

import (
	"encoding/json"
	"time"
)

// Kind enumerates activity events published to the feed.
type Kind string

const (
	KindChatMessage       Kind = "chat_message"
	KindGameAction        Kind = "game_action"
	KindCompetitionJoined Kind = "competition_joined"
	KindCompetitionLeft   Kind = "competition_left"
	KindPresenceOffline   Kind = "presence_offline"
)

// Event is the wire representation written to the queue.
type Event struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	PlayerID   string          `json:"playerId"`
	ChannelID  string          `json:"channelId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}
