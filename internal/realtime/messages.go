package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"lifequest-live/internal/models"
)

// Outbound event names.
const (
	EventPlayerStats           = "player_stats"
	EventMissionsUpdate        = "missions_update"
	EventHabitsUpdate          = "habits_update"
	EventCompetitionsUpdate    = "competitions_update"
	EventLeaderboardUpdate     = "leaderboard_update"
	EventFriendsOnline         = "friends_online"
	EventFriendOffline         = "friend_offline"
	EventSubscriptionSuccess   = "subscription_success"
	EventSubscriptionError     = "subscription_error"
	EventUnsubscriptionSuccess = "unsubscription_success"
	EventUnsubscriptionError   = "unsubscription_error"
	EventChatMessage           = "chat_message"
	EventChatError             = "chat_error"
	EventGameActionResult      = "game_action_result"
	EventGameActionError       = "game_action_error"
	EventCompetitionJoined     = "competition_joined"
	EventCompetitionLeft       = "competition_left"
	EventCompetitionUpdate     = "competition_update"
	EventCompetitionError      = "competition_error"
	EventCommunityUpdate       = "community_update"
	EventChannelData           = "channel_data"
	EventError                 = "error"
)

// Inbound message types.
const (
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypeGameAction       = "game_action"
	TypeChatMessage      = "chat_message"
	TypeJoinCompetition  = "join_competition"
	TypeLeaveCompetition = "leave_competition"
)

// Inbound is a decoded client message. The set of implementations is closed.
type Inbound interface {
	inboundType() string
}

type SubscribeMessage struct {
	ChannelID string `json:"channelId"`
	Kind      string `json:"kind"`
}

type UnsubscribeMessage struct {
	ChannelID string `json:"channelId"`
}

// GameActionMessage keeps the original frame so the action processor sees
// exactly what the client sent.
type GameActionMessage struct {
	ActionType string          `json:"actionType"`
	Raw        json.RawMessage `json:"-"`
}

type ChatMessageRequest struct {
	ChannelID string `json:"channelId"`
	Text      string `json:"text"`
}

type JoinCompetitionMessage struct {
	CompetitionID string `json:"competitionId"`
}

type LeaveCompetitionMessage struct {
	CompetitionID string `json:"competitionId"`
}

func (SubscribeMessage) inboundType() string        { return TypeSubscribe }
func (UnsubscribeMessage) inboundType() string      { return TypeUnsubscribe }
func (GameActionMessage) inboundType() string       { return TypeGameAction }
func (ChatMessageRequest) inboundType() string      { return TypeChatMessage }
func (JoinCompetitionMessage) inboundType() string  { return TypeJoinCompetition }
func (LeaveCompetitionMessage) inboundType() string { return TypeLeaveCompetition }

var errMalformedMessage = errors.New("malformed message")

// DecodeInbound parses a client frame. Unknown types and bodies that do not
// match their type's schema return a KindValidation *Error.
func DecodeInbound(data []byte) (Inbound, error) {
	const op = "decode"
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, newError(KindValidation, op, "", errMalformedMessage.Error(), err)
	}
	var (
		msg Inbound
		err error
	)
	switch strings.TrimSpace(envelope.Type) {
	case TypeSubscribe:
		var m SubscribeMessage
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMessage
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeGameAction:
		var m GameActionMessage
		err = json.Unmarshal(data, &m)
		m.Raw = append(json.RawMessage(nil), data...)
		msg = m
	case TypeChatMessage:
		var m ChatMessageRequest
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeJoinCompetition:
		var m JoinCompetitionMessage
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeLeaveCompetition:
		var m LeaveCompetitionMessage
		err = json.Unmarshal(data, &m)
		msg = m
	case "":
		return nil, newError(KindValidation, op, "", "message type is required", nil)
	default:
		return nil, newError(KindValidation, op, "", fmt.Sprintf("unknown message type %q", envelope.Type), nil)
	}
	if err != nil {
		return nil, newError(KindValidation, op, "", fmt.Sprintf("malformed %s message", envelope.Type), err)
	}
	return msg, nil
}

// Frame is the envelope of every outbound message.
type Frame struct {
	Type   string    `json:"type"`
	Data   any       `json:"data,omitempty"`
	SentAt time.Time `json:"sentAt"`
}

func encodeFrame(event string, payload any, sentAt time.Time) ([]byte, error) {
	data, err := json.Marshal(Frame{Type: event, Data: payload, SentAt: sentAt.UTC()})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", event, err)
	}
	return data, nil
}

// ErrorPayload is the body of every *_error event.
type ErrorPayload struct {
	Error         string `json:"error"`
	Type          string `json:"type,omitempty"`
	ChannelID     string `json:"channelId,omitempty"`
	CompetitionID string `json:"competitionId,omitempty"`
	ActionType    string `json:"actionType,omitempty"`
}

type SubscriptionPayload struct {
	ChannelID string      `json:"channelId"`
	Kind      ChannelKind `json:"kind,omitempty"`
}

type ChannelDataPayload struct {
	ChannelID string      `json:"channelId"`
	Kind      ChannelKind `json:"kind"`
	Data      any         `json:"data"`
}

// ChatBroadcast is the chat_message payload fanned out to channel members.
type ChatBroadcast struct {
	models.ChatMessage
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
}

type GameActionResultPayload struct {
	ActionType string `json:"actionType"`
	Success    bool   `json:"success"`
	Data       any    `json:"data,omitempty"`
}

type CompetitionMembershipPayload struct {
	CompetitionID string `json:"competitionId"`
	ChannelID     string `json:"channelId"`
}

type FriendOfflinePayload struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
}

type FriendsOnlinePayload struct {
	Friends []models.FriendPresence `json:"friends"`
}

type CommunityUpdatePayload struct {
	CommunityID string `json:"communityId"`
	Online      int    `json:"online"`
}

// ChannelPresence is the initial snapshot of channels without richer data.
type ChannelPresence struct {
	ChannelID string `json:"channelId"`
	Online    int    `json:"online"`
}

// CommunitySnapshot is the initial snapshot of a community channel.
type CommunitySnapshot struct {
	Community models.Community     `json:"community"`
	Online    int                  `json:"online"`
	Recent    []models.ChatMessage `json:"recent"`
}
