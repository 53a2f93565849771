package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"lifequest-live/internal/actions"
	"lifequest-live/internal/feed"
	"lifequest-live/internal/models"
	"lifequest-live/internal/observability/logging"
	"lifequest-live/internal/observability/metrics"
	"lifequest-live/internal/storage"
)

const maxChatRunes = 500

// ActionProcessor applies gameplay actions on behalf of a player.
type ActionProcessor interface {
	Apply(ctx context.Context, playerID string, payload json.RawMessage) (actions.Result, error)
}

// RouterStore is the write side the router reaches directly.
type RouterStore interface {
	AppendChatMessage(ctx context.Context, msg models.ChatMessage) error
	TouchPlayer(ctx context.Context, id string, at time.Time) error
	IsCompetitionParticipant(ctx context.Context, competitionID, playerID string) (bool, error)
	JoinCompetition(ctx context.Context, competitionID, playerID string, at time.Time) error
	LeaveCompetition(ctx context.Context, competitionID, playerID string) error
}

// Router dispatches decoded inbound messages to their handlers. Handle is
// called sequentially per session, preserving that session's order.
type Router struct {
	store       RouterStore
	processor   ActionProcessor
	authorizer  Authorizer
	registry    *Registry
	directory   *Directory
	broadcaster *Broadcaster
	snapshots   *Snapshots
	activity    *ActivityPublisher
	logger      *slog.Logger
	recorder    *metrics.Recorder
	now         func() time.Time
}

// Handle decodes raw and runs the matching handler. Failures are reported to
// the session only; they never affect other sessions.
func (r *Router) Handle(ctx context.Context, session *Session, raw []byte) {
	msg, err := DecodeInbound(raw)
	if err != nil {
		r.observe("invalid")
		r.reply(session, EventError, ErrorPayload{Error: ReasonOf(err)})
		return
	}
	r.observe(msg.inboundType())

	switch m := msg.(type) {
	case SubscribeMessage:
		r.handleSubscribe(ctx, session, m)
	case UnsubscribeMessage:
		r.handleUnsubscribe(ctx, session, m)
	case GameActionMessage:
		r.handleGameAction(ctx, session, m)
	case ChatMessageRequest:
		r.handleChat(ctx, session, m)
	case JoinCompetitionMessage:
		r.handleJoinCompetition(ctx, session, m)
	case LeaveCompetitionMessage:
		r.handleLeaveCompetition(ctx, session, m)
	default:
		r.reply(session, EventError, ErrorPayload{Error: "unsupported message type", Type: msg.inboundType()})
	}
}

func (r *Router) handleSubscribe(ctx context.Context, session *Session, m SubscribeMessage) {
	data, err := r.directory.Subscribe(ctx, session, m.ChannelID, m.Kind)
	if err != nil {
		r.logFailure(ctx, "subscribe", err)
		r.reply(session, EventSubscriptionError, ErrorPayload{Error: ReasonOf(err), ChannelID: m.ChannelID})
		return
	}
	r.reply(session, EventSubscriptionSuccess, SubscriptionPayload{ChannelID: data.ChannelID, Kind: data.Kind})
	if data.Data != nil {
		r.reply(session, EventChannelData, ChannelDataPayload{ChannelID: data.ChannelID, Kind: data.Kind, Data: data.Data})
	}
}

func (r *Router) handleUnsubscribe(ctx context.Context, session *Session, m UnsubscribeMessage) {
	if err := r.directory.Unsubscribe(ctx, session, m.ChannelID); err != nil {
		r.logFailure(ctx, "unsubscribe", err)
		r.reply(session, EventUnsubscriptionError, ErrorPayload{Error: ReasonOf(err), ChannelID: m.ChannelID})
		return
	}
	r.reply(session, EventUnsubscriptionSuccess, SubscriptionPayload{ChannelID: strings.TrimSpace(m.ChannelID)})
}

func (r *Router) handleGameAction(ctx context.Context, session *Session, m GameActionMessage) {
	actionType := strings.TrimSpace(m.ActionType)
	result, err := r.processor.Apply(ctx, session.PlayerID, m.Raw)
	if err != nil {
		var invalid *actions.ValidationError
		reason := "action failed"
		if errors.As(err, &invalid) {
			reason = invalid.Reason
		} else {
			r.logFailure(ctx, "game_action", newError(KindDependency, "game_action", "", reason, err))
		}
		r.reply(session, EventGameActionError, ErrorPayload{Error: reason, ActionType: actionType})
		return
	}
	if !result.Success {
		r.reply(session, EventGameActionError, ErrorPayload{Error: "action rejected", ActionType: actionType})
		return
	}
	r.reply(session, EventGameActionResult, GameActionResultPayload{ActionType: actionType, Success: true, Data: result.Data})

	playerID := session.PlayerID
	if err := r.snapshots.PushPlayerStats(ctx, playerID); err != nil {
		r.logFailure(ctx, "player_stats", err)
	}
	if actions.AffectsMissions(actionType) {
		if err := r.snapshots.PushMissions(ctx, playerID); err != nil {
			r.logFailure(ctx, "missions_update", err)
		}
	}
	if actions.AffectsHabits(actionType) {
		if err := r.snapshots.PushHabits(ctx, playerID); err != nil {
			r.logFailure(ctx, "habits_update", err)
		}
	}
	if actions.AffectsLeaderboard(actionType) {
		if err := r.snapshots.RefreshLeaderboard(ctx); err != nil {
			r.logFailure(ctx, "leaderboard_update", err)
		}
	}
	r.activity.Publish(ctx, feed.KindGameAction, playerID, "", GameActionResultPayload{ActionType: actionType, Success: true, Data: result.Data})
}

func (r *Router) handleChat(ctx context.Context, session *Session, m ChatMessageRequest) {
	const op = "chat_message"
	text, err := normalizeChat(m.Text)
	if err != nil {
		r.reply(session, EventChatError, ErrorPayload{Error: err.Error(), ChannelID: m.ChannelID})
		return
	}
	ref, err := ParseChannel(m.ChannelID)
	if err != nil {
		r.reply(session, EventChatError, ErrorPayload{Error: err.Error(), ChannelID: m.ChannelID})
		return
	}
	allowed, err := r.authorizer.CanPostTo(ctx, session.Identity, ref)
	if err != nil {
		r.logFailure(ctx, op, newError(KindDependency, op, ref.ID, "authorization check failed", err))
		r.reply(session, EventChatError, ErrorPayload{Error: "authorization check failed", ChannelID: ref.ID})
		return
	}
	if !allowed {
		r.reply(session, EventChatError, ErrorPayload{Error: "not authorized", ChannelID: ref.ID})
		return
	}

	message := models.ChatMessage{
		ID:        uuid.NewString(),
		PlayerID:  session.PlayerID,
		ChannelID: ref.ID,
		Text:      text,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.AppendChatMessage(ctx, message); err != nil {
		r.logFailure(ctx, op, newError(KindDependency, op, ref.ID, "failed to store message", err))
		r.reply(session, EventChatError, ErrorPayload{Error: "failed to store message", ChannelID: ref.ID})
		return
	}
	broadcast := ChatBroadcast{ChatMessage: message, DisplayName: session.Identity.DisplayName, Avatar: session.Identity.Avatar}
	r.broadcaster.ToChannel(ref.ID, EventChatMessage, broadcast)

	if err := r.store.TouchPlayer(ctx, session.PlayerID, message.CreatedAt); err != nil {
		r.logFailure(ctx, op, newError(KindDependency, op, ref.ID, "failed to update last active", err))
	}
	r.activity.Publish(ctx, feed.KindChatMessage, session.PlayerID, ref.ID, broadcast)
}

func (r *Router) handleJoinCompetition(ctx context.Context, session *Session, m JoinCompetitionMessage) {
	const op = "join_competition"
	competitionID := strings.TrimSpace(m.CompetitionID)
	if competitionID == "" {
		r.reply(session, EventCompetitionError, ErrorPayload{Error: "competitionId is required", Type: TypeJoinCompetition})
		return
	}
	enrolled, err := r.store.IsCompetitionParticipant(ctx, competitionID, session.PlayerID)
	if err != nil {
		r.competitionFailure(ctx, session, op, competitionID, err)
		return
	}
	if err := r.store.JoinCompetition(ctx, competitionID, session.PlayerID, r.now().UTC()); err != nil {
		r.competitionFailure(ctx, session, op, competitionID, err)
		return
	}
	channelID := CompetitionChannel(competitionID)
	if _, err := r.directory.Subscribe(ctx, session, channelID, string(ChannelCompetition)); err != nil {
		r.logFailure(ctx, op, err)
		// A join that never reached the channel leaves no enrollment behind.
		if !enrolled {
			if leaveErr := r.store.LeaveCompetition(context.WithoutCancel(ctx), competitionID, session.PlayerID); leaveErr != nil {
				r.logFailure(ctx, op, newError(KindDependency, op, channelID, "failed to undo enrollment", leaveErr))
			}
		}
		r.reply(session, EventCompetitionError, ErrorPayload{Error: ReasonOf(err), Type: TypeJoinCompetition, CompetitionID: competitionID, ChannelID: channelID})
		return
	}
	r.reply(session, EventCompetitionJoined, CompetitionMembershipPayload{CompetitionID: competitionID, ChannelID: channelID})
	if err := r.snapshots.BroadcastCompetition(ctx, competitionID); err != nil {
		r.logFailure(ctx, "competition_update", err)
	}
	r.activity.Publish(ctx, feed.KindCompetitionJoined, session.PlayerID, channelID, CompetitionMembershipPayload{CompetitionID: competitionID, ChannelID: channelID})
}

// handleLeaveCompetition also removes the player's other sessions from the
// channel, since the participation that authorized them is gone.
func (r *Router) handleLeaveCompetition(ctx context.Context, session *Session, m LeaveCompetitionMessage) {
	const op = "leave_competition"
	competitionID := strings.TrimSpace(m.CompetitionID)
	if competitionID == "" {
		r.reply(session, EventCompetitionError, ErrorPayload{Error: "competitionId is required", Type: TypeLeaveCompetition})
		return
	}
	if err := r.store.LeaveCompetition(ctx, competitionID, session.PlayerID); err != nil {
		r.competitionFailure(ctx, session, op, competitionID, err)
		return
	}
	channelID := CompetitionChannel(competitionID)
	for _, owned := range r.registry.SessionsFor(session.PlayerID) {
		if err := r.directory.Unsubscribe(ctx, owned, channelID); err != nil {
			r.logFailure(ctx, op, err)
		}
	}
	r.reply(session, EventCompetitionLeft, CompetitionMembershipPayload{CompetitionID: competitionID, ChannelID: channelID})
	if err := r.snapshots.BroadcastCompetition(ctx, competitionID); err != nil {
		r.logFailure(ctx, "competition_update", err)
	}
	r.activity.Publish(ctx, feed.KindCompetitionLeft, session.PlayerID, channelID, CompetitionMembershipPayload{CompetitionID: competitionID, ChannelID: channelID})
}

func (r *Router) competitionFailure(ctx context.Context, session *Session, op, competitionID string, err error) {
	reason := "competition update failed"
	switch {
	case errors.Is(err, storage.ErrNotFound):
		reason = "competition not found"
	case errors.Is(err, storage.ErrCompetitionInactive):
		reason = "competition is not active"
	default:
		r.logFailure(ctx, op, newError(KindDependency, op, CompetitionChannel(competitionID), reason, err))
	}
	msgType := TypeJoinCompetition
	if op == "leave_competition" {
		msgType = TypeLeaveCompetition
	}
	r.reply(session, EventCompetitionError, ErrorPayload{Error: reason, Type: msgType, CompetitionID: competitionID})
}

// reply is dropped silently when the session has gone away mid-handler.
func (r *Router) reply(session *Session, event string, payload any) {
	_ = r.broadcaster.ToSession(session, event, payload)
}

func (r *Router) observe(messageType string) {
	if r.recorder != nil {
		r.recorder.ObserveInbound(messageType)
	}
}

func (r *Router) logFailure(ctx context.Context, op string, err error) {
	logger := logging.WithContext(ctx, r.logger)
	switch KindOf(err) {
	case KindValidation, KindAuthorization:
		logger.Debug("request rejected", "op", op, "error", err)
	case KindDelivery:
		logger.Debug("session gone", "op", op, "error", err)
	default:
		logger.Warn("request failed", "op", op, "error", err)
	}
}

func normalizeChat(text string) (string, error) {
	text = strings.TrimSpace(norm.NFC.String(text))
	if text == "" {
		return "", errors.New("message cannot be empty")
	}
	if !utf8.ValidString(text) {
		return "", errors.New("message is not valid UTF-8")
	}
	if utf8.RuneCountInString(text) > maxChatRunes {
		return "", fmt.Errorf("message exceeds %d characters", maxChatRunes)
	}
	return text, nil
}
