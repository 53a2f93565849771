package storage

import (
	"context"
	"errors"
	"time"

	"lifequest-live/internal/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCompetitionInactive is returned when joining a competition that has
	// not started yet or has already ended.
	ErrCompetitionInactive = errors.New("competition is not active")
	// ErrAlreadyCompleted is returned when completing a mission twice.
	ErrAlreadyCompleted = errors.New("already completed")
)

// Repository is the persistent store consumed by the realtime layer, the
// action processor, and the identity verifier.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	GetPlayer(ctx context.Context, id string) (models.Player, error)
	TouchPlayer(ctx context.Context, id string, at time.Time) error
	GetPlayerStats(ctx context.Context, id string) (models.PlayerStats, error)
	AddPoints(ctx context.Context, playerID string, delta int64) (models.Player, error)
	ListFriendIDs(ctx context.Context, playerID string) ([]string, error)
	Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error)

	ListMissions(ctx context.Context, playerID string) ([]models.Mission, error)
	// CompleteMission marks the mission completed and awards its reward to the
	// player atomically, returning both updated records.
	CompleteMission(ctx context.Context, playerID, missionID string, at time.Time) (models.Mission, models.Player, error)
	ListHabits(ctx context.Context, playerID string) ([]models.Habit, error)
	// CompleteHabit records today's completion and awards reward atomically.
	CompleteHabit(ctx context.Context, playerID, habitID string, at time.Time, reward int64) (models.Habit, models.Player, error)

	ListActiveCompetitions(ctx context.Context, now time.Time) ([]models.Competition, error)
	GetCompetition(ctx context.Context, id string) (models.CompetitionDetail, error)
	IsCompetitionParticipant(ctx context.Context, competitionID, playerID string) (bool, error)
	JoinCompetition(ctx context.Context, competitionID, playerID string, at time.Time) error
	LeaveCompetition(ctx context.Context, competitionID, playerID string) error
	// AddCompetitionScore adds delta to the participant's score and the
	// player's points atomically.
	AddCompetitionScore(ctx context.Context, competitionID, playerID string, delta int64) (models.Player, error)

	GetCommunity(ctx context.Context, id string) (models.Community, error)
	IsCommunityMember(ctx context.Context, communityID, playerID string) (bool, error)

	AppendChatMessage(ctx context.Context, msg models.ChatMessage) error
	ListChatMessages(ctx context.Context, channelID string, limit int) ([]models.ChatMessage, error)

	UpsertSubscription(ctx context.Context, sub models.ChannelSubscription) error
	DeleteSubscription(ctx context.Context, playerID, channelID string) error
	ListStaleSubscriptions(ctx context.Context, cutoff time.Time) ([]models.ChannelSubscription, error)
	// DeleteStaleSubscription removes the row only if its JoinedAt is still
	// before cutoff, reporting whether a row was deleted.
	DeleteStaleSubscription(ctx context.Context, playerID, channelID string, cutoff time.Time) (bool, error)
}

const (
	defaultLeaderboardLimit = 50
	defaultChatHistoryLimit = 50
)

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}

func subscriptionKey(playerID, channelID string) string {
	return playerID + "|" + channelID
}

// levelForPoints derives a player's level from lifetime points.
func levelForPoints(points int64) int {
	if points <= 0 {
		return 1
	}
	return int(points/1000) + 1
}
