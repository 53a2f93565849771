package models

import "time"

// Player is the persisted identity record a session resolves to.
type Player struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	Generation   string    `json:"generation"`
	Rank         string    `json:"rank"`
	Avatar       string    `json:"avatar,omitempty"`
	Points       int64     `json:"points"`
	Level        int       `json:"level"`
	Streak       int       `json:"streak"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	CreatedAt    time.Time `json:"createdAt"`
}

// PlayerStats is the projection pushed on the player's personal channel.
type PlayerStats struct {
	PlayerID          string    `json:"playerId"`
	DisplayName       string    `json:"displayName"`
	Points            int64     `json:"points"`
	Level             int       `json:"level"`
	Streak            int       `json:"streak"`
	Rank              string    `json:"rank"`
	Generation        string    `json:"generation"`
	MissionsCompleted int       `json:"missionsCompleted"`
	HabitsCompleted   int       `json:"habitsCompleted"`
	LastActiveAt      time.Time `json:"lastActiveAt"`
}

// MissionStatus enumerates the lifecycle of a mission assignment.
type MissionStatus string

const (
	MissionStatusActive    MissionStatus = "active"
	MissionStatusCompleted MissionStatus = "completed"
	MissionStatusExpired   MissionStatus = "expired"
)

// Mission is a time-boxed objective assigned to a player.
type Mission struct {
	ID          string        `json:"id"`
	PlayerID    string        `json:"playerId"`
	Title       string        `json:"title"`
	Reward      int64         `json:"reward"`
	Status      MissionStatus `json:"status"`
	DueAt       *time.Time    `json:"dueAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

// Habit is a recurring objective tracked with a streak counter.
type Habit struct {
	ID              string     `json:"id"`
	PlayerID        string     `json:"playerId"`
	Title           string     `json:"title"`
	Streak          int        `json:"streak"`
	Completions     int        `json:"completions"`
	LastCompletedAt *time.Time `json:"lastCompletedAt,omitempty"`
}

// LeaderboardEntry is one row of the global leaderboard snapshot.
type LeaderboardEntry struct {
	Position    int    `json:"position"`
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	Points      int64  `json:"points"`
	Level       int    `json:"level"`
}

// Competition summarises a time-boxed contest between players.
type Competition struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	StartsAt     time.Time `json:"startsAt"`
	EndsAt       time.Time `json:"endsAt"`
	Participants int       `json:"participants"`
}

// Active reports whether the competition is running at the given instant.
func (c Competition) Active(now time.Time) bool {
	return !now.Before(c.StartsAt) && now.Before(c.EndsAt)
}

// CompetitionStanding is one participant row of a competition snapshot.
type CompetitionStanding struct {
	Position    int       `json:"position"`
	PlayerID    string    `json:"playerId"`
	DisplayName string    `json:"displayName"`
	Score       int64     `json:"score"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// CompetitionDetail bundles a competition with its current standings.
type CompetitionDetail struct {
	Competition Competition           `json:"competition"`
	Standings   []CompetitionStanding `json:"standings"`
}

// Community is a player-created group with its own chat channel.
type Community struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Members     int       `json:"members"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ChatMessage is an immutable message posted to a channel.
type ChatMessage struct {
	ID        string    `json:"id"`
	PlayerID  string    `json:"playerId"`
	ChannelID string    `json:"channelId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChannelSubscription is the persisted record of a player's channel
// membership, keyed by (PlayerID, ChannelID).
type ChannelSubscription struct {
	PlayerID  string    `json:"playerId"`
	ChannelID string    `json:"channelId"`
	SessionID string    `json:"sessionId"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// FriendPresence is one entry of the online-friends snapshot.
type FriendPresence struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	Online      bool   `json:"online"`
}
