package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"lifequest-live/internal/models"
	"lifequest-live/internal/scheduler"
)

// Scheduler job names.
const (
	JobLeaderboard    = "leaderboard"
	JobCompetitions   = "competitions"
	JobFriendsOnline  = "friends_online"
	JobSubscriptionGC = "subscription_gc"
)

const (
	defaultLeaderboardLimit = 50
	communityHistoryLimit   = 20
)

// SnapshotIntervals sets how often each snapshot job runs.
type SnapshotIntervals struct {
	Leaderboard    time.Duration
	Competitions   time.Duration
	FriendsOnline  time.Duration
	SubscriptionGC time.Duration
}

// DefaultSnapshotIntervals returns the production cadence.
func DefaultSnapshotIntervals() SnapshotIntervals {
	return SnapshotIntervals{
		Leaderboard:    30 * time.Second,
		Competitions:   10 * time.Second,
		FriendsOnline:  60 * time.Second,
		SubscriptionGC: 5 * time.Minute,
	}
}

func (i SnapshotIntervals) withDefaults() SnapshotIntervals {
	defaults := DefaultSnapshotIntervals()
	if i.Leaderboard <= 0 {
		i.Leaderboard = defaults.Leaderboard
	}
	if i.Competitions <= 0 {
		i.Competitions = defaults.Competitions
	}
	if i.FriendsOnline <= 0 {
		i.FriendsOnline = defaults.FriendsOnline
	}
	if i.SubscriptionGC <= 0 {
		i.SubscriptionGC = defaults.SubscriptionGC
	}
	return i
}

// SnapshotStore is the read side the snapshot projections are built from.
type SnapshotStore interface {
	GetPlayer(ctx context.Context, id string) (models.Player, error)
	GetPlayerStats(ctx context.Context, id string) (models.PlayerStats, error)
	ListFriendIDs(ctx context.Context, playerID string) ([]string, error)
	Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error)
	ListMissions(ctx context.Context, playerID string) ([]models.Mission, error)
	ListHabits(ctx context.Context, playerID string) ([]models.Habit, error)
	ListActiveCompetitions(ctx context.Context, now time.Time) ([]models.Competition, error)
	GetCompetition(ctx context.Context, id string) (models.CompetitionDetail, error)
	GetCommunity(ctx context.Context, id string) (models.Community, error)
	ListChatMessages(ctx context.Context, channelID string, limit int) ([]models.ChatMessage, error)
}

// Snapshots recomputes read-only projections from the store and pushes them
// to sessions, either on a timer or on demand.
type Snapshots struct {
	store            SnapshotStore
	registry         *Registry
	directory        *Directory
	broadcaster      *Broadcaster
	logger           *slog.Logger
	now              func() time.Time
	intervals        SnapshotIntervals
	leaderboardLimit int

	leaderboard singleflight.Group
}

// NewSnapshots wires the snapshot producer.
func NewSnapshots(store SnapshotStore, registry *Registry, directory *Directory, broadcaster *Broadcaster, logger *slog.Logger, intervals SnapshotIntervals, leaderboardLimit int) *Snapshots {
	if logger == nil {
		logger = slog.Default()
	}
	if leaderboardLimit <= 0 {
		leaderboardLimit = defaultLeaderboardLimit
	}
	return &Snapshots{
		store:            store,
		registry:         registry,
		directory:        directory,
		broadcaster:      broadcaster,
		logger:           logger,
		now:              time.Now,
		intervals:        intervals.withDefaults(),
		leaderboardLimit: leaderboardLimit,
	}
}

// Jobs returns the periodic snapshot jobs for the scheduler.
func (s *Snapshots) Jobs() []scheduler.Job {
	return []scheduler.Job{
		{Name: JobLeaderboard, Interval: s.intervals.Leaderboard, Run: s.BroadcastLeaderboard},
		{Name: JobCompetitions, Interval: s.intervals.Competitions, Run: s.BroadcastCompetitions},
		{Name: JobFriendsOnline, Interval: s.intervals.FriendsOnline, Run: s.PushFriendsOnline},
		{Name: JobSubscriptionGC, Interval: s.intervals.SubscriptionGC, Run: s.SweepSubscriptions},
	}
}

// Leaderboard loads the leaderboard. Concurrent callers share one query.
func (s *Snapshots) Leaderboard(ctx context.Context) ([]models.LeaderboardEntry, error) {
	return s.loadLeaderboard(ctx, false)
}

// loadLeaderboard runs the shared query detached from the caller's
// cancellation. fresh starts a new query instead of joining one already in
// flight.
func (s *Snapshots) loadLeaderboard(ctx context.Context, fresh bool) ([]models.LeaderboardEntry, error) {
	if fresh {
		s.leaderboard.Forget("leaderboard")
	}
	shared := context.WithoutCancel(ctx)
	value, err, _ := s.leaderboard.Do("leaderboard", func() (any, error) {
		return s.store.Leaderboard(shared, s.leaderboardLimit)
	})
	if err != nil {
		return nil, fmt.Errorf("load leaderboard: %w", err)
	}
	return value.([]models.LeaderboardEntry), nil
}

// BroadcastLeaderboard pushes leaderboard_update to every live session.
func (s *Snapshots) BroadcastLeaderboard(ctx context.Context) error {
	return s.broadcastLeaderboard(ctx, false)
}

// RefreshLeaderboard is BroadcastLeaderboard for callers that just changed
// points; it never reuses a query already in flight.
func (s *Snapshots) RefreshLeaderboard(ctx context.Context) error {
	return s.broadcastLeaderboard(ctx, true)
}

func (s *Snapshots) broadcastLeaderboard(ctx context.Context, fresh bool) error {
	if s.registry.Count() == 0 {
		return nil
	}
	entries, err := s.loadLeaderboard(ctx, fresh)
	if err != nil {
		return err
	}
	s.broadcaster.ToAll(EventLeaderboardUpdate, entries)
	return nil
}

// BroadcastCompetitions pushes the active competitions list to every live
// session.
func (s *Snapshots) BroadcastCompetitions(ctx context.Context) error {
	if s.registry.Count() == 0 {
		return nil
	}
	competitions, err := s.activeCompetitions(ctx)
	if err != nil {
		return err
	}
	s.broadcaster.ToAll(EventCompetitionsUpdate, competitions)
	return nil
}

// BroadcastCompetition pushes competition_update to the competition's
// channel.
func (s *Snapshots) BroadcastCompetition(ctx context.Context, competitionID string) error {
	detail, err := s.store.GetCompetition(ctx, competitionID)
	if err != nil {
		return fmt.Errorf("load competition %s: %w", competitionID, err)
	}
	s.broadcaster.ToChannel(CompetitionChannel(competitionID), EventCompetitionUpdate, detail)
	return nil
}

// PushFriendsOnline sends each online player the list of their friends that
// are currently online. A failure for one player does not skip the rest.
func (s *Snapshots) PushFriendsOnline(ctx context.Context) error {
	var errs []error
	names := make(map[string]models.Player)
	for _, playerID := range s.registry.OnlinePlayers() {
		if err := ctx.Err(); err != nil {
			return err
		}
		friends, err := s.FriendsOnline(ctx, playerID, names)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.broadcaster.ToChannel(PlayerChannel(playerID), EventFriendsOnline, FriendsOnlinePayload{Friends: friends})
	}
	return errors.Join(errs...)
}

// FriendsOnline returns the online friends of playerID. cache may be nil; it
// memoizes player lookups across calls in the same cycle.
func (s *Snapshots) FriendsOnline(ctx context.Context, playerID string, cache map[string]models.Player) ([]models.FriendPresence, error) {
	ids, err := s.store.ListFriendIDs(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("list friends of %s: %w", playerID, err)
	}
	online := make([]models.FriendPresence, 0, len(ids))
	for _, id := range ids {
		if !s.registry.IsOnline(id) {
			continue
		}
		player, ok := cache[id]
		if !ok {
			player, err = s.store.GetPlayer(ctx, id)
			if err != nil {
				s.logger.Warn("friend lookup failed", "player_id", playerID, "friend_id", id, "error", err)
				continue
			}
			if cache != nil {
				cache[id] = player
			}
		}
		online = append(online, models.FriendPresence{
			PlayerID:    player.ID,
			DisplayName: player.DisplayName,
			Avatar:      player.Avatar,
			Online:      true,
		})
	}
	return online, nil
}

// SweepSubscriptions runs the persisted subscription garbage collection.
func (s *Snapshots) SweepSubscriptions(ctx context.Context) error {
	result, err := s.directory.Sweep(ctx, s.now())
	if result.Scanned > 0 {
		s.logger.Info("subscription sweep finished", "scanned", result.Scanned, "refreshed", result.Refreshed, "deleted", result.Deleted)
	}
	return err
}

// PlayerStats loads the player_stats projection.
func (s *Snapshots) PlayerStats(ctx context.Context, playerID string) (models.PlayerStats, error) {
	stats, err := s.store.GetPlayerStats(ctx, playerID)
	if err != nil {
		return models.PlayerStats{}, fmt.Errorf("load stats of %s: %w", playerID, err)
	}
	return stats, nil
}

// PushPlayerStats sends fresh stats to the player's personal channel.
func (s *Snapshots) PushPlayerStats(ctx context.Context, playerID string) error {
	stats, err := s.PlayerStats(ctx, playerID)
	if err != nil {
		return err
	}
	s.broadcaster.ToChannel(PlayerChannel(playerID), EventPlayerStats, stats)
	return nil
}

// PushMissions sends the player's missions to their personal channel.
func (s *Snapshots) PushMissions(ctx context.Context, playerID string) error {
	missions, err := s.missions(ctx, playerID)
	if err != nil {
		return err
	}
	s.broadcaster.ToChannel(PlayerChannel(playerID), EventMissionsUpdate, missions)
	return nil
}

// PushHabits sends the player's habits to their personal channel.
func (s *Snapshots) PushHabits(ctx context.Context, playerID string) error {
	habits, err := s.habits(ctx, playerID)
	if err != nil {
		return err
	}
	s.broadcaster.ToChannel(PlayerChannel(playerID), EventHabitsUpdate, habits)
	return nil
}

// SendInitial sends a freshly connected session its starting state. Each part
// is independent; failures are logged and the rest still go out.
func (s *Snapshots) SendInitial(ctx context.Context, session *Session) {
	parts := []struct {
		event string
		load  func() (any, error)
	}{
		{EventPlayerStats, func() (any, error) { return s.PlayerStats(ctx, session.PlayerID) }},
		{EventMissionsUpdate, func() (any, error) { return s.missions(ctx, session.PlayerID) }},
		{EventHabitsUpdate, func() (any, error) { return s.habits(ctx, session.PlayerID) }},
		{EventCompetitionsUpdate, func() (any, error) { return s.activeCompetitions(ctx) }},
		{EventLeaderboardUpdate, func() (any, error) { return s.Leaderboard(ctx) }},
	}
	for _, part := range parts {
		payload, err := part.load()
		if err != nil {
			s.logger.Warn("initial snapshot failed", "event", part.event, "session_id", session.ID, "error", err)
			continue
		}
		if err := s.broadcaster.ToSession(session, part.event, payload); err != nil {
			return
		}
	}
}

// ChannelData builds the snapshot returned when a session subscribes.
func (s *Snapshots) ChannelData(ctx context.Context, session *Session, ref ChannelRef) (any, error) {
	switch ref.Kind {
	case ChannelPlayer:
		return s.PlayerStats(ctx, ref.Key)
	case ChannelCompetition:
		detail, err := s.store.GetCompetition(ctx, ref.Key)
		if err != nil {
			return nil, fmt.Errorf("load competition %s: %w", ref.Key, err)
		}
		return detail, nil
	case ChannelCommunity:
		community, err := s.store.GetCommunity(ctx, ref.Key)
		if err != nil {
			return nil, fmt.Errorf("load community %s: %w", ref.Key, err)
		}
		recent, err := s.store.ListChatMessages(ctx, ref.ID, communityHistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("load community history %s: %w", ref.Key, err)
		}
		if recent == nil {
			recent = []models.ChatMessage{}
		}
		return CommunitySnapshot{Community: community, Online: s.directory.OnlinePlayers(ref.ID), Recent: recent}, nil
	default:
		return ChannelPresence{ChannelID: ref.ID, Online: s.directory.OnlinePlayers(ref.ID)}, nil
	}
}

func (s *Snapshots) missions(ctx context.Context, playerID string) ([]models.Mission, error) {
	missions, err := s.store.ListMissions(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("load missions of %s: %w", playerID, err)
	}
	if missions == nil {
		missions = []models.Mission{}
	}
	return missions, nil
}

func (s *Snapshots) habits(ctx context.Context, playerID string) ([]models.Habit, error) {
	habits, err := s.store.ListHabits(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("load habits of %s: %w", playerID, err)
	}
	if habits == nil {
		habits = []models.Habit{}
	}
	return habits, nil
}

func (s *Snapshots) activeCompetitions(ctx context.Context) ([]models.Competition, error) {
	competitions, err := s.store.ListActiveCompetitions(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("load active competitions: %w", err)
	}
	if competitions == nil {
		competitions = []models.Competition{}
	}
	return competitions, nil
}
