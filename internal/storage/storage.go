package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"lifequest-live/internal/models"
)

type participant struct {
	JoinedAt time.Time `json:"joinedAt"`
	Score    int64     `json:"score"`
}

type dataset struct {
	Players          map[string]models.Player              `json:"players"`
	Friends          map[string][]string                   `json:"friends"`
	Missions         map[string]models.Mission             `json:"missions"`
	Habits           map[string]models.Habit               `json:"habits"`
	Competitions     map[string]models.Competition         `json:"competitions"`
	Participants     map[string]map[string]participant     `json:"participants"`
	Communities      map[string]models.Community           `json:"communities"`
	CommunityMembers map[string]map[string]time.Time       `json:"communityMembers"`
	ChatMessages     map[string][]models.ChatMessage       `json:"chatMessages"`
	Subscriptions    map[string]models.ChannelSubscription `json:"subscriptions"`
}

func newDataset() dataset {
	return dataset{
		Players:          make(map[string]models.Player),
		Friends:          make(map[string][]string),
		Missions:         make(map[string]models.Mission),
		Habits:           make(map[string]models.Habit),
		Competitions:     make(map[string]models.Competition),
		Participants:     make(map[string]map[string]participant),
		Communities:      make(map[string]models.Community),
		CommunityMembers: make(map[string]map[string]time.Time),
		ChatMessages:     make(map[string][]models.ChatMessage),
		Subscriptions:    make(map[string]models.ChannelSubscription),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	fresh := newDataset()
	if s.data.Players == nil {
		s.data.Players = fresh.Players
	}
	if s.data.Friends == nil {
		s.data.Friends = fresh.Friends
	}
	if s.data.Missions == nil {
		s.data.Missions = fresh.Missions
	}
	if s.data.Habits == nil {
		s.data.Habits = fresh.Habits
	}
	if s.data.Competitions == nil {
		s.data.Competitions = fresh.Competitions
	}
	if s.data.Participants == nil {
		s.data.Participants = fresh.Participants
	}
	if s.data.Communities == nil {
		s.data.Communities = fresh.Communities
	}
	if s.data.CommunityMembers == nil {
		s.data.CommunityMembers = fresh.CommunityMembers
	}
	if s.data.ChatMessages == nil {
		s.data.ChatMessages = fresh.ChatMessages
	}
	if s.data.Subscriptions == nil {
		s.data.Subscriptions = fresh.Subscriptions
	}
}

// Storage is an in-process Repository. When constructed with a file path the
// dataset is loaded from and persisted to a JSON document after every write.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	chatHistory     int
}

// Option mutates storage configuration.
type Option func(*Storage)

// WithChatHistory bounds how many chat messages are retained per channel.
func WithChatHistory(limit int) Option {
	return func(s *Storage) {
		if limit > 0 {
			s.chatHistory = limit
		}
	}
}

// NewStorage opens a JSON-backed store at path. An empty path keeps the data
// in memory only.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath:    strings.TrimSpace(path),
		chatHistory: 500,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewMemoryStorage returns a Storage that never touches the filesystem.
func NewMemoryStorage() *Storage {
	store := &Storage{chatHistory: 500, data: newDataset()}
	return store
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filePath == "" {
		s.data = newDataset()
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		if err := s.persistOverride(s.data); err != nil {
			return err
		}
	}
	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping always succeeds for the in-process store.
func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close flushes the dataset when file-backed.
func (s *Storage) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}

// UpsertPlayer inserts or replaces a player record. It is used for seeding.
func (s *Storage) UpsertPlayer(player models.Player) error {
	if strings.TrimSpace(player.ID) == "" {
		return fmt.Errorf("player id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if player.CreatedAt.IsZero() {
		player.CreatedAt = time.Now().UTC()
	}
	if player.Level == 0 {
		player.Level = levelForPoints(player.Points)
	}
	prev, existed := s.data.Players[player.ID]
	s.data.Players[player.ID] = player
	if err := s.persist(); err != nil {
		restoreEntry(s.data.Players, player.ID, prev, existed)
		return err
	}
	return nil
}

// AddFriend records a mutual friendship between two players.
func (s *Storage) AddFriend(playerID, friendID string) error {
	if playerID == "" || friendID == "" || playerID == friendID {
		return fmt.Errorf("two distinct player ids are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prevPlayer, playerExisted := s.data.Friends[playerID]
	prevFriend, friendExisted := s.data.Friends[friendID]
	s.data.Friends[playerID] = appendUnique(prevPlayer, friendID)
	s.data.Friends[friendID] = appendUnique(prevFriend, playerID)
	if err := s.persist(); err != nil {
		restoreEntry(s.data.Friends, playerID, prevPlayer, playerExisted)
		restoreEntry(s.data.Friends, friendID, prevFriend, friendExisted)
		return err
	}
	return nil
}

// UpsertMission inserts or replaces a mission.
func (s *Storage) UpsertMission(mission models.Mission) error {
	if mission.ID == "" || mission.PlayerID == "" {
		return fmt.Errorf("mission id and player id are required")
	}
	if mission.Status == "" {
		mission.Status = models.MissionStatusActive
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.data.Missions[mission.ID]
	s.data.Missions[mission.ID] = mission
	if err := s.persist(); err != nil {
		restoreEntry(s.data.Missions, mission.ID, prev, existed)
		return err
	}
	return nil
}

// UpsertHabit inserts or replaces a habit.
func (s *Storage) UpsertHabit(habit models.Habit) error {
	if habit.ID == "" || habit.PlayerID == "" {
		return fmt.Errorf("habit id and player id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.data.Habits[habit.ID]
	s.data.Habits[habit.ID] = habit
	if err := s.persist(); err != nil {
		restoreEntry(s.data.Habits, habit.ID, prev, existed)
		return err
	}
	return nil
}

// UpsertCompetition inserts or replaces a competition.
func (s *Storage) UpsertCompetition(competition models.Competition) error {
	if competition.ID == "" {
		return fmt.Errorf("competition id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.data.Competitions[competition.ID]
	s.data.Competitions[competition.ID] = competition
	if err := s.persist(); err != nil {
		restoreEntry(s.data.Competitions, competition.ID, prev, existed)
		return err
	}
	return nil
}

// UpsertCommunity inserts or replaces a community.
func (s *Storage) UpsertCommunity(community models.Community) error {
	if community.ID == "" {
		return fmt.Errorf("community id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.data.Communities[community.ID]
	s.data.Communities[community.ID] = community
	if err := s.persist(); err != nil {
		restoreEntry(s.data.Communities, community.ID, prev, existed)
		return err
	}
	return nil
}

// AddCommunityMember adds a player to a community.
func (s *Storage) AddCommunityMember(communityID, playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Communities[communityID]; !ok {
		return ErrNotFound
	}
	members, hadMembers := s.data.CommunityMembers[communityID]
	if members == nil {
		members = make(map[string]time.Time)
		s.data.CommunityMembers[communityID] = members
	}
	prev, existed := members[playerID]
	members[playerID] = time.Now().UTC()
	if err := s.persist(); err != nil {
		restoreEntry(members, playerID, prev, existed)
		if !hadMembers {
			delete(s.data.CommunityMembers, communityID)
		}
		return err
	}
	return nil
}

// Subscription returns the persisted subscription row, if any.
func (s *Storage) Subscription(playerID, channelID string) (models.ChannelSubscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.data.Subscriptions[subscriptionKey(playerID, channelID)]
	return sub, ok
}

// Subscriptions returns every persisted subscription row.
func (s *Storage) Subscriptions() []models.ChannelSubscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ChannelSubscription, 0, len(s.data.Subscriptions))
	for _, sub := range s.data.Subscriptions {
		out = append(out, sub)
	}
	sortSubscriptions(out)
	return out
}

func (s *Storage) GetPlayer(ctx context.Context, id string) (models.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	player, ok := s.data.Players[id]
	if !ok {
		return models.Player{}, ErrNotFound
	}
	return player, nil
}

func (s *Storage) TouchPlayer(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.data.Players[id]
	if !ok {
		return ErrNotFound
	}
	player := prev
	player.LastActiveAt = at.UTC()
	s.data.Players[id] = player
	if err := s.persist(); err != nil {
		s.data.Players[id] = prev
		return err
	}
	return nil
}

func (s *Storage) GetPlayerStats(ctx context.Context, id string) (models.PlayerStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	player, ok := s.data.Players[id]
	if !ok {
		return models.PlayerStats{}, ErrNotFound
	}
	stats := models.PlayerStats{
		PlayerID:     player.ID,
		DisplayName:  player.DisplayName,
		Points:       player.Points,
		Level:        player.Level,
		Streak:       player.Streak,
		Rank:         player.Rank,
		Generation:   player.Generation,
		LastActiveAt: player.LastActiveAt,
	}
	for _, mission := range s.data.Missions {
		if mission.PlayerID == id && mission.Status == models.MissionStatusCompleted {
			stats.MissionsCompleted++
		}
	}
	for _, habit := range s.data.Habits {
		if habit.PlayerID == id {
			stats.HabitsCompleted += habit.Completions
		}
	}
	return stats, nil
}

func (s *Storage) AddPoints(ctx context.Context, playerID string, delta int64) (models.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.data.Players[playerID]
	if !ok {
		return models.Player{}, ErrNotFound
	}
	player := withPoints(prev, delta)
	s.data.Players[playerID] = player
	if err := s.persist(); err != nil {
		s.data.Players[playerID] = prev
		return models.Player{}, err
	}
	return player, nil
}

func (s *Storage) ListFriendIDs(ctx context.Context, playerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	friends := append([]string(nil), s.data.Friends[playerID]...)
	sort.Strings(friends)
	return friends, nil
}

func (s *Storage) Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	limit = normalizeLimit(limit, defaultLeaderboardLimit)
	s.mu.RLock()
	players := make([]models.Player, 0, len(s.data.Players))
	for _, player := range s.data.Players {
		players = append(players, player)
	}
	s.mu.RUnlock()

	sort.Slice(players, func(i, j int) bool {
		if players[i].Points != players[j].Points {
			return players[i].Points > players[j].Points
		}
		return players[i].ID < players[j].ID
	})
	if len(players) > limit {
		players = players[:limit]
	}
	entries := make([]models.LeaderboardEntry, 0, len(players))
	for i, player := range players {
		entries = append(entries, models.LeaderboardEntry{
			Position:    i + 1,
			PlayerID:    player.ID,
			DisplayName: player.DisplayName,
			Avatar:      player.Avatar,
			Points:      player.Points,
			Level:       player.Level,
		})
	}
	return entries, nil
}

func (s *Storage) ListMissions(ctx context.Context, playerID string) ([]models.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var missions []models.Mission
	for _, mission := range s.data.Missions {
		if mission.PlayerID == playerID {
			missions = append(missions, mission)
		}
	}
	sort.Slice(missions, func(i, j int) bool { return missions[i].ID < missions[j].ID })
	return missions, nil
}

func (s *Storage) CompleteMission(ctx context.Context, playerID, missionID string, at time.Time) (models.Mission, models.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prevMission, ok := s.data.Missions[missionID]
	if !ok || prevMission.PlayerID != playerID {
		return models.Mission{}, models.Player{}, ErrNotFound
	}
	if prevMission.Status == models.MissionStatusCompleted {
		return models.Mission{}, models.Player{}, ErrAlreadyCompleted
	}
	prevPlayer, ok := s.data.Players[playerID]
	if !ok {
		return models.Mission{}, models.Player{}, ErrNotFound
	}
	completed := at.UTC()
	mission := prevMission
	mission.Status = models.MissionStatusCompleted
	mission.CompletedAt = &completed
	player := withPoints(prevPlayer, mission.Reward)
	s.data.Missions[missionID] = mission
	s.data.Players[playerID] = player
	if err := s.persist(); err != nil {
		s.data.Missions[missionID] = prevMission
		s.data.Players[playerID] = prevPlayer
		return models.Mission{}, models.Player{}, err
	}
	return mission, player, nil
}

func (s *Storage) ListHabits(ctx context.Context, playerID string) ([]models.Habit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var habits []models.Habit
	for _, habit := range s.data.Habits {
		if habit.PlayerID == playerID {
			habits = append(habits, habit)
		}
	}
	sort.Slice(habits, func(i, j int) bool { return habits[i].ID < habits[j].ID })
	return habits, nil
}

func (s *Storage) CompleteHabit(ctx context.Context, playerID, habitID string, at time.Time, reward int64) (models.Habit, models.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prevHabit, ok := s.data.Habits[habitID]
	if !ok || prevHabit.PlayerID != playerID {
		return models.Habit{}, models.Player{}, ErrNotFound
	}
	at = at.UTC()
	if prevHabit.LastCompletedAt != nil && sameDay(*prevHabit.LastCompletedAt, at) {
		return models.Habit{}, models.Player{}, ErrAlreadyCompleted
	}
	prevPlayer, ok := s.data.Players[playerID]
	if !ok {
		return models.Habit{}, models.Player{}, ErrNotFound
	}
	habit := prevHabit
	if habit.LastCompletedAt != nil && sameDay(habit.LastCompletedAt.Add(24*time.Hour), at) {
		habit.Streak++
	} else {
		habit.Streak = 1
	}
	habit.Completions++
	habit.LastCompletedAt = &at
	player := withPoints(prevPlayer, reward)
	s.data.Habits[habitID] = habit
	s.data.Players[playerID] = player
	if err := s.persist(); err != nil {
		s.data.Habits[habitID] = prevHabit
		s.data.Players[playerID] = prevPlayer
		return models.Habit{}, models.Player{}, err
	}
	return habit, player, nil
}

func (s *Storage) ListActiveCompetitions(ctx context.Context, now time.Time) ([]models.Competition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []models.Competition
	for id, competition := range s.data.Competitions {
		if !competition.Active(now) {
			continue
		}
		competition.Participants = len(s.data.Participants[id])
		active = append(active, competition)
	}
	sort.Slice(active, func(i, j int) bool {
		if !active[i].EndsAt.Equal(active[j].EndsAt) {
			return active[i].EndsAt.Before(active[j].EndsAt)
		}
		return active[i].ID < active[j].ID
	})
	return active, nil
}

func (s *Storage) GetCompetition(ctx context.Context, id string) (models.CompetitionDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	competition, ok := s.data.Competitions[id]
	if !ok {
		return models.CompetitionDetail{}, ErrNotFound
	}
	participants := s.data.Participants[id]
	competition.Participants = len(participants)
	standings := make([]models.CompetitionStanding, 0, len(participants))
	for playerID, entry := range participants {
		standings = append(standings, models.CompetitionStanding{
			PlayerID:    playerID,
			DisplayName: s.data.Players[playerID].DisplayName,
			Score:       entry.Score,
			JoinedAt:    entry.JoinedAt,
		})
	}
	sort.Slice(standings, func(i, j int) bool {
		if standings[i].Score != standings[j].Score {
			return standings[i].Score > standings[j].Score
		}
		return standings[i].PlayerID < standings[j].PlayerID
	})
	for i := range standings {
		standings[i].Position = i + 1
	}
	return models.CompetitionDetail{Competition: competition, Standings: standings}, nil
}

func (s *Storage) IsCompetitionParticipant(ctx context.Context, competitionID, playerID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data.Participants[competitionID][playerID]
	return ok, nil
}

func (s *Storage) JoinCompetition(ctx context.Context, competitionID, playerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	competition, ok := s.data.Competitions[competitionID]
	if !ok {
		return ErrNotFound
	}
	if !competition.Active(at) {
		return ErrCompetitionInactive
	}
	participants, hadParticipants := s.data.Participants[competitionID]
	if _, exists := participants[playerID]; exists {
		return nil
	}
	if participants == nil {
		participants = make(map[string]participant)
		s.data.Participants[competitionID] = participants
	}
	participants[playerID] = participant{JoinedAt: at.UTC()}
	if err := s.persist(); err != nil {
		delete(participants, playerID)
		if !hadParticipants {
			delete(s.data.Participants, competitionID)
		}
		return err
	}
	return nil
}

func (s *Storage) LeaveCompetition(ctx context.Context, competitionID, playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Competitions[competitionID]; !ok {
		return ErrNotFound
	}
	participants := s.data.Participants[competitionID]
	prev, ok := participants[playerID]
	if !ok {
		return nil
	}
	delete(participants, playerID)
	if err := s.persist(); err != nil {
		participants[playerID] = prev
		return err
	}
	return nil
}

// AddCompetitionScore adds delta to the player's competition score and to
// their lifetime points in one write.
func (s *Storage) AddCompetitionScore(ctx context.Context, competitionID, playerID string, delta int64) (models.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prevEntry, ok := s.data.Participants[competitionID][playerID]
	if !ok {
		return models.Player{}, ErrNotFound
	}
	prevPlayer, ok := s.data.Players[playerID]
	if !ok {
		return models.Player{}, ErrNotFound
	}
	entry := prevEntry
	entry.Score += delta
	player := withPoints(prevPlayer, delta)
	s.data.Participants[competitionID][playerID] = entry
	s.data.Players[playerID] = player
	if err := s.persist(); err != nil {
		s.data.Participants[competitionID][playerID] = prevEntry
		s.data.Players[playerID] = prevPlayer
		return models.Player{}, err
	}
	return player, nil
}

func (s *Storage) GetCommunity(ctx context.Context, id string) (models.Community, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	community, ok := s.data.Communities[id]
	if !ok {
		return models.Community{}, ErrNotFound
	}
	community.Members = len(s.data.CommunityMembers[id])
	return community, nil
}

func (s *Storage) IsCommunityMember(ctx context.Context, communityID, playerID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data.CommunityMembers[communityID][playerID]
	return ok, nil
}

func (s *Storage) AppendChatMessage(ctx context.Context, msg models.ChatMessage) error {
	if msg.ID == "" || msg.ChannelID == "" {
		return fmt.Errorf("chat message id and channel are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.data.ChatMessages[msg.ChannelID]
	history := append(prev[:len(prev):len(prev)], msg)
	if len(history) > s.chatHistory {
		history = history[len(history)-s.chatHistory:]
	}
	s.data.ChatMessages[msg.ChannelID] = history
	if err := s.persist(); err != nil {
		restoreEntry(s.data.ChatMessages, msg.ChannelID, prev, existed)
		return err
	}
	return nil
}

func (s *Storage) ListChatMessages(ctx context.Context, channelID string, limit int) ([]models.ChatMessage, error) {
	limit = normalizeLimit(limit, defaultChatHistoryLimit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.data.ChatMessages[channelID]
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return append([]models.ChatMessage(nil), history...), nil
}

func (s *Storage) UpsertSubscription(ctx context.Context, sub models.ChannelSubscription) error {
	if sub.PlayerID == "" || sub.ChannelID == "" {
		return fmt.Errorf("subscription player and channel are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.JoinedAt = sub.JoinedAt.UTC()
	key := subscriptionKey(sub.PlayerID, sub.ChannelID)
	prev, existed := s.data.Subscriptions[key]
	s.data.Subscriptions[key] = sub
	if err := s.persist(); err != nil {
		restoreEntry(s.data.Subscriptions, key, prev, existed)
		return err
	}
	return nil
}

func (s *Storage) DeleteSubscription(ctx context.Context, playerID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := subscriptionKey(playerID, channelID)
	prev, ok := s.data.Subscriptions[key]
	if !ok {
		return nil
	}
	delete(s.data.Subscriptions, key)
	if err := s.persist(); err != nil {
		s.data.Subscriptions[key] = prev
		return err
	}
	return nil
}

func (s *Storage) ListStaleSubscriptions(ctx context.Context, cutoff time.Time) ([]models.ChannelSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []models.ChannelSubscription
	for _, sub := range s.data.Subscriptions {
		if sub.JoinedAt.Before(cutoff) {
			stale = append(stale, sub)
		}
	}
	sortSubscriptions(stale)
	return stale, nil
}

func (s *Storage) DeleteStaleSubscription(ctx context.Context, playerID, channelID string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := subscriptionKey(playerID, channelID)
	sub, ok := s.data.Subscriptions[key]
	if !ok || !sub.JoinedAt.Before(cutoff) {
		return false, nil
	}
	delete(s.data.Subscriptions, key)
	if err := s.persist(); err != nil {
		s.data.Subscriptions[key] = sub
		return false, err
	}
	return true, nil
}

// restoreEntry puts back a map entry captured before a write whose persist
// failed.
func restoreEntry[K comparable, V any](m map[K]V, key K, prev V, existed bool) {
	if existed {
		m[key] = prev
		return
	}
	delete(m, key)
}

func withPoints(player models.Player, delta int64) models.Player {
	player.Points += delta
	if player.Points < 0 {
		player.Points = 0
	}
	player.Level = levelForPoints(player.Points)
	return player
}

func appendUnique(values []string, value string) []string {
	for _, existing := range values {
		if existing == value {
			return values
		}
	}
	return append(values[:len(values):len(values)], value)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func sortSubscriptions(subs []models.ChannelSubscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].PlayerID != subs[j].PlayerID {
			return subs[i].PlayerID < subs[j].PlayerID
		}
		return subs[i].ChannelID < subs[j].ChannelID
	})
}

var _ Repository = (*Storage)(nil)
