package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"lifequest-live/internal/models"
)

// Seeder writes fixture records that the Repository contract itself never
// creates. *Storage implements it directly; Postgres integration runs supply a
// SQL-backed implementation.
type Seeder interface {
	UpsertPlayer(player models.Player) error
	AddFriend(playerID, friendID string) error
	UpsertMission(mission models.Mission) error
	UpsertHabit(habit models.Habit) error
	UpsertCompetition(competition models.Competition) error
	UpsertCommunity(community models.Community) error
	AddCommunityMember(communityID, playerID string) error
}

// RepositoryFactory constructs a repository backed by either the JSON store or
// Postgres implementation for cross-datastore scenario assertions.
type RepositoryFactory func(t *testing.T) (Repository, Seeder, func(), error)

func runRepository(t *testing.T, factory RepositoryFactory) (Repository, Seeder) {
	t.Helper()
	if factory == nil {
		t.Fatal("repository factory is required")
	}
	repo, seeder, cleanup, err := factory(t)
	if errors.Is(err, ErrPostgresUnavailable) {
		t.Skip("postgres repository unavailable")
	}
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if repo == nil || seeder == nil {
		t.Fatal("repository factory returned nil repository")
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return repo, seeder
}

func requireNoError(t *testing.T, err error, operation string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", operation, err)
	}
}

func seedPlayers(t *testing.T, seeder Seeder, players ...models.Player) {
	t.Helper()
	for _, player := range players {
		requireNoError(t, seeder.UpsertPlayer(player), "seed player "+player.ID)
	}
}

// RunRepositorySubscriptionLifecycle covers the persisted subscription table
// including the conditional stale delete used by the GC sweep.
func RunRepositorySubscriptionLifecycle(t *testing.T, factory RepositoryFactory) {
	repo, _ := runRepository(t, factory)
	ctx := context.Background()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	cutoff := now.Add(-24 * time.Hour)

	requireNoError(t, repo.UpsertSubscription(ctx, models.ChannelSubscription{
		PlayerID: "p1", ChannelID: "generation:alpha", SessionID: "s1", JoinedAt: now.Add(-25 * time.Hour),
	}), "upsert old")
	requireNoError(t, repo.UpsertSubscription(ctx, models.ChannelSubscription{
		PlayerID: "p2", ChannelID: "generation:alpha", SessionID: "s2", JoinedAt: now.Add(-23 * time.Hour),
	}), "upsert recent")
	requireNoError(t, repo.UpsertSubscription(ctx, models.ChannelSubscription{
		PlayerID: "p3", ChannelID: "rank:gold", SessionID: "s3", JoinedAt: now.Add(-30 * time.Hour),
	}), "upsert refreshed")
	requireNoError(t, repo.UpsertSubscription(ctx, models.ChannelSubscription{
		PlayerID: "p3", ChannelID: "rank:gold", SessionID: "s4", JoinedAt: now.Add(-time.Hour),
	}), "overwrite refreshed")

	stale, err := repo.ListStaleSubscriptions(ctx, cutoff)
	requireNoError(t, err, "list stale")
	if len(stale) != 1 || stale[0].PlayerID != "p1" {
		t.Fatalf("expected only p1 to be stale, got %+v", stale)
	}

	deleted, err := repo.DeleteStaleSubscription(ctx, "p1", "generation:alpha", cutoff)
	requireNoError(t, err, "delete stale")
	if !deleted {
		t.Fatal("expected 25h old row to be deleted")
	}
	deleted, err = repo.DeleteStaleSubscription(ctx, "p2", "generation:alpha", cutoff)
	requireNoError(t, err, "delete recent")
	if deleted {
		t.Fatal("expected 23h old row to survive")
	}
	deleted, err = repo.DeleteStaleSubscription(ctx, "p3", "rank:gold", cutoff)
	requireNoError(t, err, "delete refreshed")
	if deleted {
		t.Fatal("expected overwritten row to survive")
	}

	stale, err = repo.ListStaleSubscriptions(ctx, now.Add(time.Minute))
	requireNoError(t, err, "list remaining")
	if len(stale) != 2 {
		t.Fatalf("expected two remaining rows, got %+v", stale)
	}
	for _, sub := range stale {
		if sub.PlayerID == "p3" && sub.SessionID != "s4" {
			t.Fatalf("expected latest session to own the row, got %q", sub.SessionID)
		}
	}

	requireNoError(t, repo.DeleteSubscription(ctx, "p2", "generation:alpha"), "delete subscription")
	requireNoError(t, repo.DeleteSubscription(ctx, "p2", "generation:alpha"), "delete subscription twice")
	stale, err = repo.ListStaleSubscriptions(ctx, now.Add(time.Minute))
	requireNoError(t, err, "list after delete")
	if len(stale) != 1 || stale[0].PlayerID != "p3" {
		t.Fatalf("expected p3 row only, got %+v", stale)
	}
}

// RunRepositoryCompetitionLifecycle exercises participation rows and the
// standings projection.
func RunRepositoryCompetitionLifecycle(t *testing.T, factory RepositoryFactory) {
	repo, seeder := runRepository(t, factory)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	seedPlayers(t, seeder,
		models.Player{ID: "ana", DisplayName: "Ana"},
		models.Player{ID: "ben", DisplayName: "Ben"},
	)
	requireNoError(t, seeder.UpsertCompetition(models.Competition{
		ID: "42", Title: "Spring sprint", StartsAt: now.Add(-time.Hour), EndsAt: now.Add(time.Hour),
	}), "seed active competition")
	requireNoError(t, seeder.UpsertCompetition(models.Competition{
		ID: "old", Title: "Winter", StartsAt: now.Add(-48 * time.Hour), EndsAt: now.Add(-24 * time.Hour),
	}), "seed finished competition")

	if err := repo.JoinCompetition(ctx, "old", "ana", now); !errors.Is(err, ErrCompetitionInactive) {
		t.Fatalf("expected ErrCompetitionInactive, got %v", err)
	}
	if err := repo.JoinCompetition(ctx, "missing", "ana", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	requireNoError(t, repo.JoinCompetition(ctx, "42", "ana", now), "join ana")
	requireNoError(t, repo.JoinCompetition(ctx, "42", "ben", now), "join ben")
	requireNoError(t, repo.JoinCompetition(ctx, "42", "ben", now), "join ben twice")
	scored, err := repo.AddCompetitionScore(ctx, "42", "ben", 30)
	requireNoError(t, err, "score ben")
	if scored.ID != "ben" || scored.Points != 30 {
		t.Fatalf("expected competition score to award points, got %+v", scored)
	}
	_, err = repo.AddCompetitionScore(ctx, "42", "ana", 10)
	requireNoError(t, err, "score ana")

	ok, err := repo.IsCompetitionParticipant(ctx, "42", "ana")
	requireNoError(t, err, "participant")
	if !ok {
		t.Fatal("expected ana to participate")
	}

	active, err := repo.ListActiveCompetitions(ctx, now)
	requireNoError(t, err, "list active")
	if len(active) != 1 || active[0].ID != "42" || active[0].Participants != 2 {
		t.Fatalf("unexpected active competitions: %+v", active)
	}

	detail, err := repo.GetCompetition(ctx, "42")
	requireNoError(t, err, "get competition")
	if len(detail.Standings) != 2 || detail.Standings[0].PlayerID != "ben" || detail.Standings[0].Position != 1 {
		t.Fatalf("unexpected standings: %+v", detail.Standings)
	}
	if detail.Standings[1].DisplayName != "Ana" {
		t.Fatalf("expected display name on standings, got %+v", detail.Standings[1])
	}

	requireNoError(t, repo.LeaveCompetition(ctx, "42", "ana"), "leave ana")
	ok, err = repo.IsCompetitionParticipant(ctx, "42", "ana")
	requireNoError(t, err, "participant after leave")
	if ok {
		t.Fatal("expected ana to have left")
	}
	if _, err := repo.AddCompetitionScore(ctx, "42", "ana", 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound scoring a non participant, got %v", err)
	}
}

// RunRepositoryProgressLifecycle covers missions, habits, points and the
// projections derived from them.
func RunRepositoryProgressLifecycle(t *testing.T, factory RepositoryFactory) {
	repo, seeder := runRepository(t, factory)
	ctx := context.Background()
	day := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	seedPlayers(t, seeder,
		models.Player{ID: "ana", DisplayName: "Ana", Generation: "alpha", Rank: "gold", Points: 1500},
		models.Player{ID: "ben", DisplayName: "Ben", Generation: "alpha", Rank: "silver", Points: 2500},
		models.Player{ID: "cy", DisplayName: "Cy", Generation: "beta", Rank: "gold", Points: 2500},
	)
	requireNoError(t, seeder.UpsertMission(models.Mission{ID: "m1", PlayerID: "ana", Title: "Run", Reward: 100}), "seed mission")
	requireNoError(t, seeder.UpsertHabit(models.Habit{ID: "h1", PlayerID: "ana", Title: "Read"}), "seed habit")

	mission, awarded, err := repo.CompleteMission(ctx, "ana", "m1", day)
	requireNoError(t, err, "complete mission")
	if mission.Status != models.MissionStatusCompleted || mission.CompletedAt == nil {
		t.Fatalf("unexpected mission: %+v", mission)
	}
	if awarded.Points != 1600 {
		t.Fatalf("expected mission reward to be awarded, got %+v", awarded)
	}
	if _, _, err := repo.CompleteMission(ctx, "ana", "m1", day); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
	if _, _, err := repo.CompleteMission(ctx, "ben", "m1", day); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign mission, got %v", err)
	}

	habit, awarded, err := repo.CompleteHabit(ctx, "ana", "h1", day, 10)
	requireNoError(t, err, "complete habit")
	if habit.Streak != 1 || habit.Completions != 1 {
		t.Fatalf("unexpected habit after first completion: %+v", habit)
	}
	if awarded.Points != 1610 {
		t.Fatalf("expected habit reward to be awarded, got %+v", awarded)
	}
	if _, _, err := repo.CompleteHabit(ctx, "ana", "h1", day.Add(time.Hour), 10); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected same-day completion to fail, got %v", err)
	}
	habit, _, err = repo.CompleteHabit(ctx, "ana", "h1", day.Add(24*time.Hour), 10)
	requireNoError(t, err, "complete habit next day")
	if habit.Streak != 2 || habit.Completions != 2 {
		t.Fatalf("expected streak 2, got %+v", habit)
	}
	habit, _, err = repo.CompleteHabit(ctx, "ana", "h1", day.Add(72*time.Hour), 10)
	requireNoError(t, err, "complete habit after gap")
	if habit.Streak != 1 {
		t.Fatalf("expected streak reset, got %+v", habit)
	}

	player, err := repo.AddPoints(ctx, "ana", 1200)
	requireNoError(t, err, "add points")
	if player.Points != 2830 || player.Level != 3 {
		t.Fatalf("unexpected player after points: %+v", player)
	}

	stats, err := repo.GetPlayerStats(ctx, "ana")
	requireNoError(t, err, "stats")
	if stats.MissionsCompleted != 1 || stats.HabitsCompleted != 3 || stats.Points != 2830 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	board, err := repo.Leaderboard(ctx, 2)
	requireNoError(t, err, "leaderboard")
	if len(board) != 2 || board[0].PlayerID != "ana" || board[1].PlayerID != "ben" || board[1].Position != 2 {
		t.Fatalf("unexpected leaderboard: %+v", board)
	}

	if _, err := repo.GetPlayer(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	requireNoError(t, repo.TouchPlayer(ctx, "ana", day), "touch")
	touched, err := repo.GetPlayer(ctx, "ana")
	requireNoError(t, err, "get touched")
	if !touched.LastActiveAt.Equal(day) {
		t.Fatalf("expected last active %v, got %v", day, touched.LastActiveAt)
	}
}

// RunRepositorySocialLifecycle covers friendships, communities and chat.
func RunRepositorySocialLifecycle(t *testing.T, factory RepositoryFactory) {
	repo, seeder := runRepository(t, factory)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	seedPlayers(t, seeder,
		models.Player{ID: "ana", DisplayName: "Ana"},
		models.Player{ID: "ben", DisplayName: "Ben"},
		models.Player{ID: "cy", DisplayName: "Cy"},
	)
	requireNoError(t, seeder.AddFriend("ana", "ben"), "friend")
	requireNoError(t, seeder.AddFriend("cy", "ana"), "friend")

	friends, err := repo.ListFriendIDs(ctx, "ana")
	requireNoError(t, err, "friends")
	if len(friends) != 2 || friends[0] != "ben" || friends[1] != "cy" {
		t.Fatalf("unexpected friends: %v", friends)
	}
	friends, err = repo.ListFriendIDs(ctx, "ben")
	requireNoError(t, err, "reverse friends")
	if len(friends) != 1 || friends[0] != "ana" {
		t.Fatalf("expected friendship to be mutual, got %v", friends)
	}

	requireNoError(t, seeder.UpsertCommunity(models.Community{ID: "runners", Name: "Runners"}), "community")
	requireNoError(t, seeder.AddCommunityMember("runners", "ana"), "member")
	member, err := repo.IsCommunityMember(ctx, "runners", "ana")
	requireNoError(t, err, "is member")
	if !member {
		t.Fatal("expected ana to be a member")
	}
	member, err = repo.IsCommunityMember(ctx, "runners", "ben")
	requireNoError(t, err, "is not member")
	if member {
		t.Fatal("expected ben not to be a member")
	}
	community, err := repo.GetCommunity(ctx, "runners")
	requireNoError(t, err, "get community")
	if community.Members != 1 {
		t.Fatalf("expected one member, got %+v", community)
	}

	for i, text := range []string{"one", "two", "three"} {
		requireNoError(t, repo.AppendChatMessage(ctx, models.ChatMessage{
			ID:        "msg-" + text,
			PlayerID:  "ana",
			ChannelID: "community:runners",
			Text:      text,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}), "append chat")
	}
	messages, err := repo.ListChatMessages(ctx, "community:runners", 2)
	requireNoError(t, err, "list chat")
	if len(messages) != 2 || messages[0].Text != "two" || messages[1].Text != "three" {
		t.Fatalf("expected the two most recent messages oldest first, got %+v", messages)
	}
}
