package actions

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"lifequest-live/internal/models"
	"lifequest-live/internal/storage"
)

var fixedNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestProcessor(t *testing.T, opts ...Option) (*Processor, *storage.Storage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	return seedProcessor(t, store, opts...), store
}

func seedProcessor(t *testing.T, store *storage.Storage, opts ...Option) *Processor {
	t.Helper()
	if err := store.UpsertPlayer(models.Player{ID: "p1", DisplayName: "Ada", Points: 950}); err != nil {
		t.Fatalf("seed player: %v", err)
	}
	if err := store.UpsertMission(models.Mission{ID: "m1", PlayerID: "p1", Title: "Run 5k", Reward: 100}); err != nil {
		t.Fatalf("seed mission: %v", err)
	}
	if err := store.UpsertHabit(models.Habit{ID: "h1", PlayerID: "p1", Title: "Read"}); err != nil {
		t.Fatalf("seed habit: %v", err)
	}
	if err := store.UpsertCompetition(models.Competition{
		ID:       "c1",
		Title:    "June sprint",
		StartsAt: fixedNow.Add(-time.Hour),
		EndsAt:   fixedNow.Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed competition: %v", err)
	}
	if err := store.UpsertCompetition(models.Competition{
		ID:       "c-old",
		StartsAt: fixedNow.Add(-48 * time.Hour),
		EndsAt:   fixedNow.Add(-24 * time.Hour),
	}); err != nil {
		t.Fatalf("seed competition: %v", err)
	}
	return NewProcessor(store, append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func apply(t *testing.T, p *Processor, payload string) (Result, error) {
	t.Helper()
	return p.Apply(context.Background(), "p1", json.RawMessage(payload))
}

func validationReason(t *testing.T, err error) string {
	t.Helper()
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	return vErr.Reason
}

func TestCompleteMissionAwardsReward(t *testing.T) {
	p, store := newTestProcessor(t)

	result, err := apply(t, p, `{"type":"game_action","actionType":"complete_mission","missionId":"m1"}`)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	data, ok := result.Data.(MissionResult)
	if !result.Success || !ok {
		t.Fatalf("unexpected result: %+v", result)
	}
	if data.Mission.Status != models.MissionStatusCompleted || data.Points != 1050 || data.Level != 2 || data.Earned != 100 {
		t.Fatalf("unexpected mission result: %+v", data)
	}

	_, err = apply(t, p, `{"actionType":"complete_mission","missionId":"m1"}`)
	if reason := validationReason(t, err); reason != "mission already completed" {
		t.Fatalf("unexpected reason %q", reason)
	}
	player, err := store.GetPlayer(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetPlayer: %v", err)
	}
	if player.Points != 1050 {
		t.Fatalf("expected points to be awarded once, got %d", player.Points)
	}
}

func TestCompleteHabitOncePerDay(t *testing.T) {
	p, _ := newTestProcessor(t)

	result, err := apply(t, p, `{"actionType":"complete_habit","habitId":"h1"}`)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	data := result.Data.(HabitResult)
	if data.Habit.Streak != 1 || data.Earned != defaultHabitReward {
		t.Fatalf("unexpected habit result: %+v", data)
	}
	_, err = apply(t, p, `{"actionType":"complete_habit","habitId":"h1"}`)
	if reason := validationReason(t, err); reason != "habit already completed today" {
		t.Fatalf("unexpected reason %q", reason)
	}
}

func TestCompetitionScore(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()

	_, err := apply(t, p, `{"actionType":"competition_score","competitionId":"c1","points":5}`)
	if reason := validationReason(t, err); reason != "not a participant of competition c1" {
		t.Fatalf("unexpected reason %q", reason)
	}
	if err := store.JoinCompetition(ctx, "c1", "p1", fixedNow); err != nil {
		t.Fatalf("JoinCompetition: %v", err)
	}
	result, err := apply(t, p, `{"actionType":"competition_score","competitionId":"c1","points":5}`)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if data := result.Data.(CompetitionScoreResult); data.CompetitionID != "c1" || data.Points != 955 {
		t.Fatalf("unexpected result: %+v", data)
	}
	detail, err := store.GetCompetition(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCompetition: %v", err)
	}
	if len(detail.Standings) != 1 || detail.Standings[0].Score != 5 {
		t.Fatalf("unexpected standings: %+v", detail.Standings)
	}

	_, err = apply(t, p, `{"actionType":"competition_score","competitionId":"c-old","points":5}`)
	if reason := validationReason(t, err); reason != "competition is not active" {
		t.Fatalf("unexpected reason %q", reason)
	}
}

func TestApplyValidation(t *testing.T) {
	p, _ := newTestProcessor(t, WithEarnPoints(true))
	cases := map[string]string{
		`not json`:                          "malformed action payload",
		`{}`:                                "actionType is required",
		`{"actionType":"dance"}`:            `unknown action type "dance"`,
		`{"actionType":"complete_mission"}`: "missionId is required",
		`{"actionType":"complete_mission","missionId":"nope"}`: "mission not found",
		`{"actionType":"complete_habit"}`:                      "habitId is required",
		`{"actionType":"earn_points","points":0}`:              "points must be positive",
		`{"actionType":"earn_points","points":5000}`:           "points may not exceed 1000",
		`{"actionType":"competition_score","points":1}`:        "competitionId is required",
	}
	for payload, want := range cases {
		_, err := apply(t, p, payload)
		if got := validationReason(t, err); got != want {
			t.Errorf("%s: expected %q, got %q", payload, want, got)
		}
	}
}

func TestEarnPointsDisabledByDefault(t *testing.T) {
	p, store := newTestProcessor(t)
	_, err := apply(t, p, `{"actionType":"earn_points","points":10}`)
	if reason := validationReason(t, err); reason != `action "earn_points" is disabled` {
		t.Fatalf("unexpected reason %q", reason)
	}
	player, err := store.GetPlayer(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetPlayer: %v", err)
	}
	if player.Points != 950 {
		t.Fatalf("expected points unchanged, got %d", player.Points)
	}

	enabled, _ := newTestProcessor(t, WithEarnPoints(true))
	result, err := apply(t, enabled, `{"actionType":"earn_points","points":10}`)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if data := result.Data.(Progress); data.Points != 960 || data.Earned != 10 {
		t.Fatalf("unexpected progress: %+v", data)
	}
}

func TestCompleteMissionFailedWriteLeavesMissionActive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := storage.NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	p := seedProcessor(t, store)

	// A directory at the store path makes the atomic rename fail.
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove store file: %v", err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	_, err = apply(t, p, `{"actionType":"complete_mission","missionId":"m1"}`)
	var vErr *ValidationError
	if err == nil || errors.As(err, &vErr) {
		t.Fatalf("expected store failure, got %v", err)
	}
	player, err := store.GetPlayer(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetPlayer: %v", err)
	}
	if player.Points != 950 {
		t.Fatalf("expected no points after failed write, got %d", player.Points)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove dir: %v", err)
	}
	result, err := apply(t, p, `{"actionType":"complete_mission","missionId":"m1"}`)
	if err != nil {
		t.Fatalf("retry Apply: %v", err)
	}
	if data := result.Data.(MissionResult); data.Points != 1050 || data.Mission.Status != models.MissionStatusCompleted {
		t.Fatalf("unexpected retry result: %+v", data)
	}
}

func TestEarnPointsForUnknownPlayerIsStoreFailure(t *testing.T) {
	p, _ := newTestProcessor(t, WithEarnPoints(true))
	_, err := p.Apply(context.Background(), "ghost", json.RawMessage(`{"actionType":"earn_points","points":10}`))
	var vErr *ValidationError
	if err == nil || errors.As(err, &vErr) || !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestActionClassification(t *testing.T) {
	for _, action := range []string{ActionCompleteMission, ActionCompleteHabit, ActionEarnPoints, ActionCompetitionScore} {
		if !AffectsLeaderboard(action) {
			t.Errorf("%s should affect the leaderboard", action)
		}
	}
	if AffectsLeaderboard("emote") {
		t.Error("emote should not affect the leaderboard")
	}
	if !AffectsMissions(ActionCompleteMission) || AffectsMissions(ActionCompleteHabit) {
		t.Error("unexpected mission classification")
	}
	if !AffectsHabits(ActionCompleteHabit) || AffectsHabits(ActionEarnPoints) {
		t.Error("unexpected habit classification")
	}
}
