// Package actions applies gameplay actions submitted over realtime sessions to
// the persistent store.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"lifequest-live/internal/models"
	"lifequest-live/internal/storage"
)

// Action types understood by the processor.
const (
	ActionCompleteMission  = "complete_mission"
	ActionCompleteHabit    = "complete_habit"
	ActionEarnPoints       = "earn_points"
	ActionCompetitionScore = "competition_score"
)

const (
	defaultHabitReward  = int64(10)
	defaultMaxPointsAdd = int64(1000)
)

// AffectsLeaderboard reports whether applying actionType can move a player on
// the global leaderboard.
func AffectsLeaderboard(actionType string) bool {
	switch actionType {
	case ActionCompleteMission, ActionCompleteHabit, ActionEarnPoints, ActionCompetitionScore:
		return true
	default:
		return false
	}
}

// AffectsMissions reports whether actionType changes the player's missions.
func AffectsMissions(actionType string) bool {
	return actionType == ActionCompleteMission
}

// AffectsHabits reports whether actionType changes the player's habits.
func AffectsHabits(actionType string) bool {
	return actionType == ActionCompleteHabit
}

// ValidationError is returned for actions the client can correct. Reason is
// safe to show to the player.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Store is the persistence surface the processor writes through.
type Store interface {
	AddPoints(ctx context.Context, playerID string, delta int64) (models.Player, error)
	CompleteMission(ctx context.Context, playerID, missionID string, at time.Time) (models.Mission, models.Player, error)
	CompleteHabit(ctx context.Context, playerID, habitID string, at time.Time, reward int64) (models.Habit, models.Player, error)
	GetCompetition(ctx context.Context, id string) (models.CompetitionDetail, error)
	AddCompetitionScore(ctx context.Context, competitionID, playerID string, delta int64) (models.Player, error)
}

// Result is returned for every applied action.
type Result struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// Progress is the player-level outcome shared by every action.
type Progress struct {
	Points int64 `json:"points"`
	Level  int   `json:"level"`
	Earned int64 `json:"earned"`
}

// MissionResult is the payload of a completed mission.
type MissionResult struct {
	Mission models.Mission `json:"mission"`
	Progress
}

// HabitResult is the payload of a completed habit.
type HabitResult struct {
	Habit models.Habit `json:"habit"`
	Progress
}

// CompetitionScoreResult is the payload of a competition score submission.
type CompetitionScoreResult struct {
	CompetitionID string `json:"competitionId"`
	Progress
}

type request struct {
	ActionType    string `json:"actionType"`
	MissionID     string `json:"missionId"`
	HabitID       string `json:"habitId"`
	CompetitionID string `json:"competitionId"`
	Points        int64  `json:"points"`
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock overrides the time source used for completion timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithHabitReward sets the points awarded per habit completion.
func WithHabitReward(points int64) Option {
	return func(p *Processor) {
		if points > 0 {
			p.habitReward = points
		}
	}
}

// WithEarnPoints enables the earn_points action, which lets a client grant
// itself points directly. It is off unless explicitly enabled.
func WithEarnPoints(enabled bool) Option {
	return func(p *Processor) {
		p.earnPoints = enabled
	}
}

// WithMaxPoints caps the points a single earn_points or competition_score
// action may add.
func WithMaxPoints(points int64) Option {
	return func(p *Processor) {
		if points > 0 {
			p.maxPoints = points
		}
	}
}

// Processor validates and applies gameplay actions.
type Processor struct {
	store       Store
	now         func() time.Time
	habitReward int64
	maxPoints   int64
	earnPoints  bool
}

// NewProcessor constructs a Processor writing through store.
func NewProcessor(store Store, opts ...Option) *Processor {
	p := &Processor{
		store:       store,
		now:         time.Now,
		habitReward: defaultHabitReward,
		maxPoints:   defaultMaxPointsAdd,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Apply decodes payload and applies it on behalf of playerID. Client mistakes
// are reported as *ValidationError; anything else is a store failure.
func (p *Processor) Apply(ctx context.Context, playerID string, payload json.RawMessage) (Result, error) {
	if p.store == nil {
		return Result{}, errors.New("action store unavailable")
	}
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Result{}, invalid("malformed action payload")
	}
	req.ActionType = strings.TrimSpace(req.ActionType)
	now := p.now().UTC()

	switch req.ActionType {
	case ActionCompleteMission:
		return p.completeMission(ctx, playerID, strings.TrimSpace(req.MissionID), now)
	case ActionCompleteHabit:
		return p.completeHabit(ctx, playerID, strings.TrimSpace(req.HabitID), now)
	case ActionEarnPoints:
		if !p.earnPoints {
			return Result{}, invalid("action %q is disabled", req.ActionType)
		}
		return p.applyEarnPoints(ctx, playerID, req.Points)
	case ActionCompetitionScore:
		return p.competitionScore(ctx, playerID, strings.TrimSpace(req.CompetitionID), req.Points, now)
	case "":
		return Result{}, invalid("actionType is required")
	default:
		return Result{}, invalid("unknown action type %q", req.ActionType)
	}
}

func (p *Processor) completeMission(ctx context.Context, playerID, missionID string, now time.Time) (Result, error) {
	if missionID == "" {
		return Result{}, invalid("missionId is required")
	}
	mission, player, err := p.store.CompleteMission(ctx, playerID, missionID, now)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return Result{}, invalid("mission not found")
	case errors.Is(err, storage.ErrAlreadyCompleted):
		return Result{}, invalid("mission already completed")
	case err != nil:
		return Result{}, fmt.Errorf("complete mission %s: %w", missionID, err)
	}
	progress := progressOf(player, mission.Reward)
	return Result{Success: true, Data: MissionResult{Mission: mission, Progress: progress}}, nil
}

func (p *Processor) completeHabit(ctx context.Context, playerID, habitID string, now time.Time) (Result, error) {
	if habitID == "" {
		return Result{}, invalid("habitId is required")
	}
	habit, player, err := p.store.CompleteHabit(ctx, playerID, habitID, now, p.habitReward)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return Result{}, invalid("habit not found")
	case errors.Is(err, storage.ErrAlreadyCompleted):
		return Result{}, invalid("habit already completed today")
	case err != nil:
		return Result{}, fmt.Errorf("complete habit %s: %w", habitID, err)
	}
	progress := progressOf(player, p.habitReward)
	return Result{Success: true, Data: HabitResult{Habit: habit, Progress: progress}}, nil
}

func (p *Processor) applyEarnPoints(ctx context.Context, playerID string, points int64) (Result, error) {
	if err := p.checkPoints(points); err != nil {
		return Result{}, err
	}
	player, err := p.store.AddPoints(ctx, playerID, points)
	if err != nil {
		return Result{}, fmt.Errorf("award points: %w", err)
	}
	return Result{Success: true, Data: progressOf(player, points)}, nil
}

func (p *Processor) competitionScore(ctx context.Context, playerID, competitionID string, points int64, now time.Time) (Result, error) {
	if competitionID == "" {
		return Result{}, invalid("competitionId is required")
	}
	if err := p.checkPoints(points); err != nil {
		return Result{}, err
	}
	detail, err := p.store.GetCompetition(ctx, competitionID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, invalid("competition not found")
	}
	if err != nil {
		return Result{}, fmt.Errorf("load competition %s: %w", competitionID, err)
	}
	if !detail.Competition.Active(now) {
		return Result{}, invalid("competition is not active")
	}
	player, err := p.store.AddCompetitionScore(ctx, competitionID, playerID, points)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, invalid("not a participant of competition %s", competitionID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("add competition score: %w", err)
	}
	return Result{Success: true, Data: CompetitionScoreResult{CompetitionID: competitionID, Progress: progressOf(player, points)}}, nil
}

func (p *Processor) checkPoints(points int64) error {
	if points <= 0 {
		return invalid("points must be positive")
	}
	if points > p.maxPoints {
		return invalid("points may not exceed %d", p.maxPoints)
	}
	return nil
}

func progressOf(player models.Player, earned int64) Progress {
	return Progress{Points: player.Points, Level: player.Level, Earned: earned}
}
