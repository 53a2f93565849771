package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lifequest-live/internal/models"
)

// ErrPostgresUnavailable is returned when the repository has no open pool.
var ErrPostgresUnavailable = errors.New("postgres repository unavailable")

// PostgresRepository implements Repository on a pgx connection pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository. When AutoMigrate
// is disabled the caller must ensure the schema has been applied.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresRepository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	repo := &PostgresRepository{pool: pool, cfg: cfg}
	if cfg.AutoMigrate {
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return repo, nil
}

// Close releases the pool, giving up when ctx expires first.
func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.cfg.QueryTimeout)
}

func (r *PostgresRepository) GetPlayer(ctx context.Context, id string) (models.Player, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx, `
SELECT id, display_name, generation, rank, avatar, points, level, streak, COALESCE(last_active_at, created_at), created_at
FROM players
WHERE id = $1
`, id)
	var player models.Player
	if err := row.Scan(&player.ID, &player.DisplayName, &player.Generation, &player.Rank, &player.Avatar,
		&player.Points, &player.Level, &player.Streak, &player.LastActiveAt, &player.CreatedAt); err != nil {
		return models.Player{}, mapNoRows(err, "get player")
	}
	return player, nil
}

func (r *PostgresRepository) TouchPlayer(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `UPDATE players SET last_active_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("touch player: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) GetPlayerStats(ctx context.Context, id string) (models.PlayerStats, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx, `
SELECT p.id, p.display_name, p.points, p.level, p.streak, p.rank, p.generation,
       COALESCE(p.last_active_at, p.created_at),
       (SELECT COUNT(*) FROM missions m WHERE m.player_id = p.id AND m.status = 'completed'),
       (SELECT COALESCE(SUM(h.completions), 0) FROM habits h WHERE h.player_id = p.id)
FROM players p
WHERE p.id = $1
`, id)
	var stats models.PlayerStats
	if err := row.Scan(&stats.PlayerID, &stats.DisplayName, &stats.Points, &stats.Level, &stats.Streak,
		&stats.Rank, &stats.Generation, &stats.LastActiveAt, &stats.MissionsCompleted, &stats.HabitsCompleted); err != nil {
		return models.PlayerStats{}, mapNoRows(err, "get player stats")
	}
	return stats, nil
}

func (r *PostgresRepository) AddPoints(ctx context.Context, playerID string, delta int64) (models.Player, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	return addPoints(ctx, r.pool, playerID, delta)
}

// rowQuerier is satisfied by both the pool and a transaction.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func addPoints(ctx context.Context, q rowQuerier, playerID string, delta int64) (models.Player, error) {
	row := q.QueryRow(ctx, `
UPDATE players
SET points = GREATEST(points + $2, 0),
    level = GREATEST(points + $2, 0) / 1000 + 1
WHERE id = $1
RETURNING id, display_name, generation, rank, avatar, points, level, streak, COALESCE(last_active_at, created_at), created_at
`, playerID, delta)
	var player models.Player
	if err := row.Scan(&player.ID, &player.DisplayName, &player.Generation, &player.Rank, &player.Avatar,
		&player.Points, &player.Level, &player.Streak, &player.LastActiveAt, &player.CreatedAt); err != nil {
		return models.Player{}, mapNoRows(err, "add points")
	}
	return player, nil
}

func (r *PostgresRepository) ListFriendIDs(ctx context.Context, playerID string) ([]string, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
SELECT friend_id FROM friendships WHERE player_id = $1
UNION
SELECT player_id FROM friendships WHERE friend_id = $1
ORDER BY 1
`, playerID)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan friends: %w", err)
	}
	return ids, nil
}

func (r *PostgresRepository) Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	limit = normalizeLimit(limit, defaultLeaderboardLimit)
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
SELECT id, display_name, avatar, points, level
FROM players
ORDER BY points DESC, id
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()
	var entries []models.LeaderboardEntry
	for rows.Next() {
		var entry models.LeaderboardEntry
		if err := rows.Scan(&entry.PlayerID, &entry.DisplayName, &entry.Avatar, &entry.Points, &entry.Level); err != nil {
			return nil, fmt.Errorf("scan leaderboard: %w", err)
		}
		entry.Position = len(entries) + 1
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leaderboard: %w", err)
	}
	return entries, nil
}

func (r *PostgresRepository) ListMissions(ctx context.Context, playerID string) ([]models.Mission, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
SELECT id, player_id, title, reward, status, due_at, completed_at
FROM missions
WHERE player_id = $1
ORDER BY id
`, playerID)
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	defer rows.Close()
	var missions []models.Mission
	for rows.Next() {
		mission, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		missions = append(missions, mission)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate missions: %w", err)
	}
	return missions, nil
}

func (r *PostgresRepository) CompleteMission(ctx context.Context, playerID, missionID string, at time.Time) (models.Mission, models.Player, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Mission{}, models.Player{}, fmt.Errorf("begin complete mission: %w", err)
	}
	defer rollbackTx(ctx, tx)

	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM missions WHERE id = $1 AND player_id = $2 FOR UPDATE`, missionID, playerID).Scan(&status); err != nil {
		return models.Mission{}, models.Player{}, mapNoRows(err, "load mission")
	}
	if models.MissionStatus(status) == models.MissionStatusCompleted {
		return models.Mission{}, models.Player{}, ErrAlreadyCompleted
	}
	row := tx.QueryRow(ctx, `
UPDATE missions SET status = 'completed', completed_at = $3
WHERE id = $1 AND player_id = $2
RETURNING id, player_id, title, reward, status, due_at, completed_at
`, missionID, playerID, at.UTC())
	mission, err := scanMission(row)
	if err != nil {
		return models.Mission{}, models.Player{}, err
	}
	player, err := addPoints(ctx, tx, playerID, mission.Reward)
	if err != nil {
		return models.Mission{}, models.Player{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Mission{}, models.Player{}, fmt.Errorf("commit complete mission: %w", err)
	}
	return mission, player, nil
}

func (r *PostgresRepository) ListHabits(ctx context.Context, playerID string) ([]models.Habit, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
SELECT id, player_id, title, streak, completions, last_completed_at
FROM habits
WHERE player_id = $1
ORDER BY id
`, playerID)
	if err != nil {
		return nil, fmt.Errorf("list habits: %w", err)
	}
	defer rows.Close()
	var habits []models.Habit
	for rows.Next() {
		habit, err := scanHabit(rows)
		if err != nil {
			return nil, err
		}
		habits = append(habits, habit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate habits: %w", err)
	}
	return habits, nil
}

func (r *PostgresRepository) CompleteHabit(ctx context.Context, playerID, habitID string, at time.Time, reward int64) (models.Habit, models.Player, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Habit{}, models.Player{}, fmt.Errorf("begin complete habit: %w", err)
	}
	defer rollbackTx(ctx, tx)

	row := tx.QueryRow(ctx, `
SELECT id, player_id, title, streak, completions, last_completed_at
FROM habits WHERE id = $1 AND player_id = $2 FOR UPDATE
`, habitID, playerID)
	habit, err := scanHabit(row)
	if err != nil {
		return models.Habit{}, models.Player{}, err
	}
	at = at.UTC()
	if habit.LastCompletedAt != nil && sameDay(*habit.LastCompletedAt, at) {
		return models.Habit{}, models.Player{}, ErrAlreadyCompleted
	}
	if habit.LastCompletedAt != nil && sameDay(habit.LastCompletedAt.Add(24*time.Hour), at) {
		habit.Streak++
	} else {
		habit.Streak = 1
	}
	habit.Completions++
	habit.LastCompletedAt = &at
	if _, err := tx.Exec(ctx, `
UPDATE habits SET streak = $3, completions = $4, last_completed_at = $5
WHERE id = $1 AND player_id = $2
`, habitID, playerID, habit.Streak, habit.Completions, at); err != nil {
		return models.Habit{}, models.Player{}, fmt.Errorf("update habit: %w", err)
	}
	player, err := addPoints(ctx, tx, playerID, reward)
	if err != nil {
		return models.Habit{}, models.Player{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Habit{}, models.Player{}, fmt.Errorf("commit complete habit: %w", err)
	}
	return habit, player, nil
}

func (r *PostgresRepository) ListActiveCompetitions(ctx context.Context, now time.Time) ([]models.Competition, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
SELECT c.id, c.title, c.starts_at, c.ends_at,
       (SELECT COUNT(*) FROM competition_participants p WHERE p.competition_id = c.id)
FROM competitions c
WHERE c.starts_at <= $1 AND c.ends_at > $1
ORDER BY c.ends_at, c.id
`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list competitions: %w", err)
	}
	defer rows.Close()
	var competitions []models.Competition
	for rows.Next() {
		var competition models.Competition
		if err := rows.Scan(&competition.ID, &competition.Title, &competition.StartsAt, &competition.EndsAt, &competition.Participants); err != nil {
			return nil, fmt.Errorf("scan competition: %w", err)
		}
		competitions = append(competitions, competition)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate competitions: %w", err)
	}
	return competitions, nil
}

func (r *PostgresRepository) GetCompetition(ctx context.Context, id string) (models.CompetitionDetail, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	var detail models.CompetitionDetail
	row := r.pool.QueryRow(ctx, `SELECT id, title, starts_at, ends_at FROM competitions WHERE id = $1`, id)
	if err := row.Scan(&detail.Competition.ID, &detail.Competition.Title, &detail.Competition.StartsAt, &detail.Competition.EndsAt); err != nil {
		return models.CompetitionDetail{}, mapNoRows(err, "get competition")
	}
	rows, err := r.pool.Query(ctx, `
SELECT cp.player_id, COALESCE(p.display_name, ''), cp.score, cp.joined_at
FROM competition_participants cp
LEFT JOIN players p ON p.id = cp.player_id
WHERE cp.competition_id = $1
ORDER BY cp.score DESC, cp.player_id
`, id)
	if err != nil {
		return models.CompetitionDetail{}, fmt.Errorf("list standings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var standing models.CompetitionStanding
		if err := rows.Scan(&standing.PlayerID, &standing.DisplayName, &standing.Score, &standing.JoinedAt); err != nil {
			return models.CompetitionDetail{}, fmt.Errorf("scan standing: %w", err)
		}
		standing.Position = len(detail.Standings) + 1
		detail.Standings = append(detail.Standings, standing)
	}
	if err := rows.Err(); err != nil {
		return models.CompetitionDetail{}, fmt.Errorf("iterate standings: %w", err)
	}
	detail.Competition.Participants = len(detail.Standings)
	return detail, nil
}

func (r *PostgresRepository) IsCompetitionParticipant(ctx context.Context, competitionID, playerID string) (bool, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	var exists bool
	err := r.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM competition_participants WHERE competition_id = $1 AND player_id = $2)
`, competitionID, playerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) JoinCompetition(ctx context.Context, competitionID, playerID string, at time.Time) error {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	var startsAt, endsAt time.Time
	if err := r.pool.QueryRow(ctx, `SELECT starts_at, ends_at FROM competitions WHERE id = $1`, competitionID).Scan(&startsAt, &endsAt); err != nil {
		return mapNoRows(err, "load competition")
	}
	if !(models.Competition{StartsAt: startsAt, EndsAt: endsAt}).Active(at) {
		return ErrCompetitionInactive
	}
	if _, err := r.pool.Exec(ctx, `
INSERT INTO competition_participants (competition_id, player_id, joined_at)
VALUES ($1, $2, $3)
ON CONFLICT (competition_id, player_id) DO NOTHING
`, competitionID, playerID, at.UTC()); err != nil {
		return fmt.Errorf("join competition: %w", err)
	}
	return nil
}

func (r *PostgresRepository) LeaveCompetition(ctx context.Context, competitionID, playerID string) error {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM competitions WHERE id = $1)`, competitionID).Scan(&exists); err != nil {
		return fmt.Errorf("load competition: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM competition_participants WHERE competition_id = $1 AND player_id = $2`, competitionID, playerID); err != nil {
		return fmt.Errorf("leave competition: %w", err)
	}
	return nil
}

func (r *PostgresRepository) AddCompetitionScore(ctx context.Context, competitionID, playerID string, delta int64) (models.Player, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Player{}, fmt.Errorf("begin competition score: %w", err)
	}
	defer rollbackTx(ctx, tx)

	tag, err := tx.Exec(ctx, `
UPDATE competition_participants SET score = score + $3
WHERE competition_id = $1 AND player_id = $2
`, competitionID, playerID, delta)
	if err != nil {
		return models.Player{}, fmt.Errorf("add competition score: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Player{}, ErrNotFound
	}
	player, err := addPoints(ctx, tx, playerID, delta)
	if err != nil {
		return models.Player{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Player{}, fmt.Errorf("commit competition score: %w", err)
	}
	return player, nil
}

func (r *PostgresRepository) GetCommunity(ctx context.Context, id string) (models.Community, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	var community models.Community
	row := r.pool.QueryRow(ctx, `
SELECT c.id, c.name, c.description, c.created_at,
       (SELECT COUNT(*) FROM community_members m WHERE m.community_id = c.id)
FROM communities c
WHERE c.id = $1
`, id)
	if err := row.Scan(&community.ID, &community.Name, &community.Description, &community.CreatedAt, &community.Members); err != nil {
		return models.Community{}, mapNoRows(err, "get community")
	}
	return community, nil
}

func (r *PostgresRepository) IsCommunityMember(ctx context.Context, communityID, playerID string) (bool, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	var exists bool
	err := r.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM community_members WHERE community_id = $1 AND player_id = $2)
`, communityID, playerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check community member: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) AppendChatMessage(ctx context.Context, msg models.ChatMessage) error {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	if _, err := r.pool.Exec(ctx, `
INSERT INTO chat_messages (id, channel_id, player_id, text, created_at)
VALUES ($1, $2, $3, $4, $5)
`, msg.ID, msg.ChannelID, msg.PlayerID, msg.Text, msg.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListChatMessages(ctx context.Context, channelID string, limit int) ([]models.ChatMessage, error) {
	limit = normalizeLimit(limit, defaultChatHistoryLimit)
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
SELECT id, channel_id, player_id, text, created_at
FROM (
    SELECT id, channel_id, player_id, text, created_at
    FROM chat_messages
    WHERE channel_id = $1
    ORDER BY created_at DESC
    LIMIT $2
) recent
ORDER BY created_at ASC
`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()
	var messages []models.ChatMessage
	for rows.Next() {
		var msg models.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &msg.PlayerID, &msg.Text, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return messages, nil
}

func (r *PostgresRepository) UpsertSubscription(ctx context.Context, sub models.ChannelSubscription) error {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	if _, err := r.pool.Exec(ctx, `
INSERT INTO channel_subscriptions (player_id, channel_id, session_id, joined_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (player_id, channel_id) DO UPDATE SET session_id = EXCLUDED.session_id, joined_at = EXCLUDED.joined_at
`, sub.PlayerID, sub.ChannelID, sub.SessionID, sub.JoinedAt.UTC()); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteSubscription(ctx context.Context, playerID, channelID string) error {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	if _, err := r.pool.Exec(ctx, `DELETE FROM channel_subscriptions WHERE player_id = $1 AND channel_id = $2`, playerID, channelID); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListStaleSubscriptions(ctx context.Context, cutoff time.Time) ([]models.ChannelSubscription, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
SELECT player_id, channel_id, session_id, joined_at
FROM channel_subscriptions
WHERE joined_at < $1
ORDER BY player_id, channel_id
`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale subscriptions: %w", err)
	}
	subs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ChannelSubscription, error) {
		var sub models.ChannelSubscription
		err := row.Scan(&sub.PlayerID, &sub.ChannelID, &sub.SessionID, &sub.JoinedAt)
		return sub, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan stale subscriptions: %w", err)
	}
	return subs, nil
}

func (r *PostgresRepository) DeleteStaleSubscription(ctx context.Context, playerID, channelID string, cutoff time.Time) (bool, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `
DELETE FROM channel_subscriptions
WHERE player_id = $1 AND channel_id = $2 AND joined_at < $3
`, playerID, channelID, cutoff.UTC())
	if err != nil {
		return false, fmt.Errorf("delete stale subscription: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanMission(row pgx.Row) (models.Mission, error) {
	var mission models.Mission
	var status string
	if err := row.Scan(&mission.ID, &mission.PlayerID, &mission.Title, &mission.Reward, &status, &mission.DueAt, &mission.CompletedAt); err != nil {
		return models.Mission{}, mapNoRows(err, "scan mission")
	}
	mission.Status = models.MissionStatus(status)
	return mission, nil
}

func scanHabit(row pgx.Row) (models.Habit, error) {
	var habit models.Habit
	if err := row.Scan(&habit.ID, &habit.PlayerID, &habit.Title, &habit.Streak, &habit.Completions, &habit.LastCompletedAt); err != nil {
		return models.Habit{}, mapNoRows(err, "scan habit")
	}
	return habit, nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func mapNoRows(err error, op string) error {
	if isNoRows(err) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}

var _ Repository = (*PostgresRepository)(nil)
