//go:build postgres

package storage

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"lifequest-live/internal/models"
)

// postgresRepositoryFactory opens a Postgres-backed repository for integration
// scenarios, applying migrations and truncating tables between tests. The
// factory requires LIFEQUEST_TEST_POSTGRES_DSN to point at a clean database
// dedicated to automated runs.
func postgresRepositoryFactory(t *testing.T) (Repository, Seeder, func(), error) {
	t.Helper()
	dsn := os.Getenv("LIFEQUEST_TEST_POSTGRES_DSN")
	if strings.TrimSpace(dsn) == "" {
		t.Skip("LIFEQUEST_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	repo, err := NewPostgresRepository(ctx, dsn, WithPostgresAutoMigrate(true), WithPostgresPoolLimits(4, 0))
	if err != nil {
		return nil, nil, nil, err
	}
	if err := truncatePostgresTables(ctx, repo.pool); err != nil {
		_ = repo.Close(ctx)
		t.Fatalf("truncate tables: %v", err)
	}
	cleanup := func() {
		if err := truncatePostgresTables(context.Background(), repo.pool); err != nil {
			t.Errorf("truncate tables: %v", err)
		}
		if err := repo.Close(context.Background()); err != nil {
			t.Errorf("close repository: %v", err)
		}
	}
	return repo, &postgresSeeder{pool: repo.pool}, cleanup, nil
}

func truncatePostgresTables(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
TRUNCATE channel_subscriptions, chat_messages, community_members, communities,
         competition_participants, competitions, habits, missions, friendships, players
CASCADE`)
	return err
}

type postgresSeeder struct {
	pool *pgxpool.Pool
}

func (s *postgresSeeder) UpsertPlayer(player models.Player) error {
	if player.Level == 0 {
		player.Level = levelForPoints(player.Points)
	}
	if player.CreatedAt.IsZero() {
		player.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(context.Background(), `
INSERT INTO players (id, display_name, generation, rank, avatar, points, level, streak, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, generation = EXCLUDED.generation,
    rank = EXCLUDED.rank, avatar = EXCLUDED.avatar, points = EXCLUDED.points, level = EXCLUDED.level,
    streak = EXCLUDED.streak
`, player.ID, player.DisplayName, player.Generation, player.Rank, player.Avatar, player.Points, player.Level, player.Streak, player.CreatedAt)
	return err
}

func (s *postgresSeeder) AddFriend(playerID, friendID string) error {
	_, err := s.pool.Exec(context.Background(), `
INSERT INTO friendships (player_id, friend_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
`, playerID, friendID)
	return err
}

func (s *postgresSeeder) UpsertMission(mission models.Mission) error {
	if mission.Status == "" {
		mission.Status = models.MissionStatusActive
	}
	_, err := s.pool.Exec(context.Background(), `
INSERT INTO missions (id, player_id, title, reward, status, due_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, reward = EXCLUDED.reward, status = EXCLUDED.status
`, mission.ID, mission.PlayerID, mission.Title, mission.Reward, string(mission.Status), mission.DueAt, mission.CompletedAt)
	return err
}

func (s *postgresSeeder) UpsertHabit(habit models.Habit) error {
	_, err := s.pool.Exec(context.Background(), `
INSERT INTO habits (id, player_id, title, streak, completions, last_completed_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title
`, habit.ID, habit.PlayerID, habit.Title, habit.Streak, habit.Completions, habit.LastCompletedAt)
	return err
}

func (s *postgresSeeder) UpsertCompetition(competition models.Competition) error {
	_, err := s.pool.Exec(context.Background(), `
INSERT INTO competitions (id, title, starts_at, ends_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, starts_at = EXCLUDED.starts_at, ends_at = EXCLUDED.ends_at
`, competition.ID, competition.Title, competition.StartsAt, competition.EndsAt)
	return err
}

func (s *postgresSeeder) UpsertCommunity(community models.Community) error {
	_, err := s.pool.Exec(context.Background(), `
INSERT INTO communities (id, name, description) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description
`, community.ID, community.Name, community.Description)
	return err
}

func (s *postgresSeeder) AddCommunityMember(communityID, playerID string) error {
	_, err := s.pool.Exec(context.Background(), `
INSERT INTO community_members (community_id, player_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
`, communityID, playerID)
	return err
}

func TestPostgresRepositorySubscriptionLifecycle(t *testing.T) {
	RunRepositorySubscriptionLifecycle(t, postgresRepositoryFactory)
}

func TestPostgresRepositoryCompetitionLifecycle(t *testing.T) {
	RunRepositoryCompetitionLifecycle(t, postgresRepositoryFactory)
}

func TestPostgresRepositoryProgressLifecycle(t *testing.T) {
	RunRepositoryProgressLifecycle(t, postgresRepositoryFactory)
}

func TestPostgresRepositorySocialLifecycle(t *testing.T) {
	RunRepositorySocialLifecycle(t, postgresRepositoryFactory)
}

func TestPostgresRepositoryMigrateIsIdempotent(t *testing.T) {
	repo, _ := runRepository(t, postgresRepositoryFactory)
	pg := repo.(*PostgresRepository)
	if err := pg.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}
