package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gangaguard/backend/internal/apperror"
	"github.com/gangaguard/backend/internal/model"
	"github.com/gangaguard/backend/internal/repository"
)

const (
	WindowedBoardSize = 10
	AllTimeBoardSize  = 50

	unknownUserName = "Unknown"
)

// LeaderboardService ranks users by points.
//
// Weekly and monthly boards aggregate the reward ledger over the window and
// show each user's all-time totals alongside the period sum. The all-time
// board reads the users' running totals only.
type LeaderboardService struct {
	users   repository.UserRepository
	rewards repository.RewardRepository
	logger  *slog.Logger
	now     Clock
}

func NewLeaderboardService(users repository.UserRepository, rewards repository.RewardRepository, logger *slog.Logger, clock Clock) *LeaderboardService {
	if clock == nil {
		clock = systemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaderboardService{users: users, rewards: rewards, logger: logger, now: clock}
}

// Board returns the standings for period.
func (s *LeaderboardService) Board(ctx context.Context, period model.Period) (_ []model.LeaderboardEntry, err error) {
	ctx, span := startSpan(ctx, "Leaderboard")
	span.SetAttributes(attribute.String("leaderboard.period", string(period)))
	defer func() { endSpan(span, err) }()

	if period == model.PeriodAllTime {
		return s.allTime(ctx)
	}
	window, ok := period.Window()
	if !ok {
		return nil, apperror.ValidationFailed("period", fmt.Sprintf("unknown leaderboard period %q", period))
	}
	return s.windowed(ctx, window)
}

func (s *LeaderboardService) windowed(ctx context.Context, window time.Duration) ([]model.LeaderboardEntry, error) {
	totals, err := s.rewards.SumSince(ctx, s.now().Add(-window), WindowedBoardSize)
	if err != nil {
		return nil, fmt.Errorf("aggregating ledger: %w", err)
	}

	ids := make([]string, len(totals))
	for i, t := range totals {
		ids[i] = t.UserID
	}
	users, err := s.users.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading leaderboard users: %w", err)
	}

	entries := make([]model.LeaderboardEntry, 0, len(totals))
	for i, t := range totals {
		entry := model.LeaderboardEntry{
			Rank:         i + 1,
			UserID:       t.UserID,
			Name:         unknownUserName,
			Role:         model.RoleNormalUser,
			PeriodPoints: t.Points,
		}
		if u, ok := users[t.UserID]; ok {
			entry.Name = u.Name
			entry.Role = u.Role
			entry.TotalPoints = u.Points
			entry.TotalCleaned = u.TotalCleaned
			entry.ProfileImage = u.ProfileImageURL
		} else {
			s.logger.Warn("leaderboard entry without user", "user", t.UserID)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *LeaderboardService) allTime(ctx context.Context) ([]model.LeaderboardEntry, error) {
	users, err := s.users.ListTopByPoints(ctx, AllTimeBoardSize)
	if err != nil {
		return nil, fmt.Errorf("listing top users: %w", err)
	}
	entries := make([]model.LeaderboardEntry, len(users))
	for i, u := range users {
		entries[i] = model.LeaderboardEntry{
			Rank:         i + 1,
			UserID:       u.ID,
			Name:         u.Name,
			Role:         u.Role,
			PeriodPoints: u.Points,
			TotalPoints:  u.Points,
			TotalCleaned: u.TotalCleaned,
			ProfileImage: u.ProfileImageURL,
		}
	}
	return entries, nil
}
