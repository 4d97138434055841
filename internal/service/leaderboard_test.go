package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gangaguard/backend/internal/apperror"
	"github.com/gangaguard/backend/internal/model"
	"github.com/gangaguard/backend/internal/repository"
)

const day = 24 * time.Hour

func TestBoard_Windows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	a := env.register(t, "uid-a", "asha")   // cleaned 8 days ago
	b := env.register(t, "uid-b", "bilal")  // cleaned 31 days ago
	c := env.register(t, "uid-c", "chitra") // cleaned yesterday, twice

	env.clock.Set(now.Add(-8 * day))
	env.claimAndComplete(t, env.submitAt(t, ghat).ID, a.ID)
	env.clock.Set(now.Add(-31 * day))
	env.claimAndComplete(t, env.submitAt(t, ghat).ID, b.ID)
	env.clock.Set(now.Add(-1 * day))
	env.claimAndComplete(t, env.submitAt(t, ghat).ID, c.ID)
	env.claimAndComplete(t, env.submitAt(t, ghat).ID, c.ID)
	env.clock.Set(now)

	weekly, err := env.board.Board(ctx, model.PeriodWeekly)
	require.NoError(t, err)
	require.Len(t, weekly, 1)
	assert.Equal(t, c.ID, weekly[0].UserID)
	assert.EqualValues(t, 20, weekly[0].PeriodPoints)

	monthly, err := env.board.Board(ctx, model.PeriodMonthly)
	require.NoError(t, err)
	require.Len(t, monthly, 2)
	assert.Equal(t, c.ID, monthly[0].UserID)
	assert.Equal(t, 1, monthly[0].Rank)
	assert.Equal(t, a.ID, monthly[1].UserID)
	assert.Equal(t, 2, monthly[1].Rank)
	assert.EqualValues(t, 10, monthly[1].PeriodPoints)
	assert.EqualValues(t, 10, monthly[1].TotalPoints)
	assert.EqualValues(t, 1, monthly[1].TotalCleaned)
	assert.Equal(t, "asha", monthly[1].Name)
	assert.Equal(t, model.RoleSafaiKarmi, monthly[1].Role)

	allTime, err := env.board.Board(ctx, model.PeriodAllTime)
	require.NoError(t, err)
	require.Len(t, allTime, 3)
	assert.Equal(t, c.ID, allTime[0].UserID)
	assert.EqualValues(t, 20, allTime[0].PeriodPoints)
	assert.EqualValues(t, 20, allTime[0].TotalPoints)
	for i, e := range allTime {
		assert.Equal(t, i+1, e.Rank)
	}
}

func TestBoard_PeriodShowsAllTimeTotals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()
	a := env.register(t, "uid-a", "asha")

	env.clock.Set(now.Add(-20 * day))
	env.claimAndComplete(t, env.submitAt(t, ghat).ID, a.ID)
	env.clock.Set(now)
	env.claimAndComplete(t, env.submitAt(t, ghat).ID, a.ID)

	weekly, err := env.board.Board(ctx, model.PeriodWeekly)
	require.NoError(t, err)
	require.Len(t, weekly, 1)
	assert.EqualValues(t, 10, weekly[0].PeriodPoints)
	assert.EqualValues(t, 20, weekly[0].TotalPoints)
	assert.EqualValues(t, 2, weekly[0].TotalCleaned)
}

func TestBoard_TiesOrderedByUserID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.register(t, "uid-a", "asha")
	b := env.register(t, "uid-b", "bilal")
	env.claimAndComplete(t, env.submitAt(t, ghat).ID, b.ID)
	env.claimAndComplete(t, env.submitAt(t, ghat).ID, a.ID)

	weekly, err := env.board.Board(ctx, model.PeriodWeekly)
	require.NoError(t, err)
	require.Len(t, weekly, 2)
	assert.Less(t, weekly[0].UserID, weekly[1].UserID)
}

func TestBoard_TruncatesToTen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < WindowedBoardSize+2; i++ {
		u := env.register(t, "uid-"+string(rune('a'+i)), "user"+string(rune('a'+i)))
		env.claimAndComplete(t, env.submitAt(t, ghat).ID, u.ID)
	}

	weekly, err := env.board.Board(ctx, model.PeriodWeekly)
	require.NoError(t, err)
	assert.Len(t, weekly, WindowedBoardSize)
}

// missingUsers hides every profile from leaderboard lookups.
type missingUsers struct {
	repository.UserRepository
}

func (missingUsers) GetByIDs(context.Context, []string) (map[string]*model.User, error) {
	return map[string]*model.User{}, nil
}

func TestBoard_UnknownUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.register(t, "uid-a", "asha")
	env.claimAndComplete(t, env.submitAt(t, ghat).ID, a.ID)

	board := NewLeaderboardService(missingUsers{env.db.Users()}, env.db.Rewards(), slog.Default(), env.clock.Now)
	weekly, err := board.Board(ctx, model.PeriodWeekly)
	require.NoError(t, err)
	require.Len(t, weekly, 1)
	assert.Equal(t, "Unknown", weekly[0].Name)
	assert.Equal(t, model.RoleNormalUser, weekly[0].Role)
	assert.Zero(t, weekly[0].TotalPoints)
}

func TestBoard_UnknownPeriod(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.board.Board(context.Background(), model.Period("daily"))
	assert.ErrorIs(t, err, apperror.ErrValidation)
}
