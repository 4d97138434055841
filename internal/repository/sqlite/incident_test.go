package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gangaguard/backend/internal/apperror"
	"github.com/gangaguard/backend/internal/geo"
	"github.com/gangaguard/backend/internal/model"
	"github.com/gangaguard/backend/internal/repository"
)

var ghat = geo.Point{Lng: 82.790827, Lat: 25.284342}

// offsetNorth returns a point roughly meters north of p.
func offsetNorth(p geo.Point, meters float64) geo.Point {
	return geo.Point{Lng: p.Lng, Lat: p.Lat + meters/111319.5}
}

func TestIncidentCreate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	inc := &model.Incident{
		ImageBeforeURL: "/uploads/before-1.jpg",
		Location:       &ghat,
		AddressText:    "Assi Ghat",
		Status:         model.StatusCleaned, // ignored
		ClaimedBy:      "someone",           // ignored
		CreatedBy:      "reporter",
	}
	require.NoError(t, db.Incidents().Create(ctx, inc))
	assert.NotEmpty(t, inc.ID)

	got, err := db.Incidents().GetByID(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Empty(t, got.ClaimedBy)
	assert.Equal(t, "reporter", got.CreatedBy)
	assert.Equal(t, "Assi Ghat", got.AddressText)
	require.NotNil(t, got.Location)
	assert.Equal(t, ghat, *got.Location)

	_, err = db.Incidents().GetByID(ctx, "missing")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestIncidentCreate_RequiresImage(t *testing.T) {
	db := newTestDB(t)
	err := db.Incidents().Create(context.Background(), &model.Incident{Location: &ghat})
	assert.Error(t, err)
}

func TestFindNearby(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	far := createTestIncident(t, db, offsetNorth(ghat, 3000))
	near := createTestIncident(t, db, offsetNorth(ghat, 100))
	mid := createTestIncident(t, db, offsetNorth(ghat, 1000))
	outside := createTestIncident(t, db, offsetNorth(ghat, 20000))
	noLocation := &model.Incident{ImageBeforeURL: "/uploads/x.jpg"}
	require.NoError(t, db.Incidents().Create(ctx, noLocation))

	got, err := db.Incidents().FindNearby(ctx, repository.NearbyQuery{
		Center:       ghat,
		RadiusMeters: 5000,
	})
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, inc := range got {
		ids[i] = inc.ID
		require.NotNil(t, inc.DistanceMeters)
		assert.LessOrEqual(t, *inc.DistanceMeters, 5000.0)
	}
	assert.Equal(t, []string{near.ID, mid.ID, far.ID}, ids)
	assert.NotContains(t, ids, outside.ID)
	assert.InDelta(t, 100, *got[0].DistanceMeters, 1)

	t.Run("limit", func(t *testing.T) {
		got, err := db.Incidents().FindNearby(ctx, repository.NearbyQuery{Center: ghat, RadiusMeters: 5000, Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, near.ID, got[0].ID)
	})

	t.Run("status filter excludes claimed", func(t *testing.T) {
		u := createTestUser(t, db, "uid-1", "asha")
		_, err := db.Incidents().Claim(ctx, near.ID, u.ID, time.Now())
		require.NoError(t, err)

		pending, err := db.Incidents().FindNearby(ctx, repository.NearbyQuery{Center: ghat, RadiusMeters: 5000})
		require.NoError(t, err)
		for _, inc := range pending {
			assert.NotEqual(t, near.ID, inc.ID)
		}

		claimed, err := db.Incidents().FindNearby(ctx, repository.NearbyQuery{
			Center: ghat, RadiusMeters: 5000, Status: model.StatusClaimed,
		})
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, near.ID, claimed[0].ID)
	})

	t.Run("empty result is a non-nil slice", func(t *testing.T) {
		got, err := db.Incidents().FindNearby(ctx, repository.NearbyQuery{
			Center: geo.Point{Lng: 0, Lat: 0}, RadiusMeters: 10,
		})
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})
}

func TestFindNearby_AcrossAntimeridian(t *testing.T) {
	db := newTestDB(t)
	east := createTestIncident(t, db, geo.Point{Lng: 179.999, Lat: 0})

	got, err := db.Incidents().FindNearby(context.Background(), repository.NearbyQuery{
		Center:       geo.Point{Lng: -179.999, Lat: 0},
		RadiusMeters: 1000,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, east.ID, got[0].ID)
}

func TestClaim(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := createTestUser(t, db, "uid-1", "asha")
	other := createTestUser(t, db, "uid-2", "ravi")
	inc := createTestIncident(t, db, ghat)

	at := time.Now().UTC().Truncate(time.Millisecond)
	claimed, err := db.Incidents().Claim(ctx, inc.ID, u.ID, at)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClaimed, claimed.Status)
	assert.Equal(t, u.ID, claimed.ClaimedBy)
	assert.True(t, at.Equal(claimed.UpdatedAt))

	_, err = db.Incidents().Claim(ctx, inc.ID, other.ID, at)
	assert.ErrorIs(t, err, repository.ErrNotMatched)

	_, err = db.Incidents().Claim(ctx, "missing", u.ID, at)
	assert.ErrorIs(t, err, repository.ErrNotMatched)

	stored, err := db.Incidents().GetByID(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, stored.ClaimedBy, "losing claim must not overwrite the owner")
}

func TestClaim_ConcurrentExactlyOneWins(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	inc := createTestIncident(t, db, ghat)

	const workers = 16
	users := make([]*model.User, workers)
	for i := range users {
		users[i] = createTestUser(t, db, "uid-"+string(rune('a'+i)), "user"+string(rune('a'+i)))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	start := make(chan struct{})
	for _, u := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			<-start
			_, err := db.Incidents().Claim(ctx, inc.ID, userID, time.Now())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, userID)
			case errors.Is(err, repository.ErrNotMatched):
				losers++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(u.ID)
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, workers-1, losers)

	stored, err := db.Incidents().GetByID(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], stored.ClaimedBy)
}

func TestComplete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := createTestUser(t, db, "uid-1", "asha")
	other := createTestUser(t, db, "uid-2", "ravi")
	inc := createTestIncident(t, db, ghat)

	params := repository.CompleteParams{
		IncidentID:    inc.ID,
		UserID:        u.ID,
		ImageAfterURL: "/uploads/after-1.jpg",
		Points:        model.CleaningPoints,
		At:            time.Now(),
	}

	t.Run("pending incident cannot be completed", func(t *testing.T) {
		_, _, err := db.Incidents().Complete(ctx, params)
		assert.ErrorIs(t, err, repository.ErrNotMatched)
	})

	_, err := db.Incidents().Claim(ctx, inc.ID, u.ID, time.Now())
	require.NoError(t, err)

	t.Run("only the claimant may complete", func(t *testing.T) {
		p := params
		p.UserID = other.ID
		_, _, err := db.Incidents().Complete(ctx, p)
		assert.ErrorIs(t, err, repository.ErrNotMatched)
	})

	cleaned, reward, err := db.Incidents().Complete(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCleaned, cleaned.Status)
	assert.Equal(t, u.ID, cleaned.CleanedBy)
	assert.Equal(t, u.ID, cleaned.ClaimedBy)
	assert.Equal(t, "/uploads/after-1.jpg", cleaned.ImageAfterURL)
	assert.Equal(t, model.CleaningPoints, reward.PointsEarned)
	assert.Equal(t, model.RewardCleaning, reward.Type)

	credited, err := db.Users().GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), credited.Points)
	assert.Equal(t, int64(1), credited.TotalCleaned)

	t.Run("second completion awards nothing", func(t *testing.T) {
		_, _, err := db.Incidents().Complete(ctx, params)
		assert.ErrorIs(t, err, repository.ErrNotMatched)

		n, err := db.Rewards().CountByIncident(ctx, inc.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		again, err := db.Users().GetByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(10), again.Points)
	})
}

func TestComplete_RollsBackWhenUserMissing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	inc := createTestIncident(t, db, ghat)

	_, err := db.Incidents().Claim(ctx, inc.ID, "ghost-user", time.Now())
	require.NoError(t, err)

	_, _, err = db.Incidents().Complete(ctx, repository.CompleteParams{
		IncidentID:    inc.ID,
		UserID:        "ghost-user",
		ImageAfterURL: "/uploads/after.jpg",
		Points:        model.CleaningPoints,
		At:            time.Now(),
	})
	assert.True(t, errors.Is(err, apperror.ErrNotFound))

	stored, err := db.Incidents().GetByID(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClaimed, stored.Status)

	n, err := db.Rewards().CountByIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestComplete_ConcurrentAwardsOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := createTestUser(t, db, "uid-1", "asha")
	inc := createTestIncident(t, db, ghat)
	_, err := db.Incidents().Claim(ctx, inc.ID, u.ID, time.Now())
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		succeeds int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := db.Incidents().Complete(ctx, repository.CompleteParams{
				IncidentID:    inc.ID,
				UserID:        u.ID,
				ImageAfterURL: "/uploads/after.jpg",
				Points:        model.CleaningPoints,
				At:            time.Now(),
			})
			if err == nil {
				mu.Lock()
				succeeds++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeds)
	credited, err := db.Users().GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), credited.Points)
	assert.Equal(t, int64(1), credited.TotalCleaned)
}

func TestListClaimedBy(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := createTestUser(t, db, "uid-1", "asha")

	first := createTestIncident(t, db, ghat)
	time.Sleep(2 * time.Millisecond)
	second := createTestIncident(t, db, offsetNorth(ghat, 50))
	unclaimed := createTestIncident(t, db, offsetNorth(ghat, 80))

	for _, inc := range []*model.Incident{first, second} {
		_, err := db.Incidents().Claim(ctx, inc.ID, u.ID, time.Now())
		require.NoError(t, err)
	}
	_, _, err := db.Incidents().Complete(ctx, repository.CompleteParams{
		IncidentID: first.ID, UserID: u.ID, ImageAfterURL: "/uploads/a.jpg",
		Points: model.CleaningPoints, At: time.Now(),
	})
	require.NoError(t, err)

	got, err := db.Incidents().ListClaimedBy(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, second.ID, got[0].ID, "newest first")
	assert.Equal(t, model.StatusClaimed, got[0].Status)
	assert.Equal(t, first.ID, got[1].ID)
	assert.Equal(t, model.StatusCleaned, got[1].Status)
	for _, inc := range got {
		assert.NotEqual(t, unclaimed.ID, inc.ID)
	}

	none, err := db.Incidents().ListClaimedBy(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}
