package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/gangaguard/backend/internal/apperror"
	"github.com/gangaguard/backend/internal/geo"
	"github.com/gangaguard/backend/internal/model"
	"github.com/gangaguard/backend/internal/repository"
)

// compile-time check that *IncidentDB implements repository.IncidentRepository
var _ repository.IncidentRepository = (*IncidentDB)(nil)

// IncidentDB is the incidents table plus the write side of the reward ledger,
// which only ever changes together with an incident.
type IncidentDB struct {
	conn *sql.DB
}

const incidentColumns = `id, image_before_url, image_after_url, lng, lat, address_text, status,
	created_by, claimed_by, cleaned_by, created_at, updated_at`

// scanIncident reads incidentColumns followed by any extra destinations.
func scanIncident(row scanner, extra ...any) (*model.Incident, error) {
	var (
		inc        model.Incident
		imageAfter sql.NullString
		lng, lat   sql.NullFloat64
		createdBy  sql.NullString
		claimedBy  sql.NullString
		cleanedBy  sql.NullString
		createdAt  int64
		updatedAt  int64
	)
	dest := []any{
		&inc.ID,
		&inc.ImageBeforeURL,
		&imageAfter,
		&lng,
		&lat,
		&inc.AddressText,
		&inc.Status,
		&createdBy,
		&claimedBy,
		&cleanedBy,
		&createdAt,
		&updatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	inc.ImageAfterURL = imageAfter.String
	if lng.Valid && lat.Valid {
		inc.Location = &geo.Point{Lng: lng.Float64, Lat: lat.Float64}
	}
	inc.CreatedBy = createdBy.String
	inc.ClaimedBy = claimedBy.String
	inc.CleanedBy = cleanedBy.String
	inc.CreatedAt = fromMillis(createdAt)
	inc.UpdatedAt = fromMillis(updatedAt)
	return &inc, nil
}

// Create inserts a PENDING incident. ID and timestamps are assigned here;
// any status or actor fields set by the caller are ignored.
func (s *IncidentDB) Create(ctx context.Context, incident *model.Incident) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	incident.ID = xid.New().String()
	incident.Status = model.StatusPending
	incident.ClaimedBy = ""
	incident.CleanedBy = ""
	incident.ImageAfterURL = ""
	incident.CreatedAt = now
	incident.UpdatedAt = now

	var lng, lat sql.NullFloat64
	if incident.Location != nil {
		lng = sql.NullFloat64{Float64: incident.Location.Lng, Valid: true}
		lat = sql.NullFloat64{Float64: incident.Location.Lat, Valid: true}
	}

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO incidents (id, image_before_url, lng, lat, address_text, status,
		                        created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		incident.ID,
		incident.ImageBeforeURL,
		lng,
		lat,
		incident.AddressText,
		incident.Status,
		nullString(incident.CreatedBy),
		toMillis(incident.CreatedAt),
		toMillis(incident.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: inserting incident: %w", err)
	}
	return nil
}

// GetByID retrieves an incident by ID.
// Returns apperror.ErrNotFound if no incident exists with that ID.
func (s *IncidentDB) GetByID(ctx context.Context, id string) (*model.Incident, error) {
	inc, err := scanIncident(s.conn.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("incident", id)
		}
		return nil, fmt.Errorf("sqlite: getting incident %s: %w", id, err)
	}
	return inc, nil
}

// FindNearby returns incidents in q.Status within q.RadiusMeters of q.Center,
// nearest first, with DistanceMeters populated.
//
// The lat/lng bounding box narrows the candidate set through
// idx_incidents_status_geo; the exact great-circle distance then filters and
// orders what is left. Incidents without a location never match.
func (s *IncidentDB) FindNearby(ctx context.Context, q repository.NearbyQuery) ([]model.Incident, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = repository.DefaultNearbyLimit
	}
	if limit > repository.MaxNearbyLimit {
		limit = repository.MaxNearbyLimit
	}
	status := q.Status
	if status == "" {
		status = model.StatusPending
	}

	box := geo.BoundingBoxAround(q.Center, q.RadiusMeters)
	distance := distanceFunc + `(?, ?, lat, lng)`

	query := `SELECT ` + incidentColumns + `, ` + distance + ` AS distance_m
		FROM incidents
		WHERE status = ?
		  AND lat IS NOT NULL AND lng IS NOT NULL
		  AND lat BETWEEN ? AND ?`
	args := []any{q.Center.Lat, q.Center.Lng, status, box.MinLat, box.MaxLat}

	if !box.WrapsLng {
		query += ` AND lng BETWEEN ? AND ?`
		args = append(args, box.MinLng, box.MaxLng)
	}

	query += ` AND ` + distance + ` <= ?
		ORDER BY distance_m ASC, created_at DESC
		LIMIT ?`
	args = append(args, q.Center.Lat, q.Center.Lng, q.RadiusMeters, limit)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: finding nearby incidents: %w", err)
	}
	defer rows.Close()

	incidents := []model.Incident{}
	for rows.Next() {
		var d float64
		inc, err := scanIncident(rows, &d)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning incident row: %w", err)
		}
		inc.DistanceMeters = &d
		incidents = append(incidents, *inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating incident rows: %w", err)
	}
	return incidents, nil
}

// Claim performs PENDING -> CLAIMED as one conditional UPDATE. Of any number
// of concurrent callers for the same incident exactly one sees a row come
// back; the rest get repository.ErrNotMatched.
func (s *IncidentDB) Claim(ctx context.Context, id, userID string, at time.Time) (*model.Incident, error) {
	inc, err := scanIncident(s.conn.QueryRowContext(ctx,
		`UPDATE incidents
		 SET status = ?, claimed_by = ?, updated_at = ?
		 WHERE id = ? AND status = ?
		 RETURNING `+incidentColumns,
		model.StatusClaimed,
		userID,
		toMillis(at),
		id,
		model.StatusPending,
	))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotMatched
		}
		return nil, fmt.Errorf("sqlite: claiming incident %s: %w", id, err)
	}
	return inc, nil
}

// Complete performs CLAIMED -> CLEANED for the claimant and records the award
// in one transaction:
//
//  1. conditional UPDATE on incidents (status = CLAIMED AND claimed_by = user)
//  2. INSERT of the CLEANING ledger entry
//  3. increment of the user's points and total_cleaned
//
// Either all three happen or none do.
func (s *IncidentDB) Complete(ctx context.Context, p repository.CompleteParams) (*model.Incident, *model.RewardTransaction, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: beginning completion of %s: %w", p.IncidentID, err)
	}
	defer tx.Rollback()

	inc, err := scanIncident(tx.QueryRowContext(ctx,
		`UPDATE incidents
		 SET status = ?, cleaned_by = claimed_by, image_after_url = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND claimed_by = ?
		 RETURNING `+incidentColumns,
		model.StatusCleaned,
		p.ImageAfterURL,
		toMillis(p.At),
		p.IncidentID,
		model.StatusClaimed,
		p.UserID,
	))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, repository.ErrNotMatched
		}
		return nil, nil, fmt.Errorf("sqlite: completing incident %s: %w", p.IncidentID, err)
	}

	reward := &model.RewardTransaction{
		ID:           xid.New().String(),
		UserID:       p.UserID,
		IncidentID:   p.IncidentID,
		PointsEarned: p.Points,
		Type:         model.RewardCleaning,
		Timestamp:    p.At.UTC().Truncate(time.Millisecond),
	}
	if err := insertReward(ctx, tx, reward); err != nil {
		return nil, nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET points = points + ?, total_cleaned = total_cleaned + 1 WHERE id = ?`,
		p.Points, p.UserID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: crediting user %s: %w", p.UserID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, nil, fmt.Errorf("sqlite: checking credited rows: %w", err)
	} else if n == 0 {
		return nil, nil, apperror.NotFound("user", p.UserID)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("sqlite: committing completion of %s: %w", p.IncidentID, err)
	}
	return inc, reward, nil
}

// ListClaimedBy returns every incident claimed by userID (CLAIMED or
// CLEANED), newest first.
func (s *IncidentDB) ListClaimedBy(ctx context.Context, userID string) ([]model.Incident, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents
		 WHERE claimed_by = ?
		 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing incidents claimed by %s: %w", userID, err)
	}
	defer rows.Close()

	incidents := []model.Incident{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning incident row: %w", err)
		}
		incidents = append(incidents, *inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating incident rows: %w", err)
	}
	return incidents, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertReward(ctx context.Context, ex execer, r *model.RewardTransaction) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO reward_transactions (id, user_id, incident_id, points_earned, type, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.UserID,
		r.IncidentID,
		r.PointsEarned,
		r.Type,
		toMillis(r.Timestamp),
	)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return apperror.Conflict("incident already rewarded")
		}
		return fmt.Errorf("sqlite: inserting reward for incident %s: %w", r.IncidentID, err)
	}
	return nil
}
