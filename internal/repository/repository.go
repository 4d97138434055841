// Package repository declares the storage contracts the service layer depends
// on. Implementations live in sub-packages (see repository/sqlite).
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/gangaguard/backend/internal/geo"
	"github.com/gangaguard/backend/internal/model"
)

// ErrNotMatched is returned by conditional transitions whose precondition
// (status, owner) did not match any row. Nothing was written.
var ErrNotMatched = errors.New("repository: conditional update matched no rows")

// Default and maximum result sizes for nearby queries.
const (
	DefaultNearbyLimit = 50
	MaxNearbyLimit     = 200
)

type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByExternalID(ctx context.Context, externalID string) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	// GetByIDs returns the users that exist among ids, keyed by id.
	GetByIDs(ctx context.Context, ids []string) (map[string]*model.User, error)
	Update(ctx context.Context, id string, upd model.ProfileUpdate) (*model.User, error)
	// ListTopByPoints orders by cumulative points, highest first.
	ListTopByPoints(ctx context.Context, limit int) ([]model.User, error)
}

// NearbyQuery asks for incidents in Status within RadiusMeters of Center,
// nearest first.
type NearbyQuery struct {
	Center       geo.Point
	RadiusMeters float64
	Status       model.IncidentStatus
	Limit        int
}

// CompleteParams describes a CLAIMED -> CLEANED transition and its award.
type CompleteParams struct {
	IncidentID    string
	UserID        string
	ImageAfterURL string
	Points        int64
	At            time.Time
}

type IncidentRepository interface {
	Create(ctx context.Context, incident *model.Incident) error
	GetByID(ctx context.Context, id string) (*model.Incident, error)
	FindNearby(ctx context.Context, q NearbyQuery) ([]model.Incident, error)

	// Claim moves the incident from PENDING to CLAIMED in one conditional
	// update. Returns ErrNotMatched when the incident is missing or not PENDING.
	Claim(ctx context.Context, id, userID string, at time.Time) (*model.Incident, error)

	// Complete moves the incident from CLAIMED (by p.UserID) to CLEANED and,
	// in the same unit of work, appends one CLEANING ledger entry and
	// increments the user's totals. Returns ErrNotMatched when the
	// precondition does not hold; nothing is awarded in that case.
	Complete(ctx context.Context, p CompleteParams) (*model.Incident, *model.RewardTransaction, error)

	// ListClaimedBy returns every incident ever claimed by userID, newest first.
	ListClaimedBy(ctx context.Context, userID string) ([]model.Incident, error)
}

// RewardRepository is the read side of the reward ledger. Entries are only
// ever written by IncidentRepository.Complete.
type RewardRepository interface {
	ListByUser(ctx context.Context, userID string) ([]model.RewardTransaction, error)
	CountByIncident(ctx context.Context, incidentID string) (int64, error)
	// SumSince groups entries with timestamp >= since by user and returns the
	// top limit totals, highest first.
	SumSince(ctx context.Context, since time.Time, limit int) ([]model.PointsTotal, error)
	// Audit compares user running totals and CLEANED incidents with the ledger.
	Audit(ctx context.Context) (model.LedgerAudit, error)
}

// AdminRepository holds operations reserved for operators.
type AdminRepository interface {
	// ResetAll deletes every user, incident and ledger entry.
	ResetAll(ctx context.Context) error
}
