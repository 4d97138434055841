package model

import (
	"time"

	"github.com/gangaguard/backend/internal/geo"
)

// IncidentStatus is a state of the incident lifecycle.
// The only legal transitions are PENDING -> CLAIMED -> CLEANED.
type IncidentStatus string

const (
	StatusPending IncidentStatus = "PENDING"
	StatusClaimed IncidentStatus = "CLAIMED"
	StatusCleaned IncidentStatus = "CLEANED"
)

// Valid reports whether s is a known status.
func (s IncidentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusCleaned:
		return true
	}
	return false
}

// Incident is a geotagged garbage report.
//
// Invariants kept by the store:
//   - ClaimedBy is set iff Status is CLAIMED or CLEANED
//   - CleanedBy and ImageAfterURL are set iff Status is CLEANED
//   - CleanedBy == ClaimedBy once CLEANED
type Incident struct {
	ID             string         `json:"_id"`
	ImageBeforeURL string         `json:"imageBeforeUrl"`
	ImageAfterURL  string         `json:"imageAfterUrl,omitempty"`
	Location       *geo.Point     `json:"location,omitempty"`
	AddressText    string         `json:"addressText,omitempty"`
	Status         IncidentStatus `json:"status"`
	CreatedBy      string         `json:"createdBy,omitempty"`
	ClaimedBy      string         `json:"claimedBy,omitempty"`
	CleanedBy      string         `json:"cleanedBy,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`

	// DistanceMeters is populated by nearby queries only.
	DistanceMeters *float64 `json:"distanceMeters,omitempty"`
}

// WithAbsoluteURLs returns a copy whose evidence references are absolute,
// using resolve for relative ones.
func (i Incident) WithAbsoluteURLs(resolve func(string) string) Incident {
	if i.ImageBeforeURL != "" {
		i.ImageBeforeURL = resolve(i.ImageBeforeURL)
	}
	if i.ImageAfterURL != "" {
		i.ImageAfterURL = resolve(i.ImageAfterURL)
	}
	return i
}
