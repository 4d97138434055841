// Package model defines the data structures used throughout the application.
package model

import "time"

// Role is the kind of participant a user registered as.
type Role string

const (
	RoleNormalUser Role = "NORMAL_USER"
	RoleSafaiKarmi Role = "SAFAI_KARMI" // sanitation worker
	RoleSanstha    Role = "SANSTHA"     // organisation / NGO
)

// DefaultUserName is used when neither the request nor the identity provider
// supplies a display name.
const DefaultUserName = "Ganga Guardian"

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleNormalUser, RoleSafaiKarmi, RoleSanstha:
		return true
	}
	return false
}

// User is a profile keyed by the identity provider's stable subject.
//
// Points and TotalCleaned are running totals. They only grow, and only as a
// side effect of a completed incident; the reward ledger is their source of
// truth.
type User struct {
	ID              string     `json:"_id"`
	ExternalID      string     `json:"-"` // identity provider subject (Firebase uid)
	Name            string     `json:"name"`
	Username        string     `json:"username,omitempty"` // lower-cased, unique when set
	Email           string     `json:"email"`
	ProfileImageURL string     `json:"profileImageUrl,omitempty"`
	Role            Role       `json:"role"`
	Points          int64      `json:"points"`
	TotalCleaned    int64      `json:"totalCleaned"`
	LastLogin       *time.Time `json:"lastLogin,omitempty"`
	LastLogout      *time.Time `json:"lastLogout,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// ProfileUpdate carries the optional fields of a bootstrap or profile edit.
// Nil means "leave unchanged".
type ProfileUpdate struct {
	Name            *string
	Username        *string
	Role            *Role
	ProfileImageURL *string
	LastLogin       *time.Time
	LastLogout      *time.Time
}

// Empty reports whether the update would change nothing.
func (u ProfileUpdate) Empty() bool {
	return u.Name == nil && u.Username == nil && u.Role == nil &&
		u.ProfileImageURL == nil && u.LastLogin == nil && u.LastLogout == nil
}
