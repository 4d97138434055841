package model

import "time"

// Period selects a leaderboard window.
type Period string

const (
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	PeriodAllTime Period = "all-time"
)

// Window returns the look-back duration of a windowed period.
// ok is false for all-time and unknown periods.
func (p Period) Window() (d time.Duration, ok bool) {
	switch p {
	case PeriodWeekly:
		return 7 * 24 * time.Hour, true
	case PeriodMonthly:
		return 30 * 24 * time.Hour, true
	}
	return 0, false
}

// PointsTotal is one row of a ledger aggregation.
type PointsTotal struct {
	UserID string
	Points int64
}

// LeaderboardEntry is one ranked row. PeriodPoints covers the requested
// window; TotalPoints and TotalCleaned are always all-time figures.
type LeaderboardEntry struct {
	Rank         int    `json:"rank"`
	UserID       string `json:"userId"`
	Name         string `json:"name"`
	Role         Role   `json:"role"`
	PeriodPoints int64  `json:"periodPoints"`
	TotalPoints  int64  `json:"totalPoints"`
	TotalCleaned int64  `json:"totalCleaned"`
	ProfileImage string `json:"profileImage,omitempty"`
}
