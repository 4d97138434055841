package model

import "time"

// RewardType classifies a ledger entry.
type RewardType string

const RewardCleaning RewardType = "CLEANING"

// CleaningPoints is the fixed award for completing one incident.
const CleaningPoints int64 = 10

// RewardTransaction is an append-only ledger entry. Once written it is never
// updated or deleted (except by the administrative full reset).
type RewardTransaction struct {
	ID           string     `json:"_id"`
	UserID       string     `json:"userId"`
	IncidentID   string     `json:"incidentId"`
	PointsEarned int64      `json:"pointsEarned"`
	Type         RewardType `json:"type"`
	Timestamp    time.Time  `json:"timestamp"`
}

// LedgerDrift describes a user whose running totals disagree with the ledger.
type LedgerDrift struct {
	UserID          string `json:"userId"`
	Points          int64  `json:"points"`
	LedgerPoints    int64  `json:"ledgerPoints"`
	TotalCleaned    int64  `json:"totalCleaned"`
	LedgerCleanings int64  `json:"ledgerCleanings"`
}

// IncidentAwardDrift describes a CLEANED incident without exactly one
// CLEANING ledger entry.
type IncidentAwardDrift struct {
	IncidentID string `json:"incidentId"`
	Entries    int64  `json:"entries"`
}

// LedgerAudit is the result of comparing running totals with the ledger.
type LedgerAudit struct {
	Users     []LedgerDrift        `json:"users"`
	Incidents []IncidentAwardDrift `json:"incidents"`
}

// Clean reports whether no drift was found.
func (a LedgerAudit) Clean() bool {
	return len(a.Users) == 0 && len(a.Incidents) == 0
}
