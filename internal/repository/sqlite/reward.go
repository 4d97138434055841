package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gangaguard/backend/internal/model"
	"github.com/gangaguard/backend/internal/repository"
)

// compile-time check that *RewardDB implements repository.RewardRepository
var _ repository.RewardRepository = (*RewardDB)(nil)

// RewardDB reads the reward ledger.
type RewardDB struct {
	conn *sql.DB
}

// ListByUser returns a user's ledger entries, newest first.
func (s *RewardDB) ListByUser(ctx context.Context, userID string) ([]model.RewardTransaction, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, user_id, incident_id, points_earned, type, timestamp
		 FROM reward_transactions
		 WHERE user_id = ?
		 ORDER BY timestamp DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing rewards of %s: %w", userID, err)
	}
	defer rows.Close()

	txs := []model.RewardTransaction{}
	for rows.Next() {
		var (
			r  model.RewardTransaction
			ts int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.IncidentID, &r.PointsEarned, &r.Type, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: scanning reward row: %w", err)
		}
		r.Timestamp = fromMillis(ts)
		txs = append(txs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating reward rows: %w", err)
	}
	return txs, nil
}

// CountByIncident returns how many CLEANING entries reference the incident.
func (s *RewardDB) CountByIncident(ctx context.Context, incidentID string) (int64, error) {
	var n int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reward_transactions WHERE incident_id = ? AND type = ?`,
		incidentID, model.RewardCleaning,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: counting rewards of incident %s: %w", incidentID, err)
	}
	return n, nil
}

// SumSince aggregates entries with timestamp >= since per user, highest total
// first. Ties are broken by user id so pages are stable.
func (s *RewardDB) SumSince(ctx context.Context, since time.Time, limit int) ([]model.PointsTotal, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT user_id, SUM(points_earned) AS total
		 FROM reward_transactions
		 WHERE timestamp >= ?
		 GROUP BY user_id
		 ORDER BY total DESC, user_id ASC
		 LIMIT ?`,
		toMillis(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: aggregating rewards: %w", err)
	}
	defer rows.Close()

	totals := []model.PointsTotal{}
	for rows.Next() {
		var t model.PointsTotal
		if err := rows.Scan(&t.UserID, &t.Points); err != nil {
			return nil, fmt.Errorf("sqlite: scanning aggregate row: %w", err)
		}
		totals = append(totals, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating aggregate rows: %w", err)
	}
	return totals, nil
}

// Audit reports users whose running totals differ from their ledger sums, and
// incidents whose CLEANED status disagrees with the number of CLEANING entries
// (a CLEANED incident needs exactly one; any other status needs none).
func (s *RewardDB) Audit(ctx context.Context) (model.LedgerAudit, error) {
	audit := model.LedgerAudit{
		Users:     []model.LedgerDrift{},
		Incidents: []model.IncidentAwardDrift{},
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT u.id, u.points, COALESCE(l.points, 0), u.total_cleaned, COALESCE(l.entries, 0)
		 FROM users u
		 LEFT JOIN (
		     SELECT user_id, SUM(points_earned) AS points, COUNT(*) AS entries
		     FROM reward_transactions
		     WHERE type = ?
		     GROUP BY user_id
		 ) l ON l.user_id = u.id
		 WHERE u.points <> COALESCE(l.points, 0)
		    OR u.total_cleaned <> COALESCE(l.entries, 0)
		 ORDER BY u.id`,
		model.RewardCleaning,
	)
	if err != nil {
		return audit, fmt.Errorf("sqlite: auditing user totals: %w", err)
	}
	for rows.Next() {
		var d model.LedgerDrift
		if err := rows.Scan(&d.UserID, &d.Points, &d.LedgerPoints, &d.TotalCleaned, &d.LedgerCleanings); err != nil {
			rows.Close()
			return audit, fmt.Errorf("sqlite: scanning user drift: %w", err)
		}
		audit.Users = append(audit.Users, d)
	}
	if err := rows.Close(); err != nil {
		return audit, fmt.Errorf("sqlite: closing user drift rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return audit, fmt.Errorf("sqlite: iterating user drift: %w", err)
	}

	rows, err = s.conn.QueryContext(ctx,
		`SELECT i.id, COUNT(r.id)
		 FROM incidents i
		 LEFT JOIN reward_transactions r ON r.incident_id = i.id AND r.type = ?1
		 WHERE i.status = ?2
		 GROUP BY i.id
		 HAVING COUNT(r.id) <> 1
		 UNION ALL
		 SELECT r.incident_id, COUNT(*)
		 FROM reward_transactions r
		 LEFT JOIN incidents i ON i.id = r.incident_id
		 WHERE r.type = ?1 AND (i.status IS NULL OR i.status <> ?2)
		 GROUP BY r.incident_id
		 ORDER BY 1`,
		model.RewardCleaning, model.StatusCleaned,
	)
	if err != nil {
		return audit, fmt.Errorf("sqlite: auditing incident awards: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d model.IncidentAwardDrift
		if err := rows.Scan(&d.IncidentID, &d.Entries); err != nil {
			return audit, fmt.Errorf("sqlite: scanning incident drift: %w", err)
		}
		audit.Incidents = append(audit.Incidents, d)
	}
	if err := rows.Err(); err != nil {
		return audit, fmt.Errorf("sqlite: iterating incident drift: %w", err)
	}

	return audit, nil
}
