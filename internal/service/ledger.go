package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gangaguard/backend/internal/model"
	"github.com/gangaguard/backend/internal/repository"
)

// LedgerService exposes the reward ledger to users and operators.
type LedgerService struct {
	rewards repository.RewardRepository
	admin   repository.AdminRepository
	logger  *slog.Logger
}

func NewLedgerService(rewards repository.RewardRepository, admin repository.AdminRepository, logger *slog.Logger) *LedgerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerService{rewards: rewards, admin: admin, logger: logger}
}

// History returns userID's ledger entries, newest first.
func (s *LedgerService) History(ctx context.Context, userID string) ([]model.RewardTransaction, error) {
	txs, err := s.rewards.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing rewards: %w", err)
	}
	return txs, nil
}

// Audit compares every user's running totals and every CLEANED incident with
// the ledger. Drift means a completion was applied partially.
func (s *LedgerService) Audit(ctx context.Context) (_ model.LedgerAudit, err error) {
	ctx, span := startSpan(ctx, "LedgerAudit")
	defer func() { endSpan(span, err) }()

	audit, err := s.rewards.Audit(ctx)
	if err != nil {
		return model.LedgerAudit{}, fmt.Errorf("auditing ledger: %w", err)
	}
	if !audit.Clean() {
		s.logger.Warn("ledger drift detected", "users", len(audit.Users), "incidents", len(audit.Incidents))
	}
	return audit, nil
}

// Reset deletes every user, incident and ledger entry.
func (s *LedgerService) Reset(ctx context.Context) error {
	if err := s.admin.ResetAll(ctx); err != nil {
		return fmt.Errorf("resetting data: %w", err)
	}
	s.logger.Warn("all data deleted")
	return nil
}
