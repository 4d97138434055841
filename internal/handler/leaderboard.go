package handler

import (
	"log/slog"
	"net/http"

	"github.com/gangaguard/backend/internal/model"
	"github.com/gangaguard/backend/internal/service"
)

// LeaderboardHandler serves rankings and the caller's reward history.
type LeaderboardHandler struct {
	board  *service.LeaderboardService
	ledger *service.LedgerService
	users  *service.UserService
	logger *slog.Logger
}

func NewLeaderboardHandler(board *service.LeaderboardService, ledger *service.LedgerService, users *service.UserService, logger *slog.Logger) *LeaderboardHandler {
	return &LeaderboardHandler{board: board, ledger: ledger, users: users, logger: logger}
}

// HandleBoard returns the ranking for the period in the path.
//
// HTTP: GET /api/leaderboard/{period}  (weekly | monthly | all-time)
func (h *LeaderboardHandler) HandleBoard(w http.ResponseWriter, r *http.Request) {
	entries, err := h.board.Board(r.Context(), model.Period(r.PathValue("period")))
	if err != nil {
		writeError(w, err)
		return
	}
	for i := range entries {
		entries[i].ProfileImage = absolute(r, entries[i].ProfileImage)
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleMyRewards lists the caller's ledger entries, newest first.
//
// HTTP: GET /api/rewards/my
func (h *LeaderboardHandler) HandleMyRewards(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.users)
	if !ok {
		return
	}
	txs, err := h.ledger.History(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}
