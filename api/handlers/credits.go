package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/luminagen/lumina/api"
	"github.com/luminagen/lumina/gen"
	"github.com/luminagen/lumina/ledger"
)

// CreditsHandler serves balance queries and top-ups.
type CreditsHandler struct {
	ledger ledger.Ledger
	logger *zap.Logger
}

// NewCreditsHandler creates the handler.
func NewCreditsHandler(l ledger.Ledger, logger *zap.Logger) *CreditsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CreditsHandler{ledger: l, logger: logger}
}

// HandleBalance serves GET /api/v1/credits.
func (h *CreditsHandler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(w, r, h.logger)
	if !ok {
		return
	}

	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		// An account that was never credited has a zero balance, not an
		// error, from the caller's point of view.
		if errors.Is(err, ledger.ErrNoAccount) {
			WriteSuccess(w, r, api.BalanceResponse{UserID: userID, Balance: 0})
			return
		}
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.BalanceResponse{UserID: userID, Balance: balance})
}

// HandleTopUp serves POST /api/v1/credits/topup.
func (h *CreditsHandler) HandleTopUp(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(w, r, h.logger)
	if !ok {
		return
	}

	var req api.TopUpRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Amount <= 0 {
		WriteError(w, r, gen.NewError(gen.ErrInvalidRequest, "", "top-up amount must be positive"), h.logger)
		return
	}

	if err := h.ledger.Credit(r.Context(), userID, req.Amount); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.BalanceResponse{UserID: userID, Balance: balance})
}
