package handler

import (
	"net/http"

	"github.com/adeyemio/fxrail/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type WalletHandler struct {
	svc *service.LedgerService
}

func NewWalletHandler(svc *service.LedgerService) *WalletHandler {
	return &WalletHandler{svc: svc}
}

// List returns every wallet held by a business.
func (h *WalletHandler) List(w http.ResponseWriter, r *http.Request) {
	businessID, err := uuid.Parse(r.URL.Query().Get("business_id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "business_id query parameter is required")
		return
	}

	wallets, err := h.svc.ListWallets(r.Context(), businessID)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"wallets": wallets})
}

// Get returns one wallet by id.
func (h *WalletHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "Invalid wallet id")
		return
	}

	wallet, err := h.svc.GetWallet(r.Context(), id)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, wallet)
}

// Movements returns a wallet's ledger entries in append order.
func (h *WalletHandler) Movements(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "Invalid wallet id")
		return
	}

	limit, offset := pageParams(r)
	movements, err := h.svc.Movements(r.Context(), id, limit, offset)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{
		"wallet_id": id,
		"movements": movements,
	})
}
