package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/adeyemio/fxrail/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type TransferHandler struct {
	svc *service.TransferService
}

func NewTransferHandler(svc *service.TransferService) *TransferHandler {
	return &TransferHandler{svc: svc}
}

type createTransferRequest struct {
	BusinessID     string `json:"business_id"`
	SourceCurrency string `json:"source_currency"`
	TargetCurrency string `json:"target_currency"`
	AmountMicros   int64  `json:"amount_micros"`
	BeneficiaryID  string `json:"beneficiary_id,omitempty"`
}

// Create accepts a conversion or cross-border payout. The saga runs in the
// background; the response carries the reference to follow progress with.
func (h *TransferHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	businessID, err := uuid.Parse(req.BusinessID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "Invalid business_id")
		return
	}

	svcReq := service.CreateTransferRequest{
		BusinessID:     businessID,
		SourceCurrency: req.SourceCurrency,
		TargetCurrency: req.TargetCurrency,
		AmountMicros:   req.AmountMicros,
	}
	if req.BeneficiaryID != "" {
		beneficiaryID, err := uuid.Parse(req.BeneficiaryID)
		if err != nil {
			RespondError(w, r, http.StatusBadRequest, "request/validation", "Invalid beneficiary_id")
			return
		}
		svcReq.BeneficiaryID = &beneficiaryID
	}

	transfer, err := h.svc.CreateTransfer(r.Context(), svcReq)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusAccepted, map[string]any{
		"transfer_id": transfer.ID,
		"reference":   transfer.Reference,
		"status":      transfer.Status,
	})
}

// Get returns the transfer snapshot. The path segment is either the transfer
// UUID or its customer-facing reference.
func (h *TransferHandler) Get(w http.ResponseWriter, r *http.Request) {
	param := chi.URLParam(r, "id")

	if id, err := uuid.Parse(param); err == nil {
		transfer, err := h.svc.GetTransfer(r.Context(), id)
		if err != nil {
			RespondServiceError(w, r, err)
			return
		}
		RespondJSON(w, http.StatusOK, transfer)
		return
	}

	transfer, err := h.svc.GetTransferByReference(r.Context(), param)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, transfer)
}

// Timeline returns the ordered saga trace.
func (h *TransferHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "Invalid transfer id")
		return
	}

	events, err := h.svc.GetTimeline(r.Context(), id)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{
		"transfer_id": id,
		"events":      events,
	})
}

// Reverse undoes a completed conversion.
func (h *TransferHandler) Reverse(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "Invalid transfer id")
		return
	}

	reversal, err := h.svc.ReverseConversion(r.Context(), id)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, reversal)
}

// ManualReview lists transfers parked for operator action.
func (h *TransferHandler) ManualReview(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	transfers, err := h.svc.ListManualReview(r.Context(), limit, offset)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"transfers": transfers})
}

func pageParams(r *http.Request) (limit, offset int32) {
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		limit = int32(v)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		offset = int32(v)
	}
	return limit, offset
}
