package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/adeyemio/fxrail/internal/api/problem"
	"github.com/adeyemio/fxrail/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
)

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// RespondError writes an RFC 7807 error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, http.StatusText(status), message)
}

// RespondServiceError maps domain error sentinels onto HTTP statuses.
func RespondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if status, problemType, message, ok := mapDBError(err); ok {
		RespondError(w, r, status, problemType, message)
		return
	}

	switch {
	case errors.Is(err, models.ErrValidation):
		RespondError(w, r, http.StatusBadRequest, "request/validation", err.Error())
	case errors.Is(err, models.ErrInsufficientFunds):
		RespondError(w, r, http.StatusUnprocessableEntity, "ledger/insufficient-funds", err.Error())
	case errors.Is(err, models.ErrBeneficiaryInactive):
		RespondError(w, r, http.StatusUnprocessableEntity, "transfer/beneficiary-inactive", err.Error())
	case errors.Is(err, models.ErrWalletNotFound),
		errors.Is(err, models.ErrTransferNotFound),
		errors.Is(err, models.ErrFeeRuleNotFound):
		RespondError(w, r, http.StatusNotFound, "resource/not-found", err.Error())
	case errors.Is(err, models.ErrRateUnavailable),
		errors.Is(err, models.ErrLiquidityUnavailable):
		RespondError(w, r, http.StatusServiceUnavailable, "provider/unavailable", err.Error())
	default:
		RespondError(w, r, http.StatusInternalServerError, "internal-server-error", "unexpected server error")
	}
}

func mapDBError(err error) (status int, problemType, message string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return 0, "", "", false
	}

	switch pgErr.Code {
	case "23505": // unique_violation
		return http.StatusConflict, "db/unique-violation", "resource already exists", true
	case "23503": // foreign_key_violation
		return http.StatusBadRequest, "db/foreign-key-violation", "invalid reference", true
	case "23514": // check_violation
		return http.StatusBadRequest, "db/check-violation", "request violates data constraints", true
	case "23502": // not_null_violation
		return http.StatusBadRequest, "db/not-null-violation", "missing required field", true
	default:
		return 0, "", "", false
	}
}
