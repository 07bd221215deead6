package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ff4f/yieldharvest-sub002/internal/contracts"
	"github.com/ff4f/yieldharvest-sub002/internal/domain"
)

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	writeJSON(w, statusCode, contracts.SuccessResponse{
		Status: "success",
		Data:   data,
	})
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	writeJSON(w, statusCode, contracts.ErrorResponse{
		Status: "error",
		Error: contracts.ErrorPayload{
			Code:      code,
			Message:   message,
			RequestID: requestIDFromContext(r.Context()),
		},
	})
}

// writeDomainError maps saga outcomes onto the wire contract. The two
// ambiguous outcomes get dedicated codes so callers can distinguish "retry
// with the same idempotency key" (outcome_unknown) from "a background repair
// is pending" (requires_reconciliation). When the error carries ledger
// correlation ids they are surfaced so operators can chase the escrow and
// transaction without grepping service logs.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	statusCode, code, message := mapDomainError(err)
	payload := contracts.ErrorPayload{
		Code:      code,
		Message:   message,
		RequestID: requestIDFromContext(r.Context()),
	}
	var correlated *domain.CorrelatedError
	if errors.As(err, &correlated) {
		payload.EscrowID = correlated.EscrowID
		payload.TxHash = correlated.TxRef
	}
	writeJSON(w, statusCode, contracts.ErrorResponse{
		Status: "error",
		Error:  payload,
	})
}

func mapDomainError(err error) (int, string, string) {
	switch {
	case errors.Is(err, domain.ErrIdempotencyRequired):
		return http.StatusBadRequest, "IDEMPOTENCY_KEY_REQUIRED", "Idempotency-Key header is required"
	case errors.Is(err, domain.ErrIdempotencyConflict):
		return http.StatusConflict, "IDEMPOTENCY_CONFLICT", "idempotency key reused with a different request body"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error()
	case errors.Is(err, domain.ErrNotFundable):
		return http.StatusBadRequest, "NOT_FUNDABLE", err.Error()
	case errors.Is(err, domain.ErrOverSubscribed):
		return http.StatusBadRequest, "OVER_SUBSCRIBED", err.Error()
	case errors.Is(err, domain.ErrAlreadyReleased):
		return http.StatusBadRequest, "ALREADY_RELEASED", err.Error()
	case errors.Is(err, domain.ErrNoActiveEscrow):
		return http.StatusBadRequest, "NO_ACTIVE_ESCROW", err.Error()
	case errors.Is(err, domain.ErrEscrowMismatch):
		return http.StatusConflict, "ESCROW_MISMATCH", err.Error()
	case errors.Is(err, domain.ErrLedgerRejected):
		return http.StatusBadRequest, "LEDGER_REJECTED", err.Error()
	case errors.Is(err, domain.ErrEscrowEventMissing):
		return http.StatusInternalServerError, "ESCROW_EVENT_MISSING", err.Error()
	case errors.Is(err, domain.ErrInvoiceNotFound),
		errors.Is(err, domain.ErrFundingNotFound),
		errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error()
	case errors.Is(err, domain.ErrOutcomeUnknown):
		return http.StatusInternalServerError, "outcome_unknown",
			"transaction submitted but finality was not observed in time; retry with the same Idempotency-Key"
	case errors.Is(err, domain.ErrConsistencyGap):
		return http.StatusInternalServerError, "requires_reconciliation", err.Error()
	case errors.Is(err, domain.ErrTransient):
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "upstream dependency unavailable, retry later"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "CONFLICT", err.Error()
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}
