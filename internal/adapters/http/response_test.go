package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ff4f/yieldharvest-sub002/internal/contracts"
	"github.com/ff4f/yieldharvest-sub002/internal/domain"
)

func TestMapDomainError(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
		wantTag  string
	}{
		{"missing idempotency key", domain.ErrIdempotencyRequired, http.StatusBadRequest, "IDEMPOTENCY_KEY_REQUIRED"},
		{"idempotency conflict", domain.ErrIdempotencyConflict, http.StatusConflict, "IDEMPOTENCY_CONFLICT"},
		{"validation", fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"not fundable", domain.ErrNotFundable, http.StatusBadRequest, "NOT_FUNDABLE"},
		{"over subscribed", domain.ErrOverSubscribed, http.StatusBadRequest, "OVER_SUBSCRIBED"},
		{"already released", domain.ErrAlreadyReleased, http.StatusBadRequest, "ALREADY_RELEASED"},
		{"escrow mismatch", fmt.Errorf("%w: invoice inv-1", domain.ErrEscrowMismatch), http.StatusConflict, "ESCROW_MISMATCH"},
		{"ledger rejection", fmt.Errorf("%w: reverted", domain.ErrLedgerRejected), http.StatusBadRequest, "LEDGER_REJECTED"},
		{"invoice not found", domain.ErrInvoiceNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"outcome unknown", fmt.Errorf("tx 0.0.2@1.0: %w", domain.ErrOutcomeUnknown), http.StatusInternalServerError, "outcome_unknown"},
		{"consistency gap", domain.ErrConsistencyGap, http.StatusInternalServerError, "requires_reconciliation"},
		{"transient upstream", fmt.Errorf("%w: dial tcp", domain.ErrTransient), http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, tag, msg := mapDomainError(tc.err)
			if code != tc.wantCode || tag != tc.wantTag {
				t.Fatalf("got (%d, %s), want (%d, %s)", code, tag, tc.wantCode, tc.wantTag)
			}
			if msg == "" {
				t.Fatalf("empty message for %v", tc.err)
			}
		})
	}
}

func TestMapDomainErrorHidesInternalDetail(t *testing.T) {
	_, _, msg := mapDomainError(errors.New("pq: connection refused"))
	if msg != "internal server error" {
		t.Fatalf("internal errors must not leak detail, got %q", msg)
	}
}

func TestWriteDomainErrorCarriesRequestID(t *testing.T) {
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeDomainError(w, r, domain.ErrNotFundable)
	}))

	req := httptest.NewRequest(http.MethodPost, "/funding/v1/invoices/inv-1/fundings", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	var resp contracts.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "error" || resp.Error.Code != "NOT_FUNDABLE" {
		t.Fatalf("unexpected body %+v", resp)
	}
	if resp.Error.RequestID != "req-42" {
		t.Fatalf("request id not propagated: %+v", resp.Error)
	}
}

func TestWriteDomainErrorSurfacesCorrelationIDs(t *testing.T) {
	err := &domain.CorrelatedError{
		EscrowID: "0.0.5001",
		TxRef:    "0.0.2@1700000001.0",
		Err:      fmt.Errorf("escrow 0.0.5001 tx 0.0.2@1700000001.0: %w", domain.ErrConsistencyGap),
	}
	rr := httptest.NewRecorder()
	writeDomainError(rr, httptest.NewRequest(http.MethodPost, "/funding/v1/invoices/inv-1/fundings", nil), err)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	var resp contracts.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != "requires_reconciliation" {
		t.Fatalf("unexpected code %q", resp.Error.Code)
	}
	if resp.Error.EscrowID != "0.0.5001" || resp.Error.TxHash != "0.0.2@1700000001.0" {
		t.Fatalf("correlation ids missing from payload: %+v", resp.Error)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := recoverMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("unreachable state")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", rr.Code)
	}
}
