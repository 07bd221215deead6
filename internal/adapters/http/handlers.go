package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ff4f/yieldharvest-sub002/internal/adapters/indexer"
	"github.com/ff4f/yieldharvest-sub002/internal/adapters/reconcile"
	"github.com/ff4f/yieldharvest-sub002/internal/application"
	"github.com/ff4f/yieldharvest-sub002/internal/contracts"
	"github.com/ff4f/yieldharvest-sub002/internal/domain"
)

const maxBodyBytes = 1 << 20

// Handler is the HTTP adapter entrypoint for funding use-cases. All
// collaborators are injected so the adapter stays free of package state.
type Handler struct {
	service *application.Service
	cache   *indexer.Cache
	reader  *indexer.Reader
	poller  *reconcile.Poller
	ready   func(ctx context.Context) error
	logger  *slog.Logger
}

func NewHandler(
	service *application.Service,
	cache *indexer.Cache,
	reader *indexer.Reader,
	poller *reconcile.Poller,
	ready func(ctx context.Context) error,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		service: service,
		cache:   cache,
		reader:  reader,
		poller:  poller,
		ready:   ready,
		logger:  logger.With("module", "http", "layer", "adapter"),
	}
}

func (h *Handler) actor(r *http.Request) application.Actor {
	return application.Actor{
		SubjectID:      strings.TrimSpace(r.Header.Get("X-Actor-Id")),
		RequestID:      requestIDFromContext(r.Context()),
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: malformed request body", domain.ErrInvalidInput)
	}
	return nil
}

func (h *Handler) createFunding(w http.ResponseWriter, r *http.Request) {
	var req contracts.CreateFundingRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	result, err := h.service.CreateFunding(r.Context(), h.actor(r), application.CreateFundingInput{
		InvoiceID:   chi.URLParam(r, "invoice_id"),
		InvestorID:  req.InvestorID,
		AmountMinor: req.AmountMinor,
		SerialRef:   req.SerialRef,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, contracts.CreateFundingResponse{
		Data:       toFundingResponse(result.Funding),
		EscrowID:   result.EscrowID,
		TxHash:     result.TxRef,
		ProofLinks: result.ProofLinks,
	})
}

func (h *Handler) releaseFunding(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ReleaseFunding(r.Context(), h.actor(r), application.ReleaseFundingInput{
		FundingID: chi.URLParam(r, "funding_id"),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, contracts.ReleaseFundingResponse{
		Message:    "escrow released to supplier",
		TxHash:     result.TxRef,
		ProofLinks: result.ProofLinks,
	})
}

func (h *Handler) getFunding(w http.ResponseWriter, r *http.Request) {
	funding, err := h.service.GetFunding(r.Context(), chi.URLParam(r, "funding_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toFundingResponse(funding))
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	invoice, err := h.service.GetInvoice(r.Context(), chi.URLParam(r, "invoice_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toInvoiceResponse(invoice))
}

func (h *Handler) listInvoiceFundings(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.GetInvoiceFundingSummary(r.Context(), chi.URLParam(r, "invoice_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	fundings := make([]contracts.FundingResponse, 0, len(summary.Fundings))
	for _, f := range summary.Fundings {
		fundings = append(fundings, toFundingResponse(f))
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"invoice":         toInvoiceResponse(summary.Invoice),
		"fundings":        fundings,
		"active_minor":    summary.ActiveMinor,
		"released_minor":  summary.ReleasedMinor,
		"remaining_minor": summary.RemainingMinor,
	})
}

func (h *Handler) invoiceTimeline(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeDomainError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrInvalidInput))
			return
		}
		limit = parsed
	}
	entries, err := h.service.ListInvoiceTimeline(r.Context(), chi.URLParam(r, "invoice_id"), limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"entries": entries})
}

// fundingProof serves the on-chain view of a funding: the indexed escrow
// state plus the raw deposit (and release, if any) transactions. Reads go
// through the TTL cache; a staleness window here is acceptable because the
// local row already carries authoritative status.
func (h *Handler) fundingProof(w http.ResponseWriter, r *http.Request) {
	funding, err := h.service.GetFunding(r.Context(), chi.URLParam(r, "funding_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	escrow, err := h.reader.EscrowByID(r.Context(), funding.EscrowID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	proof := map[string]any{
		"funding": toFundingResponse(funding),
		"escrow":  escrow,
	}
	if deposit, err := h.reader.TransactionByRef(r.Context(), funding.DepositTxRef); err == nil {
		proof["deposit_tx"] = deposit
	}
	if funding.ReleaseTxRef != "" {
		if release, err := h.reader.TransactionByRef(r.Context(), funding.ReleaseTxRef); err == nil {
			proof["release_tx"] = release
		}
	}
	writeSuccess(w, http.StatusOK, proof)
}

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	stats := h.cache.Stats()
	writeSuccess(w, http.StatusOK, contracts.CacheStatsResponse{
		Hits:          stats.Hits,
		Misses:        stats.Misses,
		Errors:        stats.Errors,
		Invalidations: stats.Invalidations,
	})
}

func (h *Handler) reconcilePoll(w http.ResponseWriter, r *http.Request) {
	if err := h.poller.ForcePoll(r.Context()); err != nil {
		h.logger.ErrorContext(r.Context(), "forced reconciliation cycle failed",
			"operation", "reconcile_poll",
			"outcome", "failure",
			"error", err,
		)
		writeError(w, r, http.StatusInternalServerError, "RECONCILE_FAILED", "reconciliation cycle failed")
		return
	}
	writeSuccess(w, http.StatusOK, pollerStatsPayload(h.poller.Stats()))
}

func (h *Handler) reconcileStats(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, pollerStatsPayload(h.poller.Stats()))
}

func pollerStatsPayload(stats reconcile.Stats) contracts.PollerStatsResponse {
	out := contracts.PollerStatsResponse{
		CyclesCompleted:  stats.CyclesCompleted,
		CyclesFailed:     stats.CyclesFailed,
		FundingsUpserted: stats.FundingsUpserted,
		TasksResolved:    stats.TasksResolved,
		OpenTasks:        stats.OpenTasks,
	}
	if !stats.LastCycleAt.IsZero() {
		at := stats.LastCycleAt
		out.LastCycleAt = &at
		out.LastCycleDuration = stats.LastCycleTook.String()
	}
	if !stats.Watermark.IsZero() {
		mark := stats.Watermark
		out.Watermark = &mark
	}
	return out
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			writeError(w, r, http.StatusServiceUnavailable, "NOT_READY", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func toFundingResponse(f domain.Funding) contracts.FundingResponse {
	return contracts.FundingResponse{
		FundingID:    f.FundingID,
		InvoiceID:    f.InvoiceID,
		InvestorID:   f.InvestorID,
		AmountMinor:  f.AmountMinor,
		EscrowID:     f.EscrowID,
		DepositTxRef: f.DepositTxRef,
		Status:       string(f.Status),
		ReleaseTxRef: f.ReleaseTxRef,
		ReleasedAt:   f.ReleasedAt,
		CreatedAt:    f.CreatedAt,
	}
}

func toInvoiceResponse(i domain.Invoice) contracts.InvoiceResponse {
	return contracts.InvoiceResponse{
		InvoiceID:      i.InvoiceID,
		AmountMinor:    i.AmountMinor,
		Currency:       i.Currency,
		Status:         string(i.Status),
		FundedMinor:    i.FundedMinor,
		RemainingMinor: i.RemainingMinor(),
		AuditTopicID:   i.AuditTopicID,
	}
}
