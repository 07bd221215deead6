package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ff4f/yieldharvest-sub002/internal/contracts"
	"github.com/ff4f/yieldharvest-sub002/internal/domain"
	"github.com/ff4f/yieldharvest-sub002/internal/ports"
)

// CreateFundingResult is the full outcome of one create attempt, including
// the audit append outcome the caller may inspect or ignore.
type CreateFundingResult struct {
	Funding    domain.Funding `json:"funding"`
	EscrowID   string         `json:"escrow_id"`
	TxRef      string         `json:"tx_ref"`
	ProofLinks []string       `json:"proof_links"`
	Promoted   bool           `json:"promoted"`
	Audit      AuditOutcome   `json:"audit"`
}

type ReleaseFundingResult struct {
	Funding    domain.Funding `json:"funding"`
	TxRef      string         `json:"tx_ref"`
	ProofLinks []string       `json:"proof_links"`
	Audit      AuditOutcome   `json:"audit"`
}

// CreateFunding runs the funding saga: reserve -> deposit -> record ->
// promote -> log. The reservation is the atomically-checked conditional
// write that serializes concurrent requests per invoice; it always happens
// before the externally irreversible deposit.
func (s *Service) CreateFunding(ctx context.Context, actor Actor, input CreateFundingInput) (CreateFundingResult, error) {
	input.InvoiceID = strings.TrimSpace(input.InvoiceID)
	input.InvestorID = strings.TrimSpace(input.InvestorID)
	if input.InvoiceID == "" || input.InvestorID == "" {
		return CreateFundingResult{}, fmt.Errorf("%w: invoice_id and investor_id are required", domain.ErrInvalidInput)
	}
	if input.AmountMinor <= 0 {
		return CreateFundingResult{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(actor.IdempotencyKey) == "" {
		return CreateFundingResult{}, domain.ErrIdempotencyRequired
	}

	requestHash := hashJSON(input)
	if cached, ok, err := s.replayIdempotent(ctx, actor.IdempotencyKey, requestHash, &CreateFundingResult{}); err != nil {
		return CreateFundingResult{}, err
	} else if ok {
		return *cached.(*CreateFundingResult), nil
	}
	if err := s.reserveIdempotency(ctx, actor.IdempotencyKey, requestHash); err != nil {
		return CreateFundingResult{}, err
	}
	// A retry under a key whose first attempt timed out may be re-running a
	// deposit that actually landed. Until the reconciliation loop settles
	// that attempt, re-submitting would double the deposit.
	if err := s.rejectWhilePending(ctx, actor.IdempotencyKey); err != nil {
		return CreateFundingResult{}, err
	}

	log := s.logger.With(
		"module", "application.funding",
		"layer", "application",
		"operation", "create_funding",
		"request_id", actor.RequestID,
		"invoice_id", input.InvoiceID,
	)
	log.InfoContext(ctx, "funding attempt started", "stage", domain.StageRequested, "amount_minor", input.AmountMinor)

	invoice, err := s.invoices.GetByID(ctx, input.InvoiceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return CreateFundingResult{}, fmt.Errorf("%w: %s", domain.ErrInvoiceNotFound, input.InvoiceID)
		}
		return CreateFundingResult{}, err
	}
	if !invoice.Fundable() {
		return CreateFundingResult{}, fmt.Errorf("%w: invoice status is %s", domain.ErrNotFundable, invoice.Status)
	}
	if input.AmountMinor > invoice.RemainingMinor() {
		return CreateFundingResult{}, fmt.Errorf("%w: remaining %d, requested %d",
			domain.ErrOverSubscribed, invoice.RemainingMinor(), input.AmountMinor)
	}

	now := s.nowFn()
	reserved, err := s.invoices.ReserveFunding(ctx, invoice.InvoiceID, input.AmountMinor, now)
	if err != nil {
		return CreateFundingResult{}, err
	}

	topicID := s.ensureAuditTopic(ctx, &reserved)

	depositCtx, cancel := context.WithTimeout(ctx, s.cfg.FinalityTimeout)
	receipt, err := s.escrow.Create(depositCtx, invoice.InvoiceID, invoice.SupplierAddress, input.AmountMinor, input.SerialRef)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrOutcomeUnknown) {
			// The deposit may have landed. Keep the reservation so the
			// invariant holds in the worst case and hand the attempt to
			// the reconciliation loop.
			s.openTask(ctx, domain.ReconciliationTask{
				TaskID:         s.idFn(),
				Kind:           domain.TaskDepositOutcomeUnknown,
				InvoiceID:      invoice.InvoiceID,
				InvestorID:     input.InvestorID,
				AmountMinor:    input.AmountMinor,
				IdempotencyKey: actor.IdempotencyKey,
				OpenedAt:       s.nowFn(),
				Note:           "deposit submitted, finality not observed",
			}, log)
			return CreateFundingResult{}, fmt.Errorf("deposit for invoice %s: %w", invoice.InvoiceID, err)
		}
		// Nothing reached the chain; the reservation can be undone safely.
		if relErr := s.invoices.ReleaseReservation(ctx, invoice.InvoiceID, input.AmountMinor, s.nowFn()); relErr != nil {
			log.ErrorContext(ctx, "reservation rollback failed",
				"stage", domain.StageEscrowSubmitted, "outcome", "failure", "error", relErr)
		}
		return CreateFundingResult{}, err
	}
	log.InfoContext(ctx, "escrow deposit confirmed",
		"stage", domain.StageEscrowConfirmed, "escrow_id", receipt.EscrowID, "tx_ref", receipt.TxRef)

	funding := domain.Funding{
		FundingID:        s.idFn(),
		InvoiceID:        invoice.InvoiceID,
		InvestorID:       input.InvestorID,
		AmountMinor:      input.AmountMinor,
		EscrowID:         receipt.EscrowID,
		DepositTxRef:     receipt.TxRef,
		Status:           domain.FundingStatusActive,
		LedgerObservedAt: receipt.ConsensusAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.fundings.Create(ctx, funding); err != nil {
		// Funds are locked on-chain with no local record. There is no
		// refund entrypoint, so recovery is re-derivation from indexer
		// state keyed by escrow id.
		s.openTask(ctx, domain.ReconciliationTask{
			TaskID:       s.idFn(),
			Kind:         domain.TaskMissingFundingRow,
			InvoiceID:    invoice.InvoiceID,
			EscrowID:     receipt.EscrowID,
			DepositTxRef: receipt.TxRef,
			InvestorID:   input.InvestorID,
			AmountMinor:  input.AmountMinor,
			OpenedAt:     s.nowFn(),
			Note:         "funding insert failed after confirmed deposit",
		}, log)
		log.ErrorContext(ctx, "funding persistence failed after confirmed deposit",
			"stage", domain.StageRecorded, "outcome", "failure",
			"escrow_id", receipt.EscrowID, "tx_ref", receipt.TxRef, "error", err)
		return CreateFundingResult{}, &domain.CorrelatedError{
			EscrowID: receipt.EscrowID,
			TxRef:    receipt.TxRef,
			Err:      fmt.Errorf("escrow %s tx %s: %w", receipt.EscrowID, receipt.TxRef, domain.ErrConsistencyGap),
		}
	}
	log.InfoContext(ctx, "funding recorded", "stage", domain.StageRecorded, "funding_id", funding.FundingID)

	promoted := false
	if reserved.FundedMinor >= reserved.AmountMinor {
		if err := s.invoices.Promote(ctx, invoice.InvoiceID, domain.InvoiceStatusIssued, domain.InvoiceStatusFunded, s.nowFn()); err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				log.ErrorContext(ctx, "invoice promotion failed",
					"stage", domain.StageInvoicePromoted, "outcome", "failure", "error", err)
			}
		} else {
			promoted = true
			log.InfoContext(ctx, "invoice fully funded", "stage", domain.StageInvoicePromoted)
			s.appendTimeline(ctx, invoice.InvoiceID, domain.TimelineInvoiceFunded, map[string]any{
				"amount_minor": reserved.AmountMinor,
			})
			s.enqueueEvent(ctx, domain.EventInvoiceFunded, invoice.InvoiceID, contracts.InvoiceFundedEvent{
				InvoiceID:   invoice.InvoiceID,
				AmountMinor: reserved.AmountMinor,
				OccurredAt:  s.nowFn(),
			}, log)
		}
	}

	s.enqueueEvent(ctx, domain.EventFundingCreated, invoice.InvoiceID, contracts.FundingCreatedEvent{
		FundingID:   funding.FundingID,
		InvoiceID:   funding.InvoiceID,
		InvestorID:  funding.InvestorID,
		AmountMinor: funding.AmountMinor,
		EscrowID:    funding.EscrowID,
		OccurredAt:  s.nowFn(),
	}, log)

	audit := s.appendAudit(ctx, topicID, domain.AuditEventFundingCreated, contracts.FundingCreatedAudit{
		FundingID:    funding.FundingID,
		InvoiceID:    funding.InvoiceID,
		InvestorID:   funding.InvestorID,
		AmountMinor:  funding.AmountMinor,
		EscrowID:     funding.EscrowID,
		DepositTxRef: funding.DepositTxRef,
	}, log)
	if promoted {
		s.appendAudit(ctx, topicID, domain.AuditEventStatusUpdate, contracts.StatusUpdateAudit{
			InvoiceID: invoice.InvoiceID,
			From:      string(domain.InvoiceStatusIssued),
			To:        string(domain.InvoiceStatusFunded),
		}, log)
	}

	s.appendTimeline(ctx, invoice.InvoiceID, domain.TimelineFundingCreated, map[string]any{
		"funding_id":  funding.FundingID,
		"investor_id": funding.InvestorID,
		"escrow_id":   funding.EscrowID,
		"tx_ref":      funding.DepositTxRef,
		"stage":       domain.StageLogged,
	})

	result := CreateFundingResult{
		Funding:    funding,
		EscrowID:   funding.EscrowID,
		TxRef:      funding.DepositTxRef,
		ProofLinks: s.proofLinks(funding.DepositTxRef, funding.EscrowID, topicID, audit),
		Promoted:   promoted,
		Audit:      audit,
	}
	_ = s.completeIdempotencyJSON(ctx, actor.IdempotencyKey, 201, result)
	log.InfoContext(ctx, "funding attempt completed", "stage", domain.StageLogged, "outcome", "success")
	return result, nil
}

// ReleaseFunding releases an active funding's escrow to the supplier and
// flips the local row ACTIVE -> RELEASED. The ACTIVE check runs before the
// ledger call so re-releasing never reaches the chain a second time.
func (s *Service) ReleaseFunding(ctx context.Context, actor Actor, input ReleaseFundingInput) (ReleaseFundingResult, error) {
	input.FundingID = strings.TrimSpace(input.FundingID)
	if input.FundingID == "" {
		return ReleaseFundingResult{}, fmt.Errorf("%w: funding_id is required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(actor.IdempotencyKey) == "" {
		return ReleaseFundingResult{}, domain.ErrIdempotencyRequired
	}
	requestHash := hashJSON(input)
	if cached, ok, err := s.replayIdempotent(ctx, actor.IdempotencyKey, requestHash, &ReleaseFundingResult{}); err != nil {
		return ReleaseFundingResult{}, err
	} else if ok {
		return *cached.(*ReleaseFundingResult), nil
	}
	if err := s.reserveIdempotency(ctx, actor.IdempotencyKey, requestHash); err != nil {
		return ReleaseFundingResult{}, err
	}
	if err := s.rejectWhilePending(ctx, actor.IdempotencyKey); err != nil {
		return ReleaseFundingResult{}, err
	}

	log := s.logger.With(
		"module", "application.funding",
		"layer", "application",
		"operation", "release_funding",
		"request_id", actor.RequestID,
		"funding_id", input.FundingID,
	)

	funding, err := s.fundings.GetByID(ctx, input.FundingID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ReleaseFundingResult{}, fmt.Errorf("%w: %s", domain.ErrFundingNotFound, input.FundingID)
		}
		return ReleaseFundingResult{}, err
	}
	if funding.Status != domain.FundingStatusActive {
		return ReleaseFundingResult{}, fmt.Errorf("%w: funding %s", domain.ErrAlreadyReleased, funding.FundingID)
	}

	releaseCtx, cancel := context.WithTimeout(ctx, s.cfg.FinalityTimeout)
	receipt, err := s.escrow.Release(releaseCtx, funding.InvoiceID, funding.EscrowID)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrOutcomeUnknown) {
			s.openTask(ctx, domain.ReconciliationTask{
				TaskID:         s.idFn(),
				Kind:           domain.TaskReleaseOutcomeUnknown,
				InvoiceID:      funding.InvoiceID,
				EscrowID:       funding.EscrowID,
				IdempotencyKey: actor.IdempotencyKey,
				OpenedAt:       s.nowFn(),
				Note:           "release submitted, finality not observed",
			}, log)
			return ReleaseFundingResult{}, fmt.Errorf("release for funding %s: %w", funding.FundingID, err)
		}
		return ReleaseFundingResult{}, err
	}
	log.InfoContext(ctx, "escrow release confirmed", "escrow_id", funding.EscrowID, "tx_ref", receipt.TxRef)

	released, err := s.fundings.MarkReleased(ctx, funding.FundingID, receipt.TxRef, s.nowFn())
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyReleased) {
			// The reconciliation loop got there first; the ledger and the
			// projection agree, so the release succeeded.
			released, err = s.fundings.GetByID(ctx, funding.FundingID)
			if err != nil {
				return ReleaseFundingResult{}, err
			}
		} else {
			s.openTask(ctx, domain.ReconciliationTask{
				TaskID:       s.idFn(),
				Kind:         domain.TaskMissingRelease,
				InvoiceID:    funding.InvoiceID,
				EscrowID:     funding.EscrowID,
				DepositTxRef: receipt.TxRef,
				OpenedAt:     s.nowFn(),
				Note:         "status flip failed after confirmed release",
			}, log)
			return ReleaseFundingResult{}, &domain.CorrelatedError{
				EscrowID: funding.EscrowID,
				TxRef:    receipt.TxRef,
				Err:      fmt.Errorf("escrow %s tx %s: %w", funding.EscrowID, receipt.TxRef, domain.ErrConsistencyGap),
			}
		}
	}

	invoice, invErr := s.invoices.GetByID(ctx, funding.InvoiceID)
	topicID := ""
	if invErr == nil {
		topicID = invoice.AuditTopicID
	}

	s.enqueueEvent(ctx, domain.EventEscrowReleased, funding.InvoiceID, contracts.EscrowReleasedEvent{
		FundingID:    released.FundingID,
		InvoiceID:    released.InvoiceID,
		EscrowID:     released.EscrowID,
		ReleaseTxRef: released.ReleaseTxRef,
		OccurredAt:   s.nowFn(),
	}, log)

	audit := s.appendAudit(ctx, topicID, domain.AuditEventEscrowReleased, contracts.EscrowReleasedAudit{
		FundingID:    released.FundingID,
		InvoiceID:    released.InvoiceID,
		EscrowID:     released.EscrowID,
		ReleaseTxRef: released.ReleaseTxRef,
	}, log)

	s.appendTimeline(ctx, funding.InvoiceID, domain.TimelineEscrowReleased, map[string]any{
		"funding_id": released.FundingID,
		"escrow_id":  released.EscrowID,
		"tx_ref":     released.ReleaseTxRef,
	})

	result := ReleaseFundingResult{
		Funding:    released,
		TxRef:      receipt.TxRef,
		ProofLinks: s.proofLinks(receipt.TxRef, released.EscrowID, topicID, audit),
		Audit:      audit,
	}
	_ = s.completeIdempotencyJSON(ctx, actor.IdempotencyKey, 200, result)
	log.InfoContext(ctx, "release completed", "outcome", "success", "tx_ref", receipt.TxRef)
	return result, nil
}

func (s *Service) openTask(ctx context.Context, task domain.ReconciliationTask, log *slog.Logger) {
	if s.tasks == nil {
		return
	}
	if err := s.tasks.Open(ctx, task); err != nil {
		log.ErrorContext(ctx, "failed to open reconciliation task",
			"outcome", "failure", "task_kind", task.Kind, "escrow_id", task.EscrowID, "error", err)
	}
}

func (s *Service) appendTimeline(ctx context.Context, invoiceID, entryType string, detail map[string]any) {
	if s.timeline == nil {
		return
	}
	entry := domain.TimelineEntry{
		EntryID:    s.idFn(),
		InvoiceID:  invoiceID,
		EntryType:  entryType,
		Detail:     detail,
		OccurredAt: s.nowFn(),
	}
	if err := s.timeline.Append(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "timeline append failed",
			"module", "application.funding", "layer", "application",
			"operation", "append_timeline", "outcome", "failure",
			"invoice_id", invoiceID, "entry_type", entryType, "error", err)
	}
}

func (s *Service) enqueueEvent(ctx context.Context, eventType, partitionKey string, payload any, log *slog.Logger) {
	if s.outbox == nil || !domain.IsEmittedEvent(eventType) {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	rec := ports.OutboxRecord{
		OutboxID:     s.idFn(),
		EventType:    eventType,
		PartitionKey: partitionKey,
		Payload:      b,
		CreatedAt:    s.nowFn(),
	}
	if err := s.outbox.Enqueue(ctx, rec); err != nil {
		log.ErrorContext(ctx, "outbox enqueue failed",
			"outcome", "failure", "event_type", eventType, "error", err)
	}
}

func (s *Service) proofLinks(txRef, escrowID, topicID string, audit AuditOutcome) []string {
	base := strings.TrimRight(s.cfg.ExplorerBaseURL, "/")
	if base == "" {
		return nil
	}
	links := make([]string, 0, 3)
	if txRef != "" {
		links = append(links, base+"/transactions/"+txRef)
	}
	if escrowID != "" {
		links = append(links, base+"/escrows/"+escrowID)
	}
	if topicID != "" && audit.Delivered {
		links = append(links, fmt.Sprintf("%s/topics/%s/messages/%d", base, topicID, audit.SequenceNumber))
	}
	return links
}

func (s *Service) replayIdempotent(ctx context.Context, key, requestHash string, out any) (any, bool, error) {
	if s.idempotency == nil {
		return nil, false, nil
	}
	rec, err := s.idempotency.Get(ctx, key, s.nowFn())
	if err != nil || rec == nil {
		return nil, false, err
	}
	if rec.RequestHash != requestHash {
		return nil, false, domain.ErrIdempotencyConflict
	}
	if len(rec.ResponseBody) == 0 {
		return nil, false, nil
	}
	if err := json.Unmarshal(rec.ResponseBody, out); err != nil {
		return nil, false, nil
	}
	return out, true, nil
}

func (s *Service) reserveIdempotency(ctx context.Context, key, requestHash string) error {
	if s.idempotency == nil {
		return nil
	}
	err := s.idempotency.Reserve(ctx, key, requestHash, s.nowFn().Add(s.cfg.IdempotencyTTL))
	if errors.Is(err, domain.ErrConflict) {
		// The key is already reserved. A matching hash with no stored
		// response is an earlier attempt that failed mid-flight; the retry
		// may proceed under the same key.
		rec, getErr := s.idempotency.Get(ctx, key, s.nowFn())
		if getErr != nil {
			return getErr
		}
		if rec == nil || rec.RequestHash == requestHash {
			return nil
		}
		return domain.ErrIdempotencyConflict
	}
	return err
}

// rejectWhilePending refuses a retry whose earlier attempt is still an open
// reconciliation task. The first submission may have landed, so re-running
// the saga before the loop settles it would double-submit the deposit or
// release. Once the task resolves, a confirmed outcome is replayed from the
// idempotency record the loop completed; a rolled-back outcome leaves the
// key free for a fresh attempt.
func (s *Service) rejectWhilePending(ctx context.Context, key string) error {
	if s.tasks == nil {
		return nil
	}
	task, err := s.tasks.FindOpenByIdempotencyKey(ctx, key)
	if err != nil {
		return err
	}
	if task != nil {
		return fmt.Errorf("attempt for invoice %s awaiting reconciliation: %w", task.InvoiceID, domain.ErrOutcomeUnknown)
	}
	return nil
}

func (s *Service) completeIdempotencyJSON(ctx context.Context, key string, code int, payload any) error {
	if s.idempotency == nil {
		return nil
	}
	b, _ := json.Marshal(payload)
	return s.idempotency.Complete(ctx, key, code, b, s.nowFn())
}

func hashJSON(v any) string {
	b, _ := json.Marshal(v)
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
