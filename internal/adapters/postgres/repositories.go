package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ff4f/yieldharvest-sub002/internal/domain"
	"github.com/ff4f/yieldharvest-sub002/internal/ports"
)

type Repositories struct {
	Invoices    *InvoiceRepository
	Fundings    *FundingRepository
	Timeline    *TimelineRepository
	Tasks       *ReconciliationTaskRepository
	Outbox      *OutboxRepository
	Idempotency *IdempotencyRepository
}

func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Invoices:    &InvoiceRepository{db: db},
		Fundings:    &FundingRepository{db: db},
		Timeline:    &TimelineRepository{db: db},
		Tasks:       &ReconciliationTaskRepository{db: db},
		Outbox:      &OutboxRepository{db: db},
		Idempotency: &IdempotencyRepository{db: db},
	}
}

type InvoiceRepository struct {
	db *gorm.DB
}

func (r *InvoiceRepository) GetByID(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	var rec invoiceModel
	if err := r.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Invoice{}, domain.ErrNotFound
		}
		return domain.Invoice{}, err
	}
	return toDomainInvoice(rec), nil
}

// ReserveFunding is the serialization point for concurrent funding requests:
// a single conditional UPDATE that only applies while the invoice is ISSUED
// and the running total stays within the invoice amount. Zero rows affected
// means the condition failed; the follow-up read distinguishes why.
func (r *InvoiceRepository) ReserveFunding(ctx context.Context, invoiceID string, amountMinor int64, at time.Time) (domain.Invoice, error) {
	res := r.db.WithContext(ctx).Model(&invoiceModel{}).
		Where("invoice_id = ? AND status = ? AND funded_minor + ? <= amount_minor",
			invoiceID, string(domain.InvoiceStatusIssued), amountMinor).
		Updates(map[string]any{
			"funded_minor": gorm.Expr("funded_minor + ?", amountMinor),
			"updated_at":   at,
		})
	if res.Error != nil {
		return domain.Invoice{}, res.Error
	}
	if res.RowsAffected == 0 {
		current, err := r.GetByID(ctx, invoiceID)
		if err != nil {
			return domain.Invoice{}, err
		}
		if current.Status != domain.InvoiceStatusIssued {
			return domain.Invoice{}, domain.ErrNotFundable
		}
		return domain.Invoice{}, domain.ErrOverSubscribed
	}
	return r.GetByID(ctx, invoiceID)
}

func (r *InvoiceRepository) ReleaseReservation(ctx context.Context, invoiceID string, amountMinor int64, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&invoiceModel{}).
		Where("invoice_id = ? AND funded_minor >= ?", invoiceID, amountMinor).
		Updates(map[string]any{
			"funded_minor": gorm.Expr("funded_minor - ?", amountMinor),
			"updated_at":   at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *InvoiceRepository) Promote(ctx context.Context, invoiceID string, from, to domain.InvoiceStatus, at time.Time) error {
	if !domain.InvoiceTransitionAllowed(from, to) {
		return domain.ErrConflict
	}
	res := r.db.WithContext(ctx).Model(&invoiceModel{}).
		Where("invoice_id = ? AND status = ?", invoiceID, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *InvoiceRepository) SetAuditTopic(ctx context.Context, invoiceID, topicID string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&invoiceModel{}).
		Where("invoice_id = ? AND audit_topic_id IS NULL", invoiceID).
		Updates(map[string]any{"audit_topic_id": topicID, "updated_at": at})
	return res.Error
}

type FundingRepository struct {
	db *gorm.DB
}

func (r *FundingRepository) Create(ctx context.Context, row domain.Funding) error {
	rec := toFundingModel(row)
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

func (r *FundingRepository) GetByID(ctx context.Context, fundingID string) (domain.Funding, error) {
	var rec fundingModel
	if err := r.db.WithContext(ctx).Where("funding_id = ?", fundingID).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Funding{}, domain.ErrNotFound
		}
		return domain.Funding{}, err
	}
	return toDomainFunding(rec), nil
}

func (r *FundingRepository) GetByEscrowID(ctx context.Context, escrowID string) (domain.Funding, error) {
	var rec fundingModel
	if err := r.db.WithContext(ctx).Where("escrow_id = ?", escrowID).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Funding{}, domain.ErrNotFound
		}
		return domain.Funding{}, err
	}
	return toDomainFunding(rec), nil
}

func (r *FundingRepository) ListByInvoiceID(ctx context.Context, invoiceID string) ([]domain.Funding, error) {
	var recs []fundingModel
	if err := r.db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("created_at ASC").
		Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Funding, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toDomainFunding(rec))
	}
	return out, nil
}

// MarkReleased flips ACTIVE -> RELEASED with a compare-and-swap on status so
// the transition happens exactly once regardless of writer.
func (r *FundingRepository) MarkReleased(ctx context.Context, fundingID, releaseTxRef string, releasedAt time.Time) (domain.Funding, error) {
	res := r.db.WithContext(ctx).Model(&fundingModel{}).
		Where("funding_id = ? AND status = ?", fundingID, string(domain.FundingStatusActive)).
		Updates(map[string]any{
			"status":         string(domain.FundingStatusReleased),
			"release_tx_ref": releaseTxRef,
			"released_at":    releasedAt,
			"updated_at":     releasedAt,
		})
	if res.Error != nil {
		return domain.Funding{}, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, fundingID); err != nil {
			return domain.Funding{}, err
		}
		return domain.Funding{}, domain.ErrAlreadyReleased
	}
	return r.GetByID(ctx, fundingID)
}

// UpsertFromLedger merges indexer-derived state, latest-ledger-timestamp-wins.
// RELEASED is terminal: a stale deposit event never reactivates a row.
func (r *FundingRepository) UpsertFromLedger(ctx context.Context, row domain.Funding) (bool, error) {
	existing, err := r.GetByEscrowID(ctx, row.EscrowID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return false, err
		}
		if createErr := r.Create(ctx, row); createErr != nil {
			if errors.Is(createErr, domain.ErrConflict) {
				return false, nil
			}
			return false, createErr
		}
		return true, nil
	}

	if !row.LedgerObservedAt.After(existing.LedgerObservedAt) {
		return false, nil
	}
	if existing.Status == domain.FundingStatusReleased {
		return false, nil
	}
	if row.Status != domain.FundingStatusReleased {
		return false, nil
	}
	_, err = r.MarkReleased(ctx, existing.FundingID, row.ReleaseTxRef, row.LedgerObservedAt)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyReleased) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type TimelineRepository struct {
	db *gorm.DB
}

func (r *TimelineRepository) Append(ctx context.Context, entry domain.TimelineEntry) error {
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		detail = []byte(`{}`)
	}
	rec := timelineModel{
		EntryID:    entry.EntryID,
		InvoiceID:  entry.InvoiceID,
		EntryType:  entry.EntryType,
		Detail:     string(detail),
		OccurredAt: entry.OccurredAt,
	}
	return r.db.WithContext(ctx).Create(&rec).Error
}

func (r *TimelineRepository) ListByInvoiceID(ctx context.Context, invoiceID string, limit int) ([]domain.TimelineEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []timelineModel
	if err := r.db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("occurred_at DESC").
		Limit(limit).
		Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]domain.TimelineEntry, 0, len(recs))
	for _, rec := range recs {
		var detail map[string]any
		_ = json.Unmarshal([]byte(rec.Detail), &detail)
		out = append(out, domain.TimelineEntry{
			EntryID:    rec.EntryID,
			InvoiceID:  rec.InvoiceID,
			EntryType:  rec.EntryType,
			Detail:     detail,
			OccurredAt: rec.OccurredAt,
		})
	}
	return out, nil
}

type ReconciliationTaskRepository struct {
	db *gorm.DB
}

func (r *ReconciliationTaskRepository) Open(ctx context.Context, task domain.ReconciliationTask) error {
	rec := reconciliationTaskModel{
		TaskID:         task.TaskID,
		Kind:           task.Kind,
		InvoiceID:      nilIfEmpty(task.InvoiceID),
		EscrowID:       nilIfEmpty(task.EscrowID),
		DepositTxRef:   nilIfEmpty(task.DepositTxRef),
		InvestorID:     nilIfEmpty(task.InvestorID),
		IdempotencyKey: nilIfEmpty(task.IdempotencyKey),
		OpenedAt:       task.OpenedAt,
		Note:           nilIfEmpty(task.Note),
	}
	if task.AmountMinor > 0 {
		amount := task.AmountMinor
		rec.AmountMinor = &amount
	}
	return r.db.WithContext(ctx).Create(&rec).Error
}

func (r *ReconciliationTaskRepository) ListOpen(ctx context.Context, limit int) ([]domain.ReconciliationTask, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []reconciliationTaskModel
	if err := r.db.WithContext(ctx).
		Where("resolved_at IS NULL").
		Order("opened_at ASC").
		Limit(limit).
		Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]domain.ReconciliationTask, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toDomainTask(rec))
	}
	return out, nil
}

func (r *ReconciliationTaskRepository) FindOpenByIdempotencyKey(ctx context.Context, key string) (*domain.ReconciliationTask, error) {
	if key == "" {
		return nil, nil
	}
	var rec reconciliationTaskModel
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ? AND resolved_at IS NULL", key).
		Order("opened_at DESC").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	task := toDomainTask(rec)
	return &task, nil
}

func (r *ReconciliationTaskRepository) Resolve(ctx context.Context, taskID, note string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&reconciliationTaskModel{}).
		Where("task_id = ? AND resolved_at IS NULL", taskID).
		Updates(map[string]any{"resolved_at": at, "note": note})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type OutboxRepository struct {
	db *gorm.DB
}

func (r *OutboxRepository) Enqueue(ctx context.Context, record ports.OutboxRecord) error {
	rec := outboxModel{
		OutboxID:     record.OutboxID,
		EventType:    record.EventType,
		PartitionKey: record.PartitionKey,
		Payload:      string(record.Payload),
		CreatedAt:    record.CreatedAt,
	}
	return r.db.WithContext(ctx).Create(&rec).Error
}

func (r *OutboxRepository) ListPending(ctx context.Context, limit int) ([]ports.OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []outboxModel
	if err := r.db.WithContext(ctx).
		Where("published_at IS NULL AND dead_lettered_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]ports.OutboxRecord, 0, len(recs))
	for _, rec := range recs {
		row := ports.OutboxRecord{
			OutboxID:       rec.OutboxID,
			EventType:      rec.EventType,
			PartitionKey:   rec.PartitionKey,
			Payload:        []byte(rec.Payload),
			CreatedAt:      rec.CreatedAt,
			PublishedAt:    rec.PublishedAt,
			RetryCount:     rec.RetryCount,
			DeadLetteredAt: rec.DeadLetteredAt,
		}
		if rec.LastError != nil {
			row.LastError = *rec.LastError
		}
		out = append(out, row)
	}
	return out, nil
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, outboxID string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&outboxModel{}).
		Where("outbox_id = ? AND published_at IS NULL", outboxID).
		Update("published_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, outboxID, reason string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&outboxModel{}).
		Where("outbox_id = ?", outboxID).
		Updates(map[string]any{
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  reason,
		}).Error
}

func (r *OutboxRepository) MarkDeadLettered(ctx context.Context, outboxID, reason string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&outboxModel{}).
		Where("outbox_id = ? AND dead_lettered_at IS NULL", outboxID).
		Updates(map[string]any{
			"dead_lettered_at": at,
			"last_error":       reason,
		}).Error
}

type IdempotencyRepository struct {
	db *gorm.DB
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string, now time.Time) (*ports.IdempotencyRecord, error) {
	var rec idempotencyModel
	if err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if now.After(rec.ExpiresAt) {
		return nil, nil
	}
	out := &ports.IdempotencyRecord{
		Key:         rec.IdempotencyKey,
		RequestHash: rec.RequestHash,
		ExpiresAt:   rec.ExpiresAt,
	}
	if rec.ResponseCode != nil {
		out.ResponseCode = *rec.ResponseCode
	}
	if rec.ResponseBody != nil {
		out.ResponseBody = []byte(*rec.ResponseBody)
	}
	return out, nil
}

func (r *IdempotencyRepository) Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) error {
	rec := idempotencyModel{
		IdempotencyKey: key,
		RequestHash:    requestHash,
		ExpiresAt:      expiresAt,
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

func (r *IdempotencyRepository) Complete(ctx context.Context, key string, responseCode int, responseBody []byte, at time.Time) error {
	body := string(responseBody)
	return r.db.WithContext(ctx).Model(&idempotencyModel{}).
		Where("idempotency_key = ?", key).
		Updates(map[string]any{
			"response_code": responseCode,
			"response_body": body,
		}).Error
}

func toDomainInvoice(rec invoiceModel) domain.Invoice {
	out := domain.Invoice{
		InvoiceID:       rec.InvoiceID,
		SupplierAddress: rec.SupplierAddress,
		AmountMinor:     rec.AmountMinor,
		Currency:        rec.Currency,
		Status:          domain.InvoiceStatus(rec.Status),
		FundedMinor:     rec.FundedMinor,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
	if rec.AuditTopicID != nil {
		out.AuditTopicID = *rec.AuditTopicID
	}
	return out
}

func toDomainFunding(rec fundingModel) domain.Funding {
	out := domain.Funding{
		FundingID:        rec.FundingID,
		InvoiceID:        rec.InvoiceID,
		InvestorID:       rec.InvestorID,
		AmountMinor:      rec.AmountMinor,
		EscrowID:         rec.EscrowID,
		DepositTxRef:     rec.DepositTxRef,
		Status:           domain.FundingStatus(rec.Status),
		ReleasedAt:       rec.ReleasedAt,
		LedgerObservedAt: rec.LedgerObservedAt,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
	if rec.ReleaseTxRef != nil {
		out.ReleaseTxRef = *rec.ReleaseTxRef
	}
	return out
}

func toFundingModel(row domain.Funding) fundingModel {
	rec := fundingModel{
		FundingID:        row.FundingID,
		InvoiceID:        row.InvoiceID,
		InvestorID:       row.InvestorID,
		AmountMinor:      row.AmountMinor,
		EscrowID:         row.EscrowID,
		DepositTxRef:     row.DepositTxRef,
		Status:           string(row.Status),
		ReleasedAt:       row.ReleasedAt,
		LedgerObservedAt: row.LedgerObservedAt,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if row.ReleaseTxRef != "" {
		ref := row.ReleaseTxRef
		rec.ReleaseTxRef = &ref
	}
	return rec
}

func toDomainTask(rec reconciliationTaskModel) domain.ReconciliationTask {
	out := domain.ReconciliationTask{
		TaskID:     rec.TaskID,
		Kind:       rec.Kind,
		OpenedAt:   rec.OpenedAt,
		ResolvedAt: rec.ResolvedAt,
	}
	if rec.InvoiceID != nil {
		out.InvoiceID = *rec.InvoiceID
	}
	if rec.EscrowID != nil {
		out.EscrowID = *rec.EscrowID
	}
	if rec.DepositTxRef != nil {
		out.DepositTxRef = *rec.DepositTxRef
	}
	if rec.InvestorID != nil {
		out.InvestorID = *rec.InvestorID
	}
	if rec.AmountMinor != nil {
		out.AmountMinor = *rec.AmountMinor
	}
	if rec.IdempotencyKey != nil {
		out.IdempotencyKey = *rec.IdempotencyKey
	}
	if rec.Note != nil {
		out.Note = *rec.Note
	}
	return out
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
