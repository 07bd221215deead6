package ports

import (
	"context"
	"time"

	"github.com/ff4f/yieldharvest-sub002/internal/domain"
)

// InvoiceRepository owns the invoice projection. ReserveFunding is the
// single serialization point for concurrent funding requests: it must be an
// atomically-checked conditional write executed before any ledger call.
type InvoiceRepository interface {
	GetByID(ctx context.Context, invoiceID string) (domain.Invoice, error)
	// ReserveFunding adds amountMinor to the invoice's funded running total
	// if and only if the invoice is ISSUED and the total stays within the
	// invoice amount. Returns the post-reservation invoice.
	// Fails with ErrNotFundable or ErrOverSubscribed; never partially applies.
	ReserveFunding(ctx context.Context, invoiceID string, amountMinor int64, at time.Time) (domain.Invoice, error)
	// ReleaseReservation undoes a reservation whose deposit never reached
	// the chain.
	ReleaseReservation(ctx context.Context, invoiceID string, amountMinor int64, at time.Time) error
	// Promote performs a conditional status transition (rows-affected
	// checked); returns ErrConflict when the invoice is no longer in from.
	Promote(ctx context.Context, invoiceID string, from, to domain.InvoiceStatus, at time.Time) error
	SetAuditTopic(ctx context.Context, invoiceID, topicID string, at time.Time) error
}

// FundingRepository owns funding rows. escrow_id is unique: the 1:1
// correspondence with on-chain escrow instances is enforced here.
type FundingRepository interface {
	Create(ctx context.Context, row domain.Funding) error
	GetByID(ctx context.Context, fundingID string) (domain.Funding, error)
	GetByEscrowID(ctx context.Context, escrowID string) (domain.Funding, error)
	ListByInvoiceID(ctx context.Context, invoiceID string) ([]domain.Funding, error)
	// MarkReleased flips ACTIVE -> RELEASED exactly once (compare-and-swap
	// on status). ErrAlreadyReleased when the row already left ACTIVE.
	MarkReleased(ctx context.Context, fundingID, releaseTxRef string, releasedAt time.Time) (domain.Funding, error)
	// UpsertFromLedger merges indexer-derived state into the projection,
	// latest-ledger-timestamp-wins, never reversing RELEASED. Reports
	// whether the row changed.
	UpsertFromLedger(ctx context.Context, row domain.Funding) (bool, error)
}

type TimelineRepository interface {
	Append(ctx context.Context, entry domain.TimelineEntry) error
	ListByInvoiceID(ctx context.Context, invoiceID string, limit int) ([]domain.TimelineEntry, error)
}

type ReconciliationTaskRepository interface {
	Open(ctx context.Context, task domain.ReconciliationTask) error
	ListOpen(ctx context.Context, limit int) ([]domain.ReconciliationTask, error)
	// FindOpenByIdempotencyKey returns the open task tied to an
	// outcome-unknown attempt under key, or nil when none is pending.
	FindOpenByIdempotencyKey(ctx context.Context, key string) (*domain.ReconciliationTask, error)
	Resolve(ctx context.Context, taskID, note string, at time.Time) error
}

type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseCode int
	ResponseBody []byte
	ExpiresAt    time.Time
}

type IdempotencyRepository interface {
	Get(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error)
	Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) error
	Complete(ctx context.Context, key string, responseCode int, responseBody []byte, at time.Time) error
}

type OutboxRecord struct {
	OutboxID       string
	EventType      string
	PartitionKey   string
	Payload        []byte
	CreatedAt      time.Time
	PublishedAt    *time.Time
	RetryCount     int
	LastError      string
	DeadLetteredAt *time.Time
}

type OutboxRepository interface {
	Enqueue(ctx context.Context, record OutboxRecord) error
	ListPending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, outboxID string, at time.Time) error
	MarkFailed(ctx context.Context, outboxID, reason string, at time.Time) error
	// MarkDeadLettered parks a record that exhausted its retry budget so a
	// poisoned payload cannot clog the pending batch.
	MarkDeadLettered(ctx context.Context, outboxID, reason string, at time.Time) error
}
