package postgres

import (
	"time"
)

type invoiceModel struct {
	InvoiceID       string    `gorm:"column:invoice_id;type:uuid;primaryKey"`
	SupplierAddress string    `gorm:"column:supplier_address"`
	AmountMinor     int64     `gorm:"column:amount_minor"`
	Currency        string    `gorm:"column:currency"`
	Status          string    `gorm:"column:status"`
	FundedMinor     int64     `gorm:"column:funded_minor"`
	AuditTopicID    *string   `gorm:"column:audit_topic_id"`
	CreatedAt       time.Time `gorm:"column:created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

func (invoiceModel) TableName() string { return "invoices" }

type fundingModel struct {
	FundingID        string     `gorm:"column:funding_id;type:uuid;primaryKey"`
	InvoiceID        string     `gorm:"column:invoice_id;type:uuid"`
	InvestorID       string     `gorm:"column:investor_id"`
	AmountMinor      int64      `gorm:"column:amount_minor"`
	EscrowID         string     `gorm:"column:escrow_id"`
	DepositTxRef     string     `gorm:"column:deposit_tx_ref"`
	Status           string     `gorm:"column:status"`
	ReleaseTxRef     *string    `gorm:"column:release_tx_ref"`
	ReleasedAt       *time.Time `gorm:"column:released_at"`
	LedgerObservedAt time.Time  `gorm:"column:ledger_observed_at"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
}

func (fundingModel) TableName() string { return "fundings" }

type timelineModel struct {
	EntryID    string    `gorm:"column:entry_id;type:uuid;primaryKey"`
	InvoiceID  string    `gorm:"column:invoice_id;type:uuid"`
	EntryType  string    `gorm:"column:entry_type"`
	Detail     string    `gorm:"column:detail;type:jsonb"`
	OccurredAt time.Time `gorm:"column:occurred_at"`
}

func (timelineModel) TableName() string { return "invoice_timeline" }

type reconciliationTaskModel struct {
	TaskID         string     `gorm:"column:task_id;type:uuid;primaryKey"`
	Kind           string     `gorm:"column:kind"`
	InvoiceID      *string    `gorm:"column:invoice_id;type:uuid"`
	EscrowID       *string    `gorm:"column:escrow_id"`
	DepositTxRef   *string    `gorm:"column:deposit_tx_ref"`
	InvestorID     *string    `gorm:"column:investor_id"`
	AmountMinor    *int64     `gorm:"column:amount_minor"`
	IdempotencyKey *string    `gorm:"column:idempotency_key"`
	OpenedAt       time.Time  `gorm:"column:opened_at"`
	ResolvedAt     *time.Time `gorm:"column:resolved_at"`
	Note           *string    `gorm:"column:note"`
}

func (reconciliationTaskModel) TableName() string { return "reconciliation_tasks" }

type outboxModel struct {
	OutboxID       string     `gorm:"column:outbox_id;type:uuid;primaryKey"`
	EventType      string     `gorm:"column:event_type"`
	PartitionKey   string     `gorm:"column:partition_key"`
	Payload        string     `gorm:"column:payload;type:jsonb"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	PublishedAt    *time.Time `gorm:"column:published_at"`
	RetryCount     int        `gorm:"column:retry_count"`
	LastError      *string    `gorm:"column:last_error"`
	DeadLetteredAt *time.Time `gorm:"column:dead_lettered_at"`
}

func (outboxModel) TableName() string { return "funding_outbox" }

type idempotencyModel struct {
	IdempotencyKey string    `gorm:"column:idempotency_key;primaryKey"`
	RequestHash    string    `gorm:"column:request_hash"`
	ResponseCode   *int      `gorm:"column:response_code"`
	ResponseBody   *string   `gorm:"column:response_body;type:jsonb"`
	ExpiresAt      time.Time `gorm:"column:expires_at"`
}

func (idempotencyModel) TableName() string { return "funding_idempotency" }
