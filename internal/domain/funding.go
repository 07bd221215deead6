package domain

import "time"

type FundingStatus string

const (
	FundingStatusActive   FundingStatus = "ACTIVE"
	FundingStatusReleased FundingStatus = "RELEASED"
)

// Funding is one investor commitment against an invoice, backed by exactly
// one on-chain escrow instance. Rows are created only after a confirmed
// deposit and transition ACTIVE -> RELEASED exactly once, never back.
type Funding struct {
	FundingID    string
	InvoiceID    string
	InvestorID   string
	AmountMinor  int64
	EscrowID     string
	DepositTxRef string
	Status       FundingStatus
	ReleaseTxRef string
	ReleasedAt   *time.Time
	// LedgerObservedAt is the ledger consensus timestamp of the last state
	// the row was derived from; the reconciliation merge policy is
	// latest-ledger-timestamp-wins.
	LedgerObservedAt time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// FundingTransitionAllowed enforces the monotonic funding state machine.
func FundingTransitionAllowed(from, to FundingStatus) bool {
	return from == FundingStatusActive && to == FundingStatusReleased
}

// Saga stages of a single funding attempt, recorded in logs and timeline
// detail so partial failures can be located after the fact.
const (
	StageRequested       = "REQUESTED"
	StageEscrowSubmitted = "ESCROW_SUBMITTED"
	StageEscrowConfirmed = "ESCROW_CONFIRMED"
	StageRecorded        = "RECORDED"
	StageInvoicePromoted = "INVOICE_PROMOTED"
	StageLogged          = "LOGGED"
)

// TimelineEntry is a local, human-auditable record of what happened to an
// invoice. It complements (and never replaces) the consensus audit log.
type TimelineEntry struct {
	EntryID    string
	InvoiceID  string
	EntryType  string
	Detail     map[string]any
	OccurredAt time.Time
}

const (
	TimelineFundingCreated = "funding_created"
	TimelineEscrowReleased = "escrow_released"
	TimelineInvoiceFunded  = "invoice_funded"
	TimelineReconciled     = "reconciled"
)

// ReconciliationTask is the durable "requires reconciliation" signal opened
// whenever the synchronous write path diverges from ledger truth.
type ReconciliationTask struct {
	TaskID       string
	Kind         string
	InvoiceID    string
	EscrowID     string
	DepositTxRef string
	InvestorID   string
	AmountMinor  int64
	// IdempotencyKey ties an outcome-unknown task back to the request that
	// opened it, so a retry under the same key can be held off until the
	// reconciliation loop settles the first attempt.
	IdempotencyKey string
	OpenedAt       time.Time
	ResolvedAt     *time.Time
	Note           string
}

const (
	// TaskMissingFundingRow: deposit confirmed on-chain but the local
	// Funding insert failed. The row is re-derived from indexer state.
	TaskMissingFundingRow = "missing_funding_row"
	// TaskDepositOutcomeUnknown: the finality wait timed out after
	// submission; the deposit may or may not have landed.
	TaskDepositOutcomeUnknown = "deposit_outcome_unknown"
	// TaskReleaseOutcomeUnknown: same, for the release transaction.
	TaskReleaseOutcomeUnknown = "release_outcome_unknown"
	// TaskMissingRelease: release confirmed on-chain but the local status
	// flip failed.
	TaskMissingRelease = "missing_release"
)
