package ports

import (
	"context"
	"time"
)

// EscrowReceipt is the decoded result of a finalized escrow transaction.
type EscrowReceipt struct {
	EscrowID    string
	TxRef       string
	Status      string
	ConsensusAt time.Time
}

// EscrowState is the read-only view of an on-chain escrow instance.
type EscrowState struct {
	EscrowID        string
	InvoiceID       string
	PayerAddress    string
	SupplierAddress string
	AmountMinor     int64
	Released        bool
	ConsensusAt     time.Time
}

// EscrowContract wraps the escrow program's entrypoints. The program exposes
// deposit and release only; there is no refund or cancel, so a confirmed
// deposit is externally irreversible. Create and Release block until network
// finality within the caller's context deadline and return ErrOutcomeUnknown
// when the deadline expires after submission.
type EscrowContract interface {
	// Create submits a value-bearing deposit and decodes the escrow
	// identifier from the EscrowCreated receipt event. A receipt without
	// that event is ErrEscrowEventMissing, never a zero identifier.
	Create(ctx context.Context, invoiceID, supplierAddress string, amountMinor int64, serialRef string) (EscrowReceipt, error)
	// Release resolves the invoice's escrow via a read call and verifies it
	// is the escrow the caller expects before submitting the release
	// transaction. A mismatch is ErrEscrowMismatch and nothing is submitted.
	Release(ctx context.Context, invoiceID, escrowID string) (EscrowReceipt, error)
	// Get and GetByInvoice return (nil, nil) when the identifier does not
	// exist on-chain; ledger-level reverts on missing ids are simplified to
	// an absent result.
	Get(ctx context.Context, escrowID string) (*EscrowState, error)
	GetByInvoice(ctx context.Context, invoiceID string) (*EscrowState, error)
	// PrepareDeposit builds the unsigned deposit payload without
	// submitting. The only point at which an attempt can be abandoned.
	PrepareDeposit(ctx context.Context, invoiceID, supplierAddress string, amountMinor int64, serialRef string) ([]byte, error)
}

// AppendAck is the durable total-order position of an accepted message.
type AppendAck struct {
	SequenceNumber uint64
	TxRef          string
	ConsensusAt    time.Time
}

// ConsensusLog appends to an ordered, durable audit stream. A failed or
// timed-out append leaves delivery state unknown; callers must not assume
// non-delivery.
type ConsensusLog interface {
	CreateTopic(ctx context.Context, memo string) (string, error)
	Append(ctx context.Context, topicID string, message []byte) (AppendAck, error)
}

// IndexerQuerier is the raw query surface of the ledger indexer/mirror.
// Responses are the indexer's JSON bodies; typed decoding lives with callers
// so the cache can stay byte-oriented.
type IndexerQuerier interface {
	Query(ctx context.Context, resource string, params map[string]string) ([]byte, error)
}
