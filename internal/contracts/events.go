package contracts

import (
	"encoding/json"
	"time"
)

// AuditEnvelope is the message shape appended to an invoice's consensus-log
// topic: {type, version, timestamp, data}.
type AuditEnvelope struct {
	Type      string          `json:"type"`
	Version   string          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type FundingCreatedAudit struct {
	FundingID    string `json:"funding_id"`
	InvoiceID    string `json:"invoice_id"`
	InvestorID   string `json:"investor_id"`
	AmountMinor  int64  `json:"amount_minor"`
	EscrowID     string `json:"escrow_id"`
	DepositTxRef string `json:"deposit_tx_ref"`
}

type EscrowReleasedAudit struct {
	FundingID    string `json:"funding_id"`
	InvoiceID    string `json:"invoice_id"`
	EscrowID     string `json:"escrow_id"`
	ReleaseTxRef string `json:"release_tx_ref"`
}

type StatusUpdateAudit struct {
	InvoiceID string `json:"invoice_id"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// Platform event payloads published through the kafka outbox.
type FundingCreatedEvent struct {
	FundingID   string    `json:"funding_id"`
	InvoiceID   string    `json:"invoice_id"`
	InvestorID  string    `json:"investor_id"`
	AmountMinor int64     `json:"amount_minor"`
	EscrowID    string    `json:"escrow_id"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type EscrowReleasedEvent struct {
	FundingID    string    `json:"funding_id"`
	InvoiceID    string    `json:"invoice_id"`
	EscrowID     string    `json:"escrow_id"`
	ReleaseTxRef string    `json:"release_tx_ref"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type InvoiceFundedEvent struct {
	InvoiceID   string    `json:"invoice_id"`
	AmountMinor int64     `json:"amount_minor"`
	OccurredAt  time.Time `json:"occurred_at"`
}
