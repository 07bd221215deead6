package domain

import "time"

type InvoiceStatus string

const (
	InvoiceStatusIssued    InvoiceStatus = "ISSUED"
	InvoiceStatusFunded    InvoiceStatus = "FUNDED"
	InvoiceStatusPaid      InvoiceStatus = "PAID"
	InvoiceStatusOverdue   InvoiceStatus = "OVERDUE"
	InvoiceStatusCancelled InvoiceStatus = "CANCELLED"
)

// Invoice is the local projection of an issued invoice. Issuance itself is
// owned by an upstream flow; this service only promotes status and maintains
// the funded running total.
type Invoice struct {
	InvoiceID       string
	SupplierAddress string
	AmountMinor     int64
	Currency        string
	Status          InvoiceStatus
	FundedMinor     int64
	AuditTopicID    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RemainingMinor is the amount still open for funding. Active and released
// fundings both count against the invoice total.
func (i Invoice) RemainingMinor() int64 {
	remaining := i.AmountMinor - i.FundedMinor
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (i Invoice) Fundable() bool {
	return i.Status == InvoiceStatusIssued
}

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusIssued:  {InvoiceStatusFunded, InvoiceStatusOverdue, InvoiceStatusCancelled},
	InvoiceStatusFunded:  {InvoiceStatusPaid, InvoiceStatusOverdue},
	InvoiceStatusOverdue: {InvoiceStatusPaid},
}

// InvoiceTransitionAllowed reports whether from -> to is a legal status move.
// PAID and CANCELLED are terminal.
func InvoiceTransitionAllowed(from, to InvoiceStatus) bool {
	for _, next := range invoiceTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
