package domain

// Audit event types appended to the invoice's consensus-log topic. The topic
// is the externally verifiable trail; it is never the system of record for
// fund custody, so append failures do not roll back the primary flow.
const (
	AuditEventStatusUpdate   = "status-update"
	AuditEventFundingCreated = "funding-created"
	AuditEventEscrowReleased = "escrow-released"
	AuditEventTopicCreated   = "topic-created"
)

const AuditEnvelopeVersion = "1"

// Platform events published to kafka through the outbox. Internal consumers
// (analytics, notifications) subscribe to these; external proof lives on the
// consensus log.
const (
	EventFundingCreated = "funding.created"
	EventEscrowReleased = "funding.escrow_released"
	EventInvoiceFunded  = "funding.invoice_funded"
)

func IsEmittedEvent(eventType string) bool {
	switch eventType {
	case EventFundingCreated, EventEscrowReleased, EventInvoiceFunded:
		return true
	default:
		return false
	}
}
