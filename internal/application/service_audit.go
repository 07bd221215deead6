package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ff4f/yieldharvest-sub002/internal/contracts"
	"github.com/ff4f/yieldharvest-sub002/internal/domain"
)

// AuditOutcome is the explicit result of a best-effort consensus-log append.
// Failures never block the primary flow; callers inspect or ignore this.
type AuditOutcome struct {
	Attempted      bool   `json:"attempted"`
	Delivered      bool   `json:"delivered"`
	SequenceNumber uint64 `json:"sequence_number,omitempty"`
	TxRef          string `json:"tx_ref,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (s *Service) appendAudit(ctx context.Context, topicID, eventType string, data any, log *slog.Logger) AuditOutcome {
	if s.auditLog == nil || strings.TrimSpace(topicID) == "" {
		return AuditOutcome{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return AuditOutcome{Attempted: true, Error: err.Error()}
	}
	envelope, err := json.Marshal(contracts.AuditEnvelope{
		Type:      eventType,
		Version:   domain.AuditEnvelopeVersion,
		Timestamp: s.nowFn(),
		Data:      raw,
	})
	if err != nil {
		return AuditOutcome{Attempted: true, Error: err.Error()}
	}

	ack, err := s.auditLog.Append(ctx, topicID, envelope)
	if err != nil {
		// Audit trail only; delivery state may even be unknown. Logged and
		// surfaced in the outcome, never propagated.
		log.WarnContext(ctx, "audit log append failed",
			"stage", domain.StageLogged, "outcome", "failure",
			"topic_id", topicID, "event_type", eventType, "error", err)
		return AuditOutcome{Attempted: true, Error: err.Error()}
	}
	log.InfoContext(ctx, "audit event appended",
		"stage", domain.StageLogged, "outcome", "success",
		"topic_id", topicID, "event_type", eventType, "sequence_number", ack.SequenceNumber)
	return AuditOutcome{
		Attempted:      true,
		Delivered:      true,
		SequenceNumber: ack.SequenceNumber,
		TxRef:          ack.TxRef,
	}
}

// ensureAuditTopic provisions a consensus-log topic for an invoice that has
// none, when enabled. Best-effort: a funding never fails because the audit
// topic could not be created.
func (s *Service) ensureAuditTopic(ctx context.Context, invoice *domain.Invoice) string {
	if invoice.AuditTopicID != "" {
		return invoice.AuditTopicID
	}
	if !s.cfg.AutoProvisionAuditTopic || s.auditLog == nil {
		return ""
	}
	memo := fmt.Sprintf("yieldharvest:invoice:%s", invoice.InvoiceID)
	topicID, err := s.auditLog.CreateTopic(ctx, memo)
	if err != nil {
		s.logger.WarnContext(ctx, "audit topic provisioning failed",
			"module", "application.funding", "layer", "application",
			"operation", "ensure_audit_topic", "outcome", "failure",
			"invoice_id", invoice.InvoiceID, "error", err)
		return ""
	}
	if err := s.invoices.SetAuditTopic(ctx, invoice.InvoiceID, topicID, s.nowFn()); err != nil {
		s.logger.WarnContext(ctx, "audit topic reference persist failed",
			"module", "application.funding", "layer", "application",
			"operation", "ensure_audit_topic", "outcome", "failure",
			"invoice_id", invoice.InvoiceID, "topic_id", topicID, "error", err)
	}
	invoice.AuditTopicID = topicID
	return topicID
}
