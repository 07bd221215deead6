package application

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ff4f/yieldharvest-sub002/internal/domain"
)

// InvoiceFundingSummary aggregates an invoice's funding position from the
// local projection.
type InvoiceFundingSummary struct {
	Invoice        domain.Invoice
	Fundings       []domain.Funding
	ActiveMinor    int64
	ReleasedMinor  int64
	RemainingMinor int64
}

func (s *Service) GetInvoice(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return domain.Invoice{}, fmt.Errorf("%w: invoice_id is required", domain.ErrInvalidInput)
	}
	invoice, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Invoice{}, fmt.Errorf("%w: %s", domain.ErrInvoiceNotFound, invoiceID)
		}
		return domain.Invoice{}, err
	}
	return invoice, nil
}

func (s *Service) GetFunding(ctx context.Context, fundingID string) (domain.Funding, error) {
	fundingID = strings.TrimSpace(fundingID)
	if fundingID == "" {
		return domain.Funding{}, fmt.Errorf("%w: funding_id is required", domain.ErrInvalidInput)
	}
	funding, err := s.fundings.GetByID(ctx, fundingID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Funding{}, fmt.Errorf("%w: %s", domain.ErrFundingNotFound, fundingID)
		}
		return domain.Funding{}, err
	}
	return funding, nil
}

func (s *Service) ListInvoiceFundings(ctx context.Context, invoiceID string) ([]domain.Funding, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return nil, fmt.Errorf("%w: invoice_id is required", domain.ErrInvalidInput)
	}
	return s.fundings.ListByInvoiceID(ctx, invoiceID)
}

func (s *Service) GetInvoiceFundingSummary(ctx context.Context, invoiceID string) (InvoiceFundingSummary, error) {
	invoice, err := s.GetInvoice(ctx, invoiceID)
	if err != nil {
		return InvoiceFundingSummary{}, err
	}
	fundings, err := s.fundings.ListByInvoiceID(ctx, invoice.InvoiceID)
	if err != nil {
		return InvoiceFundingSummary{}, err
	}
	out := InvoiceFundingSummary{Invoice: invoice, Fundings: fundings}
	for _, f := range fundings {
		switch f.Status {
		case domain.FundingStatusActive:
			out.ActiveMinor += f.AmountMinor
		case domain.FundingStatusReleased:
			out.ReleasedMinor += f.AmountMinor
		}
	}
	out.RemainingMinor = invoice.AmountMinor - out.ActiveMinor - out.ReleasedMinor
	if out.RemainingMinor < 0 {
		out.RemainingMinor = 0
	}
	return out, nil
}

func (s *Service) ListInvoiceTimeline(ctx context.Context, invoiceID string, limit int) ([]domain.TimelineEntry, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return nil, fmt.Errorf("%w: invoice_id is required", domain.ErrInvalidInput)
	}
	if s.timeline == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	return s.timeline.ListByInvoiceID(ctx, invoiceID, limit)
}
