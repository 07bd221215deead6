package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ff4f/yieldharvest-sub002/internal/domain"
	"github.com/ff4f/yieldharvest-sub002/internal/ports"
)

const eventEscrowCreated = "EscrowCreated"

// EscrowClient implements ports.EscrowContract over the escrow gateway.
// The program exposes deposit and release only; there is no refund, so a
// confirmed deposit is irreversible from this side.
type EscrowClient struct {
	gw              *Gateway
	logger          *slog.Logger
	receiptInterval time.Duration
}

func NewEscrowClient(gw *Gateway, logger *slog.Logger) *EscrowClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &EscrowClient{gw: gw, logger: logger, receiptInterval: 500 * time.Millisecond}
}

type depositRequest struct {
	InvoiceID       string `json:"invoice_id"`
	SupplierAddress string `json:"supplier_address"`
	AmountMinor     int64  `json:"amount_minor"`
	SerialRef       string `json:"serial_ref,omitempty"`
}

type releaseRequest struct {
	InvoiceID string `json:"invoice_id"`
}

type submitResponse struct {
	TxRef string `json:"tx_ref"`
}

type receiptEvent struct {
	Type     string `json:"type"`
	EscrowID string `json:"escrow_id,omitempty"`
}

type receiptResponse struct {
	Status       string         `json:"status"` // pending | success | reverted
	RevertReason string         `json:"revert_reason,omitempty"`
	ConsensusAt  time.Time      `json:"consensus_at"`
	Events       []receiptEvent `json:"events,omitempty"`
}

type escrowResponse struct {
	EscrowID        string    `json:"escrow_id"`
	InvoiceID       string    `json:"invoice_id"`
	PayerAddress    string    `json:"payer_address"`
	SupplierAddress string    `json:"supplier_address"`
	AmountMinor     int64     `json:"amount_minor"`
	Released        bool      `json:"released"`
	ConsensusAt     time.Time `json:"consensus_at"`
}

// Create submits the value-bearing deposit and blocks until network finality
// within ctx. The escrow identifier is decoded from the EscrowCreated receipt
// event; a finalized receipt without that event is an explicit decode error.
func (c *EscrowClient) Create(ctx context.Context, invoiceID, supplierAddress string, amountMinor int64, serialRef string) (ports.EscrowReceipt, error) {
	if amountMinor <= 0 {
		return ports.EscrowReceipt{}, fmt.Errorf("%w: deposit amount must be positive", domain.ErrInvalidInput)
	}
	if c.gw.signer == nil {
		return ports.EscrowReceipt{}, fmt.Errorf("%w: no signing identity configured", domain.ErrInvalidInput)
	}

	var submitted submitResponse
	err := c.gw.postSigned(ctx, "/v1/transactions/deposit", depositRequest{
		InvoiceID:       invoiceID,
		SupplierAddress: supplierAddress,
		AmountMinor:     amountMinor,
		SerialRef:       serialRef,
	}, &submitted)
	if err != nil {
		// Nothing was accepted by the network yet; classification stays on
		// the transport/revert axis.
		return ports.EscrowReceipt{}, c.classifySubmit(err, "deposit")
	}

	receipt, err := c.awaitReceipt(ctx, submitted.TxRef)
	if err != nil {
		if errors.Is(err, domain.ErrOutcomeUnknown) {
			// The tx ref is the only handle callers have for chasing the
			// submitted deposit, so keep it on the error.
			return ports.EscrowReceipt{}, &domain.CorrelatedError{TxRef: submitted.TxRef, Err: err}
		}
		return ports.EscrowReceipt{}, err
	}

	escrowID := ""
	for _, ev := range receipt.Events {
		if ev.Type == eventEscrowCreated {
			escrowID = ev.EscrowID
			break
		}
	}
	if escrowID == "" {
		return ports.EscrowReceipt{}, fmt.Errorf("tx %s: %w", submitted.TxRef, domain.ErrEscrowEventMissing)
	}
	return ports.EscrowReceipt{
		EscrowID:    escrowID,
		TxRef:       submitted.TxRef,
		Status:      receipt.Status,
		ConsensusAt: receipt.ConsensusAt,
	}, nil
}

// Release resolves the on-chain escrow for the invoice first, verifies it
// is the one the caller expects, then submits the release transaction and
// blocks for finality. The identity check matters on multi-funded invoices:
// the gateway resolves by invoice, and releasing an escrow other than the
// requested funding's would move another investor's money.
func (c *EscrowClient) Release(ctx context.Context, invoiceID, escrowID string) (ports.EscrowReceipt, error) {
	if c.gw.signer == nil {
		return ports.EscrowReceipt{}, fmt.Errorf("%w: no signing identity configured", domain.ErrInvalidInput)
	}
	state, err := c.GetByInvoice(ctx, invoiceID)
	if err != nil {
		return ports.EscrowReceipt{}, err
	}
	if state == nil {
		return ports.EscrowReceipt{}, fmt.Errorf("%w: invoice %s", domain.ErrNoActiveEscrow, invoiceID)
	}
	if escrowID != "" && state.EscrowID != escrowID {
		return ports.EscrowReceipt{}, fmt.Errorf("%w: invoice %s resolves to escrow %s, funding holds %s",
			domain.ErrEscrowMismatch, invoiceID, state.EscrowID, escrowID)
	}

	var submitted submitResponse
	if err := c.gw.postSigned(ctx, "/v1/transactions/release", releaseRequest{InvoiceID: invoiceID}, &submitted); err != nil {
		return ports.EscrowReceipt{}, c.classifySubmit(err, "release")
	}
	receipt, err := c.awaitReceipt(ctx, submitted.TxRef)
	if err != nil {
		if errors.Is(err, domain.ErrOutcomeUnknown) {
			return ports.EscrowReceipt{}, &domain.CorrelatedError{
				EscrowID: state.EscrowID,
				TxRef:    submitted.TxRef,
				Err:      err,
			}
		}
		return ports.EscrowReceipt{}, err
	}
	return ports.EscrowReceipt{
		EscrowID:    state.EscrowID,
		TxRef:       submitted.TxRef,
		Status:      receipt.Status,
		ConsensusAt: receipt.ConsensusAt,
	}, nil
}

// Get returns the escrow state, or (nil, nil) when the id does not exist.
func (c *EscrowClient) Get(ctx context.Context, escrowID string) (*ports.EscrowState, error) {
	var out escrowResponse
	err := c.gw.get(ctx, "/v1/escrows/"+url.PathEscape(escrowID), &out)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return toEscrowState(out), nil
}

// GetByInvoice returns the invoice's escrow, or (nil, nil) when none exists.
func (c *EscrowClient) GetByInvoice(ctx context.Context, invoiceID string) (*ports.EscrowState, error) {
	var out escrowResponse
	err := c.gw.get(ctx, "/v1/escrows/by-invoice/"+url.PathEscape(invoiceID), &out)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return toEscrowState(out), nil
}

// PrepareDeposit builds the unsigned deposit payload without submitting
// anything. Abandoning the attempt after this call has no on-chain effect.
func (c *EscrowClient) PrepareDeposit(ctx context.Context, invoiceID, supplierAddress string, amountMinor int64, serialRef string) ([]byte, error) {
	var out struct {
		UnsignedTx []byte `json:"unsigned_tx"`
	}
	err := c.gw.postSigned(ctx, "/v1/transactions/prepare-deposit", depositRequest{
		InvoiceID:       invoiceID,
		SupplierAddress: supplierAddress,
		AmountMinor:     amountMinor,
		SerialRef:       serialRef,
	}, &out)
	if err != nil {
		return nil, c.classifySubmit(err, "prepare-deposit")
	}
	return out.UnsignedTx, nil
}

// awaitReceipt polls the transaction receipt until finality or context
// expiry. Once the transaction has been submitted, a deadline here means the
// outcome is genuinely unknown, never a failure.
func (c *EscrowClient) awaitReceipt(ctx context.Context, txRef string) (receiptResponse, error) {
	ticker := time.NewTicker(c.receiptInterval)
	defer ticker.Stop()

	for {
		var receipt receiptResponse
		err := c.gw.get(ctx, "/v1/transactions/"+url.PathEscape(txRef)+"/receipt", &receipt)
		switch {
		case err == nil && receipt.Status == "success":
			return receipt, nil
		case err == nil && receipt.Status == "reverted":
			reason := receipt.RevertReason
			if reason == "" {
				reason = "execution reverted"
			}
			return receiptResponse{}, fmt.Errorf("%w: %s (tx %s)", domain.ErrLedgerRejected, reason, txRef)
		case err != nil && errors.Is(err, context.DeadlineExceeded):
			return receiptResponse{}, fmt.Errorf("tx %s: %w", txRef, domain.ErrOutcomeUnknown)
		case err != nil && errors.Is(err, context.Canceled):
			return receiptResponse{}, fmt.Errorf("tx %s: %w", txRef, domain.ErrOutcomeUnknown)
		case err != nil && !errors.Is(err, domain.ErrTransient) && !isNotFound(err):
			return receiptResponse{}, err
		}
		// pending, transient poll failure, or receipt not indexed yet

		select {
		case <-ctx.Done():
			return receiptResponse{}, fmt.Errorf("tx %s: %w", txRef, domain.ErrOutcomeUnknown)
		case <-ticker.C:
		}
	}
}

func (c *EscrowClient) classifySubmit(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// The request may or may not have reached the gateway before the
		// deadline; treat submission-phase timeouts as unknown too, since
		// the gateway forwards immediately.
		return fmt.Errorf("%s: %w", op, domain.ErrOutcomeUnknown)
	}
	var ge *gatewayError
	if errors.As(err, &ge) {
		if ge.StatusCode == http.StatusUnprocessableEntity || ge.StatusCode == http.StatusBadRequest || ge.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %s", domain.ErrLedgerRejected, ge.Message)
		}
	}
	return err
}

func toEscrowState(in escrowResponse) *ports.EscrowState {
	return &ports.EscrowState{
		EscrowID:        in.EscrowID,
		InvoiceID:       in.InvoiceID,
		PayerAddress:    in.PayerAddress,
		SupplierAddress: in.SupplierAddress,
		AmountMinor:     in.AmountMinor,
		Released:        in.Released,
		ConsensusAt:     in.ConsensusAt,
	}
}
