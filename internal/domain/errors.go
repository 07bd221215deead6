package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInvoiceNotFound     = errors.New("invoice not found")
	ErrFundingNotFound     = errors.New("funding not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrConflict            = errors.New("conflict")
	ErrIdempotencyRequired = errors.New("idempotency key required")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different request")

	// Funding-domain rejections. All are raised before any ledger side
	// effect occurs.
	ErrNotFundable     = errors.New("invoice is not fundable")
	ErrOverSubscribed  = errors.New("amount exceeds remaining fundable amount")
	ErrAlreadyReleased = errors.New("funding already released")
	ErrNoActiveEscrow  = errors.New("no active escrow for invoice")
	// ErrEscrowMismatch: the escrow the gateway resolved for the invoice is
	// not the one the funding row points at. Releasing it would move another
	// funding's money, so the request is refused before any ledger call.
	ErrEscrowMismatch = errors.New("escrow does not belong to the requested funding")

	// Ledger interaction outcomes.
	ErrLedgerRejected = errors.New("ledger rejected transaction")
	ErrTransient      = errors.New("transient upstream failure")
	// ErrOutcomeUnknown: the transaction was submitted but finality was not
	// observed in time. Callers must not assume either success or failure.
	ErrOutcomeUnknown = errors.New("transaction outcome unknown")
	// ErrEscrowEventMissing: the receipt carried no EscrowCreated event, so
	// the escrow identifier could not be decoded. Distinct from a valid
	// zero identifier.
	ErrEscrowEventMissing = errors.New("escrow identifier missing from receipt")

	// ErrConsistencyGap: funds are locked on-chain but the local projection
	// could not be written. A reconciliation task has been opened.
	ErrConsistencyGap = errors.New("on-chain state confirmed but local persistence failed; requires reconciliation")
)

// IsRejection reports whether err is a caller-correctable rejection that
// produced no side effects (4xx territory).
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrNotFundable) ||
		errors.Is(err, ErrOverSubscribed) ||
		errors.Is(err, ErrAlreadyReleased) ||
		errors.Is(err, ErrNoActiveEscrow) ||
		errors.Is(err, ErrEscrowMismatch) ||
		errors.Is(err, ErrLedgerRejected) ||
		errors.Is(err, ErrIdempotencyRequired) ||
		errors.Is(err, ErrIdempotencyConflict)
}

// CorrelatedError attaches ledger correlation identifiers to a saga error so
// the transport layer can surface them as structured fields, not just
// message text.
type CorrelatedError struct {
	EscrowID string
	TxRef    string
	Err      error
}

func (e *CorrelatedError) Error() string { return e.Err.Error() }

func (e *CorrelatedError) Unwrap() error { return e.Err }
