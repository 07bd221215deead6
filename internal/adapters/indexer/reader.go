package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/ff4f/yieldharvest-sub002/internal/domain"
	"github.com/ff4f/yieldharvest-sub002/internal/ports"
)

// EscrowRecord is the indexer's view of an escrow instance.
type EscrowRecord struct {
	EscrowID        string    `json:"escrow_id"`
	InvoiceID       string    `json:"invoice_id"`
	PayerAddress    string    `json:"payer_address"`
	SupplierAddress string    `json:"supplier_address"`
	AmountMinor     int64     `json:"amount_minor"`
	Released        bool      `json:"released"`
	DepositTxRef    string    `json:"deposit_tx_ref"`
	ReleaseTxRef    string    `json:"release_tx_ref,omitempty"`
	ConsensusAt     time.Time `json:"consensus_at"`
}

// EscrowEvent is one deposit/release observed by the indexer.
type EscrowEvent struct {
	EventType   string    `json:"event_type"` // deposit | release
	EscrowID    string    `json:"escrow_id"`
	InvoiceID   string    `json:"invoice_id"`
	AmountMinor int64     `json:"amount_minor"`
	TxRef       string    `json:"tx_ref"`
	ConsensusAt time.Time `json:"consensus_at"`
}

// TopicMessage is an ordered consensus-log message as served by the indexer.
type TopicMessage struct {
	TopicID        string    `json:"topic_id"`
	SequenceNumber uint64    `json:"sequence_number"`
	Message        []byte    `json:"message"`
	ConsensusAt    time.Time `json:"consensus_at"`
}

// Reader decodes typed lookups over any IndexerQuerier, normally the Cache.
type Reader struct {
	q ports.IndexerQuerier
}

func NewReader(q ports.IndexerQuerier) *Reader {
	return &Reader{q: q}
}

// EscrowByID returns (nil, nil) when the escrow is not (yet) indexed.
func (r *Reader) EscrowByID(ctx context.Context, escrowID string) (*EscrowRecord, error) {
	body, err := r.q.Query(ctx, "escrows/"+url.PathEscape(escrowID), nil)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var out EscrowRecord
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode escrow %s: %w", escrowID, err)
	}
	return &out, nil
}

// EscrowsByInvoice lists every escrow the indexer knows for the invoice.
// Multi-funded invoices carry one escrow per funding, so callers must not
// assume the first entry is the one they are looking for.
func (r *Reader) EscrowsByInvoice(ctx context.Context, invoiceID string) ([]EscrowRecord, error) {
	body, err := r.q.Query(ctx, "escrows", map[string]string{"invoice_id": invoiceID})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var out struct {
		Escrows []EscrowRecord `json:"escrows"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode escrows for invoice %s: %w", invoiceID, err)
	}
	return out.Escrows, nil
}

// EscrowEventsSince lists deposit/release events at or after since, in
// consensus order.
func (r *Reader) EscrowEventsSince(ctx context.Context, since time.Time, limit int) ([]EscrowEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	body, err := r.q.Query(ctx, "escrows/events", map[string]string{
		"since": since.UTC().Format(time.RFC3339Nano),
		"limit": strconv.Itoa(limit),
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var out struct {
		Events []EscrowEvent `json:"events"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode escrow events: %w", err)
	}
	return out.Events, nil
}

// TopicMessages reads consensus-log messages from a sequence number onward.
// Reads go through the indexer, never the log client.
func (r *Reader) TopicMessages(ctx context.Context, topicID string, fromSequence uint64, limit int) ([]TopicMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	body, err := r.q.Query(ctx, "topics/"+url.PathEscape(topicID)+"/messages", map[string]string{
		"from_sequence": strconv.FormatUint(fromSequence, 10),
		"limit":         strconv.Itoa(limit),
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var out struct {
		Messages []TopicMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode topic %s messages: %w", topicID, err)
	}
	return out.Messages, nil
}

// TransactionByRef returns raw transaction detail for proof rendering.
func (r *Reader) TransactionByRef(ctx context.Context, txRef string) (json.RawMessage, error) {
	body, err := r.q.Query(ctx, "transactions/"+url.PathEscape(txRef), nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}
