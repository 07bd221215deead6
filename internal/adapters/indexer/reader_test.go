package indexer

import (
	"context"
	"testing"
	"time"
)

func TestReaderEscrowByIDNotIndexed(t *testing.T) {
	reader := NewReader(&fakeQuerier{responses: map[string][]byte{}})
	rec, err := reader.EscrowByID(context.Background(), "0.0.9999")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record for unindexed escrow, got %+v", rec)
	}
}

func TestReaderEscrowsByInvoice(t *testing.T) {
	key := CacheKey("escrows", map[string]string{"invoice_id": "inv-1"})
	reader := NewReader(&fakeQuerier{responses: map[string][]byte{
		key: []byte(`{"escrows":[{"escrow_id":"0.0.5001","invoice_id":"inv-1","amount_minor":2500,"released":true,"release_tx_ref":"0.0.2@9.0"},{"escrow_id":"0.0.5002","invoice_id":"inv-1","amount_minor":1500}]}`),
	}})

	recs, err := reader.EscrowsByInvoice(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 2 || recs[0].EscrowID != "0.0.5001" || !recs[0].Released || recs[1].EscrowID != "0.0.5002" {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestReaderEscrowsByInvoiceEmptyList(t *testing.T) {
	key := CacheKey("escrows", map[string]string{"invoice_id": "inv-1"})
	reader := NewReader(&fakeQuerier{responses: map[string][]byte{key: []byte(`{"escrows":[]}`)}})

	recs, err := reader.EscrowsByInvoice(context.Background(), "inv-1")
	if err != nil || len(recs) != 0 {
		t.Fatalf("expected empty list, got recs=%+v err=%v", recs, err)
	}
}

func TestReaderEscrowEventsSince(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	key := CacheKey("escrows/events", map[string]string{
		"since": since.Format(time.RFC3339Nano),
		"limit": "2",
	})
	reader := NewReader(&fakeQuerier{responses: map[string][]byte{
		key: []byte(`{"events":[{"event_type":"deposit","escrow_id":"0.0.5001","tx_ref":"0.0.2@1.0"},{"event_type":"release","escrow_id":"0.0.5001","tx_ref":"0.0.2@2.0"}]}`),
	}})

	events, err := reader.EscrowEventsSince(context.Background(), since, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 || events[0].EventType != "deposit" || events[1].EventType != "release" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestReaderTopicMessagesDecode(t *testing.T) {
	key := CacheKey("topics/0.0.7001/messages", map[string]string{"from_sequence": "3", "limit": "100"})
	reader := NewReader(&fakeQuerier{responses: map[string][]byte{
		key: []byte(`{"messages":[{"topic_id":"0.0.7001","sequence_number":3,"message":"eyJ4IjoxfQ=="}]}`),
	}})

	msgs, err := reader.TopicMessages(context.Background(), "0.0.7001", 3, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].SequenceNumber != 3 {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if string(msgs[0].Message) != `{"x":1}` {
		t.Fatalf("message payload not decoded: %q", msgs[0].Message)
	}
}
