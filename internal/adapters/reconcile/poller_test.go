package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ff4f/yieldharvest-sub002/internal/adapters/indexer"
	"github.com/ff4f/yieldharvest-sub002/internal/application"
	"github.com/ff4f/yieldharvest-sub002/internal/domain"
	"github.com/ff4f/yieldharvest-sub002/internal/ports"
)

// scriptQuerier serves canned indexer responses by resource shape.
type scriptQuerier struct {
	mu               sync.Mutex
	escrowsByID      map[string]indexer.EscrowRecord
	escrowsByInvoice map[string][]indexer.EscrowRecord
	events           []indexer.EscrowEvent
}

func (q *scriptQuerier) Query(ctx context.Context, resource string, params map[string]string) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case resource == "escrows":
		recs := q.escrowsByInvoice[params["invoice_id"]]
		if recs == nil {
			recs = []indexer.EscrowRecord{}
		}
		return json.Marshal(map[string]any{"escrows": recs})
	case resource == "escrows/events":
		return json.Marshal(map[string]any{"events": q.events})
	case strings.HasPrefix(resource, "escrows/"):
		rec, ok := q.escrowsByID[strings.TrimPrefix(resource, "escrows/")]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, resource)
		}
		return json.Marshal(rec)
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, resource)
}

type memInvoices struct {
	mu   sync.Mutex
	rows map[string]domain.Invoice
}

func (m *memInvoices) GetByID(ctx context.Context, id string) (domain.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.rows[id]
	if !ok {
		return domain.Invoice{}, fmt.Errorf("%w: invoice %s", domain.ErrNotFound, id)
	}
	return inv, nil
}

func (m *memInvoices) ReserveFunding(ctx context.Context, id string, amountMinor int64, at time.Time) (domain.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.rows[id]
	if !ok {
		return domain.Invoice{}, fmt.Errorf("%w: invoice %s", domain.ErrNotFound, id)
	}
	if inv.Status != domain.InvoiceStatusIssued {
		return domain.Invoice{}, domain.ErrNotFundable
	}
	if inv.FundedMinor+amountMinor > inv.AmountMinor {
		return domain.Invoice{}, domain.ErrOverSubscribed
	}
	inv.FundedMinor += amountMinor
	inv.UpdatedAt = at
	m.rows[id] = inv
	return inv, nil
}

func (m *memInvoices) ReleaseReservation(ctx context.Context, id string, amountMinor int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("%w: invoice %s", domain.ErrNotFound, id)
	}
	if inv.FundedMinor < amountMinor {
		return domain.ErrConflict
	}
	inv.FundedMinor -= amountMinor
	inv.UpdatedAt = at
	m.rows[id] = inv
	return nil
}

func (m *memInvoices) Promote(ctx context.Context, id string, from, to domain.InvoiceStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.rows[id]
	if !ok || inv.Status != from {
		return domain.ErrConflict
	}
	inv.Status = to
	inv.UpdatedAt = at
	m.rows[id] = inv
	return nil
}

func (m *memInvoices) SetAuditTopic(ctx context.Context, id, topicID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv := m.rows[id]
	if inv.AuditTopicID == "" {
		inv.AuditTopicID = topicID
		m.rows[id] = inv
	}
	return nil
}

type memFundings struct {
	mu   sync.Mutex
	rows map[string]domain.Funding
}

func (m *memFundings) Create(ctx context.Context, row domain.Funding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rows {
		if existing.EscrowID == row.EscrowID {
			return domain.ErrConflict
		}
	}
	m.rows[row.FundingID] = row
	return nil
}

func (m *memFundings) GetByID(ctx context.Context, id string) (domain.Funding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return domain.Funding{}, fmt.Errorf("%w: funding %s", domain.ErrNotFound, id)
	}
	return row, nil
}

func (m *memFundings) GetByEscrowID(ctx context.Context, escrowID string) (domain.Funding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.EscrowID == escrowID {
			return row, nil
		}
	}
	return domain.Funding{}, fmt.Errorf("%w: escrow %s", domain.ErrNotFound, escrowID)
}

func (m *memFundings) ListByInvoiceID(ctx context.Context, invoiceID string) ([]domain.Funding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Funding
	for _, row := range m.rows {
		if row.InvoiceID == invoiceID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *memFundings) MarkReleased(ctx context.Context, fundingID, releaseTxRef string, releasedAt time.Time) (domain.Funding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[fundingID]
	if !ok {
		return domain.Funding{}, fmt.Errorf("%w: funding %s", domain.ErrNotFound, fundingID)
	}
	if row.Status != domain.FundingStatusActive {
		return domain.Funding{}, domain.ErrAlreadyReleased
	}
	row.Status = domain.FundingStatusReleased
	row.ReleaseTxRef = releaseTxRef
	row.ReleasedAt = &releasedAt
	row.LedgerObservedAt = releasedAt
	m.rows[fundingID] = row
	return row, nil
}

func (m *memFundings) UpsertFromLedger(ctx context.Context, row domain.Funding) (bool, error) {
	existing, err := m.GetByEscrowID(ctx, row.EscrowID)
	if err != nil {
		if createErr := m.Create(ctx, row); createErr != nil {
			return false, createErr
		}
		return true, nil
	}
	if !row.LedgerObservedAt.After(existing.LedgerObservedAt) {
		return false, nil
	}
	if existing.Status == domain.FundingStatusReleased || row.Status != domain.FundingStatusReleased {
		return false, nil
	}
	if _, err := m.MarkReleased(ctx, existing.FundingID, row.ReleaseTxRef, row.LedgerObservedAt); err != nil {
		return false, err
	}
	return true, nil
}

type memTimeline struct {
	mu      sync.Mutex
	entries []domain.TimelineEntry
}

func (m *memTimeline) Append(ctx context.Context, entry domain.TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memTimeline) ListByInvoiceID(ctx context.Context, invoiceID string, limit int) ([]domain.TimelineEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TimelineEntry
	for _, e := range m.entries {
		if e.InvoiceID == invoiceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memTimeline) ofType(entryType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.EntryType == entryType {
			n++
		}
	}
	return n
}

type memTasks struct {
	mu   sync.Mutex
	rows map[string]domain.ReconciliationTask
}

func (m *memTasks) Open(ctx context.Context, task domain.ReconciliationTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[task.TaskID] = task
	return nil
}

func (m *memTasks) ListOpen(ctx context.Context, limit int) ([]domain.ReconciliationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ReconciliationTask
	for _, t := range m.rows {
		if t.ResolvedAt == nil {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTasks) Resolve(ctx context.Context, taskID, note string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[taskID]
	if !ok || t.ResolvedAt != nil {
		return fmt.Errorf("%w: task %s", domain.ErrNotFound, taskID)
	}
	t.ResolvedAt = &at
	t.Note = note
	m.rows[taskID] = t
	return nil
}

func (m *memTasks) FindOpenByIdempotencyKey(ctx context.Context, key string) (*domain.ReconciliationTask, error) {
	if key == "" {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.rows {
		if t.IdempotencyKey == key && t.ResolvedAt == nil {
			out := t
			return &out, nil
		}
	}
	return nil, nil
}

func (m *memTasks) openCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.rows {
		if t.ResolvedAt == nil {
			n++
		}
	}
	return n
}

type memIdem struct {
	mu   sync.Mutex
	rows map[string]ports.IdempotencyRecord
}

func (m *memIdem) Get(ctx context.Context, key string, now time.Time) (*ports.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[key]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (m *memIdem) Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[key]; ok {
		return domain.ErrConflict
	}
	m.rows[key] = ports.IdempotencyRecord{Key: key, RequestHash: requestHash, ExpiresAt: expiresAt}
	return nil
}

func (m *memIdem) Complete(ctx context.Context, key string, responseCode int, responseBody []byte, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[key]
	if !ok {
		return fmt.Errorf("%w: key %s", domain.ErrNotFound, key)
	}
	rec.ResponseCode = responseCode
	rec.ResponseBody = responseBody
	m.rows[key] = rec
	return nil
}

type pollerFixture struct {
	poller   *Poller
	querier  *scriptQuerier
	invoices *memInvoices
	fundings *memFundings
	timeline *memTimeline
	tasks    *memTasks
	idem     *memIdem
	now      *time.Time
}

func newPollerFixture(t *testing.T) *pollerFixture {
	t.Helper()
	q := &scriptQuerier{
		escrowsByID:      map[string]indexer.EscrowRecord{},
		escrowsByInvoice: map[string][]indexer.EscrowRecord{},
	}
	f := &pollerFixture{
		querier:  q,
		invoices: &memInvoices{rows: map[string]domain.Invoice{}},
		fundings: &memFundings{rows: map[string]domain.Funding{}},
		timeline: &memTimeline{},
		tasks:    &memTasks{rows: map[string]domain.ReconciliationTask{}},
		idem:     &memIdem{rows: map[string]ports.IdempotencyRecord{}},
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.now = &base
	seq := 0
	f.poller = NewPoller(
		Config{FinalityWindow: 2 * time.Minute, LagBuffer: 30 * time.Second},
		indexer.NewReader(q),
		f.invoices, f.fundings, f.timeline, f.tasks, f.idem,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	).WithClock(
		func() time.Time { return *f.now },
		func() string { seq++; return fmt.Sprintf("id-%04d", seq) },
	)
	// Deterministic sweep window.
	f.poller.watermark = base.Add(-time.Hour)
	return f
}

func (f *pollerFixture) advance(d time.Duration) { *f.now = f.now.Add(d) }

func TestPollerResolvesMissingFundingRow(t *testing.T) {
	f := newPollerFixture(t)
	consensusAt := f.now.Add(-time.Minute)
	f.querier.escrowsByID["0.0.5001"] = indexer.EscrowRecord{
		EscrowID:     "0.0.5001",
		InvoiceID:    "inv-1",
		PayerAddress: "0.0.1002",
		AmountMinor:  2500,
		DepositTxRef: "0.0.2@1.0",
		ConsensusAt:  consensusAt,
	}
	if err := f.tasks.Open(context.Background(), domain.ReconciliationTask{
		TaskID:     "task-1",
		Kind:       domain.TaskMissingFundingRow,
		InvoiceID:  "inv-1",
		EscrowID:   "0.0.5001",
		InvestorID: "investor-9",
		OpenedAt:   *f.now,
	}); err != nil {
		t.Fatalf("open task: %v", err)
	}

	if err := f.poller.runCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	row, err := f.fundings.GetByEscrowID(context.Background(), "0.0.5001")
	if err != nil {
		t.Fatalf("funding row not re-derived: %v", err)
	}
	if row.Status != domain.FundingStatusActive || row.InvestorID != "investor-9" || row.AmountMinor != 2500 {
		t.Fatalf("unexpected row %+v", row)
	}
	if f.tasks.openCount() != 0 {
		t.Fatalf("task should be resolved")
	}
	if f.timeline.ofType(domain.TimelineReconciled) == 0 {
		t.Fatalf("expected reconciled timeline entry")
	}
}

func TestPollerMissingFundingStaysOpenUntilIndexed(t *testing.T) {
	f := newPollerFixture(t)
	if err := f.tasks.Open(context.Background(), domain.ReconciliationTask{
		TaskID:   "task-1",
		Kind:     domain.TaskMissingFundingRow,
		EscrowID: "0.0.5001",
		OpenedAt: *f.now,
	}); err != nil {
		t.Fatalf("open task: %v", err)
	}

	if err := f.poller.runCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.tasks.openCount() != 1 {
		t.Fatalf("task must stay open while the escrow is unindexed")
	}
}

func TestPollerUnknownDepositConfirmedViaIndexer(t *testing.T) {
	f := newPollerFixture(t)
	f.querier.escrowsByInvoice["inv-1"] = []indexer.EscrowRecord{{
		EscrowID:     "0.0.5002",
		InvoiceID:    "inv-1",
		PayerAddress: "0.0.1002",
		AmountMinor:  1000,
		DepositTxRef: "0.0.2@2.0",
		ConsensusAt:  f.now.Add(-time.Minute),
	}}
	if err := f.tasks.Open(context.Background(), domain.ReconciliationTask{
		TaskID:      "task-1",
		Kind:        domain.TaskDepositOutcomeUnknown,
		InvoiceID:   "inv-1",
		InvestorID:  "investor-9",
		AmountMinor: 1000,
		OpenedAt:    *f.now,
	}); err != nil {
		t.Fatalf("open task: %v", err)
	}

	if err := f.poller.runCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if _, err := f.fundings.GetByEscrowID(context.Background(), "0.0.5002"); err != nil {
		t.Fatalf("deposit should be folded into the projection: %v", err)
	}
	if f.tasks.openCount() != 0 {
		t.Fatalf("task should be resolved")
	}
}

func TestPollerUnknownDepositRollsBackReservationAfterWindow(t *testing.T) {
	f := newPollerFixture(t)
	f.invoices.rows["inv-1"] = domain.Invoice{
		InvoiceID:   "inv-1",
		Status:      domain.InvoiceStatusIssued,
		AmountMinor: 10_000,
		FundedMinor: 1000,
	}
	if err := f.tasks.Open(context.Background(), domain.ReconciliationTask{
		TaskID:      "task-1",
		Kind:        domain.TaskDepositOutcomeUnknown,
		InvoiceID:   "inv-1",
		InvestorID:  "investor-9",
		AmountMinor: 1000,
		OpenedAt:    *f.now,
	}); err != nil {
		t.Fatalf("open task: %v", err)
	}

	// Inside the finality window: reservation must be kept.
	f.advance(time.Minute)
	if err := f.poller.runCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.tasks.openCount() != 1 {
		t.Fatalf("task resolved too early")
	}
	if inv, _ := f.invoices.GetByID(context.Background(), "inv-1"); inv.FundedMinor != 1000 {
		t.Fatalf("reservation rolled back too early: %+v", inv)
	}

	// Past finality window plus lag buffer and still unindexed: roll back.
	f.advance(2 * time.Minute)
	if err := f.poller.runCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.tasks.openCount() != 0 {
		t.Fatalf("task should be resolved after rollback")
	}
	if inv, _ := f.invoices.GetByID(context.Background(), "inv-1"); inv.FundedMinor != 0 {
		t.Fatalf("reservation not rolled back: %+v", inv)
	}
}

func TestPollerUnknownDepositIgnoresRecordedEscrows(t *testing.T) {
	f := newPollerFixture(t)
	// The invoice already carries a recorded funding whose escrow the
	// indexer lists, plus an unrecorded escrow with a different amount.
	// Neither may settle the attempt: the first belongs to another funding,
	// the second does not match the attempted amount.
	f.invoices.rows["inv-1"] = domain.Invoice{
		InvoiceID:   "inv-1",
		Status:      domain.InvoiceStatusIssued,
		AmountMinor: 10_000,
		FundedMinor: 2000,
	}
	f.fundings.rows["fund-1"] = domain.Funding{
		FundingID:   "fund-1",
		InvoiceID:   "inv-1",
		InvestorID:  "investor-8",
		AmountMinor: 1000,
		EscrowID:    "0.0.5001",
		Status:      domain.FundingStatusActive,
	}
	f.querier.escrowsByInvoice["inv-1"] = []indexer.EscrowRecord{
		{EscrowID: "0.0.5001", InvoiceID: "inv-1", AmountMinor: 1000, DepositTxRef: "0.0.2@1.0"},
		{EscrowID: "0.0.5009", InvoiceID: "inv-1", AmountMinor: 2000, DepositTxRef: "0.0.2@9.0"},
	}
	if err := f.tasks.Open(context.Background(), domain.ReconciliationTask{
		TaskID:      "task-1",
		Kind:        domain.TaskDepositOutcomeUnknown,
		InvoiceID:   "inv-1",
		InvestorID:  "investor-9",
		AmountMinor: 1000,
		OpenedAt:    *f.now,
	}); err != nil {
		t.Fatalf("open task: %v", err)
	}

	if err := f.poller.runCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.tasks.openCount() != 1 {
		t.Fatalf("another funding's escrow must not settle the attempt")
	}
	if len(f.fundings.rows) != 1 {
		t.Fatalf("no new funding row may be derived, got %d", len(f.fundings.rows))
	}

	// The deposit never shows up, so past the window the reservation of the
	// unsettled attempt, and only that one, is rolled back.
	f.advance(3 * time.Minute)
	if err := f.poller.runCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.tasks.openCount() != 0 {
		t.Fatalf("task should settle by rollback")
	}
	if inv, _ := f.invoices.GetByID(context.Background(), "inv-1"); inv.FundedMinor != 1000 {
		t.Fatalf("expected rollback of the attempted 1000 only, got %d", inv.FundedMinor)
	}
	if row, _ := f.fundings.GetByEscrowID(context.Background(), "0.0.5001"); row.Status != domain.FundingStatusActive {
		t.Fatalf("recorded funding must be untouched: %+v", row)
	}
}

func TestPollerConfirmedDepositCompletesIdempotencyRecord(t *testing.T) {
	f := newPollerFixture(t)
	if err := f.idem.Reserve(context.Background(), "key-1", "hash-1", f.now.Add(24*time.Hour)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	f.querier.escrowsByInvoice["inv-1"] = []indexer.EscrowRecord{{
		EscrowID:     "0.0.5002",
		InvoiceID:    "inv-1",
		PayerAddress: "0.0.1002",
		AmountMinor:  1000,
		DepositTxRef: "0.0.2@2.0",
		ConsensusAt:  f.now.Add(-time.Minute),
	}}
	if err := f.tasks.Open(context.Background(), domain.ReconciliationTask{
		TaskID:         "task-1",
		Kind:           domain.TaskDepositOutcomeUnknown,
		InvoiceID:      "inv-1",
		InvestorID:     "investor-9",
		AmountMinor:    1000,
		IdempotencyKey: "key-1",
		OpenedAt:       *f.now,
	}); err != nil {
		t.Fatalf("open task: %v", err)
	}

	if err := f.poller.runCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.tasks.openCount() != 0 {
		t.Fatalf("task should be resolved")
	}

	// The stored response is what a retry under the same key replays, so it
	// must carry the derived funding instead of leaving the key blank.
	rec, err := f.idem.Get(context.Background(), "key-1", *f.now)
	if err != nil || rec == nil {
		t.Fatalf("idempotency record missing: %v", err)
	}
	if rec.ResponseCode != 201 {
		t.Fatalf("expected stored 201, got %d", rec.ResponseCode)
	}
	var result application.CreateFundingResult
	if err := json.Unmarshal(rec.ResponseBody, &result); err != nil {
		t.Fatalf("decode stored response: %v", err)
	}
	if result.EscrowID != "0.0.5002" || result.Funding.DepositTxRef != "0.0.2@2.0" {
		t.Fatalf("stored response must name the settled deposit: %+v", result)
	}
	if result.Funding.AmountMinor != 1000 || result.Funding.InvestorID != "investor-9" {
		t.Fatalf("unexpected derived funding: %+v", result.Funding)
	}
}

func TestPollerRollbackLeavesIdempotencyRecordEmpty(t *testing.T) {
	f := newPollerFixture(t)
	if err := f.idem.Reserve(context.Background(), "key-1", "hash-1", f.now.Add(24*time.Hour)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	f.invoices.rows["inv-1"] = domain.Invoice{
		InvoiceID:   "inv-1",
		Status:      domain.InvoiceStatusIssued,
		AmountMinor: 10_000,
		FundedMinor: 1000,
	}
	if err := f.tasks.Open(context.Background(), domain.ReconciliationTask{
		TaskID:         "task-1",
		Kind:           domain.TaskDepositOutcomeUnknown,
		InvoiceID:      "inv-1",
		InvestorID:     "investor-9",
		AmountMinor:    1000,
		IdempotencyKey: "key-1",
		OpenedAt:       *f.now,
	}); err != nil {
		t.Fatalf("open task: %v", err)
	}

	f.advance(3 * time.Minute)
	if err := f.poller.runCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.tasks.openCount() != 0 {
		t.Fatalf("task should settle by rollback")
	}
	// No stored response: a fresh attempt under the same key may proceed.
	rec, err := f.idem.Get(context.Background(), "key-1", *f.now)
	if err != nil || rec == nil {
		t.Fatalf("idempotency record missing: %v", err)
	}
	if len(rec.ResponseBody) != 0 {
		t.Fatalf("rolled-back attempt must not store a response, got %s", rec.ResponseBody)
	}
}

func TestPollerReleaseConfirmedFlipsFunding(t *testing.T) {
	f := newPollerFixture(t)
	f.fundings.rows["fund-1"] = domain.Funding{
		FundingID:        "fund-1",
		InvoiceID:        "inv-1",
		InvestorID:       "investor-9",
		AmountMinor:      2500,
		EscrowID:         "0.0.5003",
		Status:           domain.FundingStatusActive,
		LedgerObservedAt: f.now.Add(-10 * time.Minute),
	}
	if err := f.idem.Reserve(context.Background(), "rel-1", "hash-1", f.now.Add(24*time.Hour)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := f.tasks.Open(context.Background(), domain.ReconciliationTask{
		TaskID:         "task-1",
		Kind:           domain.TaskReleaseOutcomeUnknown,
		InvoiceID:      "inv-1",
		EscrowID:       "0.0.5003",
		IdempotencyKey: "rel-1",
		OpenedAt:       *f.now,
	}); err != nil {
		t.Fatalf("open task: %v", err)
	}

	// Escrow still active on-chain: the task is the durable signal and must
	// not be resolved.
	f.querier.escrowsByID["0.0.5003"] = indexer.EscrowRecord{
		EscrowID: "0.0.5003", InvoiceID: "inv-1", AmountMinor: 2500,
	}
	if err := f.poller.runCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.tasks.openCount() != 1 {
		t.Fatalf("unreleased escrow must keep the task open")
	}

	f.querier.mu.Lock()
	f.querier.escrowsByID["0.0.5003"] = indexer.EscrowRecord{
		EscrowID:     "0.0.5003",
		InvoiceID:    "inv-1",
		AmountMinor:  2500,
		Released:     true,
		ReleaseTxRef: "0.0.2@3.0",
		ConsensusAt:  *f.now,
	}
	f.querier.mu.Unlock()
	if err := f.poller.runCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	row, err := f.fundings.GetByID(context.Background(), "fund-1")
	if err != nil {
		t.Fatalf("get funding: %v", err)
	}
	if row.Status != domain.FundingStatusReleased || row.ReleaseTxRef != "0.0.2@3.0" {
		t.Fatalf("funding not flipped: %+v", row)
	}
	if f.tasks.openCount() != 0 {
		t.Fatalf("task should be resolved")
	}

	// The settled release is stored under the request key for replay.
	rec, err := f.idem.Get(context.Background(), "rel-1", *f.now)
	if err != nil || rec == nil {
		t.Fatalf("idempotency record missing: %v", err)
	}
	if rec.ResponseCode != 200 {
		t.Fatalf("expected stored 200, got %d", rec.ResponseCode)
	}
	var result application.ReleaseFundingResult
	if err := json.Unmarshal(rec.ResponseBody, &result); err != nil {
		t.Fatalf("decode stored response: %v", err)
	}
	if result.Funding.Status != domain.FundingStatusReleased || result.TxRef != "0.0.2@3.0" {
		t.Fatalf("stored response must carry the released funding: %+v", result)
	}
}

func TestPollerSweepAdvancesWatermark(t *testing.T) {
	f := newPollerFixture(t)
	first := f.now.Add(-30 * time.Minute)
	second := f.now.Add(-20 * time.Minute)
	f.querier.escrowsByID["0.0.5004"] = indexer.EscrowRecord{
		EscrowID:     "0.0.5004",
		InvoiceID:    "inv-1",
		PayerAddress: "0.0.1002",
		AmountMinor:  500,
		DepositTxRef: "0.0.2@4.0",
		ConsensusAt:  first,
	}
	f.querier.escrowsByID["0.0.5005"] = indexer.EscrowRecord{
		EscrowID:     "0.0.5005",
		InvoiceID:    "inv-2",
		PayerAddress: "0.0.1003",
		AmountMinor:  700,
		DepositTxRef: "0.0.2@5.0",
		ConsensusAt:  second,
	}
	f.querier.events = []indexer.EscrowEvent{
		{EventType: "deposit", EscrowID: "0.0.5004", InvoiceID: "inv-1", TxRef: "0.0.2@4.0", ConsensusAt: first},
		{EventType: "deposit", EscrowID: "0.0.5005", InvoiceID: "inv-2", TxRef: "0.0.2@5.0", ConsensusAt: second},
	}

	if err := f.poller.runCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if _, err := f.fundings.GetByEscrowID(context.Background(), "0.0.5004"); err != nil {
		t.Fatalf("first event not applied: %v", err)
	}
	if _, err := f.fundings.GetByEscrowID(context.Background(), "0.0.5005"); err != nil {
		t.Fatalf("second event not applied: %v", err)
	}
	stats := f.poller.Stats()
	if !stats.Watermark.Equal(second) {
		t.Fatalf("watermark should advance to the newest event, got %v", stats.Watermark)
	}
	if stats.FundingsUpserted != 2 || stats.CyclesCompleted != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	// A re-run over the same events is a no-op, not a duplicate fold.
	if err := f.poller.runCycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if stats := f.poller.Stats(); stats.FundingsUpserted != 2 {
		t.Fatalf("sweep must be idempotent, got %+v", stats)
	}
}

func TestPollerForcePoll(t *testing.T) {
	f := newPollerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.poller.Run(ctx)
	}()

	if err := f.poller.ForcePoll(ctx); err != nil {
		t.Fatalf("force poll: %v", err)
	}
	if stats := f.poller.Stats(); stats.CyclesCompleted != 1 {
		t.Fatalf("expected one completed cycle, got %+v", stats)
	}
	cancel()
	wg.Wait()
}
