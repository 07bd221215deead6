package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ff4f/yieldharvest-sub002/internal/adapters/indexer"
	"github.com/ff4f/yieldharvest-sub002/internal/application"
	"github.com/ff4f/yieldharvest-sub002/internal/domain"
	"github.com/ff4f/yieldharvest-sub002/internal/ports"
)

// Config tunes the background reconciliation loop.
type Config struct {
	Interval time.Duration
	// FinalityWindow is how long an outcome-unknown deposit may stay
	// unresolved before its invoice reservation is rolled back.
	FinalityWindow time.Duration
	// LagBuffer is re-scanned behind the event watermark each sweep to
	// tolerate the indexer ingesting out of order.
	LagBuffer  time.Duration
	TaskBatch  int
	EventBatch int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.FinalityWindow <= 0 {
		c.FinalityWindow = 2 * time.Minute
	}
	if c.LagBuffer <= 0 {
		c.LagBuffer = 30 * time.Second
	}
	if c.TaskBatch <= 0 {
		c.TaskBatch = 50
	}
	if c.EventBatch <= 0 {
		c.EventBatch = 200
	}
}

// Stats is a point-in-time snapshot of poller activity.
type Stats struct {
	CyclesCompleted  uint64        `json:"cycles_completed"`
	CyclesFailed     uint64        `json:"cycles_failed"`
	LastCycleAt      time.Time     `json:"last_cycle_at"`
	LastCycleTook    time.Duration `json:"last_cycle_took"`
	FundingsUpserted uint64        `json:"fundings_upserted"`
	TasksResolved    uint64        `json:"tasks_resolved"`
	OpenTasks        int           `json:"open_tasks"`
	Watermark        time.Time     `json:"watermark"`
}

// Poller is the trailing reconciliation loop: it drains open reconciliation
// tasks against indexed ledger truth and sweeps recent escrow events into
// the funding projection. One cycle runs at a time; a tick that fires while
// a cycle is still running is skipped rather than stacked.
type Poller struct {
	cfg      Config
	reader   *indexer.Reader
	invoices ports.InvoiceRepository
	fundings ports.FundingRepository
	timeline ports.TimelineRepository
	tasks    ports.ReconciliationTaskRepository
	idem     ports.IdempotencyRepository
	logger   *slog.Logger

	now func() time.Time
	id  func() string

	force chan chan error

	mu        sync.Mutex
	watermark time.Time
	lastAt    time.Time
	lastTook  time.Duration
	openTasks int

	cyclesCompleted  atomic.Uint64
	cyclesFailed     atomic.Uint64
	fundingsUpserted atomic.Uint64
	tasksResolved    atomic.Uint64
}

func NewPoller(
	cfg Config,
	reader *indexer.Reader,
	invoices ports.InvoiceRepository,
	fundings ports.FundingRepository,
	timeline ports.TimelineRepository,
	tasks ports.ReconciliationTaskRepository,
	idem ports.IdempotencyRepository,
	logger *slog.Logger,
) *Poller {
	cfg.applyDefaults()
	return &Poller{
		cfg:       cfg,
		reader:    reader,
		invoices:  invoices,
		fundings:  fundings,
		timeline:  timeline,
		tasks:     tasks,
		idem:      idem,
		logger:    logger.With("module", "reconcile", "layer", "adapter"),
		now:       time.Now,
		id:        uuid.NewString,
		force:     make(chan chan error, 1),
		watermark: time.Now().Add(-1 * time.Hour),
	}
}

// WithClock overrides time and id sources in tests.
func (p *Poller) WithClock(now func() time.Time, id func() string) *Poller {
	p.now = now
	p.id = id
	return p
}

// Run blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	p.logger.Info("reconciliation poller started",
		"interval", p.cfg.Interval.String(),
		"finality_window", p.cfg.FinalityWindow.String())
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("reconciliation poller stopped")
			return
		case done := <-p.force:
			done <- p.runCycle(ctx)
		case <-ticker.C:
			if err := p.runCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.ErrorContext(ctx, "reconciliation cycle failed", "outcome", "failure", "error", err)
			}
		}
	}
}

// ForcePoll runs one cycle immediately and reports its error. Used by the
// ops endpoint.
func (p *Poller) ForcePoll(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case p.force <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		CyclesCompleted:  p.cyclesCompleted.Load(),
		CyclesFailed:     p.cyclesFailed.Load(),
		LastCycleAt:      p.lastAt,
		LastCycleTook:    p.lastTook,
		FundingsUpserted: p.fundingsUpserted.Load(),
		TasksResolved:    p.tasksResolved.Load(),
		OpenTasks:        p.openTasks,
		Watermark:        p.watermark,
	}
}

func (p *Poller) runCycle(ctx context.Context) error {
	started := p.now()
	taskErr := p.drainTasks(ctx)
	sweepErr := p.sweepEvents(ctx)

	p.mu.Lock()
	p.lastAt = started
	p.lastTook = p.now().Sub(started)
	p.mu.Unlock()

	err := errors.Join(taskErr, sweepErr)
	if err != nil {
		p.cyclesFailed.Add(1)
		return err
	}
	p.cyclesCompleted.Add(1)
	return nil
}

func (p *Poller) drainTasks(ctx context.Context) error {
	open, err := p.tasks.ListOpen(ctx, p.cfg.TaskBatch)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.openTasks = len(open)
	p.mu.Unlock()

	var errs []error
	for _, task := range open {
		var taskErr error
		switch task.Kind {
		case domain.TaskMissingFundingRow:
			taskErr = p.resolveMissingFunding(ctx, task)
		case domain.TaskDepositOutcomeUnknown:
			taskErr = p.resolveUnknownDeposit(ctx, task)
		case domain.TaskReleaseOutcomeUnknown, domain.TaskMissingRelease:
			taskErr = p.resolveRelease(ctx, task)
		default:
			p.logger.WarnContext(ctx, "unknown reconciliation task kind",
				"task_id", task.TaskID, "kind", task.Kind)
		}
		if taskErr != nil {
			errs = append(errs, taskErr)
		}
	}
	return errors.Join(errs...)
}

// resolveMissingFunding re-derives a funding row that failed to insert after
// a confirmed deposit. Ledger truth wins: the row is rebuilt from the
// indexed escrow.
func (p *Poller) resolveMissingFunding(ctx context.Context, task domain.ReconciliationTask) error {
	rec, err := p.reader.EscrowByID(ctx, task.EscrowID)
	if err != nil {
		return err
	}
	if rec == nil {
		// Not indexed yet, retry next cycle.
		return nil
	}
	if err := p.upsertFromRecord(ctx, rec, task.InvestorID); err != nil {
		return err
	}
	return p.resolve(ctx, task.TaskID, "funding row re-derived from indexer")
}

// resolveUnknownDeposit settles a deposit whose finality wait timed out.
// The indexer lists every escrow for the invoice, so the attempt's deposit
// is the escrow no funding row knows yet with the attempted amount; a
// multi-funded invoice's already-recorded escrows must never be mistaken
// for it. A confirmed match derives the row and completes the idempotency
// record so a retry under the same key replays instead of re-depositing.
// Past the finality window with no match, the reservation is rolled back.
func (p *Poller) resolveUnknownDeposit(ctx context.Context, task domain.ReconciliationTask) error {
	recs, err := p.reader.EscrowsByInvoice(ctx, task.InvoiceID)
	if err != nil {
		return err
	}
	for i := range recs {
		rec := &recs[i]
		if rec.AmountMinor != task.AmountMinor {
			continue
		}
		if _, err := p.fundings.GetByEscrowID(ctx, rec.EscrowID); err == nil {
			// Another funding's escrow, already in the projection.
			continue
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err := p.upsertFromRecord(ctx, rec, task.InvestorID); err != nil {
			return err
		}
		p.completeDeposit(ctx, task, rec.EscrowID)
		return p.resolve(ctx, task.TaskID, "deposit confirmed via indexer")
	}
	deadline := task.OpenedAt.Add(p.cfg.FinalityWindow + p.cfg.LagBuffer)
	if p.now().Before(deadline) {
		return nil
	}
	now := p.now()
	if err := p.invoices.ReleaseReservation(ctx, task.InvoiceID, task.AmountMinor, now); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return err
		}
	}
	return p.resolve(ctx, task.TaskID, "deposit never observed; reservation rolled back")
}

// completeDeposit stores the derived funding as the idempotency outcome of
// the attempt that opened the task. Best-effort: a failure here only costs
// the client a conflict on retry, never custody.
func (p *Poller) completeDeposit(ctx context.Context, task domain.ReconciliationTask, escrowID string) {
	if p.idem == nil || task.IdempotencyKey == "" {
		return
	}
	row, err := p.fundings.GetByEscrowID(ctx, escrowID)
	if err != nil {
		return
	}
	body, err := json.Marshal(application.CreateFundingResult{
		Funding:  row,
		EscrowID: row.EscrowID,
		TxRef:    row.DepositTxRef,
	})
	if err != nil {
		return
	}
	if err := p.idem.Complete(ctx, task.IdempotencyKey, 201, body, p.now()); err != nil {
		p.logger.WarnContext(ctx, "idempotency completion failed",
			"task_id", task.TaskID, "escrow_id", escrowID, "error", err)
	}
}

// completeRelease mirrors completeDeposit for settled release attempts.
func (p *Poller) completeRelease(ctx context.Context, task domain.ReconciliationTask, row domain.Funding) {
	if p.idem == nil || task.IdempotencyKey == "" {
		return
	}
	body, err := json.Marshal(application.ReleaseFundingResult{
		Funding: row,
		TxRef:   row.ReleaseTxRef,
	})
	if err != nil {
		return
	}
	if err := p.idem.Complete(ctx, task.IdempotencyKey, 200, body, p.now()); err != nil {
		p.logger.WarnContext(ctx, "idempotency completion failed",
			"task_id", task.TaskID, "escrow_id", task.EscrowID, "error", err)
	}
}

// resolveRelease handles both release-outcome-unknown and missing-release:
// in either case the fix is the same flip once the indexer shows the escrow
// released.
func (p *Poller) resolveRelease(ctx context.Context, task domain.ReconciliationTask) error {
	rec, err := p.reader.EscrowByID(ctx, task.EscrowID)
	if err != nil {
		return err
	}
	if rec == nil || !rec.Released {
		// Escrow still active (or not indexed). The task stays open as
		// the durable signal that funds may be locked.
		return nil
	}
	funding, err := p.fundings.GetByEscrowID(ctx, task.EscrowID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			if err := p.upsertFromRecord(ctx, rec, task.InvestorID); err != nil {
				return err
			}
			return p.resolve(ctx, task.TaskID, "released funding re-derived from indexer")
		}
		return err
	}
	if funding.Status != domain.FundingStatusReleased {
		released, err := p.fundings.MarkReleased(ctx, funding.FundingID, rec.ReleaseTxRef, rec.ConsensusAt)
		if err != nil {
			if !errors.Is(err, domain.ErrAlreadyReleased) {
				return err
			}
			released, err = p.fundings.GetByID(ctx, funding.FundingID)
			if err != nil {
				return err
			}
		}
		funding = released
		p.fundingsUpserted.Add(1)
		p.appendTimeline(ctx, funding.InvoiceID, domain.TimelineReconciled, map[string]any{
			"funding_id":     funding.FundingID,
			"escrow_id":      task.EscrowID,
			"release_tx_ref": rec.ReleaseTxRef,
		})
	}
	p.completeRelease(ctx, task, funding)
	return p.resolve(ctx, task.TaskID, "release confirmed via indexer")
}

// sweepEvents advances the escrow event watermark and folds every observed
// deposit/release into the projection, latest-ledger-timestamp-wins.
func (p *Poller) sweepEvents(ctx context.Context) error {
	p.mu.Lock()
	since := p.watermark.Add(-p.cfg.LagBuffer)
	p.mu.Unlock()

	events, err := p.reader.EscrowEventsSince(ctx, since, p.cfg.EventBatch)
	if err != nil {
		return err
	}
	var errs []error
	high := p.watermark
	for _, ev := range events {
		if err := p.applyEvent(ctx, ev); err != nil {
			errs = append(errs, err)
			continue
		}
		if ev.ConsensusAt.After(high) {
			high = ev.ConsensusAt
		}
	}
	if len(errs) == 0 && high.After(p.watermark) {
		p.mu.Lock()
		p.watermark = high
		p.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (p *Poller) applyEvent(ctx context.Context, ev indexer.EscrowEvent) error {
	rec, err := p.reader.EscrowByID(ctx, ev.EscrowID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	return p.upsertFromRecord(ctx, rec, "")
}

func (p *Poller) upsertFromRecord(ctx context.Context, rec *indexer.EscrowRecord, investorID string) error {
	if investorID == "" {
		investorID = rec.PayerAddress
	}
	now := p.now()
	row := domain.Funding{
		FundingID:        p.id(),
		InvoiceID:        rec.InvoiceID,
		InvestorID:       investorID,
		AmountMinor:      rec.AmountMinor,
		EscrowID:         rec.EscrowID,
		DepositTxRef:     rec.DepositTxRef,
		Status:           domain.FundingStatusActive,
		LedgerObservedAt: rec.ConsensusAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if rec.Released {
		row.Status = domain.FundingStatusReleased
		row.ReleaseTxRef = rec.ReleaseTxRef
		releasedAt := rec.ConsensusAt
		row.ReleasedAt = &releasedAt
	}
	changed, err := p.fundings.UpsertFromLedger(ctx, row)
	if err != nil {
		return err
	}
	if changed {
		p.fundingsUpserted.Add(1)
		p.appendTimeline(ctx, rec.InvoiceID, domain.TimelineReconciled, map[string]any{
			"escrow_id": rec.EscrowID,
			"released":  rec.Released,
		})
	}
	return nil
}

func (p *Poller) resolve(ctx context.Context, taskID, note string) error {
	if err := p.tasks.Resolve(ctx, taskID, note, p.now()); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	p.tasksResolved.Add(1)
	p.logger.InfoContext(ctx, "reconciliation task resolved",
		"task_id", taskID, "note", note)
	return nil
}

func (p *Poller) appendTimeline(ctx context.Context, invoiceID, entryType string, detail map[string]any) {
	err := p.timeline.Append(ctx, domain.TimelineEntry{
		EntryID:    p.id(),
		InvoiceID:  invoiceID,
		EntryType:  entryType,
		Detail:     detail,
		OccurredAt: p.now(),
	})
	if err != nil {
		p.logger.WarnContext(ctx, "timeline append failed",
			"invoice_id", invoiceID, "error", err)
	}
}
