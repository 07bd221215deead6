package application

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ff4f/yieldharvest-sub002/internal/ports"
)

type Config struct {
	ServiceName             string
	IdempotencyTTL          time.Duration
	FinalityTimeout         time.Duration
	AutoProvisionAuditTopic bool
	// ExplorerBaseURL is the indexer/mirror explorer used to build proof
	// links for API responses.
	ExplorerBaseURL string
}

// Actor is the caller identity resolved by the (out-of-scope) routing layer.
type Actor struct {
	SubjectID      string
	RequestID      string
	IdempotencyKey string
}

type CreateFundingInput struct {
	InvoiceID   string
	InvestorID  string
	AmountMinor int64
	SerialRef   string
}

type ReleaseFundingInput struct {
	FundingID string
}

// Service is the funding orchestrator: the saga coordinating the relational
// projection, the escrow contract, the consensus audit log, and the outbox.
// All collaborators are injected; there is no package-level client state.
type Service struct {
	cfg Config

	invoices    ports.InvoiceRepository
	fundings    ports.FundingRepository
	timeline    ports.TimelineRepository
	tasks       ports.ReconciliationTaskRepository
	outbox      ports.OutboxRepository
	idempotency ports.IdempotencyRepository

	escrow   ports.EscrowContract
	auditLog ports.ConsensusLog

	logger *slog.Logger
	nowFn  func() time.Time
	idFn   func() string
}

type Dependencies struct {
	Config Config

	Invoices    ports.InvoiceRepository
	Fundings    ports.FundingRepository
	Timeline    ports.TimelineRepository
	Tasks       ports.ReconciliationTaskRepository
	Outbox      ports.OutboxRepository
	Idempotency ports.IdempotencyRepository

	Escrow   ports.EscrowContract
	AuditLog ports.ConsensusLog

	Logger *slog.Logger
}

func NewService(deps Dependencies) *Service {
	cfg := deps.Config
	if cfg.ServiceName == "" {
		cfg.ServiceName = "invoice-funding-service"
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.FinalityTimeout <= 0 {
		cfg.FinalityTimeout = 30 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:         cfg,
		invoices:    deps.Invoices,
		fundings:    deps.Fundings,
		timeline:    deps.Timeline,
		tasks:       deps.Tasks,
		outbox:      deps.Outbox,
		idempotency: deps.Idempotency,
		escrow:      deps.Escrow,
		auditLog:    deps.AuditLog,
		logger:      logger,
		nowFn:       func() time.Time { return time.Now().UTC() },
		idFn:        uuid.NewString,
	}
}

// WithClock overrides time and id sources for deterministic tests.
func (s *Service) WithClock(now func() time.Time, id func() string) *Service {
	if now != nil {
		s.nowFn = now
	}
	if id != nil {
		s.idFn = id
	}
	return s
}
