package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	cacheadapter "github.com/ff4f/yieldharvest-sub002/internal/adapters/cache"
	eventadapter "github.com/ff4f/yieldharvest-sub002/internal/adapters/events"
	grpcadapter "github.com/ff4f/yieldharvest-sub002/internal/adapters/grpc"
	httpadapter "github.com/ff4f/yieldharvest-sub002/internal/adapters/http"
	"github.com/ff4f/yieldharvest-sub002/internal/adapters/indexer"
	"github.com/ff4f/yieldharvest-sub002/internal/adapters/ledger"
	"github.com/ff4f/yieldharvest-sub002/internal/adapters/postgres"
	"github.com/ff4f/yieldharvest-sub002/internal/adapters/reconcile"
	"github.com/ff4f/yieldharvest-sub002/internal/application"
)

type Runtime struct {
	cfg        Config
	logger     *slog.Logger
	httpServer *http.Server
	grpcServer *grpc.Server
	grpcLis    net.Listener
	poller     *reconcile.Poller
	outbox     *eventadapter.OutboxWorker
	cleanupFn  func(context.Context)
}

func NewRuntime(ctx context.Context, configPath string) (*Runtime, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("bootstrapping invoice funding service",
		"http_port", cfg.HTTPPort, "grpc_port", cfg.GRPCPort)

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}

	if err := postgres.RunMigrations(ctx, db); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	redisClient, err := cacheadapter.Connect(ctx, cfg.RedisURL)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	repos := postgres.NewRepositories(db)

	signer, err := ledger.NewSigner(cfg.LedgerOperatorID, cfg.LedgerOperatorKeyHex)
	if err != nil {
		_ = sqlDB.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("init ledger signer: %w", err)
	}
	gateway := ledger.NewGateway(cfg.LedgerGatewayURL, signer, &http.Client{
		Timeout: cfg.LedgerHTTPTimeout,
	})
	escrowClient := ledger.NewEscrowClient(gateway, logger)
	auditLog := ledger.NewConsensusLogClient(gateway)

	indexerClient := indexer.NewClient(cfg.IndexerURL, &http.Client{
		Timeout: cfg.LedgerHTTPTimeout,
	})
	indexerCache := indexer.NewCache(indexerClient, cacheadapter.NewRedisStore(redisClient), cfg.IndexerCacheTTL, logger)
	cachedReader := indexer.NewReader(indexerCache)
	// The poller reads the indexer directly; reconciliation decisions must
	// not be made from cached state.
	liveReader := indexer.NewReader(indexerClient)

	svc := application.NewService(application.Dependencies{
		Config: application.Config{
			ServiceName:             cfg.ServiceID,
			IdempotencyTTL:          cfg.IdempotencyTTL,
			FinalityTimeout:         cfg.FinalityTimeout,
			AutoProvisionAuditTopic: cfg.AutoProvisionAuditTopic,
			ExplorerBaseURL:         cfg.ExplorerBaseURL,
		},
		Invoices:    repos.Invoices,
		Fundings:    repos.Fundings,
		Timeline:    repos.Timeline,
		Tasks:       repos.Tasks,
		Outbox:      repos.Outbox,
		Idempotency: repos.Idempotency,
		Escrow:      escrowClient,
		AuditLog:    auditLog,
		Logger:      logger,
	})

	poller := reconcile.NewPoller(
		reconcile.Config{
			Interval:       cfg.ReconcileInterval,
			FinalityWindow: cfg.ReconcileFinalityWindow,
			LagBuffer:      cfg.ReconcileLagBuffer,
		},
		liveReader,
		repos.Invoices,
		repos.Fundings,
		repos.Timeline,
		repos.Tasks,
		repos.Idempotency,
		logger,
	)

	ready := func(ctx context.Context) error {
		if err := sqlDB.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}

	handler := httpadapter.NewHandler(svc, indexerCache, cachedReader, poller, ready, logger)
	router := httpadapter.NewRouter(handler, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	grpcadapter.Register(grpcServer, grpcadapter.NewFundingInternalServer(svc))

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		_ = sqlDB.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("listen gRPC: %w", err)
	}

	publisher, err := eventadapter.NewKafkaPublisher(cfg.KafkaBrokers, eventadapter.DefaultTopics())
	if err != nil {
		logger.Warn("kafka publisher unavailable; outbox drains to log only", "error", err)
		publisher = nil
	}
	var outbox *eventadapter.OutboxWorker
	if publisher != nil {
		outbox = eventadapter.NewOutboxWorker(
			logger,
			repos.Outbox,
			publisher,
			cfg.OutboxPollInterval,
			cfg.OutboxBatchSize,
			cfg.OutboxMaxRetries,
		)
	}

	return &Runtime{
		cfg:        cfg,
		logger:     logger,
		httpServer: httpServer,
		grpcServer: grpcServer,
		grpcLis:    lis,
		poller:     poller,
		outbox:     outbox,
		cleanupFn: func(ctx context.Context) {
			if publisher != nil {
				_ = publisher.Close()
			}
			_ = redisClient.Close()
			_ = sqlDB.Close()
		},
	}, nil
}

// RunAPI serves HTTP and gRPC and hosts the reconciliation poller, then
// shuts down gracefully on SIGINT/SIGTERM.
func (r *Runtime) RunAPI(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go r.poller.Run(ctx)

	errCh := make(chan error, 2)
	go func() {
		r.logger.Info("http server started", "addr", r.httpServer.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		r.logger.Info("grpc server started", "addr", r.grpcLis.Addr().String())
		if err := r.grpcServer.Serve(r.grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
	case err := <-errCh:
		r.logger.Error("server failure", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.httpServer.Shutdown(shutdownCtx)
	r.grpcServer.GracefulStop()
	r.cleanupFn(shutdownCtx)
	return nil
}

// RunWorker drains the funding outbox until cancelled.
func (r *Runtime) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if r.outbox == nil {
		return fmt.Errorf("outbox worker requires KAFKA_BROKERS")
	}
	r.logger.Info("outbox worker started")
	err := r.outbox.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.cleanupFn(shutdownCtx)
	return nil
}
