package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration for the funding service.
// It merges file defaults and environment overrides to support both local
// and deployed runs.
type Config struct {
	ServiceID string

	HTTPPort int
	GRPCPort int

	DatabaseURL string
	RedisURL    string
	MaxDBConns  int32

	KafkaBrokers []string

	LedgerGatewayURL     string
	LedgerOperatorID     string
	LedgerOperatorKeyHex string
	LedgerHTTPTimeout    time.Duration

	IndexerURL      string
	IndexerCacheTTL time.Duration
	ExplorerBaseURL string

	FinalityTimeout         time.Duration
	IdempotencyTTL          time.Duration
	AutoProvisionAuditTopic bool

	ReconcileInterval       time.Duration
	ReconcileFinalityWindow time.Duration
	ReconcileLagBuffer      time.Duration

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxRetries   int
}

// configFile mirrors the YAML schema used by configs/default.yaml.
type configFile struct {
	Service struct {
		ID       string `yaml:"id"`
		HTTPPort int    `yaml:"http_port"`
		GRPCPort int    `yaml:"grpc_port"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL  string   `yaml:"postgres_url"`
		RedisURL     string   `yaml:"redis_url"`
		KafkaBrokers []string `yaml:"kafka_brokers"`
	} `yaml:"dependencies"`
	Ledger struct {
		GatewayURL     string `yaml:"gateway_url"`
		OperatorID     string `yaml:"operator_id"`
		OperatorKeyHex string `yaml:"operator_key_hex"`
	} `yaml:"ledger"`
	Indexer struct {
		URL             string `yaml:"url"`
		CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
		ExplorerURL     string `yaml:"explorer_url"`
	} `yaml:"indexer"`
	Funding struct {
		FinalityTimeoutSeconds  int   `yaml:"finality_timeout_seconds"`
		AutoProvisionAuditTopic *bool `yaml:"auto_provision_audit_topic"`
	} `yaml:"funding"`
}

// LoadConfig resolves configuration in priority order: defaults -> file -> env.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ServiceID:               "invoice-funding-service",
		HTTPPort:                8080,
		GRPCPort:                9090,
		MaxDBConns:              20,
		LedgerHTTPTimeout:       10 * time.Second,
		IndexerCacheTTL:         60 * time.Second,
		FinalityTimeout:         30 * time.Second,
		IdempotencyTTL:          24 * time.Hour,
		AutoProvisionAuditTopic: true,
		ReconcileInterval:       30 * time.Second,
		ReconcileFinalityWindow: 2 * time.Minute,
		ReconcileLagBuffer:      30 * time.Second,
		OutboxPollInterval:      2 * time.Second,
		OutboxBatchSize:         100,
		OutboxMaxRetries:        5,
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		var f configFile
		if unmarshalErr := yaml.Unmarshal(raw, &f); unmarshalErr != nil {
			return Config{}, fmt.Errorf("parse config file: %w", unmarshalErr)
		}
		if f.Service.ID != "" {
			cfg.ServiceID = f.Service.ID
		}
		if f.Service.HTTPPort > 0 {
			cfg.HTTPPort = f.Service.HTTPPort
		}
		if f.Service.GRPCPort > 0 {
			cfg.GRPCPort = f.Service.GRPCPort
		}
		if f.Dependencies.PostgresURL != "" {
			cfg.DatabaseURL = f.Dependencies.PostgresURL
		}
		if f.Dependencies.RedisURL != "" {
			cfg.RedisURL = f.Dependencies.RedisURL
		}
		if len(f.Dependencies.KafkaBrokers) > 0 {
			cfg.KafkaBrokers = f.Dependencies.KafkaBrokers
		}
		if f.Ledger.GatewayURL != "" {
			cfg.LedgerGatewayURL = f.Ledger.GatewayURL
		}
		if f.Ledger.OperatorID != "" {
			cfg.LedgerOperatorID = f.Ledger.OperatorID
		}
		if f.Ledger.OperatorKeyHex != "" {
			cfg.LedgerOperatorKeyHex = f.Ledger.OperatorKeyHex
		}
		if f.Indexer.URL != "" {
			cfg.IndexerURL = f.Indexer.URL
		}
		if f.Indexer.CacheTTLSeconds > 0 {
			cfg.IndexerCacheTTL = time.Duration(f.Indexer.CacheTTLSeconds) * time.Second
		}
		if f.Indexer.ExplorerURL != "" {
			cfg.ExplorerBaseURL = f.Indexer.ExplorerURL
		}
		if f.Funding.FinalityTimeoutSeconds > 0 {
			cfg.FinalityTimeout = time.Duration(f.Funding.FinalityTimeoutSeconds) * time.Second
		}
		if f.Funding.AutoProvisionAuditTopic != nil {
			cfg.AutoProvisionAuditTopic = *f.Funding.AutoProvisionAuditTopic
		}
	}

	cfg.DatabaseURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.LedgerGatewayURL = envOrDefault("LEDGER_GATEWAY_URL", cfg.LedgerGatewayURL)
	cfg.LedgerOperatorID = envOrDefault("LEDGER_OPERATOR_ID", cfg.LedgerOperatorID)
	cfg.LedgerOperatorKeyHex = envOrDefault("LEDGER_OPERATOR_KEY", cfg.LedgerOperatorKeyHex)
	cfg.IndexerURL = envOrDefault("INDEXER_URL", cfg.IndexerURL)
	cfg.ExplorerBaseURL = envOrDefault("EXPLORER_BASE_URL", cfg.ExplorerBaseURL)
	cfg.AutoProvisionAuditTopic = envBool("AUTO_PROVISION_AUDIT_TOPIC", cfg.AutoProvisionAuditTopic)

	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))

	cfg.LedgerHTTPTimeout = time.Duration(envInt("LEDGER_HTTP_TIMEOUT_SECONDS", int(cfg.LedgerHTTPTimeout.Seconds()))) * time.Second
	cfg.IndexerCacheTTL = time.Duration(envInt("INDEXER_CACHE_TTL_SECONDS", int(cfg.IndexerCacheTTL.Seconds()))) * time.Second
	cfg.FinalityTimeout = time.Duration(envInt("FINALITY_TIMEOUT_SECONDS", int(cfg.FinalityTimeout.Seconds()))) * time.Second
	cfg.IdempotencyTTL = time.Duration(envInt("IDEMPOTENCY_TTL_HOURS", int(cfg.IdempotencyTTL.Hours()))) * time.Hour
	cfg.ReconcileInterval = time.Duration(envInt("RECONCILE_INTERVAL_SECONDS", int(cfg.ReconcileInterval.Seconds()))) * time.Second
	cfg.ReconcileFinalityWindow = time.Duration(envInt("RECONCILE_FINALITY_WINDOW_SECONDS", int(cfg.ReconcileFinalityWindow.Seconds()))) * time.Second
	cfg.ReconcileLagBuffer = time.Duration(envInt("RECONCILE_LAG_BUFFER_SECONDS", int(cfg.ReconcileLagBuffer.Seconds()))) * time.Second
	cfg.OutboxPollInterval = time.Duration(envInt("OUTBOX_POLL_SECONDS", int(cfg.OutboxPollInterval.Seconds()))) * time.Second
	cfg.OutboxBatchSize = envInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxMaxRetries = envInt("OUTBOX_MAX_RETRIES", cfg.OutboxMaxRetries)

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("missing DB_URL/POSTGRES_URL")
	}
	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("missing REDIS_URL")
	}
	if cfg.LedgerGatewayURL == "" {
		return Config{}, fmt.Errorf("missing LEDGER_GATEWAY_URL")
	}
	if cfg.LedgerOperatorID == "" || cfg.LedgerOperatorKeyHex == "" {
		return Config{}, fmt.Errorf("missing LEDGER_OPERATOR_ID or LEDGER_OPERATOR_KEY")
	}
	if cfg.IndexerURL == "" {
		return Config{}, fmt.Errorf("missing INDEXER_URL")
	}

	return cfg, nil
}

// envOrDefault returns an env var when present, otherwise the provided fallback.
func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envInt parses integer env vars with safe fallback on empty/invalid values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// envBool parses common boolean env forms while keeping a deterministic fallback.
func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

// envCSV parses comma-separated env vars and removes empty segments.
func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		parts = append(parts, trimmed)
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
