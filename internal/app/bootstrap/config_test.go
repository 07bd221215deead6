package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
)

const configTestBase = `
dependencies:
  postgres_url: postgres://localhost:5432/funding
  redis_url: redis://localhost:6379/0
ledger:
  gateway_url: http://localhost:7546
  operator_id: "0.0.1001"
  operator_key_hex: deadbeef
indexer:
  url: http://localhost:5551
`

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAuditTopicDefaultsOn(t *testing.T) {
	cfg, err := LoadConfig(writeConfigFile(t, configTestBase))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.AutoProvisionAuditTopic {
		t.Fatalf("expected auto-provision default to be true")
	}
}

func TestLoadConfigAuditTopicFileFalseDisables(t *testing.T) {
	body := configTestBase + `
funding:
  auto_provision_audit_topic: false
`
	cfg, err := LoadConfig(writeConfigFile(t, body))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.AutoProvisionAuditTopic {
		t.Fatalf("file setting false should disable auto-provision")
	}
}

func TestLoadConfigAuditTopicFileTrueKept(t *testing.T) {
	body := configTestBase + `
funding:
  auto_provision_audit_topic: true
`
	cfg, err := LoadConfig(writeConfigFile(t, body))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.AutoProvisionAuditTopic {
		t.Fatalf("file setting true should keep auto-provision enabled")
	}
}
