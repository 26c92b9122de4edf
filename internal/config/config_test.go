package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "indexer.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "arch_node:\n  url: \"http://localhost:8899\"\n  websocket_url: \"ws://localhost:8899\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Indexer.BulkBatchSize != 5000 {
		t.Fatalf("expected default bulk_batch_size 5000, got %d", cfg.Indexer.BulkBatchSize)
	}
	if cfg.Arch.MaxConcurrency != 192 {
		t.Fatalf("expected default max_concurrency 192, got %d", cfg.Arch.MaxConcurrency)
	}
	if cfg.Checkpoint.Backend != "file" {
		t.Fatalf("expected default checkpoint backend file, got %q", cfg.Checkpoint.Backend)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "arch_node:\n  url: \"http://localhost:8899\"\n  websocket_url: \"ws://localhost:8899\"\n")

	os.Setenv("INDEXER_BULK_BATCH_SIZE", "250")
	defer os.Unsetenv("INDEXER_BULK_BATCH_SIZE")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Indexer.BulkBatchSize != 250 {
		t.Fatalf("expected env override 250, got %d", cfg.Indexer.BulkBatchSize)
	}
}

func TestLoadMissingRequiredURL(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "indexer:\n  bulk_batch_size: 100\n")

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing arch_node.url")
	}
}

func TestLoadRealtimeRequiresWebsocketURL(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "arch_node:\n  url: \"http://localhost:8899\"\nindexer:\n  enable_realtime: true\n")

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing arch_node.websocket_url when realtime enabled")
	}
}

func TestLoadInvalidCheckpointBackend(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "arch_node:\n  url: \"http://localhost:8899\"\n  websocket_url: \"ws://localhost:8899\"\ncheckpoint:\n  backend: \"mongo\"\n")

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for invalid checkpoint backend")
	}
}
