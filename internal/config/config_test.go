package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  socket: /tmp/d.sock\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "descartes.yaml")
	os.WriteFile(path, []byte("log_level: debug\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "descartes.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "descartes.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("notify:\n  webhook_url: ${DESCARTES_TEST_WEBHOOK}\n"), 0600)
	os.Setenv("DESCARTES_TEST_WEBHOOK", "https://example.test/hook")
	defer os.Unsetenv("DESCARTES_TEST_WEBHOOK")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Notify.WebhookURL != "https://example.test/hook" {
		t.Errorf("webhook_url = %q, want %q", cfg.Notify.WebhookURL, "https://example.test/hook")
	}
}

func TestLoad_AppliesWorkspaceDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("workspace:\n  path: /tmp/ws\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Workspace.StatePath != filepath.Join("/tmp/ws", "state.db") {
		t.Errorf("state_path = %q", cfg.Workspace.StatePath)
	}
	if cfg.Lease.DefaultTTLSeconds != 60 {
		t.Errorf("default_ttl_seconds = %d, want 60", cfg.Lease.DefaultTTLSeconds)
	}
}

func TestValidate_DuplicateCategoryName(t *testing.T) {
	cfg := Default()
	cfg.Categories = []AgentCategory{
		{Name: "searcher"},
		{Name: "searcher"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for duplicate category name")
	}
}

func TestValidate_NegativeMaxRenewalsBelowUnlimitedSentinel(t *testing.T) {
	cfg := Default()
	cfg.Lease.MaxRenewals = -2

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for max_renewals < -1")
	}
}

func TestCategoryByName(t *testing.T) {
	cfg := Default()
	cfg.Categories = []AgentCategory{{Name: "builder", Command: "claude", Parallel: true}}

	cat, ok := cfg.CategoryByName("builder")
	if !ok || !cat.Parallel {
		t.Fatalf("CategoryByName(builder) = %+v, %v", cat, ok)
	}

	if _, ok := cfg.CategoryByName("missing"); ok {
		t.Fatal("expected ok=false for unknown category")
	}
}

func TestValidate_UnknownLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}
