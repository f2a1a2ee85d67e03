package doctor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/go-helm/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{HomeDir: dir, DBPath: filepath.Join(dir, "helm.db")}
	cfg.LLM.Provider = "google"
	cfg.Server.BindAddr = "127.0.0.1:0"
	return cfg
}

func TestCheckConfig_Nil(t *testing.T) {
	result := checkConfig(context.Background(), nil)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", result.Status)
	}
}

func TestCheckDataDir_Writable(t *testing.T) {
	result := checkDataDir(context.Background(), testConfig(t))
	if result.Status != "PASS" {
		t.Fatalf("expected PASS for temp dir, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckDatabase_OpensAndMigrates(t *testing.T) {
	result := checkDatabase(context.Background(), testConfig(t))
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckDocker_SkippedWhenDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tools.Sandbox.Enabled = false
	result := checkDocker(context.Background(), cfg)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP with sandbox disabled, got %s", result.Status)
	}
}

func TestCheckReasonerKey_OllamaNeedsNone(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Provider = "ollama"
	result := checkReasonerKey(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS for ollama, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckReasonerKey_MissingKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	cfg := testConfig(t)
	result := checkReasonerKey(context.Background(), cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL with no key set, got %s", result.Status)
	}
}

func TestCheckReasonerKey_FromEnv(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	cfg := testConfig(t)
	result := checkReasonerKey(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS with env key, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckTelegram(t *testing.T) {
	cfg := testConfig(t)

	result := checkTelegram(context.Background(), cfg)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP when disabled, got %s", result.Status)
	}

	cfg.Channels.Telegram.Enabled = true
	result = checkTelegram(context.Background(), cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL when enabled without token, got %s", result.Status)
	}

	cfg.Channels.Telegram.Token = "123:abc"
	result = checkTelegram(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN without chat_ids, got %s", result.Status)
	}

	cfg.Channels.Telegram.ChatIDs = []int64{42}
	result = checkTelegram(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestDiagnosisFailed(t *testing.T) {
	d := Diagnosis{Results: []CheckResult{{Status: "PASS"}, {Status: "WARN"}}}
	if d.Failed() {
		t.Fatal("WARN should not count as failure")
	}
	d.Results = append(d.Results, CheckResult{Status: "FAIL"})
	if !d.Failed() {
		t.Fatal("expected Failed() with a FAIL result")
	}
}
