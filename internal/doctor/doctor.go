// Package doctor runs preflight checks against the local environment so a
// broken setup fails loudly before the first goal is submitted.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/docker/docker/client"

	"github.com/basket/go-helm/internal/config"
	"github.com/basket/go-helm/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check has status FAIL.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks in order.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDataDir,
		checkDatabase,
		checkDocker,
		checkReasonerKey,
		checkTelegram,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("provider=%s, bind=%s", cfg.LLM.Provider, cfg.Server.BindAddr),
	}
}

func checkDataDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Data Dir", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Data Dir", Status: "FAIL", Message: fmt.Sprintf("Data dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Data Dir", Status: "PASS", Message: fmt.Sprintf("%s is writable", cfg.HomeDir)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	// A cheap query proves the schema migrated.
	if _, err := store.ListSchedules(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid", Detail: cfg.DBPath}
}

func checkDocker(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Tools.Sandbox.Enabled {
		return CheckResult{Name: "Docker", Status: "SKIP", Message: "Sandbox disabled"}
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return CheckResult{Name: "Docker", Status: "FAIL", Message: fmt.Sprintf("Client init failed: %v", err)}
	}
	defer cli.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		return CheckResult{
			Name:    "Docker",
			Status:  "FAIL",
			Message: fmt.Sprintf("Daemon unreachable: %v", err),
			Detail:  "sandbox tools need a running docker daemon, or set tools.sandbox.enabled: false",
		}
	}
	return CheckResult{Name: "Docker", Status: "PASS", Message: "Daemon reachable", Detail: fmt.Sprintf("image=%s", cfg.Tools.Sandbox.Image)}
}

func checkReasonerKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Reasoner Key", Status: "SKIP", Message: "Config missing"}
	}
	provider, model, apiKey := cfg.ResolveLLM()
	if provider == "ollama" {
		return CheckResult{Name: "Reasoner Key", Status: "PASS", Message: "ollama needs no API key", Detail: fmt.Sprintf("model=%s", model)}
	}
	if apiKey == "" {
		return CheckResult{
			Name:    "Reasoner Key",
			Status:  "FAIL",
			Message: fmt.Sprintf("No API key for provider %q", provider),
			Detail:  "set the provider's env var or llm.providers in config.yaml",
		}
	}
	return CheckResult{Name: "Reasoner Key", Status: "PASS", Message: fmt.Sprintf("Key present for %s", provider), Detail: fmt.Sprintf("model=%s", model)}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Config missing"}
	}
	tg := cfg.Channels.Telegram
	if !tg.Enabled {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Channel disabled"}
	}
	if tg.Token == "" {
		return CheckResult{
			Name:    "Telegram",
			Status:  "FAIL",
			Message: "Channel enabled but no token",
			Detail:  "set TELEGRAM_TOKEN or channels.telegram.token",
		}
	}
	if len(tg.ChatIDs) == 0 {
		return CheckResult{
			Name:    "Telegram",
			Status:  "WARN",
			Message: "No chat_ids configured; escalations have nowhere to go",
		}
	}
	return CheckResult{Name: "Telegram", Status: "PASS", Message: fmt.Sprintf("Token set, %d chat(s)", len(tg.ChatIDs))}
}
