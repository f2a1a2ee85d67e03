// Package config loads and watches the yaml configuration that wires the
// control plane together. Load applies defaults, then the config file, then
// environment overrides, then validation, so a missing file still yields a
// runnable local setup.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the gateway listener.
type ServerConfig struct {
	BindAddr string `yaml:"bind_addr"`

	// AuthToken guards the gateway. Empty disables auth, local use only.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins lists Origin headers accepted for browser WS connections.
	// Empty means non-browser clients only.
	AllowOrigins []string `yaml:"allow_origins"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// File receives logs in addition to stderr. Empty logs to stderr only.
	File string `yaml:"file"`
}

// ProviderConfig holds per-provider credentials and endpoints.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type LLMConfig struct {
	// Provider names the active reasoner provider: "google", "anthropic",
	// "openai", "openai_compatible", "openrouter" or "ollama".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	Providers map[string]ProviderConfig `yaml:"providers"`

	// FallbackProviders are tried in order when the primary fails.
	FallbackProviders []string `yaml:"fallback_providers"`

	// FailoverThreshold is the consecutive-failure count that trips a
	// provider's circuit breaker. Default 5.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is how long a tripped breaker stays open.
	// Default 300.
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`

	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`
}

// CoordinatorConfig carries the recovery-policy thresholds. These reload
// live through the config watcher.
type CoordinatorConfig struct {
	ConfidenceFloor float64 `yaml:"confidence_floor"`
	StaleAfterHours int     `yaml:"stale_after_hours"`
	TimeoutFactor   float64 `yaml:"timeout_factor"`
	RiskCeiling     float64 `yaml:"risk_ceiling"`
	MaxRetries      int     `yaml:"max_retries"`
}

type BudgetConfig struct {
	MonthlyLimitUSD float64            `yaml:"monthly_limit_usd"`
	IdentityLimits  map[string]float64 `yaml:"identity_limits"`
}

type EngineConfig struct {
	MaxIterations       int `yaml:"max_iterations"`
	PhaseTimeoutSeconds int `yaml:"phase_timeout_seconds"`
	PerTierLimit        int `yaml:"per_tier_limit"`
}

// SandboxConfig shapes the Docker tool server.
type SandboxConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Image    string `yaml:"image"`
	MemoryMB int64  `yaml:"memory_mb"`
	Network  string `yaml:"network"`
}

// HTTPToolServerConfig registers one remote tool server.
type HTTPToolServerConfig struct {
	Name           string   `yaml:"name"`
	BaseURL        string   `yaml:"base_url"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Tools          []string `yaml:"tools"`

	// Action is the capability action required to call this server's tools.
	// Empty defaults to read_docs.
	Action string `yaml:"action"`
}

type ToolsConfig struct {
	Sandbox     SandboxConfig          `yaml:"sandbox"`
	HTTPServers []HTTPToolServerConfig `yaml:"http_servers"`
}

type TelegramConfig struct {
	Enabled bool    `yaml:"enabled"`
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type OtelConfig struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is "otlp" or "stdout".
	Exporter   string  `yaml:"exporter"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

type SchedulerConfig struct {
	Enabled     bool `yaml:"enabled"`
	TickSeconds int  `yaml:"tick_seconds"`
}

// MemoryConfig seeds the static memory tier. Facts appear as observations
// in every perceive phase.
type MemoryConfig struct {
	Facts map[string]string `yaml:"facts"`
}

type Config struct {
	HomeDir string `yaml:"-"`
	DBPath  string `yaml:"db_path"`

	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	LLM         LLMConfig         `yaml:"llm"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Budget      BudgetConfig      `yaml:"budget"`
	Engine      EngineConfig      `yaml:"engine"`
	Tools       ToolsConfig       `yaml:"tools"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Otel        OtelConfig        `yaml:"otel"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Memory      MemoryConfig      `yaml:"memory"`

	// ContextLimits overrides context windows per "provider/model" or model.
	ContextLimits map[string]int `yaml:"context_limits"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`
}

// HomeDir returns the data directory, ~/.gohelm unless GOHELM_HOME is set.
func HomeDir() string {
	if override := os.Getenv("GOHELM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gohelm")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			BindAddr: "127.0.0.1:18789",
		},
		Logging: LoggingConfig{Level: "info"},
		LLM: LLMConfig{
			Provider:                "google",
			FailoverThreshold:       5,
			FailoverCooldownSeconds: int((5 * time.Minute).Seconds()),
		},
		Coordinator: CoordinatorConfig{
			ConfidenceFloor: 0.5,
			StaleAfterHours: 24,
			TimeoutFactor:   2.0,
			RiskCeiling:     0.7,
			MaxRetries:      2,
		},
		Budget: BudgetConfig{MonthlyLimitUSD: 100},
		Engine: EngineConfig{
			MaxIterations:       20,
			PhaseTimeoutSeconds: int((2 * time.Minute).Seconds()),
			PerTierLimit:        8,
		},
		Tools: ToolsConfig{
			Sandbox: SandboxConfig{
				Image:    "alpine:3.20",
				MemoryMB: 256,
				Network:  "none",
			},
		},
		Otel: OtelConfig{
			Exporter:   "stdout",
			SampleRate: 1.0,
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			TickSeconds: 30,
		},
		DrainTimeoutSeconds: 5,
	}
}

// Load reads the config at path. An empty path uses config.yaml under
// HomeDir. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()
	if path == "" {
		path = ConfigPath(cfg.HomeDir)
	} else {
		cfg.HomeDir = filepath.Dir(path)
	}

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gohelm home: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "gohelm.db")
	}
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "127.0.0.1:18789"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	// Legacy provider name.
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultModels[cfg.LLM.Provider]
	}
	if cfg.LLM.FailoverThreshold <= 0 {
		cfg.LLM.FailoverThreshold = 5
	}
	if cfg.LLM.FailoverCooldownSeconds <= 0 {
		cfg.LLM.FailoverCooldownSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.Engine.MaxIterations <= 0 {
		cfg.Engine.MaxIterations = 20
	}
	if cfg.Engine.PhaseTimeoutSeconds <= 0 {
		cfg.Engine.PhaseTimeoutSeconds = int((2 * time.Minute).Seconds())
	}
	if cfg.Engine.PerTierLimit <= 0 {
		cfg.Engine.PerTierLimit = 8
	}
	if cfg.Scheduler.TickSeconds <= 0 {
		cfg.Scheduler.TickSeconds = 30
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.Otel.SampleRate <= 0 || cfg.Otel.SampleRate > 1 {
		cfg.Otel.SampleRate = 1.0
	}
	if cfg.Tools.Sandbox.Image == "" {
		cfg.Tools.Sandbox.Image = "alpine:3.20"
	}
	if cfg.Tools.Sandbox.MemoryMB <= 0 {
		cfg.Tools.Sandbox.MemoryMB = 256
	}
	if cfg.Tools.Sandbox.Network == "" {
		cfg.Tools.Sandbox.Network = "none"
	}
}

func (c Config) validate() error {
	switch c.LLM.Provider {
	case "google", "anthropic", "openai", "openai_compatible", "openrouter", "ollama":
	default:
		return fmt.Errorf("config: unknown llm provider %q", c.LLM.Provider)
	}
	if c.Coordinator.RiskCeiling <= 0 || c.Coordinator.RiskCeiling > 1 {
		return fmt.Errorf("config: coordinator.risk_ceiling must be in (0,1], got %v", c.Coordinator.RiskCeiling)
	}
	if c.Coordinator.ConfidenceFloor < 0 || c.Coordinator.ConfidenceFloor > 1 {
		return fmt.Errorf("config: coordinator.confidence_floor must be in [0,1], got %v", c.Coordinator.ConfidenceFloor)
	}
	if c.Coordinator.MaxRetries < 0 {
		return fmt.Errorf("config: coordinator.max_retries must be >= 0, got %d", c.Coordinator.MaxRetries)
	}
	if c.Budget.MonthlyLimitUSD < 0 {
		return fmt.Errorf("config: budget.monthly_limit_usd must be >= 0, got %v", c.Budget.MonthlyLimitUSD)
	}
	for name, limit := range c.Budget.IdentityLimits {
		if limit < 0 {
			return fmt.Errorf("config: budget.identity_limits[%s] must be >= 0, got %v", name, limit)
		}
	}
	switch c.Otel.Exporter {
	case "", "otlp", "stdout":
	default:
		return fmt.Errorf("config: unknown otel exporter %q", c.Otel.Exporter)
	}
	for _, srv := range c.Tools.HTTPServers {
		if srv.Name == "" || srv.BaseURL == "" {
			return fmt.Errorf("config: tools.http_servers entries need name and base_url")
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOHELM_BIND_ADDR"); raw != "" {
		cfg.Server.BindAddr = raw
	}
	if raw := os.Getenv("GOHELM_AUTH_TOKEN"); raw != "" {
		cfg.Server.AuthToken = raw
	}
	if raw := os.Getenv("GOHELM_LOG_LEVEL"); raw != "" {
		cfg.Logging.Level = raw
	}
	if raw := os.Getenv("GOHELM_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("GOHELM_MAX_ITERATIONS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.MaxIterations = v
		}
	}
	if raw := os.Getenv("GOHELM_MONTHLY_LIMIT_USD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Budget.MonthlyLimitUSD = v
		}
	}
	if raw := os.Getenv("GOHELM_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}

// LLMProviderAPIKey returns the key for the named provider, environment
// first, then the providers section. Ollama needs no key.
func (c Config) LLMProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
		"openrouter":        "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if provider == "google" {
		if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
			return v
		}
	}
	if c.LLM.Providers != nil {
		if p, ok := c.LLM.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// ProviderBaseURL returns the configured endpoint for the named provider.
func (c Config) ProviderBaseURL(provider string) string {
	if c.LLM.Providers != nil {
		if p, ok := c.LLM.Providers[provider]; ok {
			return p.BaseURL
		}
	}
	return ""
}

// ResolveLLM returns the effective provider, model and API key.
func (c Config) ResolveLLM() (provider, model, apiKey string) {
	provider = c.LLM.Provider
	if provider == "" {
		provider = "google"
	}
	model = c.LLM.Model
	if model == "" {
		model = DefaultModels[provider]
	}
	return provider, model, c.LLMProviderAPIKey(provider)
}

// StaleAfter returns the coordinator staleness window as a duration.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Coordinator.StaleAfterHours) * time.Hour
}

// Fingerprint returns a stable hash of the reloadable knobs so the
// composition root can skip no-op reloads.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "coord=%v/%d/%v/%v/%d|budget=%v|engine=%d|log=%s",
		c.Coordinator.ConfidenceFloor, c.Coordinator.StaleAfterHours,
		c.Coordinator.TimeoutFactor, c.Coordinator.RiskCeiling, c.Coordinator.MaxRetries,
		c.Budget.MonthlyLimitUSD, c.Engine.MaxIterations, c.Logging.Level)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
