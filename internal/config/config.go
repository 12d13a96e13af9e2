package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BudgetConfig is the pre-flight routing budget. Any threshold exceeded
// aborts the route before artifacts are handed downstream.
type BudgetConfig struct {
	MaxCostTokens int64 `yaml:"max_cost_tokens"`
	MaxFiles      int   `yaml:"max_files"`
	MaxBytes      int64 `yaml:"max_bytes"`
}

type CacheConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// RetryConfig shapes the exponential backoff applied to transient stage
// failures. Attempt budgets are per stage and fixed in code.
type RetryConfig struct {
	InitialIntervalMS int `yaml:"initial_interval_ms"`
	MaxIntervalMS     int `yaml:"max_interval_ms"`
	MaxElapsedMS      int `yaml:"max_elapsed_ms"`
}

type PipelineConfig struct {
	Workers             int         `yaml:"workers"`
	StageTimeoutSeconds int         `yaml:"stage_timeout_seconds"`
	LeaseSeconds        int         `yaml:"lease_seconds"`
	Retry               RetryConfig `yaml:"retry"`
}

type RulesConfig struct {
	CatalogPath string `yaml:"catalog_path"`
	FixerDir    string `yaml:"fixer_dir"`
	// QuarantineThreshold is the fault count after which a WASM fixer
	// module is excluded from catalog snapshots.
	QuarantineThreshold int `yaml:"quarantine_threshold"`
}

type CapabilitiesConfig struct {
	Dirs []string `yaml:"dirs"`
}

// InterpreterConfig selects the intent interpreter adapter. "static" is the
// deterministic offline interpreter; other values name an LLM provider.
type InterpreterConfig struct {
	Provider string `yaml:"provider"` // "static", "google", "anthropic", "openai"
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

type ExecutorConfig struct {
	Kind string `yaml:"kind"` // "local", "docker"
	// BuildsDir holds per-build workspaces and packaged bundles.
	// Defaults to $SPECFORGE_HOME/builds.
	BuildsDir      string `yaml:"builds_dir"`
	DockerImage    string `yaml:"docker_image"`
	DockerMemoryMB int64  `yaml:"docker_memory_mb"`
	DockerNetwork  string `yaml:"docker_network"`
}

type GatewayConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	// AllowOrigins controls accepted Origin headers for browser WebSocket
	// connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`
}

type TelegramConfig struct {
	Enabled bool    `yaml:"enabled"`
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// JanitorConfig holds 5-field cron specs for maintenance jobs plus
// retention windows. 0 days = keep forever.
type JanitorConfig struct {
	CacheSweepSpec      string `yaml:"cache_sweep_spec"`
	StaleRecoverSpec    string `yaml:"stale_recover_spec"`
	RetentionSpec       string `yaml:"retention_spec"`
	RetentionEventsDays int    `yaml:"retention_events_days"`
	RetentionAuditDays  int    `yaml:"retention_audit_days"`
}

type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// ArtifactRoot is the read-only content repository served by the
	// artifact store. Defaults to $SPECFORGE_HOME/artifacts.
	ArtifactRoot string `yaml:"artifact_root"`

	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Budget       BudgetConfig       `yaml:"budget"`
	Cache        CacheConfig        `yaml:"cache"`
	Rules        RulesConfig        `yaml:"rules"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Interpreter  InterpreterConfig  `yaml:"interpreter"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Notify       NotifyConfig       `yaml:"notify"`
	Janitor      JanitorConfig      `yaml:"janitor"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DBPath returns the SQLite database path within the given home directory.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "specforge.db")
}

// InterpreterAPIKey returns the API key for the configured interpreter
// provider. Env vars take precedence over the config file value.
func (c Config) InterpreterAPIKey() string {
	envMap := map[string]string{
		"google":    "GEMINI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[c.Interpreter.Provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return c.Interpreter.APIKey
}

// Fingerprint returns a stable hash of the active config, exposed in
// status output and recorded with budget audit entries.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|timeout=%d|budget=%d/%d/%d|cache=%d|interp=%s/%s|exec=%s|bind=%s|log=%s",
		c.Pipeline.Workers, c.Pipeline.StageTimeoutSeconds,
		c.Budget.MaxCostTokens, c.Budget.MaxFiles, c.Budget.MaxBytes,
		c.Cache.TTLSeconds, c.Interpreter.Provider, c.Interpreter.Model,
		c.Executor.Kind, c.Gateway.BindAddr, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Pipeline: PipelineConfig{
			Workers:             2,
			StageTimeoutSeconds: int((2 * time.Minute).Seconds()),
			LeaseSeconds:        60,
			Retry: RetryConfig{
				InitialIntervalMS: 200,
				MaxIntervalMS:     5000,
				MaxElapsedMS:      60000,
			},
		},
		Budget: BudgetConfig{
			MaxCostTokens: 8000,
			MaxFiles:      16,
			MaxBytes:      1 << 20,
		},
		Cache: CacheConfig{TTLSeconds: 300},
		Rules: RulesConfig{
			QuarantineThreshold: 3,
		},
		Interpreter: InterpreterConfig{
			Provider: "static",
			Model:    "gemini-2.5-flash",
		},
		Executor: ExecutorConfig{
			Kind:           "local",
			DockerImage:    "alpine:3.20",
			DockerMemoryMB: 512,
			DockerNetwork:  "none",
		},
		Gateway: GatewayConfig{
			BindAddr: "127.0.0.1:18790",
		},
		Janitor: JanitorConfig{
			CacheSweepSpec:      "*/5 * * * *",
			StaleRecoverSpec:    "* * * * *",
			RetentionSpec:       "30 3 * * *",
			RetentionEventsDays: 90,
			RetentionAuditDays:  365,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "stdout",
			ServiceName: "specforge",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("SPECFORGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".specforge")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create specforge home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
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
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.ArtifactRoot) == "" {
		cfg.ArtifactRoot = filepath.Join(cfg.HomeDir, "artifacts")
	}
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = 2
	}
	if cfg.Pipeline.StageTimeoutSeconds <= 0 {
		cfg.Pipeline.StageTimeoutSeconds = int((2 * time.Minute).Seconds())
	}
	if cfg.Pipeline.LeaseSeconds <= 0 {
		cfg.Pipeline.LeaseSeconds = 60
	}
	if cfg.Pipeline.Retry.InitialIntervalMS <= 0 {
		cfg.Pipeline.Retry.InitialIntervalMS = 200
	}
	if cfg.Pipeline.Retry.MaxIntervalMS <= 0 {
		cfg.Pipeline.Retry.MaxIntervalMS = 5000
	}
	if cfg.Pipeline.Retry.MaxElapsedMS <= 0 {
		cfg.Pipeline.Retry.MaxElapsedMS = 60000
	}
	if cfg.Cache.TTLSeconds <= 0 {
		cfg.Cache.TTLSeconds = 300
	}
	if strings.TrimSpace(cfg.Rules.CatalogPath) == "" {
		cfg.Rules.CatalogPath = filepath.Join(cfg.HomeDir, "rules.yaml")
	}
	if strings.TrimSpace(cfg.Rules.FixerDir) == "" {
		cfg.Rules.FixerDir = filepath.Join(cfg.HomeDir, "fixers")
	}
	if cfg.Rules.QuarantineThreshold <= 0 {
		cfg.Rules.QuarantineThreshold = 3
	}
	if len(cfg.Capabilities.Dirs) == 0 {
		cfg.Capabilities.Dirs = []string{filepath.Join(cfg.HomeDir, "capabilities")}
	}
	if cfg.Interpreter.Provider == "" {
		cfg.Interpreter.Provider = "static"
	}
	// Normalize legacy provider name.
	if cfg.Interpreter.Provider == "gemini" {
		cfg.Interpreter.Provider = "google"
	}
	if cfg.Interpreter.Model == "" {
		cfg.Interpreter.Model = "gemini-2.5-flash"
	}
	if cfg.Executor.Kind == "" {
		cfg.Executor.Kind = "local"
	}
	if strings.TrimSpace(cfg.Executor.BuildsDir) == "" {
		cfg.Executor.BuildsDir = filepath.Join(cfg.HomeDir, "builds")
	}
	if cfg.Executor.DockerImage == "" {
		cfg.Executor.DockerImage = "alpine:3.20"
	}
	if cfg.Executor.DockerMemoryMB <= 0 {
		cfg.Executor.DockerMemoryMB = 512
	}
	if cfg.Executor.DockerNetwork == "" {
		cfg.Executor.DockerNetwork = "none"
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = "127.0.0.1:18790"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "specforge"
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "stdout"
	}
	if cfg.Telemetry.SampleRate <= 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

func validate(cfg *Config) error {
	if cfg.Budget.MaxCostTokens <= 0 {
		return fmt.Errorf("budget.max_cost_tokens must be positive, got %d", cfg.Budget.MaxCostTokens)
	}
	if cfg.Budget.MaxFiles <= 0 {
		return fmt.Errorf("budget.max_files must be positive, got %d", cfg.Budget.MaxFiles)
	}
	if cfg.Budget.MaxBytes <= 0 {
		return fmt.Errorf("budget.max_bytes must be positive, got %d", cfg.Budget.MaxBytes)
	}
	switch cfg.Interpreter.Provider {
	case "static", "google", "anthropic", "openai":
	default:
		return fmt.Errorf("interpreter.provider %q not recognized (want static, google, anthropic or openai)", cfg.Interpreter.Provider)
	}
	switch cfg.Executor.Kind {
	case "local", "docker":
	default:
		return fmt.Errorf("executor.kind %q not recognized (want local or docker)", cfg.Executor.Kind)
	}
	if cfg.Notify.Telegram.Enabled && strings.TrimSpace(cfg.Notify.Telegram.Token) == "" {
		return fmt.Errorf("notify.telegram.enabled requires a token (config or TELEGRAM_TOKEN)")
	}
	if cfg.Gateway.Enabled && strings.TrimSpace(cfg.Gateway.BindAddr) == "" {
		return fmt.Errorf("gateway.enabled requires gateway.bind_addr")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SPECFORGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SPECFORGE_ARTIFACT_ROOT"); raw != "" {
		cfg.ArtifactRoot = raw
	}
	if raw := os.Getenv("SPECFORGE_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Pipeline.Workers = v
		}
	}
	if raw := os.Getenv("SPECFORGE_STAGE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Pipeline.StageTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("SPECFORGE_MAX_COST_TOKENS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Budget.MaxCostTokens = v
		}
	}
	if raw := os.Getenv("SPECFORGE_MAX_FILES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Budget.MaxFiles = v
		}
	}
	if raw := os.Getenv("SPECFORGE_MAX_BYTES"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Budget.MaxBytes = v
		}
	}
	if raw := os.Getenv("SPECFORGE_GATEWAY_BIND"); raw != "" {
		cfg.Gateway.BindAddr = raw
	}
	if raw := os.Getenv("SPECFORGE_GATEWAY_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("SPECFORGE_INTERPRETER"); raw != "" {
		cfg.Interpreter.Provider = raw
	}
	if raw := os.Getenv("SPECFORGE_INTERPRETER_MODEL"); raw != "" {
		cfg.Interpreter.Model = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notify.Telegram.Token = raw
	}
}
