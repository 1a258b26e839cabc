package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"opsflow/internal/security"
)

// Config is the top-level application configuration.
type Config struct {
	DevOps   DevOpsConfig   `yaml:"devops"`
	Workflow WorkflowConfig `yaml:"workflow"`
	HTTP     HTTPConfig     `yaml:"http"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Poller   PollerConfig   `yaml:"poller"`
	Notify   NotifyConfig   `yaml:"notify"`
	Tools    ToolsConfig    `yaml:"tools"`
	Audit    AuditConfig    `yaml:"audit"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
	Includes []string       `yaml:"includes,omitempty"`
}

// DevOpsConfig holds Azure DevOps connection settings.
// PAT may come from the config file (optionally "enc:"-encrypted), from
// OPSFLOW_DEVOPS_PAT, or from AZURE_DEVOPS_PAT.
type DevOpsConfig struct {
	Organization   string        `yaml:"organization"`
	Project        string        `yaml:"project"`
	BaseURL        string        `yaml:"base_url"`
	PAT            string        `yaml:"pat,omitempty"`
	APITimeout     time.Duration `yaml:"api_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds circuit breaker tuning for the DevOps API.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	Interval     time.Duration `yaml:"interval"`
}

// WorkflowConfig holds sequencer settings.
type WorkflowConfig struct {
	Store         StoreConfig   `yaml:"store"`
	StepTimeout   time.Duration `yaml:"step_timeout"`
	MaxRunning    int           `yaml:"max_running"`
	DefaultBranch string        `yaml:"default_branch"`
	HistoryLimit  int           `yaml:"history_limit"`
}

// StoreConfig selects and locates the workflow run store.
type StoreConfig struct {
	Backend string `yaml:"backend"` // "file" or "sqlite"
	Path    string `yaml:"path"`
}

// HTTPConfig holds the REST API listener settings.
type HTTPConfig struct {
	Enabled bool       `yaml:"enabled"`
	Addr    string     `yaml:"addr"`
	Rate    RateConfig `yaml:"rate"`
}

// RateConfig holds per-client token bucket settings for the HTTP API.
type RateConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// GatewayConfig holds WebSocket event gateway settings. The gateway mounts
// on the HTTP listener, so it requires http.enabled.
type GatewayConfig struct {
	Enabled    bool `yaml:"enabled"`
	SendBuffer int  `yaml:"send_buffer"`
}

// PollerConfig holds work item polling settings.
type PollerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Schedule    string        `yaml:"schedule"` // cron expression or duration string
	WIQL        string        `yaml:"wiql"`
	BatchLimit  int           `yaml:"batch_limit"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// NotifyConfig holds terminal-run notification settings.
type NotifyConfig struct {
	Slack   SlackNotifyConfig   `yaml:"slack"`
	Discord DiscordNotifyConfig `yaml:"discord"`
}

// SlackNotifyConfig holds Slack notifier settings.
// Token may come from config or OPSFLOW_NOTIFY_SLACK_TOKEN.
type SlackNotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token,omitempty"`
	Channel string `yaml:"channel"`
}

// DiscordNotifyConfig holds Discord notifier settings.
// Token may come from config or OPSFLOW_NOTIFY_DISCORD_TOKEN.
type DiscordNotifyConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Token     string `yaml:"token,omitempty"`
	ChannelID string `yaml:"channel_id"`
}

// ToolsConfig holds agent tool execution settings.
type ToolsConfig struct {
	Timeout              time.Duration `yaml:"timeout"`
	MaxRequestsPerMinute int           `yaml:"max_requests_per_minute"`
}

// AuditConfig holds dispatch audit trail settings.
type AuditConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Path      string          `yaml:"path"`
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig bounds how much audit history is kept on disk.
// MaxAge is a Go duration string ("2160h" is 90 days). MaxSize accepts
// human-readable sizes such as "100MB" or "1GB". Empty means unbounded.
type RetentionConfig struct {
	MaxAge  string `yaml:"max_age"`
	MaxSize string `yaml:"max_size"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultWIQL selects work items explicitly tagged for automatic dispatch.
const defaultWIQL = "SELECT [System.Id] FROM WorkItems " +
	"WHERE [System.Tags] CONTAINS 'auto-dispatch' AND [System.State] = 'New' " +
	"ORDER BY [System.ChangedDate] DESC"

// defaultDataDir returns the persistent data directory under $HOME/.opsflow/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".opsflow", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		DevOps: DevOpsConfig{
			BaseURL:        "https://dev.azure.com",
			APITimeout:     30 * time.Second,
			ConnectTimeout: 10 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures:  5,
				ResetTimeout: 30 * time.Second,
				Interval:     60 * time.Second,
			},
		},
		Workflow: WorkflowConfig{
			Store: StoreConfig{
				Backend: "file",
				Path:    filepath.Join(defaultDataDir(), "runs.json"),
			},
			StepTimeout:   2 * time.Minute,
			MaxRunning:    8,
			DefaultBranch: "main",
			HistoryLimit:  200,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8700",
			Rate: RateConfig{
				RequestsPerMinute: 60,
				Burst:             10,
			},
		},
		Gateway: GatewayConfig{
			Enabled:    true,
			SendBuffer: 16,
		},
		Poller: PollerConfig{
			Enabled:     false,
			Schedule:    "1m",
			WIQL:        defaultWIQL,
			BatchLimit:  10,
			TaskTimeout: 5 * time.Minute,
		},
		Tools: ToolsConfig{
			Timeout:              60 * time.Second,
			MaxRequestsPerMinute: 30,
		},
		Audit: AuditConfig{
			Enabled: false,
			Path:    filepath.Join(defaultDataDir(), "audit.log"),
			Retention: RetentionConfig{
				MaxAge:  "2160h", // 90 days
				MaxSize: "100MB",
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "auto",
			Output: "stdout",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
	}
}

// Load reads configuration from path, layering defaults, included files, the
// file itself, OPSFLOW_* env overrides, and secret decryption, then validates.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := mergeIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal the main file so it wins over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("OPSFLOW_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps OPSFLOW_* env vars to config fields.
// AZURE_DEVOPS_PAT is honored as a fallback PAT source.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPSFLOW_DEVOPS_ORGANIZATION"); v != "" {
		cfg.DevOps.Organization = v
	}
	if v := os.Getenv("OPSFLOW_DEVOPS_PROJECT"); v != "" {
		cfg.DevOps.Project = v
	}
	if v := os.Getenv("OPSFLOW_DEVOPS_BASE_URL"); v != "" {
		cfg.DevOps.BaseURL = v
	}
	if v := os.Getenv("OPSFLOW_DEVOPS_PAT"); v != "" {
		cfg.DevOps.PAT = v
	}
	if v := os.Getenv("AZURE_DEVOPS_PAT"); v != "" && cfg.DevOps.PAT == "" {
		cfg.DevOps.PAT = v
	}
	if v := os.Getenv("OPSFLOW_DEVOPS_API_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.DevOps.APITimeout = d
		}
	}
	if v := os.Getenv("OPSFLOW_WORKFLOW_STORE_BACKEND"); v != "" {
		cfg.Workflow.Store.Backend = v
	}
	if v := os.Getenv("OPSFLOW_WORKFLOW_STORE_PATH"); v != "" {
		cfg.Workflow.Store.Path = v
	}
	if v := os.Getenv("OPSFLOW_WORKFLOW_STEP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Workflow.StepTimeout = d
		}
	}
	if v := os.Getenv("OPSFLOW_WORKFLOW_MAX_RUNNING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workflow.MaxRunning = n
		}
	}
	if v := os.Getenv("OPSFLOW_WORKFLOW_DEFAULT_BRANCH"); v != "" {
		cfg.Workflow.DefaultBranch = v
	}
	if v := os.Getenv("OPSFLOW_HTTP_ENABLED"); v == "false" {
		cfg.HTTP.Enabled = false
	}
	if v := os.Getenv("OPSFLOW_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("OPSFLOW_GATEWAY_ENABLED"); v == "false" {
		cfg.Gateway.Enabled = false
	}
	if v := os.Getenv("OPSFLOW_POLLER_ENABLED"); v == "true" {
		cfg.Poller.Enabled = true
	}
	if v := os.Getenv("OPSFLOW_POLLER_SCHEDULE"); v != "" {
		cfg.Poller.Schedule = v
	}
	if v := os.Getenv("OPSFLOW_POLLER_WIQL"); v != "" {
		cfg.Poller.WIQL = v
	}
	if v := os.Getenv("OPSFLOW_NOTIFY_SLACK_TOKEN"); v != "" {
		cfg.Notify.Slack.Token = v
	}
	if v := os.Getenv("OPSFLOW_NOTIFY_DISCORD_TOKEN"); v != "" {
		cfg.Notify.Discord.Token = v
	}
	if v := os.Getenv("OPSFLOW_AUDIT_ENABLED"); v == "true" {
		cfg.Audit.Enabled = true
	}
	if v := os.Getenv("OPSFLOW_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("OPSFLOW_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("OPSFLOW_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("OPSFLOW_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("OPSFLOW_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("OPSFLOW_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// decryptSecrets decrypts "enc:"-prefixed secret values in place using the
// passphrase from OPSFLOW_CONFIG_KEY.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := []struct {
		name  string
		value *string
	}{
		{"devops.pat", &cfg.DevOps.PAT},
		{"notify.slack.token", &cfg.Notify.Slack.Token},
		{"notify.discord.token", &cfg.Notify.Discord.Token},
	}
	for _, s := range secrets {
		decrypted, err := security.DecryptSecret(*s.value, passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		*s.value = decrypted
	}
	return nil
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
