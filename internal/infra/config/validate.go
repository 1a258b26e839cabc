package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateDevOps(cfg, ve)
	validateWorkflow(cfg, ve)
	validateHTTP(cfg, ve)
	validateGateway(cfg, ve)
	validatePoller(cfg, ve)
	validateNotify(cfg, ve)
	validateTools(cfg, ve)
	validateAudit(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateDevOps(cfg *Config, ve *ValidationError) {
	if cfg.DevOps.BaseURL == "" {
		ve.Add("devops.base_url must not be empty")
	} else if u, err := url.Parse(cfg.DevOps.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		ve.Add("devops.base_url %q is not a valid URL", cfg.DevOps.BaseURL)
	}
	if strings.ContainsAny(cfg.DevOps.Organization, " /") {
		ve.Add("devops.organization %q must not contain spaces or slashes", cfg.DevOps.Organization)
	}
	if cfg.DevOps.APITimeout <= 0 {
		ve.Add("devops.api_timeout must be > 0")
	}
	if cfg.DevOps.ConnectTimeout <= 0 {
		ve.Add("devops.connect_timeout must be > 0")
	}
	if cfg.DevOps.Breaker.MaxFailures <= 0 {
		ve.Add("devops.breaker.max_failures must be > 0")
	}
	if cfg.DevOps.Breaker.ResetTimeout <= 0 {
		ve.Add("devops.breaker.reset_timeout must be > 0")
	}
	if cfg.DevOps.Breaker.Interval < 0 {
		ve.Add("devops.breaker.interval must be >= 0")
	}
}

var validStoreBackends = map[string]bool{
	"file":   true,
	"sqlite": true,
}

func validateWorkflow(cfg *Config, ve *ValidationError) {
	if !validStoreBackends[cfg.Workflow.Store.Backend] {
		ve.Add("workflow.store.backend %q is invalid (want: file, sqlite)", cfg.Workflow.Store.Backend)
	}
	if cfg.Workflow.Store.Path == "" {
		ve.Add("workflow.store.path must not be empty")
	}
	if cfg.Workflow.StepTimeout <= 0 {
		ve.Add("workflow.step_timeout must be > 0")
	}
	if cfg.Workflow.MaxRunning <= 0 {
		ve.Add("workflow.max_running must be > 0")
	}
	if cfg.Workflow.DefaultBranch == "" {
		ve.Add("workflow.default_branch must not be empty")
	}
	if cfg.Workflow.HistoryLimit <= 0 {
		ve.Add("workflow.history_limit must be > 0")
	}
}

func validateHTTP(cfg *Config, ve *ValidationError) {
	if !cfg.HTTP.Enabled {
		return
	}
	if cfg.HTTP.Addr == "" {
		ve.Add("http.addr is required when http is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.HTTP.Addr); err != nil {
		ve.Add("http.addr %q is not a valid host:port", cfg.HTTP.Addr)
	}
	if cfg.HTTP.Rate.RequestsPerMinute <= 0 {
		ve.Add("http.rate.requests_per_minute must be > 0")
	}
	if cfg.HTTP.Rate.Burst <= 0 {
		ve.Add("http.rate.burst must be > 0")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if !cfg.HTTP.Enabled {
		ve.Add("gateway.enabled requires http.enabled (the gateway mounts on the HTTP listener)")
	}
	if cfg.Gateway.SendBuffer <= 0 {
		ve.Add("gateway.send_buffer must be > 0 when gateway is enabled")
	}
}

func validatePoller(cfg *Config, ve *ValidationError) {
	if !cfg.Poller.Enabled {
		return
	}
	if cfg.Poller.Schedule == "" {
		ve.Add("poller.schedule is required when poller is enabled")
	}
	if cfg.Poller.WIQL == "" {
		ve.Add("poller.wiql is required when poller is enabled")
	}
	if cfg.Poller.BatchLimit <= 0 {
		ve.Add("poller.batch_limit must be > 0")
	}
	if cfg.Poller.TaskTimeout <= 0 {
		ve.Add("poller.task_timeout must be > 0")
	}
}

func validateNotify(cfg *Config, ve *ValidationError) {
	if cfg.Notify.Slack.Enabled {
		if cfg.Notify.Slack.Token == "" {
			ve.Add("notify.slack.token is required when slack notify is enabled (set via OPSFLOW_NOTIFY_SLACK_TOKEN)")
		}
		if cfg.Notify.Slack.Channel == "" {
			ve.Add("notify.slack.channel is required when slack notify is enabled")
		}
	}
	if cfg.Notify.Discord.Enabled {
		if cfg.Notify.Discord.Token == "" {
			ve.Add("notify.discord.token is required when discord notify is enabled (set via OPSFLOW_NOTIFY_DISCORD_TOKEN)")
		}
		if cfg.Notify.Discord.ChannelID == "" {
			ve.Add("notify.discord.channel_id is required when discord notify is enabled")
		}
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	if cfg.Tools.Timeout <= 0 {
		ve.Add("tools.timeout must be > 0")
	}
	if cfg.Tools.MaxRequestsPerMinute <= 0 {
		ve.Add("tools.max_requests_per_minute must be > 0")
	}
}

func validateAudit(cfg *Config, ve *ValidationError) {
	if cfg.Audit.Enabled && cfg.Audit.Path == "" {
		ve.Add("audit.path is required when audit is enabled")
	}
}
