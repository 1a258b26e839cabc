package config

import (
	"strings"
	"testing"
)

func TestValidateDefaultsPass(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidateDevOpsEmptyBaseURL(t *testing.T) {
	cfg := Defaults()
	cfg.DevOps.BaseURL = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "devops.base_url must not be empty")
}

func TestValidateDevOpsBadBaseURL(t *testing.T) {
	cfg := Defaults()
	cfg.DevOps.BaseURL = "dev.azure.com"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "not a valid URL")
}

func TestValidateDevOpsOrganizationWithSlash(t *testing.T) {
	cfg := Defaults()
	cfg.DevOps.Organization = "my/org"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "must not contain spaces or slashes")
}

func TestValidateDevOpsTimeoutsZero(t *testing.T) {
	cfg := Defaults()
	cfg.DevOps.APITimeout = 0
	cfg.DevOps.ConnectTimeout = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "devops.api_timeout must be > 0")
	assertContains(t, err.Error(), "devops.connect_timeout must be > 0")
}

func TestValidateDevOpsBreakerZero(t *testing.T) {
	cfg := Defaults()
	cfg.DevOps.Breaker.MaxFailures = 0
	cfg.DevOps.Breaker.ResetTimeout = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "devops.breaker.max_failures must be > 0")
	assertContains(t, err.Error(), "devops.breaker.reset_timeout must be > 0")
}

func TestValidateWorkflowInvalidBackend(t *testing.T) {
	cfg := Defaults()
	cfg.Workflow.Store.Backend = "redis"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `workflow.store.backend "redis" is invalid`)
}

func TestValidateWorkflowEmptyStorePath(t *testing.T) {
	cfg := Defaults()
	cfg.Workflow.Store.Path = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "workflow.store.path must not be empty")
}

func TestValidateWorkflowStepTimeoutZero(t *testing.T) {
	cfg := Defaults()
	cfg.Workflow.StepTimeout = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "workflow.step_timeout must be > 0")
}

func TestValidateWorkflowMaxRunningZero(t *testing.T) {
	cfg := Defaults()
	cfg.Workflow.MaxRunning = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "workflow.max_running must be > 0")
}

func TestValidateWorkflowEmptyBranch(t *testing.T) {
	cfg := Defaults()
	cfg.Workflow.DefaultBranch = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "workflow.default_branch must not be empty")
}

func TestValidateHTTPMissingAddr(t *testing.T) {
	cfg := Defaults()
	cfg.HTTP.Addr = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "http.addr is required")
}

func TestValidateHTTPBadHostPort(t *testing.T) {
	cfg := Defaults()
	cfg.HTTP.Addr = "not-valid"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "not a valid host:port")
}

func TestValidateHTTPDisabledNoValidation(t *testing.T) {
	cfg := Defaults()
	cfg.HTTP.Enabled = false
	cfg.Gateway.Enabled = false
	cfg.HTTP.Addr = ""
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled http should not be validated: %v", err)
	}
}

func TestValidateGatewayRequiresHTTP(t *testing.T) {
	cfg := Defaults()
	cfg.HTTP.Enabled = false
	cfg.Gateway.Enabled = true
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "gateway.enabled requires http.enabled")
}

func TestValidatePollerMissingFields(t *testing.T) {
	cfg := Defaults()
	cfg.Poller.Enabled = true
	cfg.Poller.Schedule = ""
	cfg.Poller.WIQL = ""
	cfg.Poller.BatchLimit = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "poller.schedule is required")
	assertContains(t, err.Error(), "poller.wiql is required")
	assertContains(t, err.Error(), "poller.batch_limit must be > 0")
}

func TestValidatePollerDisabledNoValidation(t *testing.T) {
	cfg := Defaults()
	cfg.Poller.Enabled = false
	cfg.Poller.Schedule = ""
	cfg.Poller.WIQL = ""
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled poller should not be validated: %v", err)
	}
}

func TestValidateNotifySlackMissingToken(t *testing.T) {
	cfg := Defaults()
	cfg.Notify.Slack.Enabled = true
	cfg.Notify.Slack.Channel = "#deploys"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "notify.slack.token is required")
	assertContains(t, err.Error(), "OPSFLOW_NOTIFY_SLACK_TOKEN")
}

func TestValidateNotifySlackMissingChannel(t *testing.T) {
	cfg := Defaults()
	cfg.Notify.Slack.Enabled = true
	cfg.Notify.Slack.Token = "xoxb-test"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "notify.slack.channel is required")
}

func TestValidateNotifyDiscordMissingFields(t *testing.T) {
	cfg := Defaults()
	cfg.Notify.Discord.Enabled = true
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "notify.discord.token is required")
	assertContains(t, err.Error(), "notify.discord.channel_id is required")
}

func TestValidateNotifyDisabledNoValidation(t *testing.T) {
	cfg := Defaults()
	cfg.Notify.Slack.Enabled = false
	cfg.Notify.Discord.Enabled = false
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled notifiers should not be validated: %v", err)
	}
}

func TestValidateToolsTimeoutZero(t *testing.T) {
	cfg := Defaults()
	cfg.Tools.Timeout = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "tools.timeout must be > 0")
}

func TestValidateAuditMissingPath(t *testing.T) {
	cfg := Defaults()
	cfg.Audit.Enabled = true
	cfg.Audit.Path = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "audit.path is required")
}

func TestValidateMultipleErrors(t *testing.T) {
	cfg := Defaults()
	cfg.DevOps.BaseURL = ""
	cfg.Workflow.MaxRunning = 0
	cfg.Workflow.DefaultBranch = ""
	cfg.Tools.Timeout = 0

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) < 4 {
		t.Errorf("expected at least 4 errors, got %d: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidationErrorFormat(t *testing.T) {
	ve := &ValidationError{}
	ve.Add("first error")
	ve.Add("second error")

	msg := ve.Error()
	if !strings.HasPrefix(msg, "config validation failed:") {
		t.Errorf("unexpected prefix: %s", msg)
	}
	if !strings.Contains(msg, "first error") || !strings.Contains(msg, "second error") {
		t.Errorf("missing error details: %s", msg)
	}
}

func TestValidateValidConfig(t *testing.T) {
	cfg := Defaults()
	cfg.DevOps.Organization = "contoso"
	cfg.DevOps.Project = "platform"
	cfg.DevOps.PAT = "pat-token"
	cfg.Poller.Enabled = true
	cfg.Notify.Slack.Enabled = true
	cfg.Notify.Slack.Token = "xoxb-test"
	cfg.Notify.Slack.Channel = "#deploys"
	cfg.Workflow.Store.Backend = "sqlite"
	cfg.Workflow.Store.Path = "/tmp/runs.db"

	if err := Validate(cfg); err != nil {
		t.Fatalf("valid config should pass: %v", err)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
