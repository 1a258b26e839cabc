package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"opsflow/internal/adapter/devops"
	"opsflow/internal/infra/config"
	"opsflow/internal/security"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Try to load config; the service can run on defaults + environment.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "DevOps credentials", Fn: checkDevOpsCredentials},
		{Name: "DevOps connectivity", Fn: checkDevOpsConnectivity},
		{Name: "Workflow store", Fn: checkWorkflowStore},
		{Name: "Audit trail", Fn: checkAuditTrail},
		{Name: "Notifiers", Fn: checkNotifiers},
	}

	fmt.Println("opsflow doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above to ensure opsflow runs correctly.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nopsflow should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! opsflow is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file exists and
// parses correctly. A missing file is only a warning: defaults plus OPSFLOW_*
// environment variables are a complete configuration.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults + environment", cfgPath),
			}
		}

		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and values",
			}
		}

		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkDevOpsCredentials verifies organization, project, and PAT are set.
func checkDevOpsCredentials(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: "cannot check — config not loaded",
		}
	}

	var missing []string
	if cfg.DevOps.Organization == "" {
		missing = append(missing, "devops.organization")
	}
	if cfg.DevOps.Project == "" {
		missing = append(missing, "devops.project")
	}
	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("missing: %s", strings.Join(missing, ", ")),
			Fix:     "Set them in config.yaml or via OPSFLOW_DEVOPS_ORGANIZATION / OPSFLOW_DEVOPS_PROJECT",
		}
	}

	if cfg.DevOps.PAT == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no personal access token configured, API calls will be unauthenticated",
			Fix:     "Set AZURE_DEVOPS_PAT or OPSFLOW_DEVOPS_PAT",
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("organization %q, project %q, PAT set", cfg.DevOps.Organization, cfg.DevOps.Project),
	}
}

// checkDevOpsConnectivity pings the Azure DevOps API.
func checkDevOpsConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: "cannot check — config not loaded",
		}
	}
	if cfg.DevOps.Organization == "" || cfg.DevOps.Project == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "skipped — credentials not configured",
		}
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := devops.NewClient(cfg.DevOps, quiet)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("client setup failed: %v", err),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	if err := client.Ping(ctx); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", cfg.DevOps.BaseURL, err),
			Fix:     "Check network access, the organization name, and the PAT",
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", cfg.DevOps.BaseURL, time.Since(start).Milliseconds()),
	}
}

// checkWorkflowStore verifies the run store location is usable.
func checkWorkflowStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: "cannot check — config not loaded",
		}
	}

	backend := cfg.Workflow.Store.Backend
	path := cfg.Workflow.Store.Path
	dir := filepath.Dir(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Store not created yet: verify the directory can be written.
		if mkErr := os.MkdirAll(dir, 0700); mkErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("store directory %s cannot be created: %v", dir, mkErr),
				Fix:     fmt.Sprintf("Create it manually: mkdir -p %s", dir),
			}
		}
		probe := filepath.Join(dir, ".doctor-check")
		if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("store directory %s is not writable: %v", dir, err),
			}
		}
		os.Remove(probe)
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("%s store will be created at %s", backend, path),
		}
	}

	store, closer, err := openStore(cfg.Workflow)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot open %s store at %s: %v", backend, path, err),
		}
	}
	if closer != nil {
		defer closer()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runs, err := store.ListRuns(ctx, 1)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s store at %s is not readable: %v", backend, path, err),
		}
	}

	state := "empty"
	if len(runs) > 0 {
		state = fmt.Sprintf("latest run %s", runs[0].ID)
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s store at %s (%s)", backend, path, state),
	}
}

// checkAuditTrail verifies the audit path and retention settings.
func checkAuditTrail(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: "cannot check — config not loaded",
		}
	}
	if !cfg.Audit.Enabled {
		return CheckResult{
			Status:  StatusPass,
			Message: "disabled",
		}
	}

	if cfg.Audit.Retention.MaxAge != "" {
		if _, err := time.ParseDuration(cfg.Audit.Retention.MaxAge); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("retention max_age %q is not a valid duration", cfg.Audit.Retention.MaxAge),
				Fix:     `Use a Go duration such as "2160h"`,
			}
		}
	}
	if cfg.Audit.Retention.MaxSize != "" {
		if _, err := security.ParseRetentionMaxSize(cfg.Audit.Retention.MaxSize); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("retention max_size %q is not a valid size", cfg.Audit.Retention.MaxSize),
				Fix:     `Use a size such as "100MB" or "1GB"`,
			}
		}
	}

	dir := filepath.Dir(cfg.Audit.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("audit directory %s cannot be created: %v", dir, err),
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("enabled, writing to %s", cfg.Audit.Path),
	}
}

// checkNotifiers verifies enabled notifiers have credentials.
func checkNotifiers(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: "cannot check — config not loaded",
		}
	}

	var enabled, incomplete []string
	if cfg.Notify.Slack.Enabled {
		enabled = append(enabled, "slack")
		if cfg.Notify.Slack.Token == "" || cfg.Notify.Slack.Channel == "" {
			incomplete = append(incomplete, "slack")
		}
	}
	if cfg.Notify.Discord.Enabled {
		enabled = append(enabled, "discord")
		if cfg.Notify.Discord.Token == "" || cfg.Notify.Discord.ChannelID == "" {
			incomplete = append(incomplete, "discord")
		}
	}

	if len(enabled) == 0 {
		return CheckResult{
			Status:  StatusPass,
			Message: "none configured",
		}
	}
	if len(incomplete) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("missing credentials for: %s", strings.Join(incomplete, ", ")),
			Fix:     "Set tokens via OPSFLOW_NOTIFY_SLACK_TOKEN / OPSFLOW_NOTIFY_DISCORD_TOKEN",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("configured: %s", strings.Join(enabled, ", ")),
	}
}
