package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"opsflow/internal/adapter/channel"
	"opsflow/internal/adapter/devops"
	"opsflow/internal/adapter/gateway"
	"opsflow/internal/adapter/mcpserver"
	"opsflow/internal/adapter/notify"
	"opsflow/internal/adapter/tool"
	"opsflow/internal/adapter/tui/dashboard"
	"opsflow/internal/domain"
	"opsflow/internal/infra/config"
	"opsflow/internal/infra/logger"
	"opsflow/internal/infra/tracer"
	"opsflow/internal/security"
	"opsflow/internal/usecase/catalog"
	"opsflow/internal/usecase/eventbus"
	"opsflow/internal/usecase/poller"
	"opsflow/internal/usecase/scheduling"
	"opsflow/internal/usecase/workflow"
)

const version = "0.4.1"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "--version", "version":
			fmt.Printf("opsflow %s\n", version)
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "run":
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	case "dashboard":
		if err := runDashboard(); err != nil {
			fmt.Fprintf(os.Stderr, "dashboard: %v\n", err)
			os.Exit(1)
		}
	case "mcp":
		if err := runMCP(); err != nil {
			fmt.Fprintf(os.Stderr, "mcp: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'opsflow --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`opsflow - Azure DevOps work item dispatch service

USAGE:
    opsflow [COMMAND] [FLAGS]

COMMANDS:
    run         Start the dispatch service (default)
    dashboard   Launch the workflow runs dashboard
    mcp         Serve the dispatch tools over MCP on stdio
    doctor      Run health checks on your setup
    version     Print the version

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: OPSFLOW_* variables override config
    PAT:         set OPSFLOW_DEVOPS_PAT or AZURE_DEVOPS_PAT

EXAMPLES:
    opsflow                              # Serve with config.yaml
    opsflow --config /etc/opsflow.yaml   # Serve with a custom config
    opsflow dashboard                    # Watch runs in the terminal
    opsflow doctor                       # Check connectivity and storage`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("OPSFLOW_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// runStore is the store surface the service wires together: the domain
// contract plus the per-work-item lookup the poller dedupes against.
type runStore interface {
	domain.WorkflowStore
	FindRunsByWorkItem(ctx context.Context, workItemID int) ([]domain.WorkflowRun, error)
}

// openStore builds the configured store backend. The returned closer is nil
// for backends with nothing to release.
func openStore(cfg config.WorkflowConfig) (runStore, func() error, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		s, err := workflow.NewSQLiteStore(cfg.Store.Path, cfg.HistoryLimit)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default: // "file", enforced by config validation
		s, err := workflow.NewFileStore(cfg.Store.Path, cfg.HistoryLimit)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}
}

// initAudit opens the dispatch audit trail and applies the retention policy.
func initAudit(cfg config.AuditConfig) (*security.FileAuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	audit, err := security.NewFileAuditLogger(cfg.Path)
	if err != nil {
		return nil, err
	}

	if cfg.Retention.MaxAge != "" || cfg.Retention.MaxSize != "" {
		var maxAge time.Duration
		if cfg.Retention.MaxAge != "" {
			d, err := time.ParseDuration(cfg.Retention.MaxAge)
			if err != nil {
				audit.Close()
				return nil, fmt.Errorf("parse audit retention max_age: %w", err)
			}
			maxAge = d
		}
		var maxSize int64
		if cfg.Retention.MaxSize != "" {
			s, err := security.ParseRetentionMaxSize(cfg.Retention.MaxSize)
			if err != nil {
				audit.Close()
				return nil, fmt.Errorf("parse audit retention max_size: %w", err)
			}
			maxSize = s
		}
		audit.SetRetention(security.RetentionPolicy{MaxAge: maxAge, MaxSize: maxSize})
	}

	return audit, nil
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Azure DevOps connector
	client, err := devops.NewClient(cfg.DevOps, log)
	if err != nil {
		return fmt.Errorf("devops: %w", err)
	}
	connector := devops.NewBreakerConnector(client, cfg.DevOps.Breaker, log)
	reader := devops.NewReader(connector, log)
	dispatcher := devops.NewDispatcher(connector, cfg.Workflow.DefaultBranch, log)

	// 5. Run store
	store, storeCloser, err := openStore(cfg.Workflow)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if storeCloser != nil {
		defer storeCloser()
	}

	// 6. Sequencer
	resolver := catalog.NewResolver(connector, log)
	seq := workflow.NewSequencer(store, reader, resolver, dispatcher, workflow.SequencerConfig{
		StepTimeout: cfg.Workflow.StepTimeout,
		MaxRunning:  cfg.Workflow.MaxRunning,
	}, bus, log)

	// 7. Audit trail
	var audit *security.FileAuditLogger
	if cfg.Audit.Enabled {
		audit, err = initAudit(cfg.Audit)
		if err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		defer audit.Close()

		recorder := security.NewAuditRecorder(audit, log)
		recorder.Start(bus)
		defer recorder.Stop()

		log.Info("audit trail enabled", "path", cfg.Audit.Path)
	}

	// 8. Scheduler & poller
	scheduler := scheduling.NewScheduler(log)
	if cfg.Poller.Enabled {
		p := poller.New(connector, store, seq, cfg.Poller, bus, log)
		if err := p.Register(scheduler); err != nil {
			return fmt.Errorf("poller: %w", err)
		}
	}
	if audit != nil {
		scheduler.RegisterAction(scheduling.ActionAuditRetention, func(ctx context.Context) error {
			removed, err := audit.EnforceRetention(ctx)
			if err != nil {
				return err
			}
			if removed > 0 {
				log.Info("audit retention enforced", "removed", removed)
			}
			return nil
		})
		if err := scheduler.AddTask(scheduling.ScheduledTask{
			Name:     "audit-retention",
			Schedule: "0 3 * * *",
			Action:   scheduling.ActionAuditRetention,
		}); err != nil {
			log.Warn("scheduler: audit retention task not added", "error", err)
		}
	}

	// 9. Notifiers
	var notifiers []notify.Notifier
	if cfg.Notify.Slack.Enabled {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notify.Slack))
	}
	if cfg.Notify.Discord.Enabled {
		dn, err := notify.NewDiscordNotifier(cfg.Notify.Discord)
		if err != nil {
			return fmt.Errorf("discord notifier: %w", err)
		}
		notifiers = append(notifiers, dn)
	}
	if len(notifiers) > 0 {
		manager := notify.NewManager(bus, store, log, notifiers...)
		manager.Start()
		defer manager.Stop()
	}

	// 10. HTTP channel & event gateway
	var httpCh *channel.HTTPChannel
	var gw *gateway.Stream
	if cfg.HTTP.Enabled {
		httpCh = channel.NewHTTPChannel(cfg.HTTP, seq, connector, log)
		if cfg.Gateway.Enabled {
			gw = gateway.New(bus, cfg.Gateway, log)
			httpCh.Mount("GET /api/v1/events", gw.Handler())
		}
	}

	// 11. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 12. Start
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer scheduler.Stop()

	if gw != nil {
		gw.Start()
		defer gw.Stop()
	}
	if httpCh != nil {
		if err := httpCh.Start(ctx); err != nil {
			return fmt.Errorf("http: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpCh.Stop(shutdownCtx); err != nil {
				log.Error("http shutdown error", "error", err)
			}
		}()
	}

	log.Info("opsflow started",
		"version", version,
		"organization", cfg.DevOps.Organization,
		"project", cfg.DevOps.Project,
		"store", cfg.Workflow.Store.Backend,
		"http", cfg.HTTP.Enabled,
		"gateway", gw != nil,
		"poller", cfg.Poller.Enabled,
		"notifiers", len(notifiers),
		"audit", audit != nil,
	)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func runDashboard() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	store, storeCloser, err := openStore(cfg.Workflow)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if storeCloser != nil {
		defer storeCloser()
	}

	p := tea.NewProgram(dashboard.New(store), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func runMCP() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// Stdout carries the MCP protocol, so logs must not go there.
	if strings.ToLower(cfg.Logger.Output) == "stdout" || cfg.Logger.Output == "" {
		cfg.Logger.Output = "stderr"
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	bus := eventbus.New(log)
	defer bus.Close()

	client, err := devops.NewClient(cfg.DevOps, log)
	if err != nil {
		return fmt.Errorf("devops: %w", err)
	}
	connector := devops.NewBreakerConnector(client, cfg.DevOps.Breaker, log)
	reader := devops.NewReader(connector, log)
	dispatcher := devops.NewDispatcher(connector, cfg.Workflow.DefaultBranch, log)

	store, storeCloser, err := openStore(cfg.Workflow)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if storeCloser != nil {
		defer storeCloser()
	}

	resolver := catalog.NewResolver(connector, log)
	seq := workflow.NewSequencer(store, reader, resolver, dispatcher, workflow.SequencerConfig{
		StepTimeout: cfg.Workflow.StepTimeout,
		MaxRunning:  cfg.Workflow.MaxRunning,
	}, bus, log)

	if cfg.Audit.Enabled {
		audit, err := initAudit(cfg.Audit)
		if err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		defer audit.Close()

		recorder := security.NewAuditRecorder(audit, log)
		recorder.Start(bus)
		defer recorder.Stop()
	}

	registry := tool.NewRegistry(log)
	if err := registry.Register(tool.NewDevOpsTool(connector, reader, resolver, dispatcher, cfg.Tools.MaxRequestsPerMinute, log)); err != nil {
		return fmt.Errorf("register devops tool: %w", err)
	}
	if err := registry.Register(tool.NewWorkflowTool(seq, log)); err != nil {
		return fmt.Errorf("register workflow tool: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := mcpserver.New("opsflow", version, registry, bus, log)
	log.Info("mcp server listening on stdio", "tools", registry.Len())
	return srv.ServeStdio(ctx)
}
