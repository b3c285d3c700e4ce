package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/agencydb/internal/agency"
	"github.com/basket/agencydb/internal/audit"
	"github.com/basket/agencydb/internal/bus"
	"github.com/basket/agencydb/internal/config"
	"github.com/basket/agencydb/internal/migration"
	otelPkg "github.com/basket/agencydb/internal/otel"
	"github.com/basket/agencydb/internal/pool"
	"github.com/basket/agencydb/internal/schema"
	"github.com/basket/agencydb/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s migrate [-agency <id>]       Apply pending schema migrations
  %s rollback -to <version> -agency <id>
                                  Roll the tenant schema back to a version
  %s status [-agency <id>]        Show schema version and pending steps
  %s validate [-agency <id>]      Run schema validation probes
  %s agencies                     List tenant databases on disk
  %s switch <id> [-actor <id>]    Probe and record an agency context switch
  %s sweep [-watch]               Run integrity sweeps over all tenants
  %s doctor [-json]               Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENCYDB_HOME           Application home (default: ~/.agencydb)
  AGENCYDB_DATA_DIR       Tenant database root (default: <home>/agencies)
  AGENCYDB_LOG_LEVEL      debug, info, warn, error

EXAMPLES:
  Migrate every tenant:   %s migrate
  Migrate one tenant:     %s migrate -agency acme
  Roll acme back:         %s rollback -to 3 -agency acme
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "migrate":
		os.Exit(runMigrateCommand(ctx, args[1:]))
	case "rollback":
		os.Exit(runRollbackCommand(ctx, args[1:]))
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "validate":
		os.Exit(runValidateCommand(ctx, args[1:]))
	case "agencies":
		os.Exit(runAgenciesCommand(ctx, args[1:]))
	case "switch":
		os.Exit(runSwitchCommand(ctx, args[1:]))
	case "sweep":
		os.Exit(runSweepCommand(ctx, args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// app holds everything a subcommand needs, wired in dependency order.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	provider *otelPkg.Provider
	metrics  *otelPkg.Metrics
	pool     *pool.Pool
	engine   *migration.Engine
	manager  *agency.Manager

	logCloser io.Closer
}

// newApp bootstraps the data layer. Interactive terminals get file-only logs
// so command output stays clean.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// Audit before logger so logger failures are still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, fmt.Errorf("init audit: %w", err)
	}

	quiet := isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)
	logger.Info("startup", "version", Version, "config_fingerprint", cfg.Fingerprint())

	eventBus := bus.New()

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("init otel: %w", err)
	}
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	p, err := pool.New(pool.Settings{
		DataDir:            cfg.DataDir,
		MaxConnectAttempts: cfg.Pool.MaxConnectAttempts,
		BackoffBase:        cfg.BackoffBase(),
		ConnectTimeout:     cfg.ConnectTimeout(),
	}, logger, eventBus, metrics)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("init pool: %w", err)
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		closer.Close()
		return nil, err
	}
	engine := migration.NewEngine(registry, logger, eventBus, metrics, provider.Tracer)

	manager := agency.NewManager(p, cfg.Context.HistoryDepth, logger, eventBus, metrics)
	manager.Initialize()

	return &app{
		cfg:       cfg,
		logger:    logger,
		bus:       eventBus,
		provider:  provider,
		metrics:   metrics,
		pool:      p,
		engine:    engine,
		manager:   manager,
		logCloser: closer,
	}, nil
}

// buildRegistry uses the compiled-in business schema, extended by an
// optional JSON manifest for site-specific steps.
func buildRegistry(cfg config.Config) (*migration.Registry, error) {
	steps := schema.Steps()
	if cfg.ManifestPath != "" {
		extra, err := migration.LoadManifest(cfg.ManifestPath)
		if err != nil {
			return nil, fmt.Errorf("load manifest %s: %w", cfg.ManifestPath, err)
		}
		steps = append(steps, extra...)
	}
	return migration.NewRegistry(steps)
}

func (a *app) close(ctx context.Context) {
	audit.SetDB(nil)
	_ = a.pool.CloseAll()
	_ = a.provider.Shutdown(ctx)
	_ = a.logCloser.Close()
	_ = audit.Close()
}

// resolveTargets returns the tenant set a command operates on: the -agency
// flag when given, otherwise every tenant on disk.
func (a *app) resolveTargets(agencyID string) ([]string, error) {
	if agencyID != "" {
		return []string{agencyID}, nil
	}
	tenants, err := a.pool.ListTenants()
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return tenants, nil
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, err)
	return 1
}
