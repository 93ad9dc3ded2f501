// Package main is the entry point for the stop-loss service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stoploss-bot/internal/alerting"
	"github.com/tathienbao/stoploss-bot/internal/backtest"
	"github.com/tathienbao/stoploss-bot/internal/broker"
	"github.com/tathienbao/stoploss-bot/internal/broker/ibkr"
	"github.com/tathienbao/stoploss-bot/internal/broker/paper"
	"github.com/tathienbao/stoploss-bot/internal/config"
	"github.com/tathienbao/stoploss-bot/internal/engine"
	"github.com/tathienbao/stoploss-bot/internal/metrics"
	"github.com/tathienbao/stoploss-bot/internal/persistence"
	"github.com/tathienbao/stoploss-bot/internal/ui"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	case "replay":
		cmdReplay(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Stop-Loss Service - depth-triggered stop-loss dispatch

Usage:
  stoploss <command> [options]

Commands:
  run        Start the service
  validate   Validate configuration file
  replay     Replay recorded depth against the configured orders
  version    Show version information
  help       Show this help message

Examples:
  stoploss run --config config.yaml
  stoploss run --config config.yaml --venue paper --dashboard
  stoploss validate --config config.yaml
  stoploss replay --config config.yaml --data depth.csv

Use "stoploss <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("stoploss version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	orders, err := cfg.StopLossOrders()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Venue: %s\n", cfg.Venue.Type)
	fmt.Printf("  Lot size: %d\n", cfg.StopLoss.LotSize)
	fmt.Printf("  Stop-loss orders: %d\n", len(orders))
	for _, o := range orders {
		fmt.Printf("    %s %s below %s x %d\n", o.ID()[:8], o.Instrument(), o.Price(), o.Volume())
	}
	fmt.Printf("  Journal: %v\n", cfg.Persistence.Enabled)
	fmt.Printf("  Alerting: %v (%d channels)\n", cfg.Alerting.Enabled, len(cfg.Alerting.Channels))
}

func cmdReplay(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	dataPath := fs.String("data", "", "Path to recorded depth CSV")
	from := fs.String("from", "", "Skip snapshots before this time (RFC3339)")
	to := fs.String("to", "", "Stop at snapshots after this time (RFC3339)")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	if *dataPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --data is required")
		fs.Usage()
		os.Exit(1)
	}

	logLevel := slog.LevelWarn
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	orders, err := cfg.StopLossOrders()
	if err != nil {
		slog.Error("invalid stop-loss orders", "err", err)
		os.Exit(1)
	}

	snapshots, err := backtest.LoadCSV(*dataPath)
	if err != nil {
		slog.Error("failed to load depth data", "path", *dataPath, "err", err)
		os.Exit(1)
	}

	replayCfg := backtest.DefaultConfig()
	replayCfg.LotSize = cfg.StopLoss.LotSize
	for _, bound := range []struct {
		flag string
		dst  *time.Time
	}{{*from, &replayCfg.StartTime}, {*to, &replayCfg.EndTime}} {
		if bound.flag == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, bound.flag)
		if err != nil {
			slog.Error("invalid time bound", "value", bound.flag, "err", err)
			os.Exit(1)
		}
		*bound.dst = t
	}

	runner := backtest.NewRunner(replayCfg, snapshots, orders, logger)
	if *verbose {
		runner.SetProgressCallback(func(u backtest.ProgressUpdate) {
			slog.Debug("replay progress",
				"step", u.Step,
				"total", u.TotalSteps,
				"instrument", u.Snapshot.Instrument,
				"active", u.Active,
				"fills", u.Fills,
			)
		})
	}

	result, err := runner.Run(context.Background())
	if err != nil {
		slog.Error("replay failed", "err", err)
		os.Exit(1)
	}

	printReplayResults(result)
	printReplayMetrics(backtest.NewMetrics(result))
}

func printReplayResults(result *backtest.Result) {
	fmt.Println("\n=== REPLAY RESULTS ===")
	fmt.Printf("Snapshots:        %d\n", result.Snapshots)
	fmt.Printf("Period:           %s to %s\n", result.Start.Format(time.RFC3339), result.End.Format(time.RFC3339))
	fmt.Printf("Triggers:         %d\n", result.Summary.Triggers)
	fmt.Printf("Fills:            %d\n", result.Summary.Fills)
	fmt.Printf("Requeued:         %d\n", result.Summary.Requeued)
	fmt.Printf("Still active:     %d\n", result.Summary.ActiveOrders)
	fmt.Println()
	for _, o := range result.Orders {
		fmt.Printf("  %s %-8s below %s  sold %d/%d\n",
			o.ID[:8], o.Instrument, o.StopPrice, o.Volume-o.Remaining, o.Volume)
	}
}

func printReplayMetrics(m *backtest.Metrics) {
	fmt.Println("\n=== EXECUTION METRICS ===")
	fmt.Printf("Filled:           %d/%d (%.2f%%)\n", m.FilledVolume(), m.TotalVolume(),
		m.FillRatio().Mul(decimal.NewFromInt(100)).InexactFloat64())
	fmt.Printf("Avg Fill Price:   %s\n", m.AvgFillPrice().StringFixed(4))
	fmt.Printf("Shortfall:        %s\n", m.Shortfall().StringFixed(2))
	fmt.Printf("Worst Slippage:   %s\n", m.WorstSlippage().StringFixed(4))
	fmt.Printf("Completed Orders: %d\n", m.Completed())
	fmt.Printf("Untriggered:      %d\n", m.Untriggered())
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	venueType := fs.String("venue", "", "Override venue type: paper, ibkr")
	verbose := fs.Bool("verbose", false, "Verbose output")
	dashboard := fs.Bool("dashboard", false, "Show a live terminal dashboard (logs go to stderr)")
	fs.Parse(args)

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logOut := os.Stdout
	if *dashboard {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if *venueType != "" {
		cfg.Venue.Type = *venueType
		if err := cfg.Validate(); err != nil {
			slog.Error("invalid venue override", "err", err)
			os.Exit(1)
		}
	}

	orders, err := cfg.StopLossOrders()
	if err != nil {
		slog.Error("invalid stop-loss orders", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("stoploss starting",
		"version", Version,
		"venue", cfg.Venue.Type,
		"orders", len(orders),
	)

	var journal engine.Journal
	if cfg.Persistence.Enabled {
		repo, err := persistence.NewSQLiteRepository(cfg.Persistence.Path)
		if err != nil {
			slog.Error("failed to open journal", "path", cfg.Persistence.Path, "err", err)
			os.Exit(1)
		}
		defer repo.Close()
		journal = repo
	}

	venue := newVenue(cfg, logger)
	alerter := newAlerter(cfg, logger)
	eng := engine.NewEngine(cfg.ToEngineConfig(), venue, journal, alerter, logger)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metrics.SetBuildInfo(Version, GitCommit, BuildTime)
		metricsServer = metrics.NewServer(cfg.MetricsServerConfig(), logger)
		metricsServer.RegisterHealthCheck("venue_session",
			metrics.BoolCheck(venue.IsSessionActive, "venue session inactive"))
		metricsServer.RegisterHealthCheck("dispatcher",
			metrics.BoolCheck(eng.Dispatcher().IsRunning, "dispatcher not running"))
		metricsServer.SetStatusFunc(func() any { return eng.Status() })
		if err := metricsServer.Start(); err != nil {
			slog.Error("failed to start metrics server", "err", err)
			os.Exit(1)
		}
	}

	if err := eng.Start(ctx, orders); err != nil {
		slog.Error("failed to start engine", "err", err)
		if metricsServer != nil {
			_ = metricsServer.Shutdown(context.Background())
		}
		os.Exit(1)
	}
	if metricsServer != nil {
		metricsServer.SetReady(true)
	}

	if *dashboard {
		go runDashboard(ctx, eng, venue)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		cfg.ShutdownTimeout(),
	)
	defer cancel()

	if err := shutdown(shutdownCtx, cfg, eng, metricsServer); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	slog.Info("stoploss shutdown complete")
}

// newVenue builds the configured broker.
func newVenue(cfg *config.Config, logger *slog.Logger) broker.Broker {
	switch cfg.Venue.Type {
	case config.VenueIBKR:
		return ibkr.NewClient(cfg.IBKRConfig(), logger.With("venue", "ibkr"))
	default:
		return paper.NewBroker(cfg.PaperConfig(), logger.With("venue", "paper"))
	}
}

// newAlerter builds the configured alert channels behind the event filter.
// It returns nil when alerting is disabled.
func newAlerter(cfg *config.Config, logger *slog.Logger) alerting.Alerter {
	if !cfg.Alerting.Enabled {
		return nil
	}

	var channels []alerting.Alerter
	for _, ch := range cfg.Alerting.Channels {
		switch ch.Type {
		case "telegram":
			channels = append(channels, alerting.NewTelegramAlerter(alerting.TelegramConfig{
				BotToken: ch.BotToken,
				ChatID:   ch.ChatID,
				Timeout:  10 * time.Second,
			}))
		default:
			channels = append(channels, alerting.NewConsoleAlerter(logger))
		}
	}
	if len(channels) == 0 {
		channels = append(channels, alerting.NewConsoleAlerter(logger))
	}

	return alerting.NewFilteredAlerter(
		alerting.NewMultiAlerter(logger, channels...),
		func(e alerting.AlertEvent) bool { return cfg.IsAlertEventEnabled(string(e)) },
	)
}

// runDashboard redraws the terminal dashboard until ctx is done.
func runDashboard(ctx context.Context, eng *engine.Engine, venue broker.Venue) {
	d := ui.NewDashboard()
	d.Start()
	defer d.Stop()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		status := ui.Status{
			SessionActive: venue.IsSessionActive(),
			Dispatched:    eng.Dispatcher().ActiveCount(),
		}
		for _, inst := range eng.Instruments() {
			snap, ok := eng.LastDepth(inst)
			status.Books = append(status.Books, ui.Book{
				Instrument: inst,
				Depth:      snap,
				HasDepth:   ok,
				Orders:     eng.Manager().Active(inst),
			})
		}
		d.Render(status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func shutdown(ctx context.Context, cfg *config.Config, eng *engine.Engine, metricsServer *metrics.Server) error {
	slog.Info("starting graceful shutdown",
		"timeout", cfg.ShutdownTimeout(),
		"cancel_open_orders", cfg.Shutdown.CancelOpenOrders,
	)

	steps := []struct {
		name string
		fn   func() error
	}{
		{"stop engine", func() error {
			return eng.Stop(ctx)
		}},
		{"stop metrics server", func() error {
			if metricsServer == nil {
				return nil
			}
			return metricsServer.Shutdown(ctx)
		}},
	}

	for _, step := range steps {
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown timeout during: %s", step.name)
		default:
			slog.Debug("shutdown step", "step", step.name)
			if err := step.fn(); err != nil {
				slog.Warn("shutdown step failed", "step", step.name, "err", err)
			}
		}
	}
	return nil
}
