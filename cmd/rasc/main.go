// Package main provides the entry point for rascd.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rascd/internal/api"
	"rascd/internal/clock"
	"rascd/internal/config"
	"rascd/internal/entity"
	"rascd/internal/ha"
	"rascd/internal/history"
	"rascd/internal/polling"
	"rascd/internal/service"
	"rascd/internal/stats"
)

// App holds the CLI application state.
type App struct {
	cfgFile string
	viper   *viper.Viper
	rootCmd *cobra.Command
}

// NewApp creates a new CLI application instance.
func NewApp() *App {
	app := &App{viper: viper.New()}
	app.rootCmd = app.buildRootCmd()
	app.setupFlags()
	app.addCommands()
	return app
}

func (a *App) buildRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rasc",
		Short: "Adaptive response tracking for Home Assistant service calls",
		Long: `rasc watches Home Assistant service calls and reports when each targeted
entity starts and completes the requested action.

Entities that cannot push their state are polled on a schedule learned from
past latencies, so transitions are detected quickly without hammering the device.
Responses are published as rasc_response events.`,
		SilenceUsage: true,
	}
}

// setupFlags configures persistent flags and binds them to viper.
func (a *App) setupFlags() {
	flags := a.rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (YAML)")
	flags.String("ha-url", "", "Home Assistant websocket URL")
	flags.String("ha-token", "", "Home Assistant long-lived access token")
	flags.Int("port", 0, "introspection API port")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("history-backend", "", "latency history backend (file, sqlite or bolt)")
	flags.String("history-path", "", "latency history location")
	flags.Bool("read-only", false, "track responses without publishing events")

	a.bindPFlag("homeassistant.url", flags.Lookup("ha-url"))
	a.bindPFlag("homeassistant.token", flags.Lookup("ha-token"))
	a.bindPFlag("server.port", flags.Lookup("port"))
	a.bindPFlag("logging.level", flags.Lookup("log-level"))
	a.bindPFlag("history.backend", flags.Lookup("history-backend"))
	a.bindPFlag("history.path", flags.Lookup("history-path"))
	a.bindPFlag("read_only", flags.Lookup("read-only"))
}

func (a *App) addCommands() {
	a.rootCmd.AddCommand(a.buildServeCmd())
	a.rootCmd.AddCommand(a.buildScheduleCmd())
	a.rootCmd.AddCommand(a.buildHistoryCmd())
	a.rootCmd.AddCommand(a.buildConfigCmd())
}

func (a *App) buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to Home Assistant and track service calls",
		RunE:  a.runServe,
	}
}

func (a *App) buildScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Fit latency samples and print the resulting poll schedule",
		Long: `Fit a distribution to latency samples (seconds) and print the poll
schedule a command with that history would use.

Example:
  rasc schedule --samples 1.2,1.4,1.1,2.0 --delay 2s`,
		RunE: a.runSchedule,
	}
	cmd.Flags().String("samples", "", "comma-separated latencies in seconds")
	cmd.Flags().Duration("delay", polling.DefaultWorstCaseDelay, "worst-case detection delay")
	_ = cmd.MarkFlagRequired("samples")
	return cmd
}

func (a *App) buildHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print stored latency samples",
		RunE:  a.runHistory,
	}
	cmd.Flags().String("key", "", "only print one key (entity_id,service,transition)")
	return cmd
}

func (a *App) buildConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Display the effective configuration",
		Long: `Display the effective configuration with the token masked.

Values come from the config file, .env, environment variables and CLI flags.`,
		RunE: a.runConfig,
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// openBackend returns the configured history backend and a close func.
func openBackend(cfg *config.Config) (history.Backend, func() error, error) {
	switch cfg.History.Backend {
	case config.BackendSQLite:
		b, err := history.OpenSQLite(cfg.History.Path)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case config.BackendBolt:
		b, err := history.OpenBolt(cfg.History.Path)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case config.BackendFile, "":
		return history.NewFileBackend(cfg.History.Path), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown history backend %q", cfg.History.Backend)
	}
}

func (a *App) runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadWithViper(a.viper, a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	rules, err := entity.LoadRules(cfg.RASC.RulesFile)
	if err != nil {
		return fmt.Errorf("loading action rules: %w", err)
	}

	backend, closeBackend, err := openBackend(cfg)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer func() {
		if err := closeBackend(); err != nil {
			logger.Warn("Failed to close history backend", zap.Error(err))
		}
	}()
	store := history.NewStore(backend, logger)

	logger.Info("Starting rascd",
		zap.String("url", cfg.HomeAssistant.URL),
		zap.String("mode", cfg.RASC.Mode),
		zap.String("history", cfg.History.Backend),
		zap.Bool("read_only", cfg.ReadOnly))

	client := ha.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connecting to Home Assistant: %w", err)
	}
	defer func() {
		if err := client.Disconnect(); err != nil {
			logger.Warn("Failed to disconnect", zap.Error(err))
		}
	}()

	svc := service.New(client, store, rules, clock.NewRealClock(), cfg.Service(), logger)
	server := api.NewServer(svc.Tracker(), store, logger, cfg.Server.Port)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	runErr := g.Wait()

	// Polls and handlers are drained here, so the flush below is the last write.
	svc.Stop()
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Flush(flushCtx); err != nil {
		logger.Error("Failed to persist latency history", zap.Error(err))
	}

	logger.Info("rascd stopped")
	return runErr
}

func parseSamples(s string) ([]float64, error) {
	var samples []float64
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid sample %q: %w", field, err)
		}
		samples = append(samples, v)
	}
	if len(samples) == 0 {
		return nil, errors.New("no samples given")
	}
	return samples, nil
}

func (a *App) runSchedule(cmd *cobra.Command, _ []string) error {
	raw, _ := cmd.Flags().GetString("samples")
	delay, _ := cmd.Flags().GetDuration("delay")

	samples, err := parseSamples(raw)
	if err != nil {
		return err
	}
	dist, err := stats.BestFit(samples, zap.NewNop())
	if err != nil {
		return fmt.Errorf("fitting samples: %w", err)
	}

	upper := 0.0
	for _, s := range samples {
		upper = max(upper, s)
	}
	polls, err := polling.GetPolls(dist, upper, delay.Seconds(), zap.NewNop())
	if err != nil {
		return fmt.Errorf("solving schedule: %w", err)
	}

	printSchedule(cmd.OutOrStdout(), dist, polls)
	return nil
}

func printSchedule(w io.Writer, dist stats.Distribution, polls []float64) {
	fmt.Fprintf(w, "Distribution: %s\n", stats.Describe(dist))
	fmt.Fprintf(w, "Polls:        %d\n\n", len(polls))
	fmt.Fprintf(w, "  %-4s %-10s %-10s %s\n", "#", "at", "wait", "P(done)")
	prev := 0.0
	for i, l := range polls {
		fmt.Fprintf(w, "  %-4d %-10.3f %-10.3f %.4f\n", i+1, l, l-prev, dist.CDF(l))
		prev = l
	}
}

func (a *App) runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadForDisplay(a.viper, a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	backend, closeBackend, err := openBackend(cfg)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer func() { _ = closeBackend() }()

	data, err := backend.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("reading history: %w", err)
	}

	key, _ := cmd.Flags().GetString("key")
	if key != "" {
		rec, ok := data[key]
		if !ok {
			return fmt.Errorf("no history for %s", key)
		}
		data = map[string]history.Record{key: rec}
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		fmt.Fprintln(out, "No latency history recorded.")
		return nil
	}
	for _, k := range keys {
		rec := data[k]
		fmt.Fprintln(out, k)
		fmt.Fprintf(out, "  start:    %s\n", formatSamples(rec.StartLatencies))
		fmt.Fprintf(out, "  complete: %s\n", formatSamples(rec.CompleteLatencies))
	}
	return nil
}

func formatSamples(samples []float64) string {
	if len(samples) == 0 {
		return "-"
	}
	parts := make([]string, len(samples))
	for i, s := range samples {
		parts[i] = strconv.FormatFloat(s, 'f', -1, 64)
	}
	return strings.Join(parts, ", ")
}

func (a *App) runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadForDisplay(a.viper, a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	masked := cfg.MaskedConfig()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Effective Configuration")
	fmt.Fprintln(out, "=======================")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Home Assistant:")
	fmt.Fprintf(out, "  URL:   %s\n", masked.HomeAssistant.URL)
	fmt.Fprintf(out, "  Token: %s\n", masked.HomeAssistant.Token)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Server:")
	fmt.Fprintf(out, "  Port:  %d\n", masked.Server.Port)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Logging:")
	fmt.Fprintf(out, "  Level: %s\n", masked.Logging.Level)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "History:")
	fmt.Fprintf(out, "  Backend: %s\n", masked.History.Backend)
	fmt.Fprintf(out, "  Path:    %s\n", masked.History.Path)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "RASC:")
	fmt.Fprintf(out, "  Mode:             %s\n", masked.RASC.Mode)
	fmt.Fprintf(out, "  Poll entities:    %s\n", strings.Join(masked.RASC.PollEntities, ", "))
	fmt.Fprintf(out, "  Poll rate:        %g/s\n", masked.RASC.PollRate)
	fmt.Fprintf(out, "  Worst-case delay: %s\n", masked.RASC.WorstCaseDelay)
	fmt.Fprintf(out, "  Default interval: %s\n", masked.RASC.DefaultInterval)
	fmt.Fprintf(out, "  Failed timeout:   %s\n", masked.RASC.FailedTimeout)
	fmt.Fprintf(out, "  Rules file:       %s\n", masked.RASC.RulesFile)
	fmt.Fprintf(out, "  Read-only:        %t\n", masked.ReadOnly)
	return nil
}

// Execute runs the CLI application.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// bindPFlag binds a flag to viper and logs an error if binding fails.
func (a *App) bindPFlag(key string, flag *pflag.Flag) {
	if err := a.viper.BindPFlag(key, flag); err != nil {
		log.Printf("warning: failed to bind flag %s: %v", key, err)
	}
}

func main() {
	app := NewApp()
	if err := app.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
