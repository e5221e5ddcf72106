package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quantfold/marketbias/internal/app"
	"github.com/quantfold/marketbias/internal/bias"
	"github.com/quantfold/marketbias/internal/config"
	"github.com/quantfold/marketbias/internal/factors"
)

const version = "v1.4.0"

var (
	cfgPath  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "marketbias",
		Short:   "Market bias decision engine",
		Version: version,
		Long: `marketbias aggregates market factors into a composite bias, guards it
with event-driven circuit breakers, and scans a watchlist for setups
aligned with the prevailing regime.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to config YAML")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (trace|debug|info|warn|error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and scheduler",
		RunE:  runServe,
	}

	computeCmd := &cobra.Command{
		Use:   "compute",
		Short: "Refresh all factors and print the composite bias",
		RunE:  runCompute,
	}
	computeCmd.Flags().Bool("cached", false, "Skip the refresh and print the cached composite")

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one watchlist scan and print the signals",
		RunE:  runScan,
	}
	scanCmd.Flags().String("asset-class", "equity", "Watchlist asset class (equity|crypto)")

	factorsCmd := &cobra.Command{
		Use:   "factors",
		Short: "Print the configured factor table",
		RunE:  runFactors,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Println("marketbias", version)
		},
	}

	rootCmd.AddCommand(serveCmd, computeCmd, scanCmd, factorsCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildLogger writes console output on a TTY, JSON otherwise.
func buildLogger(cfg config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if cfg.Log.Pretty || term.IsTerminal(int(os.Stderr.Fd())) {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(lvl).With().Timestamp().Logger()
}

func buildApp(ctx context.Context) (*app.App, zerolog.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log := buildLogger(cfg)
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return nil, log, err
	}
	return a, log, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, log, err := buildApp(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.Shutdown(shutdownCtx)
	return nil
}

func runCompute(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, _, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Shutdown(ctx)

	cachedOnly, _ := cmd.Flags().GetBool("cached")

	var res *bias.Result
	if cachedOnly {
		res, err = a.Bias.Cached(ctx)
		if err == nil && res == nil {
			err = fmt.Errorf("no cached composite, run without --cached")
		}
	} else {
		a.Registry.RefreshAll(ctx)
		res, err = a.Bias.Compute(ctx)
	}
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runScan(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, log, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Shutdown(ctx)

	assetClass, _ := cmd.Flags().GetString("asset-class")
	signals, err := a.Scanner.Scan(ctx, assetClass)
	if err != nil {
		return err
	}
	log.Info().Int("signals", len(signals)).Str("asset_class", assetClass).Msg("scan complete")
	return printJSON(signals)
}

func runFactors(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	table, err := factors.LoadTable(cfg.Bias.FactorTablePath)
	if err != nil {
		return err
	}
	return printJSON(table)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
