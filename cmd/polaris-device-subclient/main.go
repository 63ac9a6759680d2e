package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/JeremiahJRRoss/polaris-device-subclient/internal/clock"
	"github.com/JeremiahJRRoss/polaris-device-subclient/internal/config"
	"github.com/JeremiahJRRoss/polaris-device-subclient/internal/gqlws"
	"github.com/JeremiahJRRoss/polaris-device-subclient/internal/ingest"
	"github.com/JeremiahJRRoss/polaris-device-subclient/internal/logging"
)

// Version information, set by the release pipeline via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// exit codes per spec.md §6.
const (
	exitOK             = 0
	exitCrash          = 1
	exitConfigInvalid  = 2
	exitFatalIO        = 3
)

func printVersion(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "polaris-device-subclient version %s\n", version); err != nil {
		return err
	}
	if commit != "none" {
		if _, err := fmt.Fprintf(w, "  commit: %s\n", commit); err != nil {
			return err
		}
	}
	if date != "unknown" {
		if _, err := fmt.Fprintf(w, "  built:  %s\n", date); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	fs := flag.NewFlagSet("polaris-device-subclient", flag.ContinueOnError)
	output := fs.String("output", "", "writer mode: stdout or file")
	outputDir := fs.String("output-dir", "", "override output.file.output_dir")
	configPath := fs.String("config", "", "config file path")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	dryRun := fs.Bool("dry-run", false, "connect, emit first 5 records, exit")
	validateConfig := fs.Bool("validate-config", false, "parse config, resolve credentials, no network")
	apiKey := fs.String("polaris-api-key", "", "credential override for polaris.api_key")
	apiURL := fs.String("polaris-api-url", "", "credential override for polaris.api_url")
	versionFlag := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args[1:]); err != nil {
		return exitCrash
	}

	if *versionFlag {
		if err := printVersion(os.Stdout); err != nil {
			return exitCrash
		}
		return exitOK
	}

	overrides := config.Overrides{}
	if *output != "" {
		overrides.Output = output
	}
	if *outputDir != "" {
		overrides.OutputDir = outputDir
	}
	if *configPath != "" {
		overrides.ConfigPath = configPath
	}
	if *logLevel != "" {
		overrides.LogLevel = logLevel
	}
	if *apiKey != "" {
		overrides.APIKey = apiKey
	}
	if *apiURL != "" {
		overrides.APIURL = apiURL
	}

	cfg, err := config.Load(overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigInvalid
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		return exitConfigInvalid
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, JSONOutput: cfg.Logging.Level != "debug"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return exitCrash
	}
	defer logger.Sync()

	for _, w := range cfg.Warnings {
		logger.Warn("config_warning", zap.String("warning", w))
	}

	if *validateConfig {
		fmt.Fprintln(os.Stdout, "config is valid")
		return exitOK
	}

	return runPipeline(cfg, logger, *dryRun)
}

func runPipeline(cfg *config.Config, logger *zap.Logger, dryRun bool) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown_signal_received")
		cancel()
	}()

	writerCfg := ingest.WriterConfig{
		OutputDir:       cfg.Output.File.OutputDir,
		FilePrefix:      cfg.Output.File.FilePrefix,
		InstanceID:      cfg.Polaris.InstanceID,
		IntervalSeconds: cfg.Output.File.IntervalSec,
		MaxSizeBytes:    cfg.Output.File.MaxSizeBytes,
		FlushEveryN:     cfg.Output.File.FlushEveryN,
		FlushIntervalMs: cfg.Output.File.FlushIntervalM,
		Stdout:          cfg.Output.Mode == config.OutputStdout,
	}
	writer, err := ingest.NewWriter(writerCfg, clock.Real{}, logger)
	if err != nil {
		if errors.Is(err, ingest.ErrFatal) {
			logger.Error("write_error_fatal", zap.Error(err))
			return exitFatalIO
		}
		logger.Error("writer_init_failed", zap.Error(err))
		return exitCrash
	}

	session := ingest.NewSessionState("")
	normalizer := ingest.NewNormalizer(cfg.Polaris.InstanceID, session)
	filter := ingest.NewFilter(cfg.Filter.DropStates, cfg.Filter.DropDeviceIDs, cfg.Filter.KeepDeviceIDs)
	pipeline := ingest.NewPipeline(cfg.QueueCapacity, normalizer, filter, writer, logger)

	initialDelay, maxDelay, multiplier, jitterPct := cfg.BackoffSettings()
	gclient := gqlws.NewClient(gqlws.Config{
		APIURL:     cfg.Polaris.APIURL,
		APIKey:     cfg.Polaris.APIKey,
		InstanceID: cfg.Polaris.InstanceID,
		Backoff: gqlws.BackoffConfig{
			InitialDelay: initialDelay,
			MaxDelay:     maxDelay,
			Multiplier:   multiplier,
			JitterPct:    jitterPct,
		},
	}, nil, pipeline.Queue, logger)

	if dryRun {
		return runDryRun(ctx, gclient, pipeline, logger)
	}

	done := make(chan error, 2)
	go func() { done <- gclient.Run(ctx) }()
	go func() { done <- pipeline.Run(ctx) }()

	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			logger.Error("pipeline_error", zap.Error(err))
			return exitCrash
		}
	}

	logger.Info("shutdown_complete",
		zap.Int64("dropped_records", writer.DroppedRecords()),
		zap.String("max_size", humanize.Bytes(uint64(cfg.Output.File.MaxSizeBytes))))
	return exitOK
}

// runDryRun connects, emits the first five records, and exits
// (spec.md §6: --dry-run, exit 0 on success, 2 on connect failure).
func runDryRun(ctx context.Context, gclient *gqlws.Client, pipeline *ingest.Pipeline, logger *zap.Logger) int {
	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	connDone := make(chan error, 1)
	go func() { connDone <- gclient.Run(connCtx) }()

	count := 0
	for count < 5 {
		select {
		case raw := <-pipeline.Queue:
			rec := pipeline.Normalizer.Normalize(raw)
			if pipeline.Filter.Allow(rec) {
				_ = pipeline.Writer.WriteRecord(rec)
				count++
			}
		case <-connCtx.Done():
			logger.Error("dry_run_connect_failed")
			return exitConfigInvalid
		case err := <-connDone:
			if err != nil {
				logger.Error("dry_run_connect_failed", zap.Error(err))
				return exitConfigInvalid
			}
		}
	}

	connCancel()
	_ = pipeline.Writer.Shutdown()
	return exitOK
}
