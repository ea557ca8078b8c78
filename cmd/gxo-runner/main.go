package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	runnerv1 "github.com/gxo-labs/gxo-runner/pkg/runner/v1"
	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
	runlog "github.com/gxo-labs/gxo-runner/pkg/runner/v1/log"

	"github.com/gxo-labs/gxo-runner/internal/command"
	"github.com/gxo-labs/gxo-runner/internal/config"
	"github.com/gxo-labs/gxo-runner/internal/lifecycle"
	"github.com/gxo-labs/gxo-runner/internal/logger"
	"github.com/gxo-labs/gxo-runner/internal/metrics"
	"github.com/gxo-labs/gxo-runner/internal/runner"
	"github.com/gxo-labs/gxo-runner/internal/tracing"
)

const (
	ExitSuccess       = 0
	ExitFailure       = 1
	ExitUsageError    = 2
	ExitTimeout       = 124
	ExitSigIntBase    = 128
	ExitSigInt        = ExitSigIntBase + int(syscall.SIGINT)
	ExitSigTerm       = ExitSigIntBase + int(syscall.SIGTERM)
	DefaultLogLevel   = "info"
	DefaultLogFmt     = "text"
	DefaultBusSize    = 1024
	engineVersionAuto = "auto"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "validate" {
		os.Exit(runValidateCommand(os.Args[2:]))
	}
	if len(os.Args) == 2 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		printVersion()
		os.Exit(ExitSuccess)
	}
	os.Exit(runExecuteCommand(os.Args[1:]))
}

func printVersion() {
	fmt.Printf("gxo-runner version %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built: %s\n", buildDate)
	fmt.Printf("go version: %s\n", runtime.Version())
	fmt.Printf("os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func runValidateCommand(args []string) int {
	validateFlags := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := validateFlags.String("config", "", "Path to the run file to validate (required)")
	logLevel := validateFlags.String("log-level", DefaultLogLevel, "Log level for validation output (debug, info, warn, error)")
	validateFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s validate -config <path> [flags...]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Validates a run file against the run file schema.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		validateFlags.PrintDefaults()
	}
	if err := validateFlags.Parse(args); err != nil {
		return ExitUsageError
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -config flag is required for validation")
		validateFlags.Usage()
		return ExitUsageError
	}

	log := logger.New(*logLevel, "text", os.Stderr)
	log.Infof("Validating run file: %s", *configPath)
	if _, err := config.LoadRunConfigFromFile(*configPath); err != nil {
		var validationErr *runerrors.ValidationError
		if errors.As(err, &validationErr) {
			log.Errorf("Run file validation failed:\n%s", validationErr.Error())
		} else {
			log.Errorf("Failed to load run file: %v", err)
		}
		return ExitFailure
	}
	log.Infof("Run file validation successful: %s", *configPath)
	return ExitSuccess
}

type cliOptions struct {
	configPath     string
	privateDataDir string
	ident          string
	inventory      string
	playbook       string
	profiling      bool
	backend        string
	baseGroup      string
	pollInterval   float64
	engineVersion  string
	follow         bool
	eventsOut      string
	timeout        time.Duration
	logLevel       string
	logFormat      string
	logFile        string
	metricsFile    string
}

func runExecuteCommand(args []string) int {
	var o cliOptions
	execFlags := flag.NewFlagSet("gxo-runner", flag.ContinueOnError)
	execFlags.StringVar(&o.configPath, "config", "", "Path to a YAML run file; flags below override it")
	execFlags.StringVar(&o.privateDataDir, "private-data-dir", "", "Private data directory of the run")
	execFlags.StringVar(&o.ident, "ident", "", "Run identifier (default: random UUID)")
	execFlags.StringVar(&o.inventory, "inventory", "", "Inventory path or inline inventory content")
	execFlags.StringVar(&o.playbook, "playbook", "", "Playbook file relative to <private-data-dir>/project")
	execFlags.BoolVar(&o.profiling, "resource-profiling", false, "Collect cpu, memory and pids samples for the run")
	execFlags.StringVar(&o.backend, "profiling-backend", "", "Profiling backend (cgroup, proctree)")
	execFlags.StringVar(&o.baseGroup, "profiling-base-group", "", "Parent group of the run's confinement group")
	execFlags.Float64Var(&o.pollInterval, "profiling-poll-interval", 0, "Poll interval in seconds for every metric kind")
	execFlags.StringVar(&o.engineVersion, "engine-version", "", "Engine version for compatibility flags, or 'auto' to probe it")
	execFlags.BoolVar(&o.follow, "follow", false, "Print events to stdout as JSON lines while the run is live")
	execFlags.StringVar(&o.eventsOut, "events-out", "", "Write all events as one JSON document to this path")
	execFlags.DurationVar(&o.timeout, "timeout", 0, "Cancel the run after this duration (0 disables)")
	execFlags.StringVar(&o.logLevel, "log-level", DefaultLogLevel, "Log level (debug, info, warn, error)")
	execFlags.StringVar(&o.logFormat, "log-format", DefaultLogFmt, "Log format (text, json)")
	execFlags.StringVar(&o.logFile, "log-file", "", "Write logs to this size-rotated file instead of stderr")
	execFlags.StringVar(&o.metricsFile, "metrics-file", "", "Write Prometheus metrics in text format to this path on exit")
	versionFlag := execFlags.Bool("version", false, "Print version information and exit")

	execFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags...] [-- engine command...]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Runs an automation engine and captures its event stream.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		execFlags.PrintDefaults()
	}
	if err := execFlags.Parse(args); err != nil {
		return ExitUsageError
	}
	if *versionFlag {
		printVersion()
		return ExitSuccess
	}
	if o.logFormat != "text" && o.logFormat != "json" {
		fmt.Fprintln(os.Stderr, "Error: -log-format must be 'text' or 'json'")
		return ExitUsageError
	}
	if o.configPath == "" && o.privateDataDir == "" {
		fmt.Fprintln(os.Stderr, "Error: -private-data-dir or -config is required")
		execFlags.Usage()
		return ExitUsageError
	}

	var logWriter io.Writer = os.Stderr
	if o.logFile != "" {
		lf := logger.RotatingFile(o.logFile, 50, 3)
		defer lf.Close()
		logWriter = lf
	}
	log := logger.New(o.logLevel, o.logFormat, logWriter).With("runner_version", version)
	log.Infof("gxo-runner v%s starting...", version)

	cfg, err := buildRunConfig(o, execFlags.Args())
	if err != nil {
		log.Errorf("Invalid run configuration: %v", err)
		return ExitUsageError
	}

	ctx := context.Background()
	if o.engineVersion != "" {
		if err := applyEngineVersion(ctx, log, &cfg, o.engineVersion); err != nil {
			log.Errorf("Cannot determine engine compatibility: %v", err)
			return ExitFailure
		}
	}

	bus := lifecycle.NewChannelBus(DefaultBusSize, log)
	metricsProvider := metrics.NewProcessRegistryProvider()
	listener, err := lifecycle.NewMetricsListener(bus, metricsProvider.Registry(), log)
	if err != nil {
		log.Errorf("Failed to register lifecycle metrics: %v", err)
		return ExitFailure
	}
	var listenerWG sync.WaitGroup
	listenerWG.Add(1)
	go func() {
		defer listenerWG.Done()
		listener.Start(context.Background())
	}()

	tracerProvider := tracing.NewProviderFromEnv(ctx, log)
	ctrl, err := runner.NewController(log,
		runnerv1.WithLifecycleBus(bus),
		runnerv1.WithMetricsRegistryProvider(metricsProvider),
		runnerv1.WithTracerProvider(tracerProvider),
	)
	if err != nil {
		log.Errorf("Failed to create run controller: %v", err)
		return ExitFailure
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if o.timeout > 0 {
		runCtx, cancelRun = context.WithTimeout(runCtx, o.timeout)
		defer cancelRun()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var receivedSignal os.Signal
	var sigMu sync.Mutex
	var sigWG sync.WaitGroup
	sigWG.Add(1)
	go func() {
		defer sigWG.Done()
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Terminating the run...", sig)
			sigMu.Lock()
			receivedSignal = sig
			sigMu.Unlock()
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	handle, err := ctrl.Start(runCtx, cfg)
	if err != nil {
		cancelRun()
		sigWG.Wait()
		log.Errorf("Failed to start run: %v", err)
		return ExitFailure
	}
	log.Infof("Run '%s' started", handle.Ident())

	if o.follow {
		followEvents(handle.Events(), os.Stdout, log)
	}
	result, runErr := handle.Wait()
	cancelRun()
	sigWG.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Error shutting down tracer provider: %v", err)
	}

	bus.Close()
	listenerWG.Wait()
	if o.metricsFile != "" {
		if err := metricsProvider.WriteTextfile(o.metricsFile); err != nil {
			log.Warnf("Failed to write metrics file '%s': %v", o.metricsFile, err)
		}
	}
	if o.eventsOut != "" && result != nil {
		if err := writeEvents(o.eventsOut, result.Events); err != nil {
			log.Errorf("Failed to write events to '%s': %v", o.eventsOut, err)
		}
	}

	printRunSummary(log, result, runErr)

	sigMu.Lock()
	finalSignal := receivedSignal
	sigMu.Unlock()
	return determineExitCode(result, runErr, finalSignal, log)
}

// buildRunConfig merges the run file, if any, with flags and trailing args.
func buildRunConfig(o cliOptions, engineArgs []string) (runnerv1.RunConfig, error) {
	var cfg runnerv1.RunConfig
	if o.configPath != "" {
		loaded, err := config.LoadRunConfigFromFile(o.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = *loaded
	}
	if o.privateDataDir != "" {
		if cfg.Profiling.OutputDir == filepath.Join(cfg.PrivateDataDir, runnerv1.ProfilingDirName) {
			cfg.Profiling.OutputDir = ""
		}
		cfg.PrivateDataDir = o.privateDataDir
	}
	if cfg.PrivateDataDir != "" {
		abs, err := filepath.Abs(cfg.PrivateDataDir)
		if err != nil {
			return cfg, err
		}
		cfg.PrivateDataDir = abs
	}
	if o.ident != "" {
		cfg.Ident = o.ident
	}
	if o.inventory != "" {
		cfg.Inventory = o.inventory
	}
	if o.playbook != "" {
		cfg.PlaybookName = o.playbook
	}
	if len(engineArgs) > 0 {
		cfg.Command = engineArgs
	}
	if o.profiling {
		cfg.Profiling.Enabled = true
	}
	if o.backend != "" {
		cfg.Profiling.Backend = o.backend
	}
	if o.baseGroup != "" {
		cfg.Profiling.BaseGroup = o.baseGroup
	}
	if o.pollInterval > 0 {
		cfg.Profiling.CPUPollInterval = o.pollInterval
		cfg.Profiling.MemoryPollInterval = o.pollInterval
		cfg.Profiling.PIDPollInterval = o.pollInterval
	}
	cfg.ApplyDefaults()
	return cfg, config.Validate(&cfg)
}

func applyEngineVersion(ctx context.Context, log runlog.Logger, cfg *runnerv1.RunConfig, v string) error {
	var compat runnerv1.Compat
	if v == engineVersionAuto {
		engine := runnerv1.DefaultEngineCommand
		if len(cfg.Command) > 0 {
			engine = cfg.Command[0]
		}
		detected, detectedVersion, err := runner.DetectCompat(ctx, command.NewRunner(), engine)
		if err != nil {
			return err
		}
		log.Infof("Detected engine version %s", detectedVersion)
		compat = detected
	} else {
		parsed, err := config.CompatForEngineVersion(v)
		if err != nil {
			return err
		}
		compat = parsed
	}
	cfg.Compat.RunnerOnStart = cfg.Compat.RunnerOnStart || compat.RunnerOnStart
	cfg.Compat.StatsSummaryFields = cfg.Compat.StatsSummaryFields || compat.StatsSummaryFields
	return nil
}

// followEvents prints events as they are stored until the run ends.
func followEvents(events runnerv1.EventStream, w io.Writer, log runlog.Logger) {
	enc := json.NewEncoder(w)
	for ev := range events.Follow(context.Background()) {
		if err := enc.Encode(ev); err != nil {
			log.Warnf("Failed to print event %s: %v", ev.UUID(), err)
		}
	}
}

func writeEvents(path string, events runnerv1.EventStream) error {
	data, err := events.MarshalJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func printRunSummary(log runlog.Logger, result *runnerv1.Result, runErr error) {
	if result == nil {
		log.Warnf("Run finished without a result (likely due to early failure).")
		if runErr != nil {
			logRunErrorReason(log, runErr)
		}
		return
	}

	line := fmt.Sprintf("Run '%s' finished. Status: %s. Exit code: %d. Duration: %v. Events: %d",
		result.Ident, result.Status, result.ExitCode, result.Duration.Truncate(time.Millisecond), result.Events.Len())
	if result.Status == runnerv1.StatusSuccessful {
		log.Infof("%s", line)
	} else {
		log.Errorf("%s", line)
		if runErr != nil {
			logRunErrorReason(log, runErr)
		}
		if result.Stderr != "" {
			log.Debugf("Engine stderr tail:\n%s", result.Stderr)
		}
	}
	if result.ProfilingErr != nil {
		log.Warnf("Resource profiling was not performed: %v", result.ProfilingErr)
	} else if result.Config.GroupPath != "" {
		log.Infof("Profiling data written to '%s'", result.Config.Profiling.OutputDir)
	}
}

func logRunErrorReason(log runlog.Logger, runErr error) {
	switch {
	case errors.Is(runErr, context.Canceled):
		log.Warnf("Run Reason: Cancelled.")
	case errors.Is(runErr, context.DeadlineExceeded):
		log.Errorf("Run Reason: Timeout.")
	default:
		log.Errorf("Run Error: %v", runErr)
	}
}

func determineExitCode(result *runnerv1.Result, runErr error, sig os.Signal, log runlog.Logger) int {
	if runErr != nil && errors.Is(runErr, context.Canceled) && sig != nil {
		switch sig {
		case syscall.SIGINT:
			log.Warnf("Run interrupted by signal: SIGINT")
			return ExitSigInt
		case syscall.SIGTERM:
			log.Warnf("Run terminated by signal: SIGTERM")
			return ExitSigTerm
		default:
			log.Warnf("Run terminated by signal: %v", sig)
			return ExitFailure
		}
	}
	if runErr != nil && errors.Is(runErr, context.DeadlineExceeded) {
		log.Errorf("Run timed out.")
		return ExitTimeout
	}
	if result == nil || result.ExitCode < 0 {
		return ExitFailure
	}
	if runErr != nil && result.ExitCode == 0 {
		return ExitFailure
	}
	return result.ExitCode
}
