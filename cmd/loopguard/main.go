// Loopguard decides whether a completed agent loop attempt is accepted
// or re-executed.
//
// It exposes an HTTP API for loop lifecycle events, an optional MQTT
// publisher (and completion intake) for Home Assistant, and a CLI that
// drives the same guardrails against the local database. Configuration
// is loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	loopguard serve                   Start the API server
//	loopguard init [dir]              Write an example config
//	loopguard begin [loop_id]         Start a new loop family
//	loopguard review <loop_id> <file> Store reviewer output for a loop
//	loopguard complete <loop_id>      Process a completion event
//	loopguard show <loop_id>          Print a loop trace
//	loopguard reasoning <loop_id>     Print a loop's audit records
//	loopguard family <id>             Print a family and its traces
//	loopguard report <family_id>      Render a family's reasoning report
//	loopguard bias                    Print cross-family bias counts
//	loopguard version                 Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/loopguard/internal/api"
	"github.com/nugget/loopguard/internal/buildinfo"
	"github.com/nugget/loopguard/internal/config"
	"github.com/nugget/loopguard/internal/connwatch"
	"github.com/nugget/loopguard/internal/events"
	"github.com/nugget/loopguard/internal/guardrails"
	"github.com/nugget/loopguard/internal/looptrace"
	"github.com/nugget/loopguard/internal/mqtt"
	"github.com/nugget/loopguard/internal/reasoning"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs from serve go to stdout;
// the data commands print their results to stdout and log to stderr.
//
// Arguments are parsed by hand. The flag package relies on
// package-level globals, which keeps run from being called
// concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "begin", "review", "complete", "show", "reasoning", "family", "report", "bias":
		return runData(ctx, stdout, stderr, configPath, outputFmt, command, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return printJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Loopguard - Loop Rerun Guardrails")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: loopguard [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                    Start the API server")
	fmt.Fprintln(w, "  init [dir]               Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  begin [loop_id]          Start a loop family (-persona, -max-reruns)")
	fmt.Fprintln(w, "  review <loop_id> <file>  Store reviewer output read from a JSON file")
	fmt.Fprintln(w, "  complete <loop_id>       Process a completion (-review, -status, -persona,")
	fmt.Fprintln(w, "                           -override-fatigue, -override-max-reruns, -override-by)")
	fmt.Fprintln(w, "  show <loop_id>           Print a loop trace")
	fmt.Fprintln(w, "  reasoning <loop_id>      Print the audit records for a loop")
	fmt.Fprintln(w, "  family <id>              Print a family and all of its traces")
	fmt.Fprintln(w, "  report <family_id>       Render the reasoning report (-html)")
	fmt.Fprintln(w, "  bias                     Print cross-family bias counts")
	fmt.Fprintln(w, "  version                  Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/loopguard/config.yaml, /etc/loopguard/config.yaml")
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting loopguard", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath, logger)
	if err != nil {
		return err
	}

	// Everything after this point uses the configured level and format.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"data_dir", cfg.DataDir,
	)

	bus := events.New()
	a, err := openApp(cfg, bus, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.guard, a.audit, a.traces, logger)
	server.SetEventBus(bus)

	if cfg.Metrics.Enabled {
		server.SetMetricsHandler(cfg.Metrics.Path, metricsHandler(bus))
		logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	// --- MQTT publisher ---
	// Optional: publishes HA discovery and decision sensors, and can
	// accept completion events on a command topic.
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, mqtt.NewDailyDecisions(nil), mqttStatsAdapter{}, bus, logger)
		if cfg.MQTT.AcceptCompletions {
			mqttPub.SetCompletionHandler(a.guard.ProcessCompletion, cfg.MQTT.RateLimit)
		}

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
			"accept_completions", cfg.MQTT.AcceptCompletions,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	// --- Dependency health ---
	// The database is critical: without it no decision can commit.
	connMgr := connwatch.NewManager(logger)
	connMgr.Watch(gctx, connwatch.WatcherConfig{
		Name:     "database",
		Probe:    a.db.PingContext,
		Critical: true,
		Backoff:  connwatch.DefaultBackoffConfig(),
	})
	if mqttPub != nil {
		connMgr.Watch(gctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
		})
	}
	server.SetHealthReporter(connMgr)

	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	if mqttPub != nil {
		g.Go(func() error {
			// The API keeps serving without MQTT.
			if err := mqttPub.Start(gctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("loopguard stopped")
	return nil
}

// metricsHandler serves the default Prometheus registry, where the
// guardrail metrics live, plus collectors bound to this process's bus.
func metricsHandler(bus *events.Bus) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "loopguard_events_dropped_total",
			Help: "Events dropped because a subscriber's buffer was full.",
		}, func() float64 { return float64(bus.Dropped()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "loopguard_event_subscribers",
			Help: "Current event bus subscribers.",
		}, func() float64 { return float64(bus.SubscriberCount()) }),
	)
	return promhttp.HandlerFor(prometheus.Gatherers{prometheus.DefaultGatherer, reg}, promhttp.HandlerOpts{})
}

// runData runs one of the commands that read or drive the guardrails
// against the local database.
func runData(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, command string, args []string) error {
	cfg, _, err := loadConfig(configPath, newLogger(stderr, slog.LevelWarn, "text"))
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stderr, max(level, slog.LevelWarn), cfg.LogFormat)

	a, err := openApp(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	switch command {
	case "begin":
		return runBegin(ctx, stdout, a, outputFmt, args)
	case "review":
		return runReview(ctx, stdout, a, outputFmt, args)
	case "complete":
		return runComplete(ctx, stdout, a, outputFmt, args)
	case "show":
		if len(args) != 1 {
			return fmt.Errorf("usage: loopguard show <loop_id>")
		}
		t, err := a.guard.Trace(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(stdout, t)
	case "reasoning":
		if len(args) != 1 {
			return fmt.Errorf("usage: loopguard reasoning <loop_id>")
		}
		records, err := a.audit.ForLoop(ctx, args[0])
		if err != nil {
			return err
		}
		if outputFmt == "json" {
			return printJSON(stdout, records)
		}
		for _, r := range records {
			fmt.Fprintf(stdout, "%s  %-8s %-24s %s\n", r.CreatedAt.UTC().Format(time.RFC3339), r.Decision, r.Reason, r.Detail)
		}
		return nil
	case "family":
		if len(args) != 1 {
			return fmt.Errorf("usage: loopguard family <id>")
		}
		view, err := a.guard.Family(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(stdout, view)
	case "report":
		return runReport(ctx, stdout, a, args)
	default: // bias
		counts, err := a.traces.GlobalBias(ctx)
		if err != nil {
			return err
		}
		if outputFmt == "json" {
			return printJSON(stdout, counts)
		}
		for _, tag := range slices.Sorted(maps.Keys(counts)) {
			fmt.Fprintf(stdout, "%-24s %d\n", tag, counts[tag])
		}
		return nil
	}
}

func runBegin(ctx context.Context, w io.Writer, a *app, outputFmt string, args []string) error {
	var opts guardrails.BeginOptions
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-persona" && i+1 < len(args):
			opts.Persona = args[i+1]
			i++
		case args[i] == "-max-reruns" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n < 0 {
				return fmt.Errorf("invalid -max-reruns %q", args[i+1])
			}
			opts.MaxReruns = n
			i++
		case !strings.HasPrefix(args[i], "-") && opts.LoopID == "":
			opts.LoopID = args[i]
		default:
			return fmt.Errorf("usage: loopguard begin [loop_id] [-persona name] [-max-reruns n]")
		}
	}

	root, err := a.guard.BeginLoop(ctx, opts)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return printJSON(w, root)
	}
	fmt.Fprintln(w, root.LoopID)
	return nil
}

func runReview(ctx context.Context, w io.Writer, a *app, outputFmt string, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: loopguard review <loop_id> <review.json>")
	}
	r, err := readReview(args[1])
	if err != nil {
		return err
	}
	stored, err := a.guard.SubmitReview(ctx, args[0], *r)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return printJSON(w, stored)
	}
	fmt.Fprintf(w, "review stored for %s (alignment %.2f, drift %.2f)\n", args[0], stored.AlignmentScore, stored.DriftScore)
	return nil
}

func runComplete(ctx context.Context, w io.Writer, a *app, outputFmt string, args []string) error {
	c := guardrails.Completion{ReflectionStatus: guardrails.StatusDone}
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-status" && i+1 < len(args):
			c.ReflectionStatus = args[i+1]
			i++
		case args[i] == "-persona" && i+1 < len(args):
			c.Persona = args[i+1]
			i++
		case args[i] == "-review" && i+1 < len(args):
			r, err := readReview(args[i+1])
			if err != nil {
				return err
			}
			c.Review = r
			i++
		case args[i] == "-override-by" && i+1 < len(args):
			c.OverrideBy = args[i+1]
			i++
		case args[i] == "-override-fatigue":
			c.OverrideFatigue = true
		case args[i] == "-override-max-reruns":
			c.OverrideMaxReruns = true
		case !strings.HasPrefix(args[i], "-") && c.LoopID == "":
			c.LoopID = args[i]
		default:
			return fmt.Errorf("unknown complete argument: %s", args[i])
		}
	}
	if c.LoopID == "" {
		return fmt.Errorf("usage: loopguard complete <loop_id> [flags]")
	}

	res, err := a.guard.ProcessCompletion(ctx, c)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return printJSON(w, res)
	}

	d := res.Decision
	fmt.Fprintf(w, "%s: %s (%s)\n", res.LoopID, d.Decision, d.Reason)
	if d.Detail != "" {
		fmt.Fprintf(w, "  %s\n", d.Detail)
	}
	if res.NewLoopID != "" {
		fmt.Fprintf(w, "  next attempt: %s\n", res.NewLoopID)
	}
	fmt.Fprintf(w, "  fatigue %.4f, reruns %d/%d\n", res.Fatigue.ReflectionFatigue, res.Limit.RerunCount, res.Limit.MaxReruns)
	return nil
}

func runReport(ctx context.Context, w io.Writer, a *app, args []string) error {
	var familyID string
	var html bool
	for _, arg := range args {
		switch {
		case arg == "-html":
			html = true
		case !strings.HasPrefix(arg, "-") && familyID == "":
			familyID = arg
		default:
			return fmt.Errorf("usage: loopguard report <family_id> [-html]")
		}
	}
	if familyID == "" {
		return fmt.Errorf("usage: loopguard report <family_id> [-html]")
	}

	view, err := a.guard.Family(ctx, familyID)
	if err != nil {
		return err
	}
	records, err := a.audit.ForFamily(ctx, view.Family.FamilyID)
	if err != nil {
		return err
	}

	md := reasoning.Report(view.Family, view.Traces, records)
	if !html {
		_, err = io.WriteString(w, md)
		return err
	}
	out, err := reasoning.ReportHTML(md)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}

func readReview(path string) (*looptrace.Review, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read review: %w", err)
	}
	var r looptrace.Review
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse review %s: %w", path, err)
	}
	return &r, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Any format other than "json" produces text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses, and validates the YAML configuration.
// Guardrail values that fail validation fall back to defaults and are
// reported through logger.
func loadConfig(explicit string, logger *slog.Logger) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	warnings, err := cfg.Validate()
	if err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	for _, w := range warnings {
		logger.Warn("config", "path", cfgPath, "problem", w)
	}

	return cfg, cfgPath, nil
}

// mqttStatsAdapter bridges build info to the MQTT publisher's
// [mqtt.StatsSource] interface.
type mqttStatsAdapter struct{}

func (mqttStatsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (mqttStatsAdapter) Version() string       { return buildinfo.Version }
