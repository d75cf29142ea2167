package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/takuphilchan/offgrid-edge/internal/config"
	"github.com/takuphilchan/offgrid-edge/internal/inference"
	"github.com/takuphilchan/offgrid-edge/internal/logging"
	"github.com/takuphilchan/offgrid-edge/internal/output"
	"github.com/takuphilchan/offgrid-edge/internal/platform"
	"github.com/takuphilchan/offgrid-edge/internal/resource"
	"github.com/takuphilchan/offgrid-edge/internal/stats"
	"github.com/takuphilchan/offgrid-edge/internal/telemetry"
)

const (
	rootShortDesc = "Run local LLM generations on edge devices"
	rootLongDesc  = `offgrid-edge loads a GGUF model in-process and runs generation sessions
on it, one at a time. Starting a new session cancels the one in flight.

Configuration is read from --config, then the default config locations,
then OFFGRID_* environment variables. Flags override all of them.`
)

// rootCommander holds state shared by every subcommand.
type rootCommander struct {
	configPath string
	modelPath  string
	libPath    string
	mock       bool
	logLevel   string
	jsonLogs   bool
	jsonOut    bool
	noColor    bool
	otlp       string
	historyDB  string
	ctxSize    int
	threads    int

	cfg *config.Config
	log *logging.Logger
	out *output.Printer
}

// NewRootCmd builds the offgrid-edge command tree.
func NewRootCmd() *cobra.Command {
	cmder := &rootCommander{}

	cmd := &cobra.Command{
		Use:           "offgrid-edge",
		Short:         rootShortDesc,
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.setup(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&cmder.configPath, "config", "c", "", "Path to a YAML or JSON config file")
	flags.StringVarP(&cmder.modelPath, "model", "m", "", "Path to the GGUF model")
	flags.StringVar(&cmder.libPath, "lib", "", "Directory holding the llama.cpp shared libraries")
	flags.BoolVar(&cmder.mock, "mock", false, "Use the built-in mock backend")
	flags.StringVar(&cmder.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&cmder.jsonLogs, "json-logs", false, "Write logs as JSON")
	flags.BoolVar(&cmder.jsonOut, "json", false, "Print command results as JSON")
	flags.BoolVar(&cmder.noColor, "no-color", false, "Disable colored output")
	flags.StringVar(&cmder.otlp, "otlp", "", "OTLP/gRPC collector endpoint for session traces")
	flags.StringVar(&cmder.historyDB, "history-db", "", "Session history database (\":memory:\" for none on disk)")
	flags.IntVar(&cmder.ctxSize, "ctx", 0, "Context size in tokens")
	flags.IntVarP(&cmder.threads, "threads", "t", 0, "Decode threads")

	cmd.AddCommand(newGenerateCmd(cmder, false))
	cmd.AddCommand(newGenerateCmd(cmder, true))
	cmd.AddCommand(newInfoCmd(cmder))
	cmd.AddCommand(newSysinfoCmd(cmder))
	cmd.AddCommand(newHistoryCmd(cmder))
	cmd.AddCommand(newTemplatesCmd(cmder))

	return cmd
}

// setup loads configuration and applies flag overrides.
func (c *rootCommander) setup(cmd *cobra.Command) error {
	cfg, err := config.LoadWithPriority(c.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.ModelPath = c.modelPath
	}
	if flags.Changed("lib") {
		cfg.LibPath = c.libPath
	}
	if flags.Changed("mock") {
		cfg.UseMockEngine = c.mock
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = c.logLevel
	}
	if flags.Changed("json-logs") {
		cfg.LogJSON = c.jsonLogs
	}
	if flags.Changed("otlp") {
		cfg.OTLPEndpoint = c.otlp
	}
	if flags.Changed("history-db") {
		cfg.HistoryDB = c.historyDB
	}
	if flags.Changed("ctx") {
		cfg.ContextSize = c.ctxSize
	}
	if flags.Changed("threads") {
		cfg.NumThreads = c.threads
	}
	if cfg.UseMockEngine && cfg.ModelPath == "" {
		cfg.ModelPath = "mock.gguf"
	}
	if !cfg.UseMockEngine {
		cfg.ModelPath = platform.ResolveModelPath(cfg.ModelPath)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg

	logOut, err := c.logWriter(cmd)
	if err != nil {
		return err
	}
	c.log = logging.New(logOut).SetLevelFromString(cfg.LogLevel).SetJSON(cfg.LogJSON)
	logging.Default().SetLevelFromString(cfg.LogLevel).SetJSON(cfg.LogJSON)

	c.out = output.New(cmd.OutOrStdout(), c.jsonOut, !c.noColor && !c.jsonOut)
	return nil
}

func (c *rootCommander) logWriter(cmd *cobra.Command) (io.Writer, error) {
	if c.cfg.LogFile == "" {
		return cmd.ErrOrStderr(), nil
	}
	f, err := os.OpenFile(c.cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

// runtime is an initialised engine plus everything that must be torn down
// with it.
type runtime struct {
	engine  *inference.Engine
	tracker *stats.Tracker
	last    *lastSession
	history *stats.HistoryStore
	backend inference.Backend
	tracing *telemetry.Tracing
}

// openEngine builds the backend, recorders and tracing, then loads the
// configured model.
func (c *rootCommander) openEngine(ctx context.Context) (*runtime, error) {
	rt := &runtime{tracker: stats.NewTracker(), last: &lastSession{}}

	tracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:       "offgrid-edge",
		CollectorEndpoint: c.cfg.OTLPEndpoint,
	})
	if err != nil {
		return nil, err
	}
	rt.tracing = tracing

	opts := []inference.Option{
		inference.WithLogger(c.log),
		inference.WithTracer(tracing.Tracer()),
		inference.WithRecorder(rt.tracker),
		inference.WithRecorder(rt.last),
		inference.WithStreamDepth(c.cfg.StreamDepth),
		inference.WithSendWindow(c.cfg.SendWindow()),
	}
	if c.cfg.HistoryDB != "" {
		history, err := stats.NewHistoryStore(c.cfg.HistoryDB)
		if err != nil {
			c.log.Warn("session history disabled", map[string]any{"error": err})
		} else {
			rt.history = history
			opts = append(opts, inference.WithRecorder(history))
		}
	}

	if c.cfg.UseMockEngine {
		rt.backend = inference.NewMockBackend()
	} else {
		if err := c.preflight(); err != nil {
			rt.close(c.log)
			return nil, err
		}
		rt.backend = inference.NewLlamaBackend(c.cfg.LibPath)
	}
	rt.engine = inference.NewEngine(rt.backend, opts...)

	if err := rt.engine.Initialize(c.cfg.ModelConfig()); err != nil {
		rt.close(c.log)
		return nil, err
	}
	return rt, nil
}

// preflight refuses to load a model that cannot fit in memory. With mmap
// enabled a shortfall is only logged.
func (c *rootCommander) preflight() error {
	if c.cfg.ModelPath == "" {
		return nil
	}
	avail, err := resource.AvailableMemoryMB()
	if err != nil {
		c.log.Debug("skipping memory check", map[string]any{"error": err})
		return nil
	}
	fit, err := resource.CheckModelFits(c.cfg.ModelPath, c.cfg.ContextSize, avail)
	if err != nil {
		// Loading reports a missing model with a better error.
		return nil
	}
	if fit.OK {
		return nil
	}
	if c.cfg.UseMmap {
		c.log.Warn("model may not fit in memory", map[string]any{
			"required_mb":  fit.RequiredMB,
			"available_mb": fit.AvailableMB,
		})
		return nil
	}
	return fmt.Errorf("%s (enable use_mmap or pick a smaller model)", fit.Reason)
}

func (rt *runtime) close(log *logging.Logger) {
	if rt.engine != nil {
		if err := rt.engine.Close(); err != nil {
			log.Warn("closing engine", map[string]any{"error": err})
		}
	}
	if rt.backend != nil {
		inference.ShutdownBackend(rt.backend)
	}
	if rt.history != nil {
		if err := rt.history.Close(); err != nil {
			log.Warn("closing history", map[string]any{"error": err})
		}
	}
	if rt.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.tracing.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("flushing traces", map[string]any{"error": err})
		}
	}
}

// lastSession keeps the metrics of the most recent session.
type lastSession struct {
	mu sync.Mutex
	m  inference.GenerationMetrics
	ok bool
}

func (l *lastSession) RecordSession(m inference.GenerationMetrics) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m, l.ok = m, true
}

func (l *lastSession) get() (inference.GenerationMetrics, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m, l.ok
}
