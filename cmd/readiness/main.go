package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/readiness/internal/handler"
	appI18n "github.com/pavelanni/readiness/internal/i18n"
	"github.com/pavelanni/readiness/internal/llm"
	"github.com/pavelanni/readiness/internal/llm/prompts"
	"github.com/pavelanni/readiness/internal/metrics"
	"github.com/pavelanni/readiness/internal/model"
	"github.com/pavelanni/readiness/internal/pipeline"
	"github.com/pavelanni/readiness/internal/questionbank"
	"github.com/pavelanni/readiness/internal/scoring"
	"github.com/pavelanni/readiness/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "readiness",
		Short: "AI capability self-assessment server and client",
	}

	serve := serveCmd()
	root.AddCommand(serve, assessCmd(), scoreCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `readiness --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addLogFlags(cmd *cobra.Command) {
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the diagnosis HTTP server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "readiness.db", "SQLite database path")
	f.StringP("questions", "q", "", "Path to a question catalog JSON file (default: built-in catalog)")
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty disables LLM reports)")
	f.String("llm-key", "", "API key for LLM")
	f.String("llm-model", "gpt-4o-mini", "LLM model name")
	f.String("prompt-variant", string(prompts.PromptExecutive), "Report prompt variant (executive, detailed)")
	f.StringP("lang", "l", "en", "Default language (en, ru)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /assessment)")
	f.Duration("stream-limit", handler.DefaultStreamLimit, "Maximum lifetime of one progress stream")
	f.Duration("progress-every", handler.DefaultProgressEvery, "Interval between progress heartbeats")
	f.Duration("pipeline-timeout", pipeline.DefaultTimeout, "Deadline for processing one diagnosis")
	f.Duration("retain", time.Hour, "How long finished runs stay available to progress streams")
	f.Int("rate-limit", 10, "Submissions per client IP per rate window (0 disables)")
	f.Duration("rate-window", time.Hour, "Rate limit window")
	f.String("admin-password", "", "Password of the lead export user (or set READINESS_ADMIN_PASSWORD); empty disables /admin")
	addLogFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored leads as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "readiness.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("READINESS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("readiness")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/readiness")
	v.AddConfigPath("/etc/readiness")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// loadBank returns the catalog at path, or the built-in one when path is empty.
func loadBank(path string) (*questionbank.Bank, error) {
	if path == "" {
		return questionbank.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	bank, err := questionbank.Load(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return bank, nil
}

// loadBenchmarks applies the optional "benchmarks" config section on top of
// the shipped tables.
func loadBenchmarks(v *viper.Viper) (*scoring.Benchmarks, error) {
	bm := scoring.DefaultBenchmarks()
	if !v.IsSet("benchmarks") {
		return bm, nil
	}
	if v.IsSet("benchmarks.curve") {
		bm.Curve = nil
	}
	if err := v.UnmarshalKey("benchmarks", bm); err != nil {
		return nil, fmt.Errorf("decode benchmarks: %w", err)
	}
	if err := bm.Validate(); err != nil {
		return nil, err
	}
	slog.Info("loaded benchmark tables from config", "industries", len(bm.Industries), "curve_points", len(bm.Curve))
	return bm, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	bank, err := loadBank(v.GetString("questions"))
	if err != nil {
		return fmt.Errorf("load questions: %w", err)
	}
	bench, err := loadBenchmarks(v)
	if err != nil {
		return err
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	var reports pipeline.ReportGenerator
	if url := v.GetString("llm-url"); url != "" {
		variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
		if !prompts.IsValidVariant(variant) {
			slog.Warn("invalid prompt-variant, using executive", "variant", variant)
			variant = string(prompts.PromptExecutive)
		}
		reports = llm.New(url, v.GetString("llm-key"), v.GetString("llm-model"), variant, bank)
		slog.Info("LLM reports enabled", "url", url, "model", v.GetString("llm-model"), "variant", variant)
	} else {
		slog.Info("no LLM configured, using fallback reports")
	}

	var adminHash []byte
	if pw := v.GetString("admin-password"); pw != "" {
		adminHash, err = bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash admin password: %w", err)
		}
	}

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	cfg := model.ServerConfig{
		BasePath:        basePath,
		StreamLimit:     v.GetDuration("stream-limit"),
		ProgressEvery:   v.GetDuration("progress-every"),
		PipelineTimeout: v.GetDuration("pipeline-timeout"),
		RateLimit:       v.GetInt("rate-limit"),
		RateWindow:      v.GetDuration("rate-window"),
		AdminHash:       adminHash,
	}
	hub := pipeline.NewHub()
	runner := &pipeline.Runner{
		Store:   db,
		Bank:    bank,
		Reports: reports,
		Mailer:  pipeline.LogMailer{},
		Hub:     hub,
		Timeout: cfg.PipelineTimeout,
		Metrics: m,
	}
	h := handler.New(db, bank, bench, runner, m, cfg)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(m.Middleware)
	r.Use(appI18n.Middleware(lang))

	if basePath != "" {
		r.Route(basePath, func(sub chi.Router) {
			sub.Use(h.BasePathMiddleware)
			h.Routes(sub)
		})
	} else {
		r.Use(h.BasePathMiddleware)
		h.Routes(r)
	}
	r.Method(http.MethodGet, "/metrics", m.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retain := v.GetDuration("retain")
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := hub.Prune(retain); n > 0 {
					slog.Debug("pruned finished runs", "count", n)
				}
			}
		}
	}()

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("starting server",
		"addr", addr,
		"lang", lang,
		"base_path", basePath,
		"questions", bank.Len(),
		"llm", reports != nil,
		"admin", adminHash != nil,
		"rate_limit", cfg.RateLimit,
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown", "error", err)
	}
	runner.Wait()
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportLeads()
	if err != nil {
		return fmt.Errorf("export leads: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	return writeOutput(v.GetString("output"), data)
}

func writeOutput(outPath string, data []byte) error {
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}
