package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/examgen/internal/exam"
	"github.com/pavelanni/examgen/internal/handler"
	appI18n "github.com/pavelanni/examgen/internal/i18n"
	"github.com/pavelanni/examgen/internal/llm"
	"github.com/pavelanni/examgen/internal/llm/prompts"
	"github.com/pavelanni/examgen/internal/metrics"
	"github.com/pavelanni/examgen/internal/model"
	"github.com/pavelanni/examgen/internal/pubsub"
	"github.com/pavelanni/examgen/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "examgen",
		Short: "Exam item generator with a content-addressed cache and live streaming",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), statsCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `examgen --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP exam generation server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "examgen.db", "SQLite database path")
	f.String("llm-provider", "openai", "LLM provider (openai, gemini)")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for the OpenAI-compatible LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.Bool("llm-json-schema", false, "Request schema-constrained output (OpenAI structured outputs)")
	f.String("gemini-key", "", "Gemini API key")
	f.String("gemini-model", "gemini-2.5-flash", "Gemini model name")
	f.StringP("lang", "l", "en", "Language of client-visible messages (en, vi)")
	f.String("content-lang", "English", "Language items are written in")
	f.String("subject", "english", "Subject used when a request names none")
	f.String("prompts-dir", "", "Directory with templates/item.tmpl and templates/selector.tmpl overriding the built-in prompts")
	f.Int("max-items", 50, "Maximum question_count per exam")
	f.Int("max-retries", 2, "Extra generation rounds when an exam is short")
	f.Int("max-concurrency", 5, "Concurrent generator calls per exam")
	f.Duration("generate-timeout", 90*time.Second, "Timeout of one generator call")
	f.Duration("heartbeat", pubsub.DefaultIdle, "Idle period before a stream heartbeat")
	f.Duration("exam-ttl", 24*time.Hour, "Drop finished exams from memory after this age (0 keeps them)")
	f.Int("workers", 4, "Background job workers")
	f.Int("queue", 64, "Background job queue size")
	f.Bool("media", false, "Render images and audio for media kinds (openai provider only)")
	f.String("media-dir", "media", "Directory for rendered audio files")
	f.String("image-model", "dall-e-3", "Image generation model")
	f.String("tts-model", "tts-1", "Speech synthesis model")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the item cache as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "examgen.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print cached item counts per kind",
		RunE:  runStats,
	}
	f := cmd.Flags()
	f.String("db", "examgen.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
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

	v.SetEnvPrefix("EXAMGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("examgen")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/examgen")
	v.AddConfigPath("/etc/examgen")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	var promptFS fs.FS = prompts.Templates
	if dir := v.GetString("prompts-dir"); dir != "" {
		promptFS = os.DirFS(dir)
	}
	if err := prompts.Load(promptFS); err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}

	completer, media, err := newCompleter(ctx, v)
	if err != nil {
		return err
	}

	cfg := model.Config{
		MaxItems:        v.GetInt("max-items"),
		MaxRetries:      v.GetInt("max-retries"),
		MaxConcurrency:  v.GetInt("max-concurrency"),
		GenerateTimeout: v.GetDuration("generate-timeout"),
		Heartbeat:       v.GetDuration("heartbeat"),
		DefaultSubject:  strings.ToLower(v.GetString("subject")),
	}

	m := metrics.New()
	broker := pubsub.NewBroker()
	broker.OnChange = func(subject string, n int) {
		slog.Debug("stream subscribers changed", "exam_id", subject, "subscribers", n)
	}

	generators := lo.MapValues(
		llm.Generators(completer, media, v.GetString("content-lang")),
		func(g *llm.Generator, _ model.Kind) exam.ItemGenerator { return g },
	)
	selector := &exam.CachedSelector{Next: llm.NewSelector(completer), Cache: db}

	exec := exam.NewExecutor(v.GetInt("workers"), v.GetInt("queue"))
	orch := exam.New(db, selector, generators, broker, exec, m, cfg)

	mediaDir := ""
	if media != nil {
		mediaDir = media.Dir()
	}
	h := handler.New(orch, broker, m, cfg, mediaDir)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	if ttl := v.GetDuration("exam-ttl"); ttl > 0 {
		go pruneExams(ctx, orch.Registry(), ttl)
	}

	addr := v.GetString("addr")
	srv := handler.NewServer(addr, r)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"provider", v.GetString("llm-provider"),
			"lang", lang,
			"subject", cfg.DefaultSubject,
			"max_items", cfg.MaxItems,
			"max_retries", cfg.MaxRetries,
			"max_concurrency", cfg.MaxConcurrency,
			"media", media != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelHTTP()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	jobsCtx, cancelJobs := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelJobs()
	if err := exec.Shutdown(jobsCtx); err != nil {
		slog.Warn("background jobs cancelled", "error", err)
	}
	return nil
}

// pruneExams drops finished exams older than ttl until ctx is done.
func pruneExams(ctx context.Context, reg *exam.Registry, ttl time.Duration) {
	interval := max(ttl/4, time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := reg.Prune(now.Add(-ttl)); n > 0 {
				slog.Info("pruned finished exams", "count", n, "remaining", reg.Len())
			}
		}
	}
}

// newCompleter builds the configured LLM backend. Media rendering is only
// available with the OpenAI-compatible provider.
func newCompleter(ctx context.Context, v *viper.Viper) (llm.Completer, *llm.Media, error) {
	switch provider := strings.ToLower(v.GetString("llm-provider")); provider {
	case "gemini":
		g, err := llm.NewGemini(ctx, v.GetString("gemini-key"), v.GetString("gemini-model"))
		if err != nil {
			return nil, nil, fmt.Errorf("create gemini client: %w", err)
		}
		if v.GetBool("media") {
			slog.Warn("media rendering needs the openai provider, disabling")
		}
		slog.Info("LLM configured", "provider", provider, "model", v.GetString("gemini-model"))
		return g, nil, nil
	case "openai", "":
		c := llm.New(
			v.GetString("llm-url"),
			v.GetString("llm-key"),
			v.GetString("llm-model"),
			v.GetBool("llm-json-schema"),
		)
		slog.Info("LLM configured", "provider", "openai", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
		if !v.GetBool("media") {
			return c, nil, nil
		}
		media, err := llm.NewMedia(c, v.GetString("media-dir"), v.GetString("image-model"), v.GetString("tts-model"))
		if err != nil {
			return nil, nil, err
		}
		return c, media, nil
	default:
		return nil, nil, fmt.Errorf("unknown llm-provider %q", provider)
	}
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportItems(cmd.Context())
	if err != nil {
		return fmt.Errorf("export items: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	w, closeFn, err := openOutput(v.GetString("output"))
	if err != nil {
		return err
	}
	defer closeFn()

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)

	slog.Info("exported item cache", "fingerprints", export.Fingerprints, "items", export.Items)
	return nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	counts, err := db.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("item stats: %w", err)
	}

	out := cmd.OutOrStdout()
	total := 0
	for _, c := range counts {
		fmt.Fprintf(out, "%-22s %d\n", c.Kind, c.Count)
		total += c.Count
	}
	fmt.Fprintf(out, "%-22s %d\n", "total", total)
	return nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output file: %w", err)
	}
	return f, func() { f.Close() }, nil
}
