package main

import (
	"context"
	"errors"
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
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pavelanni/studyaide/internal/catalog"
	"github.com/pavelanni/studyaide/internal/examparse"
	"github.com/pavelanni/studyaide/internal/handler"
	appI18n "github.com/pavelanni/studyaide/internal/i18n"
	"github.com/pavelanni/studyaide/internal/llm"
	"github.com/pavelanni/studyaide/internal/llm/prompts"
	"github.com/pavelanni/studyaide/internal/metrics"
	"github.com/pavelanni/studyaide/internal/model"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "studyaide",
		Short:        "Practice exam generator and exam catalog server",
		SilenceUsage: true,
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), importCmd(), parseCmd(), hashKeyCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `studyaide --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	addStorageFlags(cmd)
	addParserFlags(cmd)
	f.String("llm-url", "https://api.openai.com/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "", "API key for LLM (or set OPENAI_API_KEY)")
	f.String("llm-model", "gpt-4o-mini", "LLM model name for generation and evaluation")
	f.String("vision-model", "", "LLM model name for image text extraction (defaults to llm-model)")
	f.StringP("lang", "l", "en", "Default language for API messages (en, ru)")
	f.String("prompt-variant", string(prompts.PromptStandard), "Evaluation prompt variant (strict, standard, lenient)")
	f.Bool("verify", true, "Run a verification pass over generated exams")
	f.Int("mc-count", model.DefaultBreakdown.MultipleChoice, "Multiple-choice questions per generated exam")
	f.Int("tf-count", model.DefaultBreakdown.TrueFalse, "True/false questions per generated exam")
	f.Int("written-count", model.DefaultBreakdown.Written, "Written questions per generated exam")
	f.String("api-key-hash", "", "bcrypt hash of the key required on /api (see hash-key); empty disables")
	f.StringSlice("cors-origins", []string{"*"}, "Allowed CORS origins")
	f.Int("rate-limit", 10, "LLM requests per minute per client IP (0 = unlimited)")
	addLogFlags(cmd)
	return cmd
}

func addLogFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	f.String("log-file", "", "Also write logs to this file, rotated")
	f.Int("log-max-size", 100, "Rotate the log file after this many megabytes")
	f.Int("log-max-backups", 5, "Rotated log files to keep")
	f.Int("log-max-age", 30, "Days to keep rotated log files")
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

	var out io.Writer = os.Stderr
	if path := v.GetString("log-file"); path != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    v.GetInt("log-max-size"),
			MaxBackups: v.GetInt("log-max-backups"),
			MaxAge:     v.GetInt("log-max-age"),
			Compress:   true,
		})
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(out, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(out, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("STUDYAIDE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("studyaide")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/studyaide")
	v.AddConfigPath("/etc/studyaide")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	backend, err := openBackend(v)
	if err != nil {
		return err
	}
	defer backend.Close()

	parser, err := parserOptions(v)
	if err != nil {
		return err
	}

	m := metrics.New()
	cat := catalog.New(backend, catalog.WithParser(parser))
	unsubscribe := cat.Subscribe(m.ObserveCatalog)
	defer unsubscribe()

	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.PromptStandard)
	}
	if err := prompts.Load(); err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}

	apiKey := v.GetString("llm-key")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		slog.Warn("no LLM API key configured; generation, evaluation and image endpoints will fail")
	}
	llmClient := llm.New(v.GetString("llm-url"), apiKey, v.GetString("llm-model"), v.GetString("vision-model"))

	cfg := model.ServerConfig{
		Breakdown: model.Breakdown{
			MultipleChoice: v.GetInt("mc-count"),
			TrueFalse:      v.GetInt("tf-count"),
			Written:        v.GetInt("written-count"),
		},
		Verify:        v.GetBool("verify"),
		PromptVariant: promptVariant,
		APIKeyHash:    v.GetString("api-key-hash"),
		RateLimit:     v.GetInt("rate-limit"),
	}
	h, err := handler.New(cat, llmClient, cfg, handler.WithParser(parser), handler.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: v.GetStringSlice("cors-origins"),
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Accept-Language", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
		MaxAge:         300,
	}))
	r.Use(m.Middleware)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	srv := &http.Server{
		Addr:              v.GetString("addr"),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", srv.Addr,
			"storage", v.GetString("storage"),
			"model", llmClient.Model(),
			"llm_url", v.GetString("llm-url"),
			"lang", lang,
			"breakdown", fmt.Sprintf("%d/%d/%d", cfg.Breakdown.MultipleChoice, cfg.Breakdown.TrueFalse, cfg.Breakdown.Written),
			"verify", cfg.Verify,
			"prompt_variant", cfg.PromptVariant,
			"auth", cfg.APIKeyHash != "",
			"rate_limit", cfg.RateLimit,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

func addParserFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("answer-style", string(examparse.AnswerText), "How choice answers are stored (text, letter)")
	f.Bool("collapse-true-false", true, "Treat questions with two options as multiple-choice")
}

func parserOptions(v *viper.Viper) (examparse.Options, error) {
	o := examparse.DefaultOptions
	style := strings.ToLower(v.GetString("answer-style"))
	if !examparse.IsValidAnswerStyle(style) {
		return o, fmt.Errorf("invalid answer-style %q (want text or letter)", style)
	}
	o.AnswerStyle = examparse.AnswerStyle(style)
	o.CollapseTrueFalse = v.GetBool("collapse-true-false")
	return o, nil
}
