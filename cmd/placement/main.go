package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/engplace/placement/internal/audio"
	"github.com/engplace/placement/internal/cache"
	"github.com/engplace/placement/internal/generator"
	"github.com/engplace/placement/internal/handler"
	"github.com/engplace/placement/internal/jobs"
	"github.com/engplace/placement/internal/placement"
	"github.com/engplace/placement/internal/provider"
	"github.com/engplace/placement/internal/questions"
	"github.com/engplace/placement/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "placement",
		Short: "Adaptive English placement testing service",
	}

	serve := serveCmd()
	root.AddCommand(serve)

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the placement HTTP server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "placement.db", "SQLite database path")
	f.StringP("questions", "q", "questions", "Base directory of leveled question files")
	f.String("ai-url", "", "OpenAI-compatible API base URL (empty = api.openai.com)")
	f.String("ai-key", "", "API key for the generation provider")
	f.String("ai-model", "gpt-4o-mini", "Chat model used for test generation")
	f.String("tts-model", "tts-1", "Speech model used for listening/speaking audio")
	f.String("audio-dir", "audio", "Directory for synthesized audio files")
	f.Bool("tts", true, "Synthesize audio for listening and speaking questions")
	f.Duration("generation-deadline", generator.DefaultDeadline, "Synchronous wait before generation falls back to a background job")
	f.Duration("generation-lock-ttl", generator.DefaultLockTTL, "TTL of the in-flight generation lock (must exceed the deadline)")
	f.Duration("result-ttl", generator.DefaultResultTTL, "TTL of cached generated tests")
	f.Int("workers", 2, "Background generation workers")
	f.Duration("session-max-age", jobs.DefaultMaxSessionAge, "Age after which unfinished sessions are swept")
	f.Duration("sweep-interval", jobs.DefaultSweepInterval, "How often the maintenance sweep runs")
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

	v.SetEnvPrefix("PLACEMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("placement")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/placement")
	v.AddConfigPath("/etc/placement")
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

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	cs := cache.NewMemory(v.GetDuration("result-ttl"))

	aiURL := v.GetString("ai-url")
	aiKey := v.GetString("ai-key")
	aiClient := provider.New(aiURL, aiKey, v.GetString("ai-model"), cs)
	if err := aiClient.Ping(context.Background()); err != nil {
		return fmt.Errorf("generation API health check: %w", err)
	}
	slog.Info("generation API OK", "url", aiURL, "model", v.GetString("ai-model"))

	var speech generator.Speech
	if v.GetBool("tts") {
		speech = audio.New(aiURL, aiKey, v.GetString("tts-model"), v.GetString("audio-dir"))
	}

	queue := jobs.NewQueue(v.GetInt("workers"), 64)
	defer queue.Stop()

	coordinator, err := generator.New(db, cs, aiClient, speech, queue, generator.Config{
		Deadline:  v.GetDuration("generation-deadline"),
		LockTTL:   v.GetDuration("generation-lock-ttl"),
		ResultTTL: v.GetDuration("result-ttl"),
	})
	if err != nil {
		return fmt.Errorf("create generation coordinator: %w", err)
	}

	maintenance, err := jobs.NewMaintenance(db, cs,
		v.GetDuration("session-max-age"), v.GetDuration("sweep-interval"))
	if err != nil {
		return fmt.Errorf("create maintenance sweeper: %w", err)
	}
	maintenance.Start()
	defer maintenance.Stop()

	svc := placement.NewService(db, questions.NewLoader(v.GetString("questions")))
	h := handler.New(db, svc, coordinator)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"db", v.GetString("db"),
		"questions", v.GetString("questions"),
		"ai_model", v.GetString("ai-model"),
		"tts", v.GetBool("tts"),
		"generation_deadline", v.GetDuration("generation-deadline"),
		"workers", v.GetInt("workers"),
	)
	return http.ListenAndServe(addr, r)
}
