// Package main provides the taskgate binary entry point.
// Taskgate is the review coordination service for hand-graded training
// tasks: trainers submit, reviewers gate, and an agentic rule council
// checks the work at the preflight and final checkpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	// Register LLM providers via init()
	_ "github.com/c360studio/taskgate/llm/providers"

	"github.com/spf13/cobra"

	"github.com/c360studio/taskgate/agentic"
	"github.com/c360studio/taskgate/agentic/council"
	"github.com/c360studio/taskgate/config"
	"github.com/c360studio/taskgate/events"
	"github.com/c360studio/taskgate/llm"
	"github.com/c360studio/taskgate/notify"
	"github.com/c360studio/taskgate/review"
	"github.com/c360studio/taskgate/roles"
	"github.com/c360studio/taskgate/server"
	"github.com/c360studio/taskgate/session"
	"github.com/c360studio/taskgate/store"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "taskgate"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "taskgate",
		Short: "Task review coordination service",
		Long: `Taskgate coordinates the human review loop for hand-graded
training tasks.

It provides:
- A trainer/reviewer state machine with CAS-guarded transitions
- Role-scoped review queues, notifications, and audit trails
- An agentic rule engine with an LLM judge council at the
  preflight and final checkpoints
- Live session event streams and presence over SSE

All state lives in Redis; the service itself is stateless.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel string) error {
	printBanner()

	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, resolvedPath, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Connect to Redis
	st := store.NewClient(cfg.Redis, cfg.Resilience, logger)
	defer st.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = st.Ping(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}

	// Core storage and coordination
	repo := session.NewRepository(st, cfg.Session.TTL(), logger)
	idem := session.NewIdempotency(st, cfg.Idempotency.TTL())
	audit := notify.NewAudit(st, cfg.Session.TTL(), logger)
	notifier := notify.NewNotifier(st, cfg.Notifications.Cap, cfg.Notifications.TTL(), logger)
	stream := events.NewStream(st, cfg.Session.TTL(), logger)
	presence := events.NewPresence(st, cfg.Presence.TTL(), logger)

	directory := roles.NewStaticDirectory(directoryUsers(cfg.Roles))

	machine := review.NewMachine(repo, audit, notifier, stream, directory, cfg.TaskIdentity, cfg.Review.MaxRounds, logger)

	// Agentic checkpoint stack
	llmClient := llm.NewClient(cfg.LLM, llm.WithLogger(logger))
	judges := council.New(llmClient, cfg.Agentic.Council, logger)
	engine := agentic.NewEngine(cfg.Agentic.Rules, agentic.NewHandlers(judges), logger)

	srv := server.New(server.Deps{
		Config:    cfg,
		Repo:      repo,
		Idem:      idem,
		Machine:   machine,
		Engine:    engine,
		Stream:    stream,
		Presence:  presence,
		Notifier:  notifier,
		Audit:     audit,
		Directory: directory,
		Logger:    logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// Hot-reload the rule set on config file changes
	if resolvedPath != "" {
		watcher := config.NewWatcher(resolvedPath, logger, func(ac config.AgenticConfig) {
			engine.SetRules(ac.Rules)
		})
		go func() {
			if err := watcher.Run(signalCtx); err != nil {
				logger.Warn("Config watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Taskgate listening",
			slog.String("addr", cfg.HTTP.Listen),
			slog.String("version", Version),
			slog.Int("rules", len(cfg.Agentic.Rules)),
			slog.Int("judges", len(cfg.Agentic.Council.Models)))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-signalCtx.Done():
		logger.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("Taskgate shutdown complete")
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║             Taskgate v" + Version + "                    ║")
	fmt.Println("║      Task Review Coordination Service         ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}

// loadConfig resolves the configuration. An explicit path wins; without
// one the loader walks TASKGATE_CONFIG, the working directory, and its
// parents, then applies environment overrides.
func loadConfig(path string, logger *slog.Logger) (*config.Config, string, error) {
	if path == "" {
		loader := config.NewLoader(logger)
		cfg, err := loader.Load()
		return cfg, loader.ConfigPath(), err
	}

	fileCfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, "", err
	}
	if err := fileCfg.Validate(); err != nil {
		return nil, "", err
	}
	return fileCfg, path, nil
}

func directoryUsers(rc config.RolesConfig) []roles.User {
	users := make([]roles.User, len(rc.Users))
	for i, u := range rc.Users {
		users[i] = roles.User{Email: u.Email, Role: u.Role, Pods: u.Pods}
	}
	return users
}
