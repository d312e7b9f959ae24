// Command engagecore runs the learning-assistant orchestration core: an ops
// HTTP server (health, readiness, Prometheus metrics) and, with -chat, an
// interactive stdin loop for trying the agents locally.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/engagecore/internal/agent/orchestrator"
	"github.com/MrWong99/engagecore/internal/app"
	"github.com/MrWong99/engagecore/internal/config"
	"github.com/MrWong99/engagecore/internal/health"
	"github.com/MrWong99/engagecore/internal/observe"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	chat := flag.Bool("chat", false, "read messages from stdin and print the orchestrated replies")
	userID := flag.String("user", "local", "user id for -chat; selects contexts.users[<id>]")
	lessonID := flag.String("lesson", "", "lesson id sent as environment context in -chat mode")
	taskID := flag.String("task", "", "task id sent as action context in -chat mode")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "engagecore: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "engagecore: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("engagecore starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "engagecore",
		ServiceVersion: version,
		Registerer:     promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Application ───────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg, cfg.LLM)
	for _, name := range reg.LLMNames() {
		slog.Debug("registered provider", "kind", "llm", "name", name)
	}

	application, err := app.New(ctx, cfg, reg, app.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config, diff config.ConfigDiff) {
		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		application.Reload(ctx, next, diff)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		slog.Debug("config hot reload enabled", "notifications", watcher.Notifying())
	}

	// ── Ops server ────────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(application.Checkers()...).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		slog.Info("ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	// ── Main loop ─────────────────────────────────────────────────────────────
	exit := 0
	if *chat {
		env := orchestrator.MessageContext{}
		if *lessonID != "" {
			env.EnvironmentContext = map[string]any{"lesson_id": *lessonID}
		}
		if *taskID != "" {
			env.ActionContext = map[string]any{"task_id": *taskID}
		}
		chatLoop(ctx, os.Stdin, os.Stdout, application.Orchestrator(), *userID, env)
	} else {
		slog.Info("server ready, press Ctrl+C to shut down")
		select {
		case <-ctx.Done():
		case err := <-srvErr:
			if err != nil {
				slog.Error("ops server failed", "err", err)
				exit = 1
			}
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if watcher != nil {
		watcher.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("ops server shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exit
}

// router is the part of the orchestrator the chat loop needs.
type router interface {
	RouteMessage(ctx context.Context, userMessage, userID string, mc orchestrator.MessageContext) string
}

// chatLoop routes each non-empty input line and prints the reply. It returns
// on EOF or when ctx is cancelled.
func chatLoop(ctx context.Context, in io.Reader, out io.Writer, r router, userID string, mc orchestrator.MessageContext) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintf(out, "chatting as user %q, Ctrl+D to quit\n> ", userID)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if strings.TrimSpace(line) == "" {
				fmt.Fprint(out, "> ")
				continue
			}
			reply := r.RouteMessage(ctx, line, userID, mc)
			fmt.Fprintf(out, "%s\n> ", reply)
		}
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
