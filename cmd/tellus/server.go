package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kalambet/tellus/internal/activity"
	"github.com/kalambet/tellus/internal/api"
	"github.com/kalambet/tellus/internal/classify"
	"github.com/kalambet/tellus/internal/config"
	"github.com/kalambet/tellus/internal/distill"
	"github.com/kalambet/tellus/internal/engine"
	"github.com/kalambet/tellus/internal/gateway"
	"github.com/kalambet/tellus/internal/interactions"
	"github.com/kalambet/tellus/internal/knowledge"
	"github.com/kalambet/tellus/internal/pipeline"
	"github.com/kalambet/tellus/internal/proxy"
	"github.com/kalambet/tellus/internal/registry"
	"github.com/kalambet/tellus/internal/routing"
	"github.com/kalambet/tellus/internal/service"
	"github.com/kalambet/tellus/internal/storage"
	"github.com/kalambet/tellus/internal/telemetry"
	"github.com/kalambet/tellus/internal/tokens"
)

const shutdownTimeout = 5 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the tellus server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		noMCP, _ := cmd.Flags().GetBool("no-mcp")
		return runServer(!noMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running tellus server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

func init() {
	startCmd.Flags().Bool("no-mcp", false, "do not serve MCP on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "tellus.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// localModels lists the Ollama models the daemon needs installed.
func localModels(cfg config.Config, domains []classify.Domain) []string {
	models := []string{cfg.Ollama.BaseModel, cfg.Routing.FallbackModel}
	for _, d := range domains {
		models = append(models, d.TeacherModels...)
	}
	return models
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "tellus version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	if cfg.Telemetry.Enabled {
		shutdownTracer, err := telemetry.InitTracer(telemetry.ServiceName, logger)
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdownTracer(ctx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	apiToken := cfg.Server.APIToken
	if apiToken == "" {
		apiToken, err = ensureToken(cfg.Storage.DataDir, uuid.NewString)
		if err != nil {
			return fmt.Errorf("initializing API token: %w", err)
		}
	}
	logger.Info("API bearer token available", "path", tokenPath(cfg.Storage.DataDir))

	// Refuse to start twice: a healthy server on the port wins.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("tellus is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("tellus is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	domains := cfg.DomainTable()

	var local engine.Engine
	if cfg.Ollama.Enabled {
		ollamaEngine := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
		if err := engine.EnsureReady(ctx, ollamaEngine, localModels(cfg, domains), os.Stderr); err != nil {
			return err
		}
		local = ollamaEngine
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	proxyClient := proxy.NewClientWithBaseURL(cfg.Proxy.OpenRouterAPIKey, cfg.Proxy.BaseURL)
	var cloud gateway.CloudCompleter
	if proxyClient.Configured() {
		cloud = proxyClient
	} else {
		printWarning("no OpenRouter API key: cloud teachers and /v1/chat/completions are disabled")
	}
	gw := gateway.NewMulti(local, cloud, cfg.Distill.TeacherTimeout, logger)

	models := registry.New(store, gateway.NewSpecialistExecutor(gw, cfg.Ollama.BaseModel), logger)
	if err := models.Load(ctx); err != nil {
		return fmt.Errorf("loading model registry: %w", err)
	}
	defer func() {
		if err := models.Flush(); err != nil {
			logger.Warn("flushing model registry failed", "error", err)
		}
	}()

	monitor := activity.NewMonitor()
	router := routing.New(classify.New(domains, cfg.Indicators()), cfg.Routing.FallbackModel, logger)
	history := interactions.NewLog(store, interactions.MaxRecords)
	know := knowledge.NewStore(store, logger)

	pl := pipeline.New(pipeline.Config{
		IdleThreshold: cfg.Distill.IdleThreshold,
		Throttle:      cfg.Distill.Throttle,
		SnippetLimit:  cfg.Distill.SnippetLimit,
	}, pipeline.Deps{
		Activity:     monitor,
		KV:           store,
		Teacher:      gw,
		Knowledge:    know,
		Interactions: history,
		Registry:     models,
		Tokens:       tokens.NewCounter(),
		Domains:      domains,
		Logger:       logger.With("component", "pipeline"),
	})
	svc := service.New(monitor, router, history, models, pl, logger)

	if cfg.Distill.Enabled {
		sched := distill.NewScheduler(monitor, history, models, pl, domains,
			cfg.Distill.IdleThreshold, cfg.Distill.PollInterval, logger.With("component", "scheduler"))
		// Registered after the storage and registry defers, so the scheduler
		// has returned before they run.
		defer runInBackground(ctx, sched.Run)()
	} else {
		logger.Info("background distillation disabled")
	}

	handler := api.NewHandler(api.Deps{
		Service:   svc,
		Knowledge: know,
		Proxy:     proxyClient,
		Token:     apiToken,
		Logger:    logger,
	})
	if cfg.Telemetry.Enabled {
		handler = otelhttp.NewHandler(handler, "tellus.http")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Service: svc, Knowledge: know, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "tellus listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runInBackground starts run in a goroutine. The returned func cancels it and
// blocks until run has returned.
func runInBackground(ctx context.Context, run func(context.Context)) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("tellus is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop tellus (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to tellus (PID %d)", pid)
	return nil
}
