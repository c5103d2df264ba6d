package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/remindd/internal/api"
	"github.com/kalambet/remindd/internal/config"
	"github.com/kalambet/remindd/internal/dispatch"
	"github.com/kalambet/remindd/internal/engine"
	"github.com/kalambet/remindd/internal/event"
	"github.com/kalambet/remindd/internal/gmail"
	"github.com/kalambet/remindd/internal/guard"
	"github.com/kalambet/remindd/internal/scanner"
	"github.com/kalambet/remindd/internal/storage"
	"github.com/kalambet/remindd/internal/telegram"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the remindd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running remindd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show remindd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "remindd.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "remindd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Ensure API token exists in platform secret store.
	apiToken, err := config.GetAPIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("remindd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("remindd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the reconciliation pipeline.
	list := guard.Allowlist{
		Owner:   cfg.Auth.Owner,
		Admins:  guard.ParseList(cfg.Auth.Admins),
		Senders: guard.ParseList(cfg.Auth.AllowedSenders),
	}
	grd := guard.New(list, store)
	eng := engine.New(store, engine.Config{
		MaxRetries:    cfg.Engine.MaxRetries,
		DefaultOwner:  cfg.Auth.Owner,
		DefaultChatID: int64(cfg.Telegram.ChatID),
	})
	pipe := engine.NewPipeline(grd, eng)
	norm := event.NewNormalizer()

	// Effect executors.
	tgClient := telegram.New(cfg.Telegram.BotToken)
	gmClient := gmail.New(cfg.Gmail.User, &http.Client{Timeout: 15 * time.Second})
	disp := dispatch.New(store, tgClient, gmClient, 500*time.Millisecond)

	scanInterval, err := time.ParseDuration(cfg.Scan.Interval)
	if err != nil {
		slog.Warn("invalid scan interval, using default 30s", "value", cfg.Scan.Interval, "error", err)
		scanInterval = 30 * time.Second
	}
	sc := scanner.New(store, pipe, scanInterval)

	handler := api.NewHandler(api.Deps{
		Store:          store,
		Pipeline:       pipe,
		Normalizer:     norm,
		Token:          apiToken,
		TelegramSecret: cfg.Telegram.WebhookSecret,
		Owner:          cfg.Auth.Owner,
		Scan:           sc.RunOnce,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:      store,
		Pipeline:   pipe,
		Normalizer: norm,
		Owner:      cfg.Auth.Owner,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	workers := cfg.Dispatch.Workers
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "remindd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			disp.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		sc.Run(gctx)
		return nil
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("remindd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop remindd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to remindd (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Owner", "%s", cfg.Auth.Owner)
	printStatus("Scan interval", "%s", cfg.Scan.Interval)

	// Show reminder counts per status if the server is running.
	if running {
		if apiCl, err := newAPIClient(); err == nil {
			for _, s := range []struct{ label, status string }{
				{"Scheduled", storage.StatusScheduled},
				{"Fired", storage.StatusFired},
			} {
				resp, err := apiCl.get(ctx, fmt.Sprintf("/reminders?status=%s&limit=100", s.status))
				if err != nil {
					continue
				}
				var reminders []map[string]any
				if decodeJSON(resp, &reminders) == nil {
					printStatus(s.label, "%s", countLabel(len(reminders), 100))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
