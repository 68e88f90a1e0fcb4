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
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/ascmsync/internal/agent"
	"github.com/kalambet/ascmsync/internal/api"
	"github.com/kalambet/ascmsync/internal/config"
	"github.com/kalambet/ascmsync/internal/notify"
	"github.com/kalambet/ascmsync/internal/queue"
	"github.com/kalambet/ascmsync/internal/session"
	"github.com/kalambet/ascmsync/internal/storage"
	"github.com/kalambet/ascmsync/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the ascmsync agent (foreground)",
	Long: `Start the agent: the delivery schedulers, the local HTTP API and, when
stdin is not a terminal or --mcp is given, an MCP server on stdio.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP || !isatty.IsTerminal(os.Stdin.Fd()))
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running ascmsync agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "serve MCP on stdio even when attached to a terminal")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "ascmsync.pid")
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

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "ascmsync version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Stdout carries MCP traffic, so logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	serverToken, err := config.GetServerToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing server token: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("ascmsync is already running (PID %d)", pid)
			return fmt.Errorf("agent already running (PID %d)", pid)
		}
		printWarning("ascmsync is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("agent already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	var metrics *telemetry.Metrics
	if cfg.Metrics.Enabled {
		metrics, err = telemetry.New(version)
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			metrics.Shutdown(shutdownCtx)
		}()
	}

	identity := session.New(cfg.Session.UserID, cfg.Session.Email, cfg.Session.Role)
	a := agent.New(agent.Options{
		Store:            store,
		BaseURL:          cfg.API.BaseURL,
		Token:            cfg.API.Token,
		Identity:         identity,
		GoalsTick:        cfg.GoalsTickInterval(),
		GoalsMaxAttempts: cfg.Queue.GoalsMaxAttempts,
		AvatarsTick:      cfg.AvatarsTickInterval(),
		RatePerSec:       cfg.Transport.RatePerSec,
		Metrics:          metrics,
		Logger:           logger,
	})

	deps := api.AppDeps{
		Goals:   a.Goals,
		Avatars: a.Avatars,
		Queues:  a.Controllers(),
		Token:   serverToken,
		Events:  notify.NewHub(a.Bus, a.Snapshot, nil, logger),
		Logger:  logger,
	}
	if metrics != nil {
		deps.Metrics = metrics.Handler()
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewAppHandler(deps),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Run(gctx)
	})
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "ascmsync listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Goals:   a.Goals,
			Avatars: a.Avatars,
			Queues:  a.Controllers(),
			Version: version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	logger.Info("agent started",
		"api_base", cfg.API.BaseURL,
		"actor", identity.Actor(),
		"data_dir", cfg.Storage.DataDir,
	)
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
		printError("ascmsync is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop ascmsync (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to ascmsync (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	hc := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := hc.Get(serverURL + "/health")
	if err != nil {
		printStatus("Agent", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Agent", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Agent", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Tables API", "%s", cfg.API.BaseURL)
	if identity := session.New(cfg.Session.UserID, cfg.Session.Email, cfg.Session.Role); identity.ID != "" {
		printStatus("Session", "%s (%s)", identity.Actor(), identity.Role)
	} else {
		printStatus("Session", "anonymous")
	}

	if running {
		token, tokenErr := config.GetServerToken(config.NewKeychain())
		if tokenErr == nil {
			c := &apiClient{baseURL: serverURL, token: token, httpClient: hc}
			summaries, err := fetchSummaries(ctx, c)
			if err == nil {
				for _, name := range sortedNames(summaries) {
					printStatus("Queue "+name, "%s", formatSummary(summaries[name]))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func fetchSummaries(ctx context.Context, c *apiClient) (map[string]queue.Summary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := c.get(ctx, "/queues")
	if err != nil {
		return nil, err
	}
	var out map[string]queue.Summary
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
