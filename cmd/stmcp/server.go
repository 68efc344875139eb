package main

import (
	"context"
	"encoding/json"
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

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/pianzhu/smartthings-mcp/internal/agent"
	"github.com/pianzhu/smartthings-mcp/internal/api"
	"github.com/pianzhu/smartthings-mcp/internal/batch"
	"github.com/pianzhu/smartthings-mcp/internal/config"
	"github.com/pianzhu/smartthings-mcp/internal/fallback"
	"github.com/pianzhu/smartthings-mcp/internal/hub"
	"github.com/pianzhu/smartthings-mcp/internal/intent"
	"github.com/pianzhu/smartthings-mcp/internal/smartthings"
	"github.com/pianzhu/smartthings-mcp/internal/storage"
	"github.com/pianzhu/smartthings-mcp/internal/sweep"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP over stdio and the HTTP API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stdio, _ := cmd.Flags().GetBool("stdio")
		return runServer(stdio)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stmcp status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("stdio", true, "serve MCP on stdin/stdout; the process exits when the client disconnects")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "stmcp.pid")
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

// errorRecorder persists handled failures into the storage error log.
type errorRecorder struct {
	store *storage.Store
}

func (r errorRecorder) RecordError(rec fallback.Record) error {
	ctxJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("marshalling error context: %w", err)
	}
	return r.store.RecordError(storage.ErrorEntry{
		CreatedAt:   rec.Timestamp,
		Kind:        string(rec.Kind),
		Message:     rec.Message,
		Operation:   rec.Context.Operation,
		OperationID: rec.Context.OperationID,
		DeviceID:    rec.Context.DeviceID,
		ContextJSON: string(ctxJSON),
	})
}

// loadMapper reads the mapping file when one is configured and falls back
// to the embedded table otherwise.
func loadMapper(path string) (*intent.Mapper, error) {
	if path == "" {
		return intent.NewMapper(), nil
	}
	m, err := intent.LoadMapperFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading intent mapping %s: %w", path, err)
	}
	return m, nil
}

// stack is the wired set of long-lived components behind serve.
type stack struct {
	sessions *agent.Manager
	batch    *batch.Executor
	handler  *fallback.Handler
}

func buildStack(cfg config.Config, registry hub.Registry, store *storage.Store) (*stack, error) {
	mapper, err := loadMapper(cfg.Intent.MappingFile)
	if err != nil {
		return nil, err
	}

	var recorder fallback.Recorder
	var journal agent.Journal
	if store != nil {
		recorder = errorRecorder{store: store}
		journal = store
	}
	handler := fallback.NewHandler(fallback.Options{
		HistoryLimit: cfg.Errors.HistoryLimit,
		Recorder:     recorder,
	})
	retry := fallback.Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
	}

	sessions := agent.NewManager(agent.Options{
		Registry:       registry,
		Planner:        intent.NewPlanner(intent.Options{SearchLimit: cfg.Search.Limit}),
		Mapper:         mapper,
		Handler:        handler,
		Journal:        journal,
		Retry:          retry,
		StatusTTL:      cfg.Context.StatusTTL,
		EvictAfterTurn: cfg.Context.EvictAfterTurn,
		EvictThreshold: cfg.Context.EvictThreshold,
	})
	executor := batch.NewExecutor(registry, batch.Options{
		Concurrency: cfg.Batch.Concurrency,
		Handler:     handler,
		Retry:       &retry,
	})
	return &stack{sessions: sessions, batch: executor, handler: handler}, nil
}

func runServer(stdio bool) error {
	fmt.Fprintf(os.Stderr, "stmcp version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if !stdio && !cfg.Server.HTTP {
		return errors.New("nothing to serve: both --stdio and server.http are disabled")
	}

	// Stdout belongs to the MCP transport; logs go to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})))

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if cfg.Server.HTTP {
		healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
		healthClient := &http.Client{Timeout: 2 * time.Second}
		if resp, err := healthClient.Get(healthURL); err == nil {
			resp.Body.Close()
			if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
				printWarning("stmcp is already running (PID %d)", pid)
				return fmt.Errorf("server already running (PID %d)", pid)
			}
			printWarning("stmcp is already running on port %d", cfg.Server.Port)
			return fmt.Errorf("server already running on port %d", cfg.Server.Port)
		}
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

	registry := smartthings.New(smartthings.Options{
		BaseURL:    cfg.Hub.BaseURL,
		Token:      cfg.Hub.Token,
		LocationID: cfg.Hub.LocationID,
		RateLimit:  cfg.Hub.RateLimit,
		Timeout:    cfg.Hub.Timeout,
	})

	st, err := buildStack(cfg, registry, store)
	if err != nil {
		return err
	}

	worker := sweep.NewWorker(st.sessions, store, sweep.Options{
		Idle:      cfg.Context.IdleTimeout,
		Retention: cfg.Journal.Retention,
	})
	go worker.Run(ctx)

	errCh := make(chan error, 2)

	var srv *http.Server
	if cfg.Server.HTTP {
		apiToken, err := config.GetAPIToken(config.NewKeychain())
		if err != nil {
			return fmt.Errorf("initializing API token: %w", err)
		}
		addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
		srv = &http.Server{
			Addr: addr,
			Handler: api.NewAppHandler(api.AppDeps{
				Sessions: st.sessions,
				Batch:    st.batch,
				Journal:  store,
				Token:    apiToken,
			}),
			BaseContext: func(_ net.Listener) context.Context {
				return ctx
			},
		}
		go func() {
			slog.Info("HTTP API listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	stdioDone := make(chan struct{})
	if stdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Sessions:    st.sessions,
			Batch:       st.batch,
			Journal:     store,
			SearchLimit: cfg.Search.Limit,
			Version:     version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			defer close(stdioDone)
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("mcp stdio server: %w", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	var runErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case <-stdioDone:
		slog.Info("MCP client disconnected")
	case runErr = <-errCh:
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	if err := config.Validate(cfg); err != nil {
		printStatus("Config", "%s", colorize(colorYellow, "incomplete"))
		for _, line := range strings.Split(err.Error(), "\n") {
			printWarning("%s", line)
		}
	} else {
		printStatus("Config", "ok")
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}
	running := false
	if resp, err := client.Get(serverURL + "/health"); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}
	if pid, err := readPIDFile(pidFilePath(cfg.Storage.DataDir)); err == nil {
		printStatus("PID", "%d", pid)
	}

	if running {
		if c, err := newAPIClient(); err == nil {
			if resp, err := c.get(ctx, "/v1/journal?limit=100"); err == nil {
				var entries []json.RawMessage
				if decodeJSON(resp, &entries) == nil {
					printStatus("Journal", "%s recent commands", countLabel(len(entries), 100))
				}
			}
		}
	}

	printStatus("Hub", "%s", cfg.Hub.BaseURL)
	if cfg.Hub.LocationID != "" {
		printStatus("Location", "%s", cfg.Hub.LocationID)
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Config file", "%s", config.ConfigFilePath())
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return strconv.Itoa(count)
}
