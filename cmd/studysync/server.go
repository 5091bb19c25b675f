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

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/studysync/internal/api"
	"github.com/kalambet/studysync/internal/config"
	"github.com/kalambet/studysync/internal/engine"
	"github.com/kalambet/studysync/internal/logging"
)

const shutdownTimeout = 10 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sync daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running sync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		study, _ := cmd.Flags().GetString("study")
		return showStatus(cmd.Context(), study)
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
	statusCmd.Flags().String("study", "", "study id (defaults to the participant's first study)")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "studysync.pid")
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
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logs, err := logging.Setup(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File, Console: os.Stderr})
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer logs.Close()
	slog.Info("starting studysync", "version", version, "data_dir", cfg.Storage.DataDir)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("studysync is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("studysync is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.Open(ctx, engine.OptionsFromConfig(cfg, version))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := eng.Shutdown(shutdownCtx); err != nil {
			slog.Warn("engine shutdown", "error", err)
		}
	}()

	deps := api.Deps{
		Adherence:   eng.Adherence,
		Participant: eng.Participant,
		Studies:     eng,
		Schedules:   eng.Timeline,
		Resources:   eng.Cache,
		Token:       apiToken,
	}
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		err := config.Watch(gctx, config.FilePath(), func() { reloadConfig(logs) })
		if err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
		return nil
	})
	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps, version))
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	err = g.Wait()
	slog.Info("shutting down")
	return err
}

// reloadConfig applies settings that can change without a restart.
func reloadConfig(logs *logging.Logging) {
	cfg, err := config.Load()
	if err != nil {
		slog.Warn("reloading config", "error", err)
		return
	}
	if err := logs.SetLevel(cfg.Log.Level); err != nil {
		slog.Warn("reloading log level", "error", err)
		return
	}
	slog.Info("config reloaded", "log_level", logs.Level())
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
		printError("studysync is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop studysync (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to studysync (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context, study string) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)

	st, err := fetchStatus(ctx, client, study)
	if err != nil {
		return err
	}
	printSyncStatus(st)
	printStatus("Bridge", "%s (app %s)", cfg.Bridge.BaseURL, cfg.Bridge.AppID)
	printStatus("Sync interval", "%s", cfg.Sync.IntervalDuration())
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func fetchStatus(ctx context.Context, client *apiClient, study string) (api.StatusResponse, error) {
	var st api.StatusResponse
	resp, err := client.get(ctx, "/status"+studyQuery(study))
	if err != nil {
		return st, err
	}
	err = decodeJSON(resp, &st)
	return st, err
}

func printSyncStatus(st api.StatusResponse) {
	if !st.SignedIn {
		printStatus("Participant", "signed out")
	} else {
		printStatus("Participant", "%s", st.Participant)
		printStatus("Studies", "%s", strings.Join(st.Studies, ", "))
	}
	if st.Study != "" {
		printStatus("Pending adherence", "%d (study %s)", st.PendingAdherence, st.Study)
		printStatus("Completed sessions", "%d", st.CompletedAdherence)
	}
	printStatus("Unsent resources", "%d", st.DirtyResources)
}
