package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/qrpanel/internal/api"
	"github.com/kalambet/qrpanel/internal/config"
	"github.com/kalambet/qrpanel/internal/delivery"
	"github.com/kalambet/qrpanel/internal/delivery/redis"
	qrlog "github.com/kalambet/qrpanel/internal/log"
	"github.com/kalambet/qrpanel/internal/notify"
	"github.com/kalambet/qrpanel/internal/pipeline"
	"github.com/kalambet/qrpanel/internal/present"
	"github.com/kalambet/qrpanel/internal/qr"
	"github.com/kalambet/qrpanel/internal/storage"
)

const (
	notifyPollInterval = 500 * time.Millisecond
	jobRetention       = 24 * time.Hour
	shutdownTimeout    = 5 * time.Second
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the qrpanel daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(stdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running qrpanel daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show qrpanel status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp-stdio", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "qrpanel.pid")
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

// daemon is everything runServer wires together.
type daemon struct {
	store     *storage.Store
	settings  *config.SettingsStore
	hub       *present.Hub
	generator *pipeline.Generator
	worker    *notify.Worker
	publisher *redis.Publisher
	handler   http.Handler
	mcp       *server.MCPServer
}

func (d *daemon) Close() error {
	var errs []error
	if d.publisher != nil {
		errs = append(errs, d.publisher.Close())
	}
	errs = append(errs, d.store.Close())
	return errors.Join(errs...)
}

// buildDaemon wires storage, resolution, delivery and the API surfaces.
func buildDaemon(cfg config.Config, logger *zap.Logger) (*daemon, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	d := &daemon{store: store}

	d.settings = config.OpenSettingsStore(cfg)

	fetcher := qr.NewFetcher(nil, qr.QRCodeEncoder{Size: cfg.Local.Size})
	resolver := qr.NewResolver(fetcher, qr.ResolverOptions{
		Remotes:      qr.DefaultRemotes(cfg.Remote.APINinjasKey),
		LocalEnabled: cfg.Local.Enabled,
		Logger:       logger,
	})

	d.hub = present.NewHub(present.DefaultBuffer)
	presenters := delivery.Fanout{d.hub}

	if cfg.Notify.RedisURL != "" {
		pub, err := redis.New(redis.Config{URL: cfg.Notify.RedisURL, Channel: cfg.Notify.RedisChannel})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("configuring redis notifications: %w", err)
		}
		d.publisher = pub
		d.worker = notify.NewWorker(store, pub, notifyPollInterval, logger)
		presenters = append(presenters, notify.NewOutbox(store, 0))
	}

	sink := delivery.NewSink(store, presenters, logger)
	d.generator = pipeline.NewGenerator(d.settings, resolver, sink, nil, store, logger)

	d.handler = api.NewHandler(api.Deps{
		Generator: d.generator,
		Settings:  d.settings,
		Store:     store,
		Hub:       d.hub,
		Token:     cfg.Server.Token,
		Logger:    logger.Named("api"),
	})
	d.mcp = api.NewMCPServer(api.MCPDeps{
		Generator: d.generator,
		Settings:  d.settings,
		Store:     store,
	})
	return d, nil
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "qrpanel version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := qrlog.New(qrlog.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	defer logger.Sync()

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("qrpanel is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("qrpanel is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := buildDaemon(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Warn("closing daemon", zap.Error(err))
		}
	}()

	if cfg.Server.Token == "" {
		logger.Warn("QRPANEL_SERVER_TOKEN not set, API is unauthenticated on loopback")
	}

	topRouter := chi.NewRouter()
	topRouter.Group(func(r chi.Router) {
		r.Use(api.BearerAuth(cfg.Server.Token))
		r.Handle("/mcp", server.NewStreamableHTTPServer(d.mcp))
	})
	topRouter.Mount("/", d.handler)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: topRouter,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if d.worker != nil {
		if err := d.publisher.Ping(ctx); err != nil {
			logger.Warn("redis not reachable, notifications will be retried", zap.Error(err))
		}
		g.Go(func() error {
			d.worker.Run(gctx)
			return nil
		})
		g.Go(func() error {
			pruneJobs(gctx, d.store, logger)
			return nil
		})
	}

	if mcpStdio {
		stdioSrv := server.NewStdioServer(d.mcp)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", zap.Error(err))
			}
			return nil
		})
		logger.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
}

// pruneJobs drops finished notification jobs once an hour.
func pruneJobs(ctx context.Context, store *storage.Store, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PruneJobs(time.Now().Add(-jobRetention))
			if err != nil {
				logger.Warn("pruning jobs", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("pruned jobs", zap.Int64("count", n))
			}
		}
	}
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
		printError("qrpanel is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop qrpanel (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to qrpanel (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient.Timeout = 2 * time.Second

	resp, err := client.get(ctx, "/health")
	running := err == nil
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			running = false
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.Custom.UseCustomAPI {
		printStatus("Custom endpoint", "%s (%dms)", cfg.Custom.URL, cfg.Custom.TimeoutMs)
	} else {
		printStatus("Custom endpoint", "disabled")
	}
	printStatus("Local encoder", "%t", cfg.Local.Enabled)
	if cfg.Notify.RedisURL != "" {
		printStatus("Redis channel", "%s", cfg.Notify.RedisChannel)
	}

	if running {
		resp, err := client.get(ctx, "/resolutions?limit=100")
		if err == nil {
			var rows []api.ResolutionView
			if decodeJSON(resp, &rows) == nil {
				printStatus("Resolutions", "%s", countLabel(len(rows), 100))
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
