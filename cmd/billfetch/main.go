package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/billfetch/internal/api"
	"github.com/dgnsrekt/billfetch/internal/browser"
	"github.com/dgnsrekt/billfetch/internal/cdpcontrol"
	"github.com/dgnsrekt/billfetch/internal/config"
	"github.com/dgnsrekt/billfetch/internal/controller"
	"github.com/dgnsrekt/billfetch/internal/dedupe"
	"github.com/dgnsrekt/billfetch/internal/netutil"
	"github.com/dgnsrekt/billfetch/internal/notify"
	"github.com/dgnsrekt/billfetch/internal/orchestrator"
	"github.com/dgnsrekt/billfetch/internal/progress"
	"github.com/dgnsrekt/billfetch/internal/watch"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("billfetch config loaded",
		"bind_addr", cfg.BindAddr,
		"cdp_url", cfg.CDPURL(),
		"tab_url_filter", cfg.TabURLFilter,
		"eval_timeout_ms", cfg.EvalTimeoutMS,
		"dedupe_window_ms", cfg.DedupeWindowMS,
		"pace_ms", cfg.PaceMS,
		"auto_process", cfg.AutoProcess,
		"launch_browser", cfg.LaunchBrowser,
		"ntfy_enabled", cfg.NtfyEndpoint != "",
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to bind controller address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	var launcher *browser.Launcher
	if cfg.LaunchBrowser {
		launcher = browser.NewLauncher(browser.Config{
			Binary:     cfg.BrowserBin,
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			ProfileDir: cfg.ProfileDir,
		})
		if err := launcher.Launch(context.Background()); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	cdpClient := cdpcontrol.NewClient(cfg.CDPURL(), cfg.TabURLFilter, cfg.EvalTimeout())
	if err := cdpClient.Connect(context.Background()); err != nil {
		slog.Error("failed to connect CDP controller", "cdp_url", cfg.CDPURL(), "error", err)
		if launcher != nil {
			launcher.Stop()
		}
		os.Exit(1)
	}
	defer func() {
		if err := cdpClient.Close(); err != nil {
			slog.Debug("CDP client close failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker := progress.NewBroker()
	gate := dedupe.NewGate(cdpClient, dedupe.WithWindow(cfg.DedupeWindow()))
	ntfy := notify.New(cfg.NtfyEndpoint, &http.Client{Timeout: 10 * time.Second})
	orch := orchestrator.New(cdpClient, gate, broker,
		orchestrator.WithPace(cfg.Pace()),
		orchestrator.WithMarkerTTL(cfg.MarkerTTL()),
		orchestrator.WithNotifier(ntfy),
	)
	svc := controller.NewService(ctx, cdpClient, gate, orch, controller.WithHistoryDelay(cfg.HistoryDelay()))

	srv := &http.Server{
		Handler:           api.NewServer(svc, progress.SSEHandler(broker)),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("billfetch listening", "addr", ln.Addr().String(), "docs", "http://"+ln.Addr().String()+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("billfetch shutdown failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		gate.RunSweeper(gctx, cfg.SweepInterval())
		return nil
	})
	if cfg.AutoProcess {
		w := watch.New(cfg.CDPURL(), cfg.TabURLFilter, cfg.Settle(), cdpClient, svc)
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		urls, err := config.LoadStartURLs(cfg.StartURLsFile)
		if err != nil {
			slog.Warn("start urls not loaded", "path", cfg.StartURLsFile, "error", err)
			return nil
		}
		if len(urls) > 0 {
			svc.OpenStartURLs(gctx, urls)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("billfetch stopped with error", "error", err)
		if launcher != nil {
			launcher.Stop()
		}
		os.Exit(1)
	}
	slog.Info("billfetch stopped")
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
