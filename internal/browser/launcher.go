// Package browser starts a local Chromium with remote debugging enabled when
// none is listening on the CDP port yet.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
	"time"
)

// Config holds browser launch settings.
type Config struct {
	Binary     string
	CDPAddress string
	CDPPort    int
	ProfileDir string
	StartURL   string
	// ReadyTimeout bounds the wait for /json/version after start.
	ReadyTimeout time.Duration
}

// Launcher owns a browser process it started. A launcher that found an
// existing browser owns nothing and Stop is a no-op.
type Launcher struct {
	cfg  Config
	cmd  *exec.Cmd
	done chan struct{}

	// lookPath and probe are replaced in tests.
	lookPath func(string) (string, error)
	probe    func(ctx context.Context, url string) bool
}

func NewLauncher(cfg Config) *Launcher {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 15 * time.Second
	}
	return &Launcher{cfg: cfg, lookPath: exec.LookPath, probe: cdpReady}
}

func (l *Launcher) versionURL() string {
	return "http://" + l.cfg.CDPAddress + ":" + strconv.Itoa(l.cfg.CDPPort) + "/json/version"
}

// resolveBinary returns the configured binary or the first known Chromium
// on PATH.
func (l *Launcher) resolveBinary() (string, error) {
	if l.cfg.Binary != "" {
		return l.lookPath(l.cfg.Binary)
	}
	for _, name := range []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if path, err := l.lookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath, nil
		}
	}
	return "", errors.New("no chromium binary found; set BILLFETCH_BROWSER_BIN")
}

func (l *Launcher) args() []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(l.cfg.CDPPort),
		"--remote-debugging-address=" + l.cfg.CDPAddress,
		"--user-data-dir=" + l.cfg.ProfileDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-dev-shm-usage",
	}
	if l.cfg.StartURL != "" {
		args = append(args, l.cfg.StartURL)
	}
	return args
}

// Launch starts the browser unless one already answers on the CDP port, then
// waits for the endpoint to come up.
func (l *Launcher) Launch(ctx context.Context) error {
	if l.probe(ctx, l.versionURL()) {
		slog.Info("browser already running, skipping launch", "cdp_address", l.cfg.CDPAddress, "cdp_port", l.cfg.CDPPort)
		return nil
	}

	bin, err := l.resolveBinary()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	cmd := exec.Command(bin, l.args()...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	l.cmd = cmd
	l.done = make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(l.done)
	}()
	slog.Info("browser process started", "path", bin, "pid", cmd.Process.Pid, "profile_dir", l.cfg.ProfileDir)

	if err := l.waitReady(ctx); err != nil {
		l.Stop()
		return err
	}
	slog.Info("CDP endpoint ready", "cdp_address", l.cfg.CDPAddress, "cdp_port", l.cfg.CDPPort)
	return nil
}

func (l *Launcher) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ReadyTimeout)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if l.probe(ctx, l.versionURL()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("CDP not ready at %s: %w", l.versionURL(), ctx.Err())
		case <-l.done:
			return errors.New("browser exited before CDP became ready")
		case <-ticker.C:
		}
	}
}

// Owned reports whether this launcher started the running browser.
func (l *Launcher) Owned() bool {
	return l.cmd != nil
}

// Stop terminates a browser this launcher started, escalating to SIGKILL
// after five seconds.
func (l *Launcher) Stop() {
	if l.cmd == nil || l.cmd.Process == nil {
		return
	}
	pid := l.cmd.Process.Pid
	slog.Info("stopping browser", "pid", pid)
	_ = l.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-l.done:
	case <-time.After(5 * time.Second):
		slog.Warn("browser did not exit, sending SIGKILL", "pid", pid)
		_ = l.cmd.Process.Kill()
		<-l.done
	}
	l.cmd = nil
}

func cdpReady(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
