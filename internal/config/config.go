package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the bill controller.
type Config struct {
	// CDP connection settings
	CDPAddress    string
	CDPPort       int
	TabURLFilter  string
	EvalTimeoutMS int

	// Local browser launch
	LaunchBrowser bool
	BrowserBin    string
	ProfileDir    string

	// HTTP API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Dedupe gate
	DedupeWindowMS  int
	SweepIntervalMS int

	// Orchestrator pacing
	PaceMS      int
	MarkerTTLMS int

	// Tab watcher
	AutoProcess    bool
	SettleMS       int
	HistoryDelayMS int

	NtfyEndpoint  string
	StartURLsFile string

	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables and an optional .env
// file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:       getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:          getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		TabURLFilter:     getEnvOrDefault("BILLFETCH_TAB_URL_FILTER", ""),
		EvalTimeoutMS:    getEnvIntOrDefault("BILLFETCH_EVAL_TIMEOUT_MS", 5000),
		LaunchBrowser:    getEnvBoolOrDefault("BILLFETCH_LAUNCH_BROWSER", false),
		BrowserBin:       getEnvOrDefault("BILLFETCH_BROWSER_BIN", ""),
		ProfileDir:       getEnvOrDefault("BILLFETCH_PROFILE_DIR", "./browser_profile"),
		BindAddr:         getEnvOrDefault("BILLFETCH_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:   getEnvListOrDefault("BILLFETCH_PORT_CANDIDATES", nil),
		PortAutoFallback: getEnvBoolOrDefault("BILLFETCH_PORT_AUTO_FALLBACK", false),
		DedupeWindowMS:   getEnvIntOrDefault("BILLFETCH_DEDUPE_WINDOW_MS", 20000),
		SweepIntervalMS:  getEnvIntOrDefault("BILLFETCH_SWEEP_INTERVAL_MS", 60000),
		PaceMS:           getEnvIntOrDefault("BILLFETCH_PACE_MS", 1000),
		MarkerTTLMS:      getEnvIntOrDefault("BILLFETCH_MARKER_TTL_MS", 10000),
		AutoProcess:      getEnvBoolOrDefault("BILLFETCH_AUTO_PROCESS", true),
		SettleMS:         getEnvIntOrDefault("BILLFETCH_SETTLE_MS", 3000),
		HistoryDelayMS:   getEnvIntOrDefault("BILLFETCH_HISTORY_DELAY_MS", 2000),
		NtfyEndpoint:     getEnvOrDefault("BILLFETCH_NTFY_ENDPOINT", ""),
		StartURLsFile:    getEnvOrDefault("BILLFETCH_START_URLS_FILE", "./config/start_urls.yaml"),
		LogLevel:         strings.ToLower(getEnvOrDefault("BILLFETCH_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("BILLFETCH_LOG_FILE", "logs/billfetch.log"),
	}
	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}
	if cfg.DedupeWindowMS <= 0 {
		return nil, fmt.Errorf("BILLFETCH_DEDUPE_WINDOW_MS must be positive, got %d", cfg.DedupeWindowMS)
	}
	if cfg.SweepIntervalMS <= 0 {
		return nil, fmt.Errorf("BILLFETCH_SWEEP_INTERVAL_MS must be positive, got %d", cfg.SweepIntervalMS)
	}
	if cfg.PaceMS < 0 {
		cfg.PaceMS = 0
	}
	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

func (c *Config) EvalTimeout() time.Duration   { return ms(c.EvalTimeoutMS) }
func (c *Config) DedupeWindow() time.Duration  { return ms(c.DedupeWindowMS) }
func (c *Config) SweepInterval() time.Duration { return ms(c.SweepIntervalMS) }
func (c *Config) Pace() time.Duration          { return ms(c.PaceMS) }
func (c *Config) MarkerTTL() time.Duration     { return ms(c.MarkerTTLMS) }
func (c *Config) Settle() time.Duration        { return ms(c.SettleMS) }
func (c *Config) HistoryDelay() time.Duration  { return ms(c.HistoryDelayMS) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvListOrDefault splits a comma separated value, dropping blanks.
func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
