package dedupe

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/billfetch/internal/urlutil"
)

const (
	DefaultWindow        = 20 * time.Second
	DefaultSweepInterval = 60 * time.Second
)

// TabOpener creates a new inactive background tab and returns its id.
type TabOpener interface {
	OpenBackgroundTab(ctx context.Context, url string) (string, error)
}

// OpenRequest mirrors the openAccountTab message.
type OpenRequest struct {
	URL           string `json:"url"`
	AccountNumber string `json:"account_number,omitempty"`
	DedupeKey     string `json:"dedupe_key,omitempty"`
}

// OpenResponse is the gate's reply to an OpenRequest.
type OpenResponse struct {
	OK      bool   `json:"ok"`
	Deduped bool   `json:"deduped,omitempty"`
	TabID   string `json:"tab_id,omitempty"`
}

// Gate collapses open requests for the same logical bill that arrive within
// the dedupe window. Its store is private; callers only see RequestOpen.
type Gate struct {
	opener TabOpener
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	opened map[string]time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithWindow overrides the dedupe window.
func WithWindow(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.window = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func NewGate(opener TabOpener, opts ...Option) *Gate {
	g := &Gate{
		opener: opener,
		window: DefaultWindow,
		now:    time.Now,
		opened: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// RequestOpen opens req.URL in a background tab unless the same key was
// opened less than one window ago. The key is recorded before the tab is
// created, so a failed creation still suppresses retries for the window.
func (g *Gate) RequestOpen(ctx context.Context, req OpenRequest) (OpenResponse, error) {
	if strings.TrimSpace(req.URL) == "" {
		return OpenResponse{OK: false}, nil
	}
	key := urlutil.DedupeKey(req.URL, req.AccountNumber, req.DedupeKey)

	g.mu.Lock()
	now := g.now()
	if last, ok := g.opened[key]; ok && now.Sub(last) < g.window {
		g.mu.Unlock()
		slog.Debug("dedupe gate suppressed open", "dedupe_key", key, "age_ms", now.Sub(last).Milliseconds())
		return OpenResponse{OK: true, Deduped: true}, nil
	}
	g.opened[key] = now
	g.mu.Unlock()

	tabID, err := g.opener.OpenBackgroundTab(ctx, req.URL)
	if err != nil {
		slog.Warn("dedupe gate tab creation failed", "dedupe_key", key, "url", req.URL, "error", err)
		return OpenResponse{OK: false}, nil
	}
	slog.Info("dedupe gate opened tab", "dedupe_key", key, "tab_id", tabID, "account_number", req.AccountNumber)
	return OpenResponse{OK: tabID != "", TabID: tabID}, nil
}

// Sweep evicts entries older than three windows and returns how many were
// removed.
func (g *Gate) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	limit := 3 * g.window
	removed := 0
	for key, ts := range g.opened {
		if now.Sub(ts) > limit {
			delete(g.opened, key)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (g *Gate) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				slog.Debug("dedupe gate sweep", "evicted", n, "remaining", g.Len())
			}
		}
	}
}

// Len reports the number of tracked keys.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.opened)
}
