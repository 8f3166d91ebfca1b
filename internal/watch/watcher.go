// Package watch follows page loads across browser tabs and continues the
// bill workflow on history and bill pages without an explicit request.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/billfetch/internal/cdpcontrol"
	"github.com/dgnsrekt/billfetch/internal/page"
)

const (
	maxReadyRetries = 5
	reconnectDelay  = 5 * time.Second
)

// Processor continues the workflow on a loaded tab.
type Processor interface {
	AutoProcess(ctx context.Context, tabID string) (page.Type, error)
}

// Browser lists tabs and reports their load state.
type Browser interface {
	ListTabs(ctx context.Context) ([]cdpcontrol.TabInfo, error)
	ReadyState(ctx context.Context, tabID string) (state, url string, err error)
}

type Watcher struct {
	cdpURL   string
	filter   string
	settle   time.Duration
	browser  Browser
	proc     Processor
	registry *Registry
}

// New builds a watcher. settle is the delay between a tab reaching a new URL
// and the workflow continuing on it.
func New(cdpURL, filter string, settle time.Duration, browser Browser, proc Processor) *Watcher {
	return &Watcher{
		cdpURL:   cdpURL,
		filter:   filter,
		settle:   settle,
		browser:  browser,
		proc:     proc,
		registry: NewRegistry(),
	}
}

// Run watches tabs until ctx ends, reattaching after connection loss.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		err := w.watchOnce(ctx)
		w.registry.StopAll()
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("tab watcher disconnected", "error", err, "retry_in", reconnectDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (w *Watcher) watchOnce(ctx context.Context) error {
	tabs, err := w.browser.ListTabs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tabs: %w", err)
	}
	if len(tabs) == 0 {
		return errors.New("no matching tabs to attach to")
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, w.cdpURL)
	defer allocCancel()
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithTargetID(target.ID(tabs[0].TabID)))
	defer tabCancel()

	if err := chromedp.Run(tabCtx); err != nil {
		return fmt.Errorf("failed to attach watcher: %w", err)
	}
	chromedp.ListenBrowser(tabCtx, func(ev any) { w.handleEvent(ctx, ev) })

	c := chromedp.FromContext(tabCtx)
	if err := target.SetDiscoverTargets(true).Do(cdp.WithExecutor(tabCtx, c.Browser)); err != nil {
		return fmt.Errorf("failed to enable target discovery: %w", err)
	}

	// Tabs already open when the watcher attaches are recorded, not processed.
	for _, t := range tabs {
		w.registry.Observe(target.ID(t.TabID), t.URL)
	}
	slog.Info("tab watcher attached", "anchor_tab", tabs[0].TabID, "tabs", len(tabs), "settle_ms", w.settle.Milliseconds())

	<-tabCtx.Done()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("browser connection closed")
}

func (w *Watcher) handleEvent(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		w.observe(ctx, e.TargetInfo)
	case *target.EventTargetInfoChanged:
		w.observe(ctx, e.TargetInfo)
	case *target.EventTargetDestroyed:
		w.registry.Remove(e.TargetID)
	}
}

func (w *Watcher) observe(ctx context.Context, info *target.Info) {
	if !cdpcontrol.AcceptTarget(info, w.filter) {
		return
	}
	if info.URL == "" || info.URL == "about:blank" {
		return
	}
	if !w.registry.Observe(info.TargetID, info.URL) {
		return
	}
	slog.Debug("tab navigated", "tab_id", info.TargetID, "url", info.URL)
	w.schedule(ctx, info.TargetID, 0)
}

func (w *Watcher) schedule(ctx context.Context, id target.ID, attempt int) {
	w.registry.Schedule(id, w.settle, func(url string) {
		w.process(ctx, id, url, attempt)
	})
}

func (w *Watcher) process(ctx context.Context, id target.ID, url string, attempt int) {
	if ctx.Err() != nil {
		return
	}
	state, _, err := w.browser.ReadyState(ctx, string(id))
	if err != nil {
		slog.Warn("tab ready check failed", "tab_id", id, "url", url, "error", err)
		return
	}
	if state != "complete" {
		if attempt < maxReadyRetries {
			w.schedule(ctx, id, attempt+1)
			return
		}
		slog.Warn("tab never finished loading", "tab_id", id, "url", url, "ready_state", state)
		return
	}

	typ, err := w.proc.AutoProcess(ctx, string(id))
	if err != nil {
		slog.Warn("tab auto-process failed", "tab_id", id, "url", url, "page_type", typ, "error", err)
		return
	}
	slog.Info("tab auto-processed", "tab_id", id, "url", url, "page_type", typ)
}
