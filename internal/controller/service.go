package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgnsrekt/billfetch/internal/cdpcontrol"
	"github.com/dgnsrekt/billfetch/internal/dedupe"
	"github.com/dgnsrekt/billfetch/internal/orchestrator"
	"github.com/dgnsrekt/billfetch/internal/page"
)

// Browser is what the service needs from the CDP client.
type Browser interface {
	orchestrator.Browser
	ListTabs(ctx context.Context) ([]cdpcontrol.TabInfo, error)
	ResolveTab(ctx context.Context, tabID string) (cdpcontrol.TabInfo, error)
}

// Service answers the workflow actions for a chosen tab.
type Service struct {
	browser Browser
	gate    *dedupe.Gate
	orch    *orchestrator.Orchestrator
	runCtx  context.Context

	historyDelay time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithHistoryDelay sets how long AutoProcess waits on a history page before
// opening its most recent bill.
func WithHistoryDelay(d time.Duration) Option {
	return func(s *Service) { s.historyDelay = d }
}

// NewService builds a service. Sequential runs started through it outlive
// the request that started them and end when runCtx ends.
func NewService(runCtx context.Context, browser Browser, gate *dedupe.Gate, orch *orchestrator.Orchestrator, opts ...Option) *Service {
	s := &Service{browser: browser, gate: gate, orch: orch, runCtx: runCtx}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartResult acknowledges a started sequential run.
type StartResult struct {
	Success  bool   `json:"success"`
	RunID    string `json:"run_id"`
	TabID    string `json:"tab_id"`
	Accounts int    `json:"accounts"`
	TestMode bool   `json:"test_mode"`
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

// resolveTab turns a tab id or "active" into a concrete tab id.
func (s *Service) resolveTab(ctx context.Context, tabID string) (string, error) {
	if err := s.requireNonEmpty(tabID, "tab_id"); err != nil {
		return "", err
	}
	info, err := s.browser.ResolveTab(ctx, strings.TrimSpace(tabID))
	if err != nil {
		return "", err
	}
	return info.TabID, nil
}

func (s *Service) ListTabs(ctx context.Context) ([]cdpcontrol.TabInfo, error) {
	return s.browser.ListTabs(ctx)
}

// CheckPage classifies the tab's current document.
func (s *Service) CheckPage(ctx context.Context, tabID string) (page.Analysis, error) {
	id, err := s.resolveTab(ctx, tabID)
	if err != nil {
		return page.Analysis{}, err
	}
	snap, err := s.browser.Snapshot(ctx, id)
	if err != nil {
		return page.Analysis{}, err
	}
	return page.Classify(snap), nil
}

// StartSequential checks the dashboard precondition and starts opening
// accounts in the background. testLimit > 0 limits the run to a prefix of
// the accounts.
func (s *Service) StartSequential(ctx context.Context, tabID string, testLimit int) (StartResult, error) {
	if testLimit < 0 {
		return StartResult{}, &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: fmt.Sprintf("test_limit must be >= 0, got %d", testLimit)}
	}
	id, err := s.resolveTab(ctx, tabID)
	if err != nil {
		return StartResult{}, err
	}
	run, err := s.orch.Prepare(ctx, id, testLimit)
	if err != nil {
		return StartResult{}, err
	}
	st := s.orch.State()
	go s.orch.Execute(s.runCtx, run)
	return StartResult{Success: true, RunID: run.ID(), TabID: id, Accounts: st.Total, TestMode: st.TestMode}, nil
}

// OpenAllBills is StartSequential without a limit.
func (s *Service) OpenAllBills(ctx context.Context, tabID string) (StartResult, error) {
	return s.StartSequential(ctx, tabID, 0)
}

func (s *Service) ProcessHistoryPage(ctx context.Context, tabID string) (orchestrator.HistoryResult, error) {
	id, err := s.resolveTab(ctx, tabID)
	if err != nil {
		return orchestrator.HistoryResult{}, err
	}
	return s.orch.RunForMostRecentHistoryEntry(ctx, id)
}

func (s *Service) CollectDownloadLinks(ctx context.Context, tabID string) (page.BillAssets, error) {
	id, err := s.resolveTab(ctx, tabID)
	if err != nil {
		return page.BillAssets{}, err
	}
	return s.orch.CollectDownloadLinks(ctx, id)
}

// OpenAccountTab passes an open request to the dedupe gate.
func (s *Service) OpenAccountTab(ctx context.Context, req dedupe.OpenRequest) (dedupe.OpenResponse, error) {
	req.URL = strings.TrimSpace(req.URL)
	return s.gate.RequestOpen(ctx, req)
}

func (s *Service) RunState() orchestrator.State {
	return s.orch.State()
}

// StopRun asks the current run to stop. It reports whether a run was
// active.
func (s *Service) StopRun() bool {
	return s.orch.Stop()
}

// AutoProcess continues the workflow on a freshly loaded tab: a history
// page opens its most recent bill and a bill page reports its download
// options. Other pages are left alone.
func (s *Service) AutoProcess(ctx context.Context, tabID string) (page.Type, error) {
	id, err := s.resolveTab(ctx, tabID)
	if err != nil {
		return page.TypeUnknown, err
	}
	snap, err := s.browser.Snapshot(ctx, id)
	if err != nil {
		return page.TypeUnknown, err
	}
	analysis := page.Classify(snap)
	switch analysis.PageType {
	case page.TypeHistory:
		if err = sleep(ctx, s.historyDelay); err == nil {
			_, err = s.orch.RunForMostRecentHistoryEntry(ctx, id)
		}
	case page.TypeBillPage:
		_, err = s.orch.CollectDownloadLinks(ctx, id)
	}
	if err != nil {
		slog.Warn("auto-process failed", "tab_id", id, "page_type", analysis.PageType, "error", err)
	}
	return analysis.PageType, err
}

// OpenStartURLs opens each configured start page through the gate so a
// restart within the dedupe window does not duplicate them.
func (s *Service) OpenStartURLs(ctx context.Context, urls []string) int {
	opened := 0
	for _, u := range urls {
		resp, err := s.gate.RequestOpen(ctx, dedupe.OpenRequest{URL: u, DedupeKey: "start|" + u})
		if err != nil {
			slog.Warn("start url open failed", "url", u, "error", err)
			continue
		}
		if resp.OK && !resp.Deduped {
			opened++
		}
	}
	slog.Info("start urls opened", "opened", opened, "configured", len(urls))
	return opened
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
