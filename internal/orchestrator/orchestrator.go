// Package orchestrator drives the dashboard, history and bill pages of the
// portal workflow through a browser tab.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/billfetch/internal/cdpcontrol"
	"github.com/dgnsrekt/billfetch/internal/dedupe"
	"github.com/dgnsrekt/billfetch/internal/page"
	"github.com/dgnsrekt/billfetch/internal/progress"
)

const (
	// MarkerKey is the sessionStorage flag that survives a reload of the
	// dashboard while a batch is in flight.
	MarkerKey = "waterBillAutoProcessing"
	// OpenedAttr tags account elements whose bill was handed to the gate.
	OpenedAttr = "data-wba-opened"

	DefaultPace      = time.Second
	DefaultMarkerTTL = 10 * time.Second
)

// Browser is the subset of the CDP client the orchestrator needs.
type Browser interface {
	Snapshot(ctx context.Context, tabID string) (page.Snapshot, error)
	Navigate(ctx context.Context, tabID, url string) error
	Click(ctx context.Context, tabID, selector string) error
	SetSessionMarker(ctx context.Context, tabID, key, value string) error
	RemoveSessionMarker(ctx context.Context, tabID, key string) error
	MarkElement(ctx context.Context, tabID, selector, name, value string) error
}

// Opener asks the dedupe gate for a new background tab.
type Opener interface {
	RequestOpen(ctx context.Context, req dedupe.OpenRequest) (dedupe.OpenResponse, error)
}

// Notifier receives a one-line summary when a run completes.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// State is a copy of the orchestrator's run bookkeeping.
type State struct {
	Running        bool      `json:"running"`
	ProcessedCount int       `json:"processed_count"`
	Total          int       `json:"total"`
	RunID          string    `json:"run_id,omitempty"`
	TabID          string    `json:"tab_id,omitempty"`
	TestMode       bool      `json:"test_mode"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPace sets the delay between background tab requests.
func WithPace(d time.Duration) Option { return func(o *Orchestrator) { o.pace = d } }

// WithMarkerTTL sets how long the sessionStorage marker outlives a run.
func WithMarkerTTL(d time.Duration) Option { return func(o *Orchestrator) { o.markerTTL = d } }

// WithNotifier sends run summaries to n.
func WithNotifier(n Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }

// Orchestrator runs at most one sequential batch at a time.
type Orchestrator struct {
	browser   Browser
	opener    Opener
	reporter  progress.Reporter
	notifier  Notifier
	pace      time.Duration
	markerTTL time.Duration

	running atomic.Bool

	mu      sync.Mutex
	state   State
	current *Run
}

func New(browser Browser, opener Opener, reporter progress.Reporter, opts ...Option) *Orchestrator {
	if reporter == nil {
		reporter = progress.Discard{}
	}
	o := &Orchestrator{
		browser:   browser,
		opener:    opener,
		reporter:  reporter,
		pace:      DefaultPace,
		markerTTL: DefaultMarkerTTL,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns a snapshot of the current or last run.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.state
	s.Running = o.running.Load()
	return s
}

// Stop asks the running batch to end after the record in flight and frees
// the orchestrator for the next Prepare.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	run := o.current
	if run == nil {
		return false
	}
	run.stopped.Store(true)
	o.current = nil
	o.running.Store(false)
	return true
}

// release frees the orchestrator if run still holds it.
func (o *Orchestrator) release(run *Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == run {
		o.current = nil
		o.running.Store(false)
	}
}

// updateState applies fn to the state if it still describes run.
func (o *Orchestrator) updateState(run *Run, fn func(*State)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.RunID == run.id {
		fn(&o.state)
	}
}

// Run is a prepared sequential batch.
type Run struct {
	id       string
	tabID    string
	pageURL  string
	accounts []page.AccountRecord
	testMode bool
	stopped  atomic.Bool
}

// ID returns the run's identifier.
func (r *Run) ID() string { return r.id }

// Prepare checks that tabID shows the account dashboard and claims the
// orchestrator. The caller must Execute the returned run.
func (o *Orchestrator) Prepare(ctx context.Context, tabID string, limit int) (*Run, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeAlreadyRunning, "a sequential run is already in progress", nil)
	}

	snap, err := o.browser.Snapshot(ctx, tabID)
	if err != nil {
		o.running.Store(false)
		return nil, err
	}
	analysis := page.Classify(snap)
	if analysis.Step != page.StepDashboard {
		o.running.Store(false)
		o.report(tabID, "", "Navigate to the account dashboard to start", progress.TypeError)
		return nil, cdpcontrol.NewError(cdpcontrol.CodeWrongPage,
			fmt.Sprintf("tab shows %s, not the account dashboard", analysis.PageType), nil)
	}

	accounts := analysis.Accounts
	if limit > 0 && limit < len(accounts) {
		accounts = accounts[:limit]
	}
	run := &Run{
		id:       uuid.NewString(),
		tabID:    tabID,
		pageURL:  snap.URL,
		accounts: accounts,
		testMode: limit > 0,
	}

	o.mu.Lock()
	o.state = State{
		Total:     len(accounts),
		RunID:     run.id,
		TabID:     tabID,
		TestMode:  run.testMode,
		StartedAt: time.Now().UTC(),
	}
	o.current = run
	o.mu.Unlock()
	return run, nil
}

// Execute opens each account of run in order and returns how many were
// processed. Per-record failures are logged and skipped.
func (o *Orchestrator) Execute(ctx context.Context, run *Run) int {
	log := slog.With("run_id", run.id, "tab_id", run.tabID)

	if err := o.browser.SetSessionMarker(ctx, run.tabID, MarkerKey, "true"); err != nil {
		log.Warn("could not set session marker", "error", err)
	}

	mode := "FULL MODE"
	if run.testMode {
		mode = "TEST MODE"
	}
	n := len(run.accounts)
	o.report(run.tabID, run.id, fmt.Sprintf("Opening %d accounts in separate tabs (%s)...", n, mode), progress.TypeProcessing)
	log.Info("sequential run started", "accounts", n, "test_mode", run.testMode)

	processed := 0
	for i, acct := range run.accounts {
		if run.stopped.Load() || ctx.Err() != nil {
			log.Info("sequential run interrupted", "processed", processed, "remaining", n-i)
			break
		}
		o.report(run.tabID, run.id, fmt.Sprintf("Opening account %d/%d: %s in new tab", i+1, n, acct.AccountNumber), progress.TypeProcessing)

		ok, pace := o.openAccount(ctx, run, acct)
		if ok {
			processed++
			o.updateState(run, func(st *State) { st.ProcessedCount = processed })
		}
		if pace {
			if err := sleep(ctx, o.pace); err != nil {
				break
			}
		}
	}

	summary := fmt.Sprintf("Opened %d account tabs. Each will auto-navigate to PDF.", processed)
	o.report(run.tabID, run.id, summary, progress.TypeSuccess)
	log.Info("sequential run finished", "processed", processed, "total", n)

	o.updateState(run, func(st *State) {
		st.ProcessedCount = processed
		st.FinishedAt = time.Now().UTC()
	})
	o.release(run)

	o.scheduleMarkerRemoval(run.tabID)
	if o.notifier != nil {
		if err := o.notifier.Notify(context.WithoutCancel(ctx), summary); err != nil {
			log.Warn("run summary notification failed", "error", err)
		}
	}
	return processed
}

// RunSequential prepares and executes a batch on the calling goroutine.
func (o *Orchestrator) RunSequential(ctx context.Context, tabID string, limit int) (int, error) {
	run, err := o.Prepare(ctx, tabID, limit)
	if err != nil {
		return 0, err
	}
	return o.Execute(ctx, run), nil
}

// openAccount hands one account to the gate, or clicks its element when
// no URL can be resolved. pace reports whether a tab request went out.
func (o *Orchestrator) openAccount(ctx context.Context, run *Run, acct page.AccountRecord) (ok, pace bool) {
	log := slog.With("run_id", run.id, "account_number", acct.AccountNumber, "index", acct.Index)

	url := acct.Action.ResolveURL(run.pageURL)
	if url == "" {
		if err := o.browser.Click(ctx, run.tabID, acct.Action.Selector); err != nil {
			log.Warn("click fallback failed", "selector", acct.Action.Selector, "error", err)
			return false, false
		}
		log.Debug("no bill url, clicked account action")
		return true, false
	}

	if err := o.browser.MarkElement(ctx, run.tabID, acct.Action.Selector, OpenedAttr, "true"); err != nil {
		log.Debug("could not tag account element", "error", err)
	}

	accountNumber := acct.AccountNumber
	if accountNumber == "" || accountNumber == "Unknown" {
		accountNumber = acct.AccountID
	}
	resp, err := o.opener.RequestOpen(ctx, dedupe.OpenRequest{URL: url, AccountNumber: accountNumber})
	if err != nil {
		log.Error("open request failed", "url", url, "error", err)
		return false, true
	}
	if !resp.OK {
		log.Warn("gate did not open tab", "url", url)
		return false, true
	}
	log.Debug("account tab requested", "url", url, "deduped", resp.Deduped, "new_tab_id", resp.TabID)
	return true, true
}

func (o *Orchestrator) scheduleMarkerRemoval(tabID string) {
	time.AfterFunc(o.markerTTL, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.browser.RemoveSessionMarker(ctx, tabID, MarkerKey); err != nil {
			slog.Debug("could not clear session marker", "tab_id", tabID, "error", err)
		}
	})
}

func (o *Orchestrator) report(tabID, runID, message, typ string) {
	o.reporter.Publish(progress.Event{Message: message, Type: typ, TabID: tabID, RunID: runID})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
