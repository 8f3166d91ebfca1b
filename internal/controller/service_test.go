package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/billfetch/internal/cdpcontrol"
	"github.com/dgnsrekt/billfetch/internal/dedupe"
	"github.com/dgnsrekt/billfetch/internal/orchestrator"
	"github.com/dgnsrekt/billfetch/internal/page"
	"github.com/dgnsrekt/billfetch/internal/progress"
)

const dashboardHTML = `<body>
<div class="accountItem" data-account='{"accountNumber":"11"}'><a href="/bill/11">View Bill</a></div>
<div class="accountItem" data-account='{"accountNumber":"22"}'><a href="/bill/22">View Bill</a></div>
<div class="accountItem" data-account='{"accountNumber":"33"}'><a href="/bill/33">View Bill</a></div>
</body>`

const historyHTML = `<table>
<tr><td>11</td><td>w</td><td>2024-02-01</td><td></td><td></td><td>$5</td><td><a href="/view-external-bill?d=1">View Bill</a></td></tr>
</table>`

type stubBrowser struct {
	mu        sync.Mutex
	tabs      []cdpcontrol.TabInfo
	pages     map[string]page.Snapshot
	navigated map[string]string
}

func newStubBrowser() *stubBrowser {
	return &stubBrowser{
		tabs: []cdpcontrol.TabInfo{
			{TabID: "dash", URL: "https://portal.example.com/dashboard"},
			{TabID: "hist", URL: "https://portal.example.com/history"},
		},
		pages: map[string]page.Snapshot{
			"dash": {URL: "https://portal.example.com/dashboard", HTML: dashboardHTML},
			"hist": {URL: "https://portal.example.com/history", HTML: historyHTML},
		},
		navigated: map[string]string{},
	}
}

func (b *stubBrowser) ListTabs(context.Context) ([]cdpcontrol.TabInfo, error) { return b.tabs, nil }

func (b *stubBrowser) ResolveTab(_ context.Context, tabID string) (cdpcontrol.TabInfo, error) {
	if tabID == cdpcontrol.ActiveTab {
		return b.tabs[0], nil
	}
	for _, t := range b.tabs {
		if t.TabID == tabID {
			return t, nil
		}
	}
	return cdpcontrol.TabInfo{}, cdpcontrol.NewError(cdpcontrol.CodeTabNotFound, "tab not found: "+tabID, nil)
}

func (b *stubBrowser) Snapshot(_ context.Context, tabID string) (page.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pages[tabID], nil
}

func (b *stubBrowser) Navigate(_ context.Context, tabID, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.navigated[tabID] = url
	return nil
}

func (b *stubBrowser) Click(context.Context, string, string) error                 { return nil }
func (b *stubBrowser) SetSessionMarker(context.Context, string, string, string) error { return nil }
func (b *stubBrowser) RemoveSessionMarker(context.Context, string, string) error    { return nil }
func (b *stubBrowser) MarkElement(context.Context, string, string, string, string) error {
	return nil
}

type countingOpener struct {
	mu   sync.Mutex
	urls []string
}

func (o *countingOpener) OpenBackgroundTab(_ context.Context, url string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.urls = append(o.urls, url)
	return "new-" + url, nil
}

func (o *countingOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.urls)
}

func newTestService(t *testing.T) (*Service, *stubBrowser, *countingOpener) {
	t.Helper()
	browser := newStubBrowser()
	opener := &countingOpener{}
	gate := dedupe.NewGate(opener)
	orch := orchestrator.New(browser, gate, progress.Discard{},
		orchestrator.WithPace(0), orchestrator.WithMarkerTTL(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewService(ctx, browser, gate, orch), browser, opener
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	var got *cdpcontrol.CodedError
	if !errors.As(err, &got) {
		t.Fatalf("error = %v (%T); want *cdpcontrol.CodedError", err, err)
	}
	if got.Code != code {
		t.Fatalf("code = %q; want %q", got.Code, code)
	}
}

func TestRequireNonEmpty(t *testing.T) {
	s := &Service{}
	if err := s.requireNonEmpty("dash", "tab_id"); err != nil {
		t.Fatalf("requireNonEmpty() = %v; want nil", err)
	}

	err := s.requireNonEmpty("   ", "tab_id")
	wantCode(t, err, cdpcontrol.CodeValidation)
	if got := err.(*cdpcontrol.CodedError).Message; got != "tab_id is required" {
		t.Fatalf("requireNonEmpty() message = %q; want %q", got, "tab_id is required")
	}
}

func TestCheckPageResolvesActiveTab(t *testing.T) {
	s, _, _ := newTestService(t)
	a, err := s.CheckPage(context.Background(), "active")
	if err != nil {
		t.Fatalf("CheckPage() error = %v", err)
	}
	if a.PageType != page.TypeDashboard || a.RecordCount != 3 {
		t.Fatalf("CheckPage() = %s with %d records; want dashboard with 3", a.PageType, a.RecordCount)
	}

	_, err = s.CheckPage(context.Background(), "nope")
	wantCode(t, err, cdpcontrol.CodeTabNotFound)
}

func TestStartSequentialRunsInBackground(t *testing.T) {
	s, _, opener := newTestService(t)

	res, err := s.StartSequential(context.Background(), "dash", 2)
	if err != nil {
		t.Fatalf("StartSequential() error = %v", err)
	}
	if !res.Success || res.Accounts != 2 || !res.TestMode || res.RunID == "" {
		t.Fatalf("StartSequential() = %+v", res)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.RunState().Running && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	st := s.RunState()
	if st.Running || st.ProcessedCount != 2 {
		t.Fatalf("RunState() = %+v; want finished with 2 processed", st)
	}
	if opener.count() != 2 {
		t.Fatalf("tabs opened = %d; want 2", opener.count())
	}
}

func TestStartSequentialValidation(t *testing.T) {
	s, _, _ := newTestService(t)

	_, err := s.StartSequential(context.Background(), "dash", -1)
	wantCode(t, err, cdpcontrol.CodeValidation)

	_, err = s.OpenAllBills(context.Background(), " ")
	wantCode(t, err, cdpcontrol.CodeValidation)

	_, err = s.OpenAllBills(context.Background(), "hist")
	wantCode(t, err, cdpcontrol.CodeWrongPage)
}

func TestOpenAccountTabDedupes(t *testing.T) {
	s, _, opener := newTestService(t)
	ctx := context.Background()
	req := dedupe.OpenRequest{URL: " https://portal.example.com/bill/1#top ", AccountNumber: "11"}

	first, err := s.OpenAccountTab(ctx, req)
	if err != nil || !first.OK || first.TabID == "" {
		t.Fatalf("first OpenAccountTab() = %+v, %v", first, err)
	}
	second, err := s.OpenAccountTab(ctx, dedupe.OpenRequest{URL: "https://portal.example.com/bill/1", AccountNumber: "11"})
	if err != nil || !second.Deduped {
		t.Fatalf("second OpenAccountTab() = %+v, %v; want deduped", second, err)
	}
	if opener.count() != 1 {
		t.Fatalf("tabs opened = %d; want 1", opener.count())
	}
}

func TestAutoProcessHistoryNavigates(t *testing.T) {
	s, browser, _ := newTestService(t)

	typ, err := s.AutoProcess(context.Background(), "hist")
	if err != nil {
		t.Fatalf("AutoProcess() error = %v", err)
	}
	if typ != page.TypeHistory {
		t.Fatalf("AutoProcess() type = %s; want history", typ)
	}
	if got, want := browser.navigated["hist"], "https://portal.example.com/view-external-bill?d=1"; got != want {
		t.Fatalf("navigated to %q; want %q", got, want)
	}

	typ, err = s.AutoProcess(context.Background(), "dash")
	if err != nil || typ != page.TypeDashboard {
		t.Fatalf("AutoProcess(dash) = %s, %v", typ, err)
	}
	if _, ok := browser.navigated["dash"]; ok {
		t.Fatal("dashboard was navigated by auto-process")
	}
}

func TestAutoProcessHistoryDelayCancelled(t *testing.T) {
	browser := newStubBrowser()
	gate := dedupe.NewGate(&countingOpener{})
	orch := orchestrator.New(browser, gate, progress.Discard{}, orchestrator.WithPace(0))
	s := NewService(context.Background(), browser, gate, orch, WithHistoryDelay(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	typ, err := s.AutoProcess(ctx, "hist")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("AutoProcess() error = %v; want deadline exceeded", err)
	}
	if typ != page.TypeHistory {
		t.Fatalf("AutoProcess() type = %s; want history", typ)
	}
	if _, ok := browser.navigated["hist"]; ok {
		t.Fatal("history page navigated before the delay elapsed")
	}
}

func TestOpenStartURLs(t *testing.T) {
	s, _, opener := newTestService(t)
	urls := []string{"https://portal.example.com/", "https://portal.example.com/"}
	if got := s.OpenStartURLs(context.Background(), urls); got != 1 {
		t.Fatalf("OpenStartURLs() = %d; want 1", got)
	}
	if opener.count() != 1 {
		t.Fatalf("tabs opened = %d; want 1", opener.count())
	}
}
