package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/dgnsrekt/billfetch/internal/cdpcontrol"
	"github.com/dgnsrekt/billfetch/internal/page"
	"github.com/dgnsrekt/billfetch/internal/progress"
)

const historyPage = `<html><body><table id="billHistoryTable">
<tr><th>Account</th><th>Service</th><th>Date</th><th></th><th></th><th>Amount</th><th></th></tr>
<tr><td>123</td><td>Water</td><td>2024-01-01</td><td></td><td></td><td>$10</td><td><a href="bill/view-external-bill?doc=123">View Bill</a></td></tr>
<tr><td>456</td><td>Water</td><td>2023-12-01</td><td></td><td></td><td>$20</td><td><a href="bill/view-external-bill?doc=456">View Bill</a></td></tr>
</table></body></html>`

func TestRunForMostRecentHistoryEntryNavigatesToFirstRow(t *testing.T) {
	browser := newFakeBrowser(historyPage)
	browser.snap.URL = "https://portal.example.com/accounts/history"
	rec := &recorder{}
	o := newTestOrchestrator(browser, &fakeOpener{}, rec)

	res, err := o.RunForMostRecentHistoryEntry(context.Background(), "tab-1")
	if err != nil {
		t.Fatalf("RunForMostRecentHistoryEntry() error = %v", err)
	}
	want := "https://portal.example.com/accounts/bill/view-external-bill?doc=123"
	if res.URL != want || res.Record.AccountNumber != "123" {
		t.Fatalf("result = %+v; want first row url %q", res, want)
	}
	if len(browser.navigated) != 1 || browser.navigated[0] != want {
		t.Fatalf("navigated = %v; want only %q", browser.navigated, want)
	}
	if last := rec.last(); last.Message != "Opening bill PDF..." {
		t.Fatalf("last event = %+v", last)
	}
}

func TestRunForMostRecentHistoryEntryEmptyTable(t *testing.T) {
	browser := newFakeBrowser(`<table><tr><td>nothing</td></tr></table>`)
	rec := &recorder{}
	o := newTestOrchestrator(browser, &fakeOpener{}, rec)

	_, err := o.RunForMostRecentHistoryEntry(context.Background(), "tab-1")
	var coded *cdpcontrol.CodedError
	if !errors.As(err, &coded) || coded.Code != cdpcontrol.CodeWrongPage {
		t.Fatalf("error = %v; want WRONG_PAGE", err)
	}
	if last := rec.last(); last.Type != progress.TypeError || last.Message != "No bills found in history table" {
		t.Fatalf("last event = %+v", last)
	}
	if len(browser.navigated) != 0 {
		t.Fatal("navigated on empty table")
	}
}

func TestRunForMostRecentHistoryEntryClicksWithoutURL(t *testing.T) {
	browser := newFakeBrowser(`<table><tr><td>1</td><td>x</td><td>d</td><td><button onclick="viewBill(1)">View</button></td></tr></table>`)
	o := newTestOrchestrator(browser, &fakeOpener{}, &recorder{})

	res, err := o.RunForMostRecentHistoryEntry(context.Background(), "tab-1")
	if err != nil {
		t.Fatalf("RunForMostRecentHistoryEntry() error = %v", err)
	}
	if !res.Clicked || len(browser.clicked) != 1 {
		t.Fatalf("result = %+v, clicked = %v; want one click", res, browser.clicked)
	}
}

func TestCollectDownloadLinksMessages(t *testing.T) {
	tests := []struct {
		name string
		snap page.Snapshot
		want string
	}{
		{
			"pdf document",
			page.Snapshot{URL: "https://portal.example.com/docs/b.pdf", ContentType: "application/pdf"},
			"PDF page opened - you can save it manually (Ctrl+S)",
		},
		{
			"embedded pdf",
			page.Snapshot{URL: "https://portal.example.com/bill/1", HTML: `<embed type="application/pdf" src="/docs/1.pdf">`},
			"PDF found and ready for download (Ctrl+S)",
		},
		{
			"plain bill page",
			page.Snapshot{URL: "https://portal.example.com/bill/1", HTML: `<h1>Water Bill #1</h1>`},
			"Bill page opened - use Ctrl+S to save or check for download options",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			browser := newFakeBrowser("")
			browser.snap = tt.snap
			rec := &recorder{}
			o := newTestOrchestrator(browser, &fakeOpener{}, rec)

			if _, err := o.CollectDownloadLinks(context.Background(), "tab-1"); err != nil {
				t.Fatalf("CollectDownloadLinks() error = %v", err)
			}
			last := rec.last()
			if last.Message != tt.want {
				t.Fatalf("message = %q; want %q", last.Message, tt.want)
			}
			if last.Type != progress.TypeSuccess {
				t.Fatalf("type = %q; want %q", last.Type, progress.TypeSuccess)
			}
		})
	}
}
