package orchestrator

import (
	"context"
	"log/slog"

	"github.com/dgnsrekt/billfetch/internal/cdpcontrol"
	"github.com/dgnsrekt/billfetch/internal/page"
	"github.com/dgnsrekt/billfetch/internal/progress"
)

// HistoryResult describes what RunForMostRecentHistoryEntry acted on.
type HistoryResult struct {
	Record  page.HistoryRecord `json:"record"`
	URL     string             `json:"url,omitempty"`
	Clicked bool               `json:"clicked"`
}

// RunForMostRecentHistoryEntry opens the first bill of the history table in
// the same tab. The first row is taken to be the most recent; rows are not
// sorted.
func (o *Orchestrator) RunForMostRecentHistoryEntry(ctx context.Context, tabID string) (HistoryResult, error) {
	snap, err := o.browser.Snapshot(ctx, tabID)
	if err != nil {
		return HistoryResult{}, err
	}
	doc, err := page.Parse(snap)
	if err != nil {
		return HistoryResult{}, cdpcontrol.NewError(cdpcontrol.CodeEvalFailure, "snapshot could not be parsed", err)
	}

	rows := page.ExtractHistory(doc)
	if len(rows) == 0 {
		o.report(tabID, "", "No bills found in history table", progress.TypeError)
		return HistoryResult{}, cdpcontrol.NewError(cdpcontrol.CodeWrongPage, "no bills found in history table", nil)
	}

	first := rows[0]
	res := HistoryResult{Record: first, URL: first.Action.ResolveURL(snap.URL)}
	log := slog.With("tab_id", tabID, "account_number", first.AccountNumber, "document_date", first.DocumentDate)

	o.report(tabID, "", "Opening bill PDF...", progress.TypeProcessing)
	if res.URL != "" {
		if err := o.browser.Navigate(ctx, tabID, res.URL); err != nil {
			log.Warn("navigate to bill failed", "url", res.URL, "error", err)
			return res, err
		}
		log.Info("navigating to most recent bill", "url", res.URL)
		return res, nil
	}

	if err := o.browser.Click(ctx, tabID, first.Action.Selector); err != nil {
		log.Warn("click on most recent bill failed", "selector", first.Action.Selector, "error", err)
		return res, err
	}
	res.Clicked = true
	log.Info("clicked most recent bill")
	return res, nil
}

// CollectDownloadLinks reports the bill page's download affordances. It
// only fails when the tab cannot be read.
func (o *Orchestrator) CollectDownloadLinks(ctx context.Context, tabID string) (page.BillAssets, error) {
	snap, err := o.browser.Snapshot(ctx, tabID)
	if err != nil {
		return page.BillAssets{}, err
	}
	doc, err := page.Parse(snap)
	if err != nil {
		return page.BillAssets{}, cdpcontrol.NewError(cdpcontrol.CodeEvalFailure, "snapshot could not be parsed", err)
	}

	assets := page.ExtractBillAssets(doc)
	switch {
	case assets.IsPDF:
		o.report(tabID, "", "PDF page opened - you can save it manually (Ctrl+S)", progress.TypeSuccess)
	case assets.EmbeddedPDF != "":
		o.report(tabID, "", "PDF found and ready for download (Ctrl+S)", progress.TypeSuccess)
	default:
		o.report(tabID, "", "Bill page opened - use Ctrl+S to save or check for download options", progress.TypeSuccess)
	}
	slog.Info("bill page assets collected", "tab_id", tabID,
		"pdf", assets.IsPDF, "embedded", assets.EmbeddedPDF != "",
		"links", len(assets.PDFLinks), "download_buttons", len(assets.DownloadButtons))
	return assets, nil
}
