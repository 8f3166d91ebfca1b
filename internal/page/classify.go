package page

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	accountItemSelector = ".accountItem[data-account]"
	billViewMarker      = "view-external-bill"
)

var (
	billPhrases     = []string{"water bill #", "account details", "statement"}
	billURLKeywords = []string{"bill", "statement", "invoice"}
)

// Signal is the outcome of one page predicate.
type Signal struct {
	Matched bool
	Reason  string
}

// Predicate tests one capability of a document.
type Predicate func(d *Document) Signal

type rule struct {
	pageType Type
	step     int
	label    string
	test     Predicate
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{TypeDashboard, StepDashboard, "Account Dashboard (Step 1 of 3)", HasAccountItems},
	{TypeHistory, StepHistory, "Bill History Table (Step 2 of 3)", HasHistoryTable},
	{TypeBillPage, StepBillPage, "Individual Bill Page (Step 3 of 3)", HasBillMarkers},
}

// HasAccountItems matches dashboards: elements tagged as account items that
// carry per-account data.
func HasAccountItems(d *Document) Signal {
	n := d.root.Find(accountItemSelector).Length()
	if n == 0 {
		return Signal{Reason: "no account items"}
	}
	return Signal{Matched: true, Reason: strconv.Itoa(n) + " account items"}
}

// HasHistoryTable matches history pages: a table-like container plus at
// least one visible View Bill action, and no account items.
func HasHistoryTable(d *Document) Signal {
	if HasAccountItems(d).Matched {
		return Signal{Reason: "account items present"}
	}
	if d.root.Find("table#billHistoryTable, .table-container, table").Length() == 0 {
		return Signal{Reason: "no table container"}
	}
	links := d.viewBillLinks()
	if len(links) == 0 {
		return Signal{Reason: "table without View Bill actions"}
	}
	return Signal{Matched: true, Reason: strconv.Itoa(len(links)) + " View Bill actions"}
}

func (d *Document) viewBillLinks() []*goquery.Selection {
	var out []*goquery.Selection
	d.root.Find("a, button").Each(func(_ int, el *goquery.Selection) {
		text := textOf(el)
		href, _ := el.Attr("href")
		if text == "View Bill" || (strings.Contains(text, "View") && strings.Contains(href, billViewMarker)) {
			if isVisible(el.Get(0)) {
				out = append(out, el)
			}
		}
	})
	return out
}

// HasBillMarkers matches individual bill pages by page text or URL keywords.
func HasBillMarkers(d *Document) Signal {
	text := d.pageText()
	for _, phrase := range billPhrases {
		if strings.Contains(text, phrase) {
			return Signal{Matched: true, Reason: "page text contains " + strconv.Quote(phrase)}
		}
	}
	if strings.Contains(text, "bill") && strings.Contains(text, "amount due") {
		return Signal{Matched: true, Reason: `page text contains "bill" and "amount due"`}
	}

	u := lower(d.url)
	for _, kw := range billURLKeywords {
		if strings.Contains(u, kw) {
			return Signal{Matched: true, Reason: "url contains " + strconv.Quote(kw)}
		}
	}
	if strings.Contains(u, "account") && (strings.Contains(u, "view") || strings.Contains(u, "detail")) {
		return Signal{Matched: true, Reason: "url names an account view"}
	}
	return Signal{Reason: "no bill markers"}
}

// Classify parses a snapshot and classifies it. It never fails: an
// unparseable snapshot is Unknown.
func Classify(s Snapshot) Analysis {
	d, err := Parse(s)
	if err != nil {
		slog.Warn("page snapshot parse failed", "url", s.URL, "error", err)
		return unknownAnalysis([]string{err.Error()})
	}
	return ClassifyDocument(d)
}

// ClassifyDocument decides which workflow page d is and extracts its records.
func ClassifyDocument(d *Document) Analysis {
	var diags []string
	for _, r := range rules {
		sig := r.test(d)
		diags = append(diags, string(r.pageType)+": "+sig.Reason)
		if !sig.Matched {
			continue
		}
		a := Analysis{
			IsTargetPage: true,
			PageType:     r.pageType,
			PageLabel:    r.label,
			Step:         r.step,
			Diagnostics:  diags,
		}
		switch r.pageType {
		case TypeDashboard:
			a.Accounts, a.ExtractionErrors = ExtractAccounts(d)
			a.RecordCount = len(a.Accounts)
		case TypeHistory:
			a.History = ExtractHistory(d)
			a.RecordCount = len(a.History)
		case TypeBillPage:
			bill := ExtractBillAssets(d)
			a.Bill = &bill
			a.Downloadable = len(bill.DownloadButtons) > 0
			a.RecordCount = 1
		}
		return a
	}
	return unknownAnalysis(diags)
}

func unknownAnalysis(diags []string) Analysis {
	return Analysis{
		PageType:    TypeUnknown,
		PageLabel:   "Unknown",
		Step:        StepUnknown,
		Diagnostics: diags,
	}
}
