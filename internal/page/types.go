package page

import "github.com/dgnsrekt/billfetch/internal/urlutil"

// Type is the workflow page a document represents.
type Type string

const (
	TypeDashboard Type = "dashboard"
	TypeHistory   Type = "history"
	TypeBillPage  Type = "bill_page"
	TypeUnknown   Type = "unknown"
)

// Workflow steps reported alongside the page type.
const (
	StepUnknown   = 0
	StepDashboard = 1
	StepHistory   = 2
	StepBillPage  = 3
)

// Analysis is the result of one classification. It is rebuilt on every call.
type Analysis struct {
	IsTargetPage     bool              `json:"is_target_page"`
	PageType         Type              `json:"page_type"`
	PageLabel        string            `json:"page_label"`
	RecordCount      int               `json:"record_count"`
	Accounts         []AccountRecord   `json:"accounts,omitempty"`
	History          []HistoryRecord   `json:"history,omitempty"`
	Bill             *BillAssets       `json:"bill,omitempty"`
	Downloadable     bool              `json:"downloadable,omitempty"`
	Step             int               `json:"step"`
	Diagnostics      []string          `json:"diagnostics,omitempty"`
	ExtractionErrors []ExtractionError `json:"extraction_errors,omitempty"`
}

// ActionHandle stands in for the DOM element that leads to a bill. Element
// references cannot leave the page, so the handle carries the resolved URLs
// and a selector for the click fallback.
type ActionHandle struct {
	Selector   string `json:"selector"`
	Tag        string `json:"tag"`
	Text       string `json:"text,omitempty"`
	Href       string `json:"href,omitempty"`
	AnchorHref string `json:"anchor_href,omitempty"`
	DataURL    string `json:"data_url,omitempty"`
	OnClick    string `json:"onclick,omitempty"`
	Title      string `json:"title,omitempty"`
}

// ResolveURL applies the navigation fallback chain: own href, enclosing
// anchor, then data-url made absolute against pageURL. Empty means the
// element can only be clicked.
func (h ActionHandle) ResolveURL(pageURL string) string {
	if h.Href != "" {
		return h.Href
	}
	if h.AnchorHref != "" {
		return h.AnchorHref
	}
	if h.DataURL != "" {
		return urlutil.Absolute(pageURL, h.DataURL)
	}
	return ""
}

// AccountRecord is one account item from the dashboard.
type AccountRecord struct {
	Index         int          `json:"index"`
	AccountID     string       `json:"account_id"`
	AccountNumber string       `json:"account_number"`
	AmountDue     string       `json:"amount_due"`
	DueDate       string       `json:"due_date"`
	DocumentKey   string       `json:"document_key"`
	Action        ActionHandle `json:"action"`
}

// HistoryRecord is one bill row from the history table, in document order.
type HistoryRecord struct {
	Index         int          `json:"index"`
	AccountNumber string       `json:"account_number"`
	DocumentDate  string       `json:"document_date"`
	Amount        string       `json:"amount"`
	Action        ActionHandle `json:"action"`
}

// BillAssets lists what a bill page offers for saving the document.
type BillAssets struct {
	IsPDF           bool           `json:"is_pdf"`
	EmbeddedPDF     string         `json:"embedded_pdf,omitempty"`
	PDFLinks        []string       `json:"pdf_links,omitempty"`
	PrintButtons    []ActionHandle `json:"print_buttons,omitempty"`
	DownloadButtons []ActionHandle `json:"download_buttons,omitempty"`
}

// ExtractionError records an item skipped during extraction.
type ExtractionError struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

const unknown = "Unknown"
