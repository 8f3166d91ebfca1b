package page

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ExtractAccounts reads every dashboard account item. Items whose data
// attribute does not parse are skipped and reported; items without an
// action element are left out silently.
func ExtractAccounts(d *Document) ([]AccountRecord, []ExtractionError) {
	var (
		accounts []AccountRecord
		errs     []ExtractionError
	)
	d.root.Find(accountItemSelector).Each(func(i int, item *goquery.Selection) {
		raw, _ := item.Attr("data-account")
		data, err := parseAccountData(raw)
		if err != nil {
			slog.Warn("account data parse failed", "index", i, "error", err)
			errs = append(errs, ExtractionError{Index: i, Message: err.Error()})
			return
		}
		action := findViewBillAction(item)
		if action == nil {
			slog.Debug("account item has no action element", "index", i)
			return
		}
		accounts = append(accounts, AccountRecord{
			Index:         i,
			AccountID:     field(data, "accountId", unknown),
			AccountNumber: field(data, "accountNumber", unknown),
			AmountDue:     field(data, "amountDue", "0.00"),
			DueDate:       field(data, "dueDateDisplay", unknown),
			DocumentKey:   documentKey(data),
			Action:        d.handleFor(action),
		})
	})
	return accounts, errs
}

func parseAccountData(raw string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid account data: %w", err)
	}
	if dec.More() {
		return nil, errors.New("invalid account data: trailing content")
	}
	switch t := v.(type) {
	case nil:
		return nil, errors.New("account data is null")
	case map[string]any:
		return t, nil
	default:
		return map[string]any{}, nil
	}
}

// field renders data[key] as text, substituting def for missing or falsy
// values.
func field(data map[string]any, key, def string) string {
	switch v := data[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case json.Number:
		if f, err := v.Float64(); err == nil && f != 0 {
			return v.String()
		}
	case bool:
		if v {
			return "true"
		}
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err == nil {
			return string(b)
		}
	}
	return def
}

// documentKey digs the document key out of the nested clientDataFields
// JSON string.
func documentKey(data map[string]any) string {
	var fields map[string]any
	switch v := data["clientDataFields"].(type) {
	case string:
		if v == "" {
			return unknown
		}
		if err := json.Unmarshal([]byte(v), &fields); err != nil {
			slog.Debug("clientDataFields parse failed", "error", err)
			return unknown
		}
	case map[string]any:
		fields = v
	default:
		return unknown
	}
	if fields == nil {
		return unknown
	}
	switch k := fields["documentKey"].(type) {
	case string:
		if k != "" {
			return k
		}
	case float64:
		if k != 0 {
			return fmt.Sprint(k)
		}
	}
	return unknown
}

func findViewBillAction(item *goquery.Selection) *goquery.Selection {
	var found *goquery.Selection
	item.Find("button, a").EachWithBreak(func(_ int, el *goquery.Selection) bool {
		text := lower(textOf(el))
		title := lower(el.AttrOr("title", ""))
		if strings.Contains(text, "view bill") ||
			(strings.Contains(text, "view") && (strings.Contains(text, "bill") || strings.Contains(text, "statement"))) ||
			strings.Contains(title, "view bill") ||
			(strings.Contains(title, "view") && strings.Contains(title, "bill")) {
			found = el
			return false
		}
		return true
	})
	if found != nil {
		return found
	}
	fallback := item.Find("a[href], button[onclick], [data-url]").First()
	if fallback.Length() == 0 {
		return nil
	}
	return fallback
}

// ExtractHistory scans table rows for bill-view actions. Account number,
// date and amount are read from cells 0, 2 and 5; that layout is the
// portal's and is not inferred.
func ExtractHistory(d *Document) []HistoryRecord {
	var out []HistoryRecord
	d.root.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		row.Find("a, button, [onclick]").Each(func(_ int, el *goquery.Selection) {
			if !isBillViewAction(el) {
				return
			}
			cells := row.Find("td")
			account, date, amount := unknown, unknown, unknown
			if cells.Length() >= 3 {
				account = cellText(cells, 0)
				date = cellText(cells, 2)
				amount = cellText(cells, 5)
			}
			out = append(out, HistoryRecord{
				Index:         len(out),
				AccountNumber: account,
				DocumentDate:  date,
				Amount:        amount,
				Action:        d.handleFor(el),
			})
		})
	})
	return out
}

func isBillViewAction(el *goquery.Selection) bool {
	text := lower(textOf(el))
	if !strings.Contains(text, "view") {
		return false
	}
	href := el.AttrOr("href", "")
	onclick := el.AttrOr("onclick", "")
	return strings.Contains(text, "bill") ||
		strings.Contains(href, billViewMarker) ||
		strings.Contains(onclick, "viewBill") ||
		strings.Contains(onclick, "view-bill")
}

func cellText(cells *goquery.Selection, i int) string {
	if i >= cells.Length() {
		return unknown
	}
	if t := textOf(cells.Eq(i)); t != "" {
		return t
	}
	return unknown
}
