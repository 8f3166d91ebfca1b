package page

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/dgnsrekt/billfetch/internal/urlutil"
)

// Snapshot is a point-in-time copy of a tab's document, as captured over CDP.
type Snapshot struct {
	URL         string `json:"url"`
	HTML        string `json:"html"`
	ContentType string `json:"content_type,omitempty"`
}

// Document wraps a parsed snapshot. It is read-only once built.
type Document struct {
	url         string
	contentType string
	root        *goquery.Document
}

// Parse builds a Document from a snapshot. A malformed body still parses;
// only reader failures surface as errors.
func Parse(s Snapshot) (*Document, error) {
	root, err := goquery.NewDocumentFromReader(strings.NewReader(s.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &Document{url: s.URL, contentType: s.ContentType, root: root}, nil
}

func (d *Document) URL() string { return d.url }

// lower folds s for the substring heuristics. A Caser is stateful, so a
// fresh one is used per call.
func lower(s string) string {
	return cases.Lower(language.Und).String(s)
}

func textOf(sel *goquery.Selection) string {
	return strings.TrimSpace(sel.Text())
}

// pageText returns the lower-cased visible text of the body, without
// script and style contents.
func (d *Document) pageText() string {
	body := d.root.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return lower(body.Text())
}

// isVisible approximates rendering visibility from markup alone.
func isVisible(n *html.Node) bool {
	if n.Type == html.ElementNode && n.Data == "input" && strings.EqualFold(attr(n, "type"), "hidden") {
		return false
	}
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Type != html.ElementNode {
			continue
		}
		if hasAttr(cur, "hidden") || attr(cur, "aria-hidden") == "true" {
			return false
		}
		style := strings.ReplaceAll(lower(attr(cur, "style")), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return false
		}
	}
	return true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return true
		}
	}
	return false
}

// cssPath returns a selector that addresses n uniquely in the snapshot,
// built from nth-child steps rooted at <html>.
func cssPath(n *html.Node) string {
	var parts []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if cur.Data == "html" {
			parts = append(parts, "html")
			break
		}
		idx := 1
		for sib := cur.PrevSibling; sib != nil; sib = sib.PrevSibling {
			if sib.Type == html.ElementNode {
				idx++
			}
		}
		parts = append(parts, cur.Data+":nth-child("+strconv.Itoa(idx)+")")
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

// navigableHref resolves an href attribute the way the anchor's href
// property would. Script pseudo-links and same-page fragments are not
// navigation targets.
func (d *Document) navigableHref(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(lower(raw), "javascript:") {
		return ""
	}
	return urlutil.Resolve(d.url, raw)
}

// handleFor captures everything the orchestrator needs to act on an element
// after the snapshot is gone.
func (d *Document) handleFor(sel *goquery.Selection) ActionHandle {
	n := sel.Get(0)
	h := ActionHandle{
		Selector: cssPath(n),
		Tag:      n.Data,
		Text:     textOf(sel),
		DataURL:  strings.TrimSpace(attr(n, "data-url")),
		OnClick:  attr(n, "onclick"),
		Title:    attr(n, "title"),
	}
	if n.Data == "a" {
		h.Href = d.navigableHref(attr(n, "href"))
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == "a" {
			h.AnchorHref = d.navigableHref(attr(p, "href"))
			break
		}
	}
	return h
}
