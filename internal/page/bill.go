package page

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/dgnsrekt/billfetch/internal/urlutil"
)

// ExtractBillAssets reports the download affordances of a bill page. It
// never fails; an empty result is a valid outcome.
func ExtractBillAssets(d *Document) BillAssets {
	var b BillAssets
	b.IsPDF = lower(d.contentType) == "application/pdf" || strings.Contains(d.url, ".pdf")

	embedded := d.root.Find(`embed[type="application/pdf"], object[type="application/pdf"], iframe[src*=".pdf"]`).First()
	if embedded.Length() > 0 {
		src := embedded.AttrOr("src", "")
		if src == "" {
			src = embedded.AttrOr("data", "")
		}
		if src != "" {
			b.EmbeddedPDF = urlutil.Resolve(d.url, src)
		}
	}

	d.root.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := urlutil.Resolve(d.url, a.AttrOr("href", ""))
		lh := lower(href)
		if strings.Contains(lh, "pdf") || strings.Contains(lh, "download") {
			b.PDFLinks = append(b.PDFLinks, href)
		}
	})

	d.root.Find("button, a, [onclick]").Each(func(_ int, el *goquery.Selection) {
		text := lower(el.Text())
		onclick := lower(el.AttrOr("onclick", ""))
		if strings.Contains(text, "print") || strings.Contains(onclick, "print") {
			b.PrintButtons = append(b.PrintButtons, d.handleFor(el))
		}
	})

	d.root.Find(`button, a, input[type="submit"], [onclick*="download"], [onclick*="pdf"]`).Each(func(_ int, el *goquery.Selection) {
		if mentionsDownload(el) {
			b.DownloadButtons = append(b.DownloadButtons, d.handleFor(el))
		}
	})
	return b
}

func mentionsDownload(el *goquery.Selection) bool {
	text := lower(el.Text())
	title := lower(el.AttrOr("title", ""))
	href := lower(el.AttrOr("href", ""))
	onclick := lower(el.AttrOr("onclick", ""))
	class := lower(el.AttrOr("class", ""))
	return strings.Contains(text, "download") || strings.Contains(text, "pdf") || strings.Contains(text, "print") ||
		strings.Contains(title, "download") || strings.Contains(title, "pdf") ||
		strings.Contains(href, "download") || strings.Contains(href, ".pdf") ||
		strings.Contains(onclick, "download") || strings.Contains(onclick, "pdf") ||
		strings.Contains(class, "download") || strings.Contains(class, "pdf")
}
