package urlutil

import (
	"net/url"
	"regexp"
	"strings"
)

var absoluteHTTP = regexp.MustCompile(`(?i)^https?://`)

var defaultPorts = map[string]string{"http": "80", "https": "443"}

// Normalize canonicalizes rawURL for dedupe comparison the way a browser
// serializes it: the fragment is dropped, scheme and host are lowercased, a
// default port is removed and an empty http(s) path becomes "/". Anything
// that does not parse as an absolute URL is returned as-is.
func Normalize(rawURL string) string {
	trimmed, _, _ := strings.Cut(rawURL, "#")
	u, err := url.Parse(trimmed)
	if err != nil || !u.IsAbs() {
		return rawURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if port, ok := defaultPorts[u.Scheme]; ok {
		u.Host = strings.TrimSuffix(u.Host, ":"+port)
		if u.Path == "" && u.RawPath == "" && u.Opaque == "" {
			u.Path = "/"
		}
	}
	return u.String()
}

// DedupeKey returns explicitKey when set, otherwise the normalized URL joined
// with the account number.
func DedupeKey(rawURL, accountNumber, explicitKey string) string {
	if explicitKey != "" {
		return explicitKey
	}
	return Normalize(rawURL) + "|" + accountNumber
}

// Absolute resolves a data-url style value against the page at pageURL.
// http(s) values pass through, root-relative values resolve against the
// origin and everything else against the page's directory.
func Absolute(pageURL, maybeRelative string) string {
	if absoluteHTTP.MatchString(maybeRelative) {
		return maybeRelative
	}
	base, err := url.Parse(pageURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return maybeRelative
	}
	origin := base.Scheme + "://" + base.Host
	if strings.HasPrefix(maybeRelative, "/") {
		return origin + maybeRelative
	}
	return origin + Dir(base.Path) + maybeRelative
}

// Dir strips the trailing filename segment from an URL path, keeping the
// final slash.
func Dir(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "/"
	}
	return p[:i+1]
}

// Resolve resolves href against pageURL the way a browser fills in an
// anchor's href property. Unparseable input yields "".
func Resolve(pageURL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
