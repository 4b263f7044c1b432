package normalize

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strings"
)

// FirstHTTPURL returns the first candidate that is a usable http(s) URL.
// data: URIs are skipped; protocol-relative URLs are promoted to https.
func FirstHTTPURL(candidates ...string) string {
	for _, u := range candidates {
		u = strings.TrimSpace(u)
		if u == "" || strings.HasPrefix(u, "data:") {
			continue
		}
		if strings.HasPrefix(u, "//") {
			return "https:" + u
		}
		if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
			return u
		}
	}
	return ""
}

// ImageAttrs is the ordered list of attributes that lazy-loading markup
// hides the real image URL in.
var ImageAttrs = []string{
	"data-savepage-currentsrc",
	"data-savepage-src",
	"data-src",
	"data-lazy",
	"data-original",
	"src",
}

// ImageURL picks a thumbnail URL from an attribute getter (goquery's
// Selection.Attr fits) plus the first srcset entry.
func ImageURL(attr func(name string) (string, bool)) string {
	var candidates []string
	for _, name := range ImageAttrs {
		if v, ok := attr(name); ok && v != "" {
			candidates = append(candidates, v)
		}
	}
	if srcset, ok := attr("srcset"); ok {
		if fields := strings.Fields(srcset); len(fields) > 0 {
			candidates = append(candidates, fields[0])
		}
	}
	return FirstHTTPURL(candidates...)
}

// AbsURL resolves href against base. Already-absolute URLs pass through,
// protocol-relative ones get https.
func AbsURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	h, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return b.ResolveReference(h).String()
}

// StableID derives a short stable identifier for sources that expose none:
// the first 12 hex chars of MD5 over the product URL or title.
func StableID(value string) string {
	if value == "" {
		return ""
	}
	sum := md5.Sum([]byte(value))
	return hex.EncodeToString(sum[:])[:12]
}
