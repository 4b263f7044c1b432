package fetch

import (
	"net/url"
	"strings"

	"github.com/Jeskrill/PriceWiseApi/config"
)

const (
	// UserAgent is the default desktop Chrome identity for HTTP fetches.
	UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/123.0.6312.105 Safari/537.36"

	// AvitoUserAgent is a slightly newer build; Avito's edge scores the UA
	// version against the TLS fingerprint.
	AvitoUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// ProviderBase strips a variant suffix from a provider name:
// "wildberries.ru:popular" -> "wildberries.ru".
func ProviderBase(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	if i := strings.Index(p, ":"); i >= 0 {
		p = strings.TrimSpace(p[:i])
	}
	return p
}

// UserAgentFor returns the User-Agent to present to the provider.
func UserAgentFor(provider string) string {
	if ProviderBase(provider) == "avito.ru" {
		return AvitoUserAgent
	}
	return UserAgent
}

// browserFallbackSources are providers whose HTTP fetches fall back to the
// browser proxy when no dedicated HTTP proxy is configured: their edges
// block datacenter IPs far more aggressively than the rest.
var browserFallbackSources = map[string]struct{}{
	"avito.ru":       {},
	"wildberries.ru": {},
	"onlinetrade.ru": {},
	"ozon.ru":        {},
}

// NormalizeProxyURL reduces a proxy URL to scheme://[user:pass@]host:port.
// https downgrades to http: most proxies speak plain HTTP CONNECT.
func NormalizeProxyURL(proxyURL string) string {
	u := strings.TrimSpace(proxyURL)
	if u == "" {
		return ""
	}
	p, err := url.Parse(u)
	if err != nil || p.Hostname() == "" || p.Port() == "" {
		return u
	}
	scheme := strings.ToLower(p.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	if scheme == "https" {
		scheme = "http"
	}
	auth := ""
	if p.User != nil {
		auth = p.User.String() + "@"
	}
	return scheme + "://" + auth + p.Hostname() + ":" + p.Port()
}

// ProxyServerForBrowser strips credentials from a proxy URL; Chromium does
// not accept user:pass in --proxy-server and reports ERR_NO_SUPPORTED_PROXIES.
func ProxyServerForBrowser(proxyURL string) string {
	u := strings.TrimSpace(proxyURL)
	if u == "" {
		return ""
	}
	p, err := url.Parse(u)
	if err != nil || p.Hostname() == "" || p.Port() == "" {
		return u
	}
	scheme := strings.ToLower(p.Scheme)
	if scheme == "" || scheme == "https" {
		scheme = "http"
	}
	return scheme + "://" + p.Hostname() + ":" + p.Port()
}

// ProxyBrief renders a proxy URL for logs without leaking credentials.
func ProxyBrief(proxyURL string) string {
	u := strings.TrimSpace(proxyURL)
	if u == "" {
		return ""
	}
	p, err := url.Parse(u)
	if err != nil || p.Hostname() == "" || p.Port() == "" {
		return "<invalid>"
	}
	scheme := strings.ToLower(p.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	auth := "noauth"
	if p.User != nil && p.User.String() != "" {
		auth = "auth"
	}
	return scheme + "://" + p.Hostname() + ":" + p.Port() + " (" + auth + ")"
}

// HTTPProxyFor resolves the outbound proxy for a provider's HTTP fetches.
// Returns "" for a direct connection.
func HTTPProxyFor(cfg *config.ProxyConfig, provider string) string {
	base := ProviderBase(provider)
	proxyURL := strings.TrimSpace(cfg.HTTPProxyURL)
	if _, ok := browserFallbackSources[base]; ok {
		if proxyURL == "" {
			proxyURL = strings.TrimSpace(cfg.BrowserProxyURL)
		}
		return NormalizeProxyURL(proxyURL)
	}
	if proxyURL == "" {
		return ""
	}
	if !sourceListed(cfg.Sources, base) {
		return ""
	}
	return NormalizeProxyURL(proxyURL)
}

// BrowserProxyFor resolves the proxy for a provider's browser renders.
func BrowserProxyFor(cfg *config.ProxyConfig, provider string) string {
	base := ProviderBase(provider)
	if _, ok := browserFallbackSources[base]; ok {
		if p := strings.TrimSpace(cfg.BrowserProxyURL); p != "" {
			return p
		}
		return strings.TrimSpace(cfg.HTTPProxyURL)
	}
	if strings.Contains(base, "eldorado") {
		if p := strings.TrimSpace(cfg.EldoradoProxyURL); p != "" {
			return p
		}
		return strings.TrimSpace(cfg.BrowserProxyURL)
	}
	if cfg.BrowserProxyAll {
		return strings.TrimSpace(cfg.BrowserProxyURL)
	}
	if sourceListed(cfg.Sources, base) {
		return strings.TrimSpace(cfg.BrowserProxyURL)
	}
	return ""
}

func sourceListed(sources []string, base string) bool {
	for _, s := range sources {
		if strings.ToLower(strings.TrimSpace(s)) == base {
			return true
		}
	}
	return false
}
