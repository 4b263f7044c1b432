package fetch

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

const maxBodyBytes = 10 << 20

// Options tune a single Get call.
type Options struct {
	// Timeout overrides the client default for this request.
	Timeout time.Duration

	// Headers are merged over the defaults.
	Headers map[string]string

	// Proxy overrides the provider's configured proxy routing.
	// nil keeps the mapping; a pointer to "" forces a direct connection.
	Proxy *string
}

// Result is the decoded outcome of a Get.
type Result struct {
	Status   int
	Body     string
	Title    string
	FinalURL string
}

// Get fetches a provider page: proxy routing by provider name, default
// browser-like headers, redirect following, declared-charset decode and
// <title> extraction. Network failure returns a nil Result and an error;
// any HTTP status is a valid Result.
func (p *Pool) Get(ctx context.Context, provider, rawURL string, opts *Options) (*Result, error) {
	if opts == nil {
		opts = &Options{}
	}

	proxyURL := HTTPProxyFor(&p.cfg.Proxy, provider)
	if opts.Proxy != nil {
		proxyURL = *opts.Proxy
	}
	if ProviderBase(provider) == "avito.ru" {
		brief := "none"
		if proxyURL != "" {
			brief = ProxyBrief(proxyURL)
		}
		slog.Info("http proxy", "provider", provider, "proxy", brief)
	}
	client := p.Client(proxyURL)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	p.setHeaders(req, provider, opts.Headers)

	t0 := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		slog.Error("http fetch failed", "provider", provider, "error", err)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp)
	if err != nil {
		slog.Error("http decode failed", "provider", provider, "error", err)
		return nil, err
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	slog.Info("http fetch",
		"provider", provider,
		"status", resp.StatusCode,
		"elapsed", time.Since(t0).Round(10*time.Millisecond),
		"ct", resp.Header.Get("Content-Type"),
		"ce", resp.Header.Get("Content-Encoding"),
		"bytes", len(body),
	)
	return &Result{
		Status:   resp.StatusCode,
		Body:     body,
		Title:    HTMLTitle(body),
		FinalURL: finalURL,
	}, nil
}

func (p *Pool) setHeaders(req *http.Request, provider string, extra map[string]string) {
	req.Header.Set("User-Agent", UserAgentFor(provider))
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,en;q=0.8")
	// brotli is excluded on purpose: without a decoder the body comes back
	// as compressed garbage.
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	req.Header.Set("Connection", "keep-alive")
	if ProviderBase(provider) == "dns-shop.ru" {
		if cookie := strings.TrimSpace(p.cfg.Search.DNSCookie); cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
}

// decodeBody unwraps the content encoding and converts the declared charset
// to UTF-8, falling back to the raw bytes when the declaration lies.
func decodeBody(resp *http.Response) (string, error) {
	var r io.Reader = io.LimitReader(resp.Body, maxBodyBytes)

	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return "", err
		}
		defer gz.Close()
		r = gz
	case "deflate":
		fl := flate.NewReader(r)
		defer fl.Close()
		r = fl
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	decoded, err := charset.NewReader(strings.NewReader(string(raw)), resp.Header.Get("Content-Type"))
	if err != nil {
		return string(raw), nil
	}
	out, err := io.ReadAll(decoded)
	if err != nil {
		return string(raw), nil
	}
	return string(out), nil
}

// HTMLTitle extracts the first <title> text with whitespace collapsed.
func HTMLTitle(body string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(body))
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "title" {
				if tokenizer.Next() == html.TextToken {
					return strings.Join(strings.Fields(string(tokenizer.Text())), " ")
				}
				return ""
			}
		}
	}
}
