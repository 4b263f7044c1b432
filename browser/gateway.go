// Package browser wraps a shared headless Chromium behind a small render
// API. It is the fallback path for providers whose HTML is empty or
// blocked over plain HTTP.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	"github.com/Jeskrill/PriceWiseApi/config"
	"github.com/Jeskrill/PriceWiseApi/fetch"
)

// maxConcurrentRenders bounds browser load: renders are memory-hungry and
// anti-bot systems get suspicious about parallel tabs from one profile.
const maxConcurrentRenders = 2

// shimJS patches the most commonly probed automation tells. It runs on top
// of the stealth bundle, and alone when the bundle fails to evaluate.
const shimJS = `
Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
window.chrome = window.chrome || { runtime: {} };
Object.defineProperty(navigator, 'languages', {get: () => ['ru-RU', 'ru', 'en-US', 'en']});
Object.defineProperty(navigator, 'plugins', {get: () => [1, 2, 3, 4, 5]});
`

// RenderOptions tune a single Render call.
type RenderOptions struct {
	// Headless overrides the configured default. Some providers (Avito)
	// detect headless mode itself and need a headful window.
	Headless *bool

	// Scroll walks the page down in steps so lazy-loaded cards mount.
	Scroll      bool
	ScrollTimes int
	ScrollPause time.Duration

	// PrewarmURL is navigated first to collect session cookies.
	PrewarmURL string

	ExtraHeaders map[string]string
}

// Result is the rendered page.
type Result struct {
	HTML     string
	Title    string
	FinalURL string
}

// Gateway owns the browser lifecycle. Browsers are launched lazily per
// (proxy, headless) pair and reused across renders.
type Gateway struct {
	cfg *config.Config

	sem      chan struct{}
	mu       chan struct{} // serializes lazy browser launch
	browsers map[string]*rod.Browser
}

// NewGateway creates a Gateway. No browser is launched until the first
// Render call.
func NewGateway(cfg *config.Config) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		sem:      make(chan struct{}, maxConcurrentRenders),
		mu:       make(chan struct{}, 1),
		browsers: make(map[string]*rod.Browser),
	}
	g.mu <- struct{}{}
	return g
}

// Render loads a URL in a fresh page, waits for the selector (best effort)
// and returns the DOM. A navigation timeout still returns whatever DOM is
// present: a partially rendered listing beats nothing.
func (g *Gateway) Render(ctx context.Context, provider, rawURL, waitSelector string, wait time.Duration, opts *RenderOptions) (*Result, error) {
	if opts == nil {
		opts = &RenderOptions{}
	}

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-g.sem }()

	headless := g.cfg.Browser.Headless
	if opts.Headless != nil {
		headless = *opts.Headless
	}
	proxyURL := fetch.BrowserProxyFor(&g.cfg.Proxy, provider)

	browser, err := g.browser(proxyURL, headless)
	if err != nil {
		return nil, err
	}

	t0 := time.Now()
	page, err := stealth.Page(browser)
	if err != nil {
		// The stealth bundle occasionally fails to evaluate on new Chromium
		// builds; a plain page with the shim still beats no render.
		slog.Warn("stealth page failed, using plain page", "provider", provider, "error", err)
		page, err = browser.Page(proto.TargetCreateTarget{})
		if err != nil {
			return nil, fmt.Errorf("browser: create page: %w", err)
		}
	}
	defer func() { _ = page.Close() }()

	if _, err := page.EvalOnNewDocument(shimJS); err != nil {
		slog.Warn("stealth shim failed", "provider", provider, "error", err)
	}

	headers := map[string]string{
		"Accept-Language": "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7",
	}
	if _, ok := opts.ExtraHeaders["Referer"]; !ok {
		if u, err := url.Parse(rawURL); err == nil {
			headers["Referer"] = "https://www.google.com/search?q=" + url.QueryEscape(u.Hostname())
		}
	}
	for k, v := range opts.ExtraHeaders {
		headers[k] = v
	}
	_ = proto.NetworkSetExtraHTTPHeaders{Headers: toHeadersMap(headers)}.Call(page)

	deadline := wait + 10*time.Second
	navCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	p := page.Context(navCtx)

	if opts.PrewarmURL != "" {
		if err := p.Navigate(opts.PrewarmURL); err == nil {
			_ = p.WaitDOMStable(300*time.Millisecond, 0.1)
		}
	}

	if err := p.Navigate(rawURL); err != nil {
		slog.Warn("navigation failed, extracting partial DOM", "provider", provider, "url", rawURL, "error", err)
	}
	_ = p.WaitDOMStable(300*time.Millisecond, 0.1)

	if waitSelector != "" {
		waitCtx, waitCancel := context.WithTimeout(ctx, wait)
		if _, err := page.Context(waitCtx).Element(waitSelector); err != nil {
			slog.Debug("wait selector not found", "provider", provider, "selector", waitSelector)
		}
		waitCancel()
	}

	if opts.Scroll {
		g.scroll(p, opts.ScrollTimes, opts.ScrollPause)
	}

	// Extract on a fresh context: the navigation deadline may already be
	// spent, and a partially rendered listing is still worth returning.
	extractCtx, extractCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer extractCancel()
	pe := page.Context(extractCtx)

	htmlStr, err := pe.HTML()
	if err != nil {
		return nil, fmt.Errorf("browser: extract html: %w", err)
	}
	title := evalStringOrEmpty(pe, `() => document.title`)
	finalURL := evalStringOrEmpty(pe, `() => window.location.href`)
	if finalURL == "" {
		finalURL = rawURL
	}

	slog.Info("browser render",
		"provider", provider,
		"elapsed", time.Since(t0).Round(10*time.Millisecond),
		"title", title,
	)
	return &Result{HTML: htmlStr, Title: title, FinalURL: finalURL}, nil
}

// scroll advances the viewport in steps rather than jumping to the bottom:
// listings mount cards per viewport and a bottom-jump skips the middle.
func (g *Gateway) scroll(p *rod.Page, times int, pause time.Duration) {
	if times < 1 {
		times = 1
	}
	if pause <= 0 {
		pause = time.Second
	}
	height := 0
	if res, err := p.Eval(`() => document.body ? document.body.scrollHeight : 0`); err == nil {
		height = res.Value.Int()
	}
	step := 900
	if height > 0 && height/(times+1) > step {
		step = height / (times + 1)
	}
	y := 0
	for i := 0; i < times; i++ {
		y += step
		if _, err := p.Eval(`(yy) => window.scrollTo(0, yy)`, y); err != nil {
			return
		}
		time.Sleep(pause)
	}
}

// browser returns a connected browser for the (proxy, headless) pair,
// launching it on first use.
func (g *Gateway) browser(proxyURL string, headless bool) (*rod.Browser, error) {
	key := fmt.Sprintf("%s|%v", fetch.ProxyServerForBrowser(proxyURL), headless)

	<-g.mu
	defer func() { g.mu <- struct{}{} }()

	if b, ok := g.browsers[key]; ok {
		return b, nil
	}

	l := launcher.New().Headless(headless)
	if g.cfg.Browser.ExecutablePath != "" {
		l = l.Bin(g.cfg.Browser.ExecutablePath)
	}
	if server := fetch.ProxyServerForBrowser(proxyURL); server != "" {
		l = l.Proxy(server)
	}

	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-gpu"))
	l.Set(flags.Flag("no-first-run"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("window-size"), "1280,900")
	l.Set(flags.Flag("lang"), "ru-RU")
	for _, arg := range g.cfg.Browser.ExtraArgs {
		arg = strings.TrimPrefix(strings.TrimSpace(arg), "--")
		if arg == "" {
			continue
		}
		if name, value, ok := strings.Cut(arg, "="); ok {
			l.Set(flags.Flag(name), value)
		} else {
			l.Set(flags.Flag(arg))
		}
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("browser: launch: %w", err)
	}
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	slog.Info("browser launched", "headless", headless, "proxy", fetch.ProxyBrief(proxyURL))
	g.browsers[key] = b
	return b, nil
}

// Close kills every launched browser. Call on shutdown to avoid zombie
// Chromium processes.
func (g *Gateway) Close() {
	<-g.mu
	defer func() { g.mu <- struct{}{} }()
	for key, b := range g.browsers {
		if err := b.Close(); err != nil {
			slog.Warn("browser close failed", "key", key, "error", err)
		}
		delete(g.browsers, key)
	}
}

func evalStringOrEmpty(page *rod.Page, js string) string {
	res, err := page.Eval(js)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}

func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}
