package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/PuerkitoBio/rehttp"
	tls "github.com/refraction-networking/utls"

	"github.com/Jeskrill/PriceWiseApi/config"
)

// Pool keeps one long-lived HTTP client per distinct outbound proxy.
// The empty key is the direct client. Clients share nothing, so a flaky
// proxy cannot poison the direct connection pool.
type Pool struct {
	cfg *config.Config

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewPool creates the pool. Clients are built lazily on first use.
func NewPool(cfg *config.Config) *Pool {
	return &Pool{
		cfg:     cfg,
		clients: make(map[string]*http.Client),
	}
}

// Client returns the shared client for the given proxy URL ("" = direct).
func (p *Pool) Client(proxyURL string) *http.Client {
	key := NormalizeProxyURL(proxyURL)
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c
	}
	c := newClient(key, p.cfg.Search.Timeout)
	p.clients[key] = c
	return c
}

// Transport exposes the retrying transport behind a pool client so adapter
// HTTP stacks (resty) can reuse the same connections and proxy routing.
func (p *Pool) Transport(proxyURL string) http.RoundTripper {
	return p.Client(proxyURL).Transport
}

// Close drops idle connections on every client. In-flight requests finish
// on their own; background stragglers are abandoned by design.
func (p *Pool) Close() {
	p.mu.Lock()
	clients := make([]*http.Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.clients = make(map[string]*http.Client)
	p.mu.Unlock()
	for _, c := range clients {
		c.CloseIdleConnections()
	}
}

func newClient(proxyURL string, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialTLSChrome(ctx, network, addr)
		},
		MaxConnsPerHost:     20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   false,
	}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
			transport.Proxy = http.ProxyURL(u)
			// Through a CONNECT tunnel the transport does its own TLS; the
			// fingerprinted dial only applies to direct connections.
			transport.DialTLSContext = nil
			transport.TLSHandshakeTimeout = 15 * time.Second
		}
	}

	retrying := rehttp.NewTransport(
		transport,
		rehttp.RetryAll(
			rehttp.RetryMaxRetries(2),
			rehttp.RetryTemporaryErr(),
		),
		rehttp.ConstDelay(250*time.Millisecond),
	)

	return &http.Client{
		Transport: retrying,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
}

// chromeH1Spec is a Chrome-like TLS ClientHello with ALPN forced to http/1.1
// only. Computed once at init time and reused for every connection.
var chromeH1Spec tls.ClientHelloSpec

func init() {
	spec, err := tls.UTLSIdToSpec(tls.HelloChrome_Auto)
	if err != nil {
		return
	}
	// Drop h2 from the ALPN extension: utls negotiating HTTP/2 while the
	// transport only speaks h1 produces framing garbage.
	for i, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			spec.Extensions[i] = alpn
			break
		}
	}
	chromeH1Spec = spec
}

// dialTLSChrome establishes a TLS connection presenting a Chrome ClientHello
// via utls, so TLS-fingerprinting edges see a browser, not a Go client.
func dialTLSChrome(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(addr)
	tlsConn := tls.UClient(rawConn, &tls.Config{ServerName: host}, tls.HelloCustom)
	if err := tlsConn.ApplyPreset(&chromeH1Spec); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("fetch: apply tls spec: %w", err)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}
