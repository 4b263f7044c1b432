// Package search implements the query orchestrator: a TTL cache of merged
// results fed by an incremental fast source and a concurrent provider
// fan-out with partial-results semantics.
package search

import (
	"context"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/Jeskrill/PriceWiseApi/browser"
	"github.com/Jeskrill/PriceWiseApi/config"
	"github.com/Jeskrill/PriceWiseApi/cooldown"
	"github.com/Jeskrill/PriceWiseApi/fetch"
	"github.com/Jeskrill/PriceWiseApi/models"
	"github.com/Jeskrill/PriceWiseApi/normalize"
	"github.com/Jeskrill/PriceWiseApi/provider"
)

const (
	// PerSourceLimit is the uniform per-provider fetch size for explicit fan-out.
	PerSourceLimit = 20

	// SlowSourcesTimeout bounds the fan-out wait in partial and
	// global-merge modes.
	SlowSourcesTimeout = 8 * time.Second

	// SlowSourcesTimeoutPerSource bounds the wait when the caller asked
	// for complete per-source pages.
	SlowSourcesTimeoutPerSource = 60 * time.Second

	// YandexMaxPages is how deep the fast source is paged.
	YandexMaxPages = 10

	fastSource = "market.yandex.ru"
)

// DefaultSources is the fan-out set when the caller names none.
var DefaultSources = []string{
	"market.yandex.ru",
	"mvideo.ru",
	"citilink.ru",
	"eldorado.ru",
	"avito.ru",
	"cdek.shopping",
	"aliexpress.ru",
	"xcom-shop.ru",
}

var displayMerchantNames = map[string]string{
	"market.yandex.ru": "Яндекс Маркет",
	"aliexpress.ru":    "AliExpress",
	"wildberries.ru":   "Wildberries",
	"cdek.shopping":    "CDEK Shopping",
	"citilink.ru":      "Ситилинк",
	"xcom-shop.ru":     "XCOM-SHOP",
	"mvideo.ru":        "М.Видео",
	"eldorado.ru":      "Эльдорадо",
	"dns-shop.ru":      "DNS",
	"avito.ru":         "Avito",
	"onlinetrade.ru":   "Onlinetrade",
	"ozon.ru":          "Ozon",
}

func displayMerchantName(source string) string {
	if name, ok := displayMerchantNames[source]; ok {
		return name
	}
	return source
}

// NormalizeSources lowercases, trims and dedupes the requested sources,
// substituting the default set when the list is empty.
func NormalizeSources(sources []string) []string {
	var cleaned []string
	seen := make(map[string]struct{})
	for _, s := range sources {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		cleaned = append(cleaned, s)
	}
	if len(cleaned) == 0 {
		out := make([]string, len(DefaultSources))
		copy(out, DefaultSources)
		return out
	}
	return cleaned
}

// yandexSource is the slice of the fast-source adapter the filler needs.
type yandexSource interface {
	Name() string
	SearchURL(query string, page int, rs string) string
	ParseHTML(html string, limit int) []models.Item
}

// pageFetcher fetches one listing page; substituted in tests.
type pageFetcher func(ctx context.Context, providerName, rawURL string) (body, title, finalURL string, err error)

// Service is the search orchestrator. Construct with NewService; the cache,
// cooldown registry and client pools are injected once and shared.
type Service struct {
	cfg   *config.Config
	cache *Cache
	deps  *provider.Deps

	providerFor func(source string) provider.Provider
	yandex      yandexSource
	fetchPage   pageFetcher
	render      renderPage
	now         func() time.Time

	// fanoutDeadline, when set, overrides the computed fan-out deadline.
	fanoutDeadline time.Duration
}

// NewService wires the orchestrator against the real provider registry.
func NewService(cfg *config.Config, pool *fetch.Pool, gateway *browser.Gateway, cooldowns *cooldown.Registry) *Service {
	deps := &provider.Deps{
		Fetch:     pool,
		Browser:   gateway,
		Cooldowns: cooldowns,
		Config:    cfg,
	}
	s := &Service{
		cfg:   cfg,
		cache: NewCache(),
		deps:  deps,
		now:   time.Now,
	}
	s.providerFor = func(source string) provider.Provider {
		return provider.For(source, deps)
	}
	if y, ok := provider.For(fastSource, deps).(*provider.Yandex); ok {
		s.yandex = y
	}
	s.fetchPage = func(ctx context.Context, providerName, rawURL string) (string, string, string, error) {
		res, err := pool.Get(ctx, providerName, rawURL, nil)
		if err != nil {
			return "", "", "", err
		}
		return res.Body, res.Title, res.FinalURL, nil
	}
	return s
}

// SearchProducts runs a search over the requested sources and returns the
// page at [offset, offset+limit), a has-more flag and fan-out metadata.
// Partial mode returns early with whatever arrived before the deadline and
// finishes the stragglers into the cache in the background.
func (s *Service) SearchProducts(ctx context.Context, query string, offset, limit int, sources []string, perSource, partial bool) ([]models.Item, bool, models.SearchMeta) {
	explicit := sources != nil
	sourcesN := NormalizeSources(sources)
	if !explicit && len(sourcesN) > 1 {
		explicit = true
	}

	entry := s.cache.GetOrCreate(CacheKey(query, sourcesN))

	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := s.now()
	if !entry.expiresAt.After(now) {
		entry.reset(now)
	}

	perSourceTarget := 0
	var target int
	if perSource {
		perSourceTarget = offset + limit
		target = minInt(perSourceTarget*len(sourcesN), MaxCacheItems)
	} else {
		target = minInt(offset+limit, MaxCacheItems)
	}

	slowTimeout := s.slowTimeoutFor(partial, perSource, len(sourcesN))
	waitForAll := perSource && !partial

	s.ensureCached(ctx, entry, query, target, sourcesN, explicit, perSourceTarget, slowTimeout, waitForAll)
	entry.sortItems()

	pending := make([]string, 0, len(entry.pendingSources))
	for src := range entry.pendingSources {
		pending = append(pending, src)
	}
	sort.Strings(pending)
	meta := models.SearchMeta{
		CheckedSources: maxInt(0, len(sourcesN)-len(pending)),
		TotalSources:   len(sourcesN),
		PendingSources: pending,
	}

	yandexHasMore := containsString(sourcesN, fastSource) &&
		!entry.yandexExhausted && entry.yandexNextPage <= YandexMaxPages

	if perSource {
		grouped := make(map[string][]models.Item, len(sourcesN))
		for _, item := range entry.items {
			grouped[item.Source] = append(grouped[item.Source], item)
		}
		var pageItems []models.Item
		hasMore := false
		for _, src := range sourcesN {
			itemsForSrc := grouped[src]
			if len(itemsForSrc) >= offset+limit {
				hasMore = true
			}
			pageItems = append(pageItems, sliceWindow(itemsForSrc, offset, limit)...)
		}
		if yandexHasMore {
			hasMore = true
		}
		if partial && len(entry.pendingSources) > 0 {
			hasMore = true
		}
		sortItems(pageItems)
		return pageItems, hasMore, meta
	}

	pageItems := sliceWindow(entry.items, offset, limit)
	hasMore := yandexHasMore
	if offset+len(pageItems) < len(entry.items) {
		hasMore = true
	}
	if partial && len(entry.pendingSources) > 0 {
		hasMore = true
	}
	return pageItems, hasMore, meta
}

// slowTimeoutFor selects the fan-out deadline for the request mode.
func (s *Service) slowTimeoutFor(partial, perSource bool, nSources int) time.Duration {
	if s.fanoutDeadline > 0 {
		return s.fanoutDeadline
	}
	slowTimeout := SlowSourcesTimeout
	if !partial && perSource {
		slowTimeout = SlowSourcesTimeoutPerSource
	}
	// A single-source request (say, just avito.ru) must not get cut off at
	// the fan-out deadline; give it the full search timeout.
	if nSources == 1 && s.cfg.Search.Timeout > slowTimeout {
		slowTimeout = s.cfg.Search.Timeout
	}
	return slowTimeout
}

// providerResult carries one fan-out outcome back to the collector.
type providerResult struct {
	source         string
	requestedLimit int
	prevLimit      int
	items          []models.Item
	err            error
}

// ensureCached fills the entry up to target. Caller holds entry.mu.
func (s *Service) ensureCached(ctx context.Context, entry *Entry, query string, target int, sources []string, explicit bool, perSourceTarget int, slowTimeout time.Duration, waitForAll bool) {
	if len(entry.items) >= target && !explicit {
		return
	}

	tokens := normalize.QueryTokens(query)

	// 1) The fast source first: cheap pages, sorted by price already.
	if containsString(sources, fastSource) && !entry.yandexExhausted {
		yandexTarget := target
		if perSourceTarget > 0 {
			yandexTarget = perSourceTarget
		}
		s.fillYandex(ctx, entry, query, tokens, yandexTarget)
	}

	if len(entry.items) >= target && !explicit {
		return
	}

	// 2) The slow, block-prone rest: scheduled once per watermark bump.
	remaining := maxInt(0, target-len(entry.items))
	if !explicit && remaining <= 0 {
		return
	}

	var perSourceLimit int
	if explicit {
		nonYandex := 0
		for _, src := range sources {
			if src != fastSource {
				nonYandex++
			}
		}
		if nonYandex == 0 {
			return
		}
		if perSourceTarget > 0 {
			perSourceLimit = perSourceTarget
		} else {
			perSourceLimit = PerSourceLimit
			if target > PerSourceLimit*nonYandex {
				perSourceLimit = (target + nonYandex - 1) / nonYandex
			}
		}
	} else {
		perSourceLimit = remaining
	}
	if perSourceLimit <= 0 {
		return
	}

	trackLimits := !explicit || perSourceTarget > 0

	resCh := make(chan providerResult, len(sources))
	scheduled := make([]string, 0, len(sources))
	for _, source := range sources {
		if source == fastSource {
			continue
		}
		if _, inFlight := entry.pendingSources[source]; inFlight {
			continue
		}
		prevLimit := 0
		if trackLimits {
			prevLimit = entry.sourceLimits[source]
			if prevLimit >= perSourceLimit {
				continue
			}
		}
		prov := s.providerFor(source)
		if prov == nil {
			slog.Warn("unknown source, skipping", "source", source)
			continue
		}
		scheduled = append(scheduled, source)
		go func(source string, prov provider.Provider, requested, prev int) {
			// Deliberately not the request context: a straggler keeps
			// running after the deadline and lands in the cache.
			items, err := prov.Search(context.Background(), query, requested)
			resCh <- providerResult{
				source:         source,
				requestedLimit: requested,
				prevLimit:      prev,
				items:          items,
				err:            err,
			}
		}(source, prov, perSourceLimit, prevLimit)
	}

	if len(scheduled) == 0 {
		return
	}

	if waitForAll {
		for range scheduled {
			res := <-resCh
			s.applyProviderResult(entry, tokens, explicit, trackLimits, res)
		}
		entry.pendingSources = make(map[string]struct{})
		return
	}

	timer := time.NewTimer(slowTimeout)
	defer timer.Stop()
	completed := make(map[string]struct{}, len(scheduled))
	received := 0

collect:
	for received < len(scheduled) {
		select {
		case res := <-resCh:
			received++
			completed[res.source] = struct{}{}
			s.applyProviderResult(entry, tokens, explicit, trackLimits, res)
		case <-timer.C:
			break collect
		}
	}

	if received < len(scheduled) {
		var lateSources []string
		for _, src := range scheduled {
			if _, done := completed[src]; !done {
				entry.pendingSources[src] = struct{}{}
				lateSources = append(lateSources, src)
			}
		}
		slog.Warn("sources timed out, continuing in background",
			"sources", strings.Join(lateSources, ","),
			"timeout", slowTimeout,
		)
		// Drain the stragglers into the entry under its own lock; the
		// next request with this key picks their items up for free.
		go func(remaining int) {
			for i := 0; i < remaining; i++ {
				res := <-resCh
				entry.mu.Lock()
				s.applyProviderResult(entry, tokens, explicit, trackLimits, res)
				delete(entry.pendingSources, res.source)
				entry.mu.Unlock()
			}
		}(len(scheduled) - received)
	}
}

// applyProviderResult normalizes, filters and dedups one provider's items
// into the entry, and advances the fill watermark. Caller holds entry.mu.
func (s *Service) applyProviderResult(entry *Entry, tokens []string, explicit, trackLimits bool, res providerResult) {
	if res.err != nil {
		slog.Error("provider failed", "source", res.source, "error", res.err)
		if trackLimits {
			// Advance the watermark anyway: an erroring source must not be
			// retried in a tight loop on every request.
			entry.sourceLimits[res.source] = res.requestedLimit
		}
		return
	}
	if len(res.items) > 0 || !explicit {
		entry.sourceLimits[res.source] = maxInt(res.prevLimit, res.requestedLimit)
	}
	for _, item := range res.items {
		// Recommendations sneak into provider output; re-normalize and
		// re-check relevance no matter what the adapter did.
		if item.Source == "aliexpress.ru" {
			item.Title = normalize.AliTitle(item.Title)
		} else {
			item.Title = normalize.Title(item.Title)
		}
		item.Price = normalize.Price(item.Price)
		if item.MerchantName == "" || item.MerchantName == item.Source {
			item.MerchantName = displayMerchantName(item.Source)
		}
		if len(tokens) > 0 && !normalize.MatchesQuery(item.Title, tokens) {
			continue
		}
		entry.add(item)
	}
}

// fillYandex pulls listing pages through the cursor until the target is
// met, a page parses empty (exhausted) or the fetch fails (transient; the
// cursor stays put so the next request retries the same page).
func (s *Service) fillYandex(ctx context.Context, entry *Entry, query string, tokens []string, yandexTarget int) {
	if s.yandex == nil {
		return
	}

	for entry.yandexCount() < yandexTarget && len(entry.items) < MaxCacheItems {
		if entry.yandexNextPage > YandexMaxPages {
			entry.yandexExhausted = true
			break
		}

		page := entry.yandexNextPage
		pageURL := s.yandex.SearchURL(query, page, entry.yandexRS)

		body, title, finalURL, err := s.fetchPage(ctx, s.yandex.Name(), pageURL)
		if body == "" {
			slog.Error("yandex page fetch failed", "page", page, "error", err)
			// Not exhausted: a network glitch must not poison the cache
			// for the whole TTL.
			break
		}

		if finalURL != "" {
			if u, perr := url.Parse(finalURL); perr == nil {
				if rs := u.Query().Get("rs"); rs != "" {
					entry.yandexRS = rs
				}
			}
		}

		parsed := s.yandex.ParseHTML(body, 100)
		var pageItems []models.Item
		if len(tokens) > 0 && len(parsed) > 0 {
			// The Market already ran a semantic search over the query; the
			// strict token filter over-prunes two-token queries ("pro max"),
			// so those accept a hit on either token.
			for _, it := range parsed {
				if len(tokens) == 2 {
					if normalize.MatchesQuery(it.Title, tokens[:1]) || normalize.MatchesQuery(it.Title, tokens[1:]) {
						pageItems = append(pageItems, it)
					}
				} else if normalize.MatchesQuery(it.Title, tokens) {
					pageItems = append(pageItems, it)
				}
			}
		} else {
			pageItems = parsed
		}
		entry.yandexNextPage++

		if len(pageItems) == 0 {
			slog.Error("yandex parsed 0 items",
				"page", page,
				"title", title,
				"final_url", finalURL,
				"blocked", fetch.LooksLikeBlockPage(title, body),
			)
			entry.yandexExhausted = true
			break
		}

		added := 0
		current := entry.yandexCount()
		for _, item := range pageItems {
			item.Title = normalize.Title(item.Title)
			item.Price = normalize.Price(item.Price)
			if item.MerchantName == "" || item.MerchantName == item.Source {
				item.MerchantName = displayMerchantName(item.Source)
			}
			if !entry.add(item) {
				continue
			}
			added++
			current++
			if current >= yandexTarget {
				break
			}
			if len(entry.items) >= MaxCacheItems {
				break
			}
		}

		slog.Info("yandex cached items", "added", added, "page", page, "title", title)
		if added == 0 {
			entry.yandexExhausted = true
			break
		}
	}
}

// SearchAcrossProviders is the one-shot aggregation used by internal
// callers: default sources, first page, global merge.
func (s *Service) SearchAcrossProviders(ctx context.Context, query string, limit int) []models.Item {
	items, _, _ := s.SearchProducts(ctx, query, 0, limit, nil, false, false)
	slog.Info("search aggregated", "count", len(items), "query", query)
	return items
}

func sliceWindow(items []models.Item, offset, limit int) []models.Item {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
