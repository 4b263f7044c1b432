package search

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Jeskrill/PriceWiseApi/config"
	"github.com/Jeskrill/PriceWiseApi/models"
	"github.com/Jeskrill/PriceWiseApi/provider"
)

type fakeProvider struct {
	name string
	fn   func(ctx context.Context, query string, limit int) ([]models.Item, error)
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Search(ctx context.Context, query string, limit int) ([]models.Item, error) {
	return f.fn(ctx, query, limit)
}

func item(source, id string, price int, title string) models.Item {
	return models.Item{
		ID:     source + "-" + id,
		Title:  title,
		Price:  price,
		Source: source,
	}
}

func newTestService(providers map[string]*fakeProvider) *Service {
	cfg := &config.Config{
		Search: config.SearchConfig{Timeout: 200 * time.Millisecond},
	}
	s := &Service{
		cfg:   cfg,
		cache: NewCache(),
		now:   time.Now,
	}
	s.providerFor = func(source string) provider.Provider {
		p, ok := providers[source]
		if !ok {
			return nil
		}
		return p
	}
	s.fetchPage = func(ctx context.Context, providerName, rawURL string) (string, string, string, error) {
		return "", "", "", fmt.Errorf("no fetch in tests")
	}
	return s
}

func TestSearchMergesAndSortsByPrice(t *testing.T) {
	providers := map[string]*fakeProvider{
		"avito.ru": {name: "avito.ru", fn: func(ctx context.Context, q string, limit int) ([]models.Item, error) {
			return []models.Item{
				item("avito.ru", "1", 500, "iphone 15"),
				item("avito.ru", "2", 0, "iphone 15 без цены"),
			}, nil
		}},
		"cdek.shopping": {name: "cdek.shopping", fn: func(ctx context.Context, q string, limit int) ([]models.Item, error) {
			return []models.Item{item("cdek.shopping", "3", 100, "iphone 15 pro")}, nil
		}},
	}
	s := newTestService(providers)

	items, _, meta := s.SearchProducts(context.Background(), "iphone 15", 0, 10,
		[]string{"avito.ru", "cdek.shopping"}, false, false)

	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	if items[0].Price != 100 || items[1].Price != 500 {
		t.Errorf("not sorted by price: %v, %v", items[0], items[1])
	}
	if items[2].Price != 0 {
		t.Errorf("unknown price must sink to the bottom, got %v", items[2])
	}
	if meta.TotalSources != 2 || meta.CheckedSources != 2 || len(meta.PendingSources) != 0 {
		t.Errorf("meta = %+v", meta)
	}
}

func TestSearchDropsIrrelevantTitles(t *testing.T) {
	providers := map[string]*fakeProvider{
		"avito.ru": {name: "avito.ru", fn: func(ctx context.Context, q string, limit int) ([]models.Item, error) {
			return []models.Item{
				item("avito.ru", "1", 500, "Apple iPhone 15"),
				item("avito.ru", "2", 300, "Стиральная машина"),
			}, nil
		}},
	}
	s := newTestService(providers)

	items, _, _ := s.SearchProducts(context.Background(), "iphone 15", 0, 10,
		[]string{"avito.ru"}, false, false)

	if len(items) != 1 {
		t.Fatalf("got %d items, want 1 (recommendation filtered out)", len(items))
	}
	if items[0].ID != "avito.ru-1" {
		t.Errorf("wrong survivor: %+v", items[0])
	}
}

func TestSearchDedupsAcrossCalls(t *testing.T) {
	var calls atomic.Int32
	providers := map[string]*fakeProvider{
		"avito.ru": {name: "avito.ru", fn: func(ctx context.Context, q string, limit int) ([]models.Item, error) {
			calls.Add(1)
			return []models.Item{item("avito.ru", "1", 500, "iphone 15")}, nil
		}},
	}
	s := newTestService(providers)

	for i := 0; i < 2; i++ {
		items, _, _ := s.SearchProducts(context.Background(), "iphone 15", 0, 10,
			[]string{"avito.ru"}, true, false)
		if len(items) != 1 {
			t.Fatalf("call %d: got %d items, want 1", i, len(items))
		}
	}
	// Per-source mode tracks watermarks: the second call must be served
	// entirely from cache.
	if calls.Load() != 1 {
		t.Errorf("provider called %d times, want 1 (watermark gating)", calls.Load())
	}
}

func TestSearchInvariantSeenMatchesItems(t *testing.T) {
	providers := map[string]*fakeProvider{
		"avito.ru": {name: "avito.ru", fn: func(ctx context.Context, q string, limit int) ([]models.Item, error) {
			return []models.Item{
				item("avito.ru", "1", 500, "iphone 15"),
				item("avito.ru", "1", 500, "iphone 15"), // duplicate id
			}, nil
		}},
	}
	s := newTestService(providers)
	s.SearchProducts(context.Background(), "iphone 15", 0, 10, []string{"avito.ru"}, false, false)

	entry := s.cache.GetOrCreate(CacheKey("iphone 15", []string{"avito.ru"}))
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if len(entry.seen) != len(entry.items) {
		t.Errorf("|seen| = %d, |items| = %d", len(entry.seen), len(entry.items))
	}
	if len(entry.items) != 1 {
		t.Errorf("duplicate id survived: %d items", len(entry.items))
	}
}

func TestSearchPartialTimeoutReportsPending(t *testing.T) {
	release := make(chan struct{})
	providers := map[string]*fakeProvider{
		"avito.ru": {name: "avito.ru", fn: func(ctx context.Context, q string, limit int) ([]models.Item, error) {
			return []models.Item{item("avito.ru", "fast", 100, "iphone 15")}, nil
		}},
		"cdek.shopping": {name: "cdek.shopping", fn: func(ctx context.Context, q string, limit int) ([]models.Item, error) {
			<-release
			return []models.Item{item("cdek.shopping", "slow", 50, "iphone 15")}, nil
		}},
	}
	s := newTestService(providers)
	s.fanoutDeadline = 30 * time.Millisecond

	items, hasMore, meta := s.SearchProducts(context.Background(), "iphone 15", 0, 10,
		[]string{"avito.ru", "cdek.shopping"}, false, true)

	if len(items) != 1 || items[0].ID != "avito.ru-fast" {
		t.Fatalf("partial response must carry the fast source only: %v", items)
	}
	if !hasMore {
		t.Errorf("has_more must be true while a source is pending")
	}
	if len(meta.PendingSources) != 1 || meta.PendingSources[0] != "cdek.shopping" {
		t.Errorf("pending = %v", meta.PendingSources)
	}
	if meta.CheckedSources != 1 || meta.TotalSources != 2 {
		t.Errorf("meta = %+v", meta)
	}

	// Let the straggler finish; it must land in the same cache entry.
	close(release)
	deadline := time.Now().Add(2 * time.Second)
	entry := s.cache.GetOrCreate(CacheKey("iphone 15", []string{"avito.ru", "cdek.shopping"}))
	for {
		entry.mu.Lock()
		done := len(entry.pendingSources) == 0 && len(entry.items) == 2
		entry.mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("straggler result never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}

	items2, _, meta2 := s.SearchProducts(context.Background(), "iphone 15", 0, 10,
		[]string{"avito.ru", "cdek.shopping"}, false, true)
	if len(items2) != 2 {
		t.Errorf("second call must see the background completion: %v", items2)
	}
	if len(meta2.PendingSources) != 0 {
		t.Errorf("pending after completion = %v", meta2.PendingSources)
	}
}

func TestSearchWaitForAllIgnoresDeadline(t *testing.T) {
	providers := map[string]*fakeProvider{
		"avito.ru": {name: "avito.ru", fn: func(ctx context.Context, q string, limit int) ([]models.Item, error) {
			time.Sleep(60 * time.Millisecond)
			return []models.Item{item("avito.ru", "1", 100, "iphone 15")}, nil
		}},
	}
	s := newTestService(providers)
	s.fanoutDeadline = 10 * time.Millisecond

	// per_source && !partial waits for every source regardless of deadline.
	items, _, meta := s.SearchProducts(context.Background(), "iphone 15", 0, 10,
		[]string{"avito.ru"}, true, false)

	if len(items) != 1 {
		t.Fatalf("wait-for-all must deliver the slow source: %v", items)
	}
	if len(meta.PendingSources) != 0 {
		t.Errorf("pending = %v", meta.PendingSources)
	}
}

func TestSearchUnknownSourceSkipped(t *testing.T) {
	s := newTestService(nil)

	items, _, meta := s.SearchProducts(context.Background(), "iphone 15", 0, 10,
		[]string{"nope.example"}, false, false)

	if len(items) != 0 {
		t.Errorf("items = %v", items)
	}
	if meta.TotalSources != 1 || meta.CheckedSources != 1 {
		t.Errorf("meta = %+v", meta)
	}
}

func TestSearchPerSourceView(t *testing.T) {
	providers := map[string]*fakeProvider{
		"avito.ru": {name: "avito.ru", fn: func(ctx context.Context, q string, limit int) ([]models.Item, error) {
			var out []models.Item
			for i := 0; i < limit; i++ {
				out = append(out, item("avito.ru", strconv.Itoa(i), 100+i, "iphone 15"))
			}
			return out, nil
		}},
		"cdek.shopping": {name: "cdek.shopping", fn: func(ctx context.Context, q string, limit int) ([]models.Item, error) {
			return []models.Item{item("cdek.shopping", "only", 50, "iphone 15")}, nil
		}},
	}
	s := newTestService(providers)

	items, hasMore, _ := s.SearchProducts(context.Background(), "iphone 15", 0, 3,
		[]string{"avito.ru", "cdek.shopping"}, true, false)

	// 3 from avito (its own window), 1 from cdek.
	if len(items) != 4 {
		t.Fatalf("got %d items, want 4", len(items))
	}
	if !hasMore {
		t.Errorf("has_more must be true: avito filled its whole window")
	}
	counts := map[string]int{}
	for _, it := range items {
		counts[it.Source]++
	}
	if counts["avito.ru"] != 3 || counts["cdek.shopping"] != 1 {
		t.Errorf("per-source windows wrong: %v", counts)
	}
	// The concatenation is re-sorted by price: cdek's 50 leads.
	if items[0].Source != "cdek.shopping" {
		t.Errorf("re-sort missing, first = %+v", items[0])
	}
}

func TestSearchPerSourcePaginationWindows(t *testing.T) {
	providers := map[string]*fakeProvider{
		"avito.ru": {name: "avito.ru", fn: func(ctx context.Context, q string, limit int) ([]models.Item, error) {
			var out []models.Item
			for i := 0; i < limit; i++ {
				out = append(out, item("avito.ru", fmt.Sprintf("%03d", i), 100+i, "iphone 15"))
			}
			return out, nil
		}},
	}
	s := newTestService(providers)

	page1, _, _ := s.SearchProducts(context.Background(), "iphone 15", 0, 2, []string{"avito.ru"}, true, false)
	page2, _, _ := s.SearchProducts(context.Background(), "iphone 15", 2, 2, []string{"avito.ru"}, true, false)

	seen := map[string]bool{}
	for _, it := range append(page1, page2...) {
		if seen[it.ID] {
			t.Errorf("item %s appears on both pages", it.ID)
		}
		seen[it.ID] = true
	}
	if len(seen) != 4 {
		t.Errorf("expected 4 distinct items over two pages, got %d", len(seen))
	}
}

func TestSearchGlobalMergeHasMore(t *testing.T) {
	providers := map[string]*fakeProvider{
		"avito.ru": {name: "avito.ru", fn: func(ctx context.Context, q string, limit int) ([]models.Item, error) {
			var out []models.Item
			for i := 0; i < 10; i++ {
				out = append(out, item("avito.ru", strconv.Itoa(i), 100+i, "iphone 15"))
			}
			return out, nil
		}},
	}
	s := newTestService(providers)

	items, hasMore, _ := s.SearchProducts(context.Background(), "iphone 15", 0, 3,
		[]string{"avito.ru"}, false, false)
	if len(items) != 3 {
		t.Fatalf("got %d items", len(items))
	}
	if !hasMore {
		t.Errorf("has_more must be true with more merged items cached")
	}
}

func TestSearchWatermarkAdvancesOnError(t *testing.T) {
	var calls atomic.Int32
	providers := map[string]*fakeProvider{
		"avito.ru": {name: "avito.ru", fn: func(ctx context.Context, q string, limit int) ([]models.Item, error) {
			calls.Add(1)
			return nil, fmt.Errorf("boom")
		}},
	}
	s := newTestService(providers)

	for i := 0; i < 2; i++ {
		s.SearchProducts(context.Background(), "iphone 15", 0, 10, []string{"avito.ru"}, true, false)
	}
	if calls.Load() != 1 {
		t.Errorf("erroring provider called %d times, want 1 (no tight retry loop)", calls.Load())
	}
}

func TestSearchMerchantDisplayNameApplied(t *testing.T) {
	providers := map[string]*fakeProvider{
		"avito.ru": {name: "avito.ru", fn: func(ctx context.Context, q string, limit int) ([]models.Item, error) {
			it := item("avito.ru", "1", 100, "iphone 15")
			it.MerchantName = "avito.ru" // same as source -> replaced
			return []models.Item{it}, nil
		}},
	}
	s := newTestService(providers)

	items, _, _ := s.SearchProducts(context.Background(), "iphone 15", 0, 10,
		[]string{"avito.ru"}, false, false)
	if len(items) != 1 || items[0].MerchantName != "Avito" {
		t.Errorf("merchant name not mapped: %+v", items)
	}
}

// --- yandex filler ---

type fakeYandex struct {
	pages    map[int][]models.Item
	lastRS   string
	rsByPage map[int]string
}

func (f *fakeYandex) Name() string { return "market.yandex.ru" }

func (f *fakeYandex) SearchURL(query string, page int, rs string) string {
	f.lastRS = rs
	return "page:" + strconv.Itoa(page)
}

func (f *fakeYandex) ParseHTML(body string, limit int) []models.Item {
	page, _ := strconv.Atoi(strings.TrimPrefix(body, "page:"))
	items := f.pages[page]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func yandexItem(id string, price int) models.Item {
	return models.Item{
		ID:     "yandex-" + id,
		Title:  "Apple iPhone 15 " + id,
		Price:  price,
		Source: "market.yandex.ru",
	}
}

func newYandexService(fy *fakeYandex) *Service {
	s := newTestService(nil)
	s.yandex = fy
	s.fetchPage = func(ctx context.Context, providerName, rawURL string) (string, string, string, error) {
		page := strings.TrimPrefix(rawURL, "page:")
		final := "https://market.yandex.ru/search?rs=rs-" + page
		if rs, ok := fy.rsByPage[atoiOr(page)]; ok {
			final = "https://market.yandex.ru/search?rs=" + rs
		}
		return rawURL, "Яндекс Маркет", final, nil
	}
	return s
}

func atoiOr(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func TestYandexOnlySourceNoFanout(t *testing.T) {
	fy := &fakeYandex{pages: map[int][]models.Item{
		1: {yandexItem("1", 100), yandexItem("2", 200)},
	}}
	s := newYandexService(fy)
	fanoutCalled := false
	s.providerFor = func(source string) provider.Provider {
		fanoutCalled = true
		return nil
	}

	items, _, meta := s.SearchProducts(context.Background(), "iphone 15", 0, 2,
		[]string{"market.yandex.ru"}, true, false)

	if fanoutCalled {
		t.Errorf("a yandex-only request must not schedule fan-out tasks")
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	for _, it := range items {
		if it.Source != "market.yandex.ru" {
			t.Errorf("unexpected source %q", it.Source)
		}
	}
	if len(meta.PendingSources) != 0 {
		t.Errorf("pending = %v", meta.PendingSources)
	}
}

func TestYandexFillerPagesUntilTarget(t *testing.T) {
	fy := &fakeYandex{pages: map[int][]models.Item{
		1: {yandexItem("1", 100), yandexItem("2", 200)},
		2: {yandexItem("3", 300), yandexItem("4", 400)},
		3: {yandexItem("5", 500)},
	}}
	s := newYandexService(fy)

	items, hasMore, _ := s.SearchProducts(context.Background(), "iphone 15", 0, 4,
		[]string{"market.yandex.ru"}, true, false)

	if len(items) != 4 {
		t.Fatalf("got %d items, want 4 across two pages", len(items))
	}
	entry := s.cache.GetOrCreate(CacheKey("iphone 15", []string{"market.yandex.ru"}))
	entry.mu.Lock()
	nextPage := entry.yandexNextPage
	entry.mu.Unlock()
	if nextPage != 3 {
		t.Errorf("cursor = %d, want 3 (two pages consumed)", nextPage)
	}
	if !hasMore {
		t.Errorf("has_more must be true with pages left")
	}
}

func TestYandexFillerExhaustsOnEmptyPage(t *testing.T) {
	fy := &fakeYandex{pages: map[int][]models.Item{
		1: {yandexItem("1", 100)},
		// page 2 parses empty
	}}
	s := newYandexService(fy)

	_, hasMore, _ := s.SearchProducts(context.Background(), "iphone 15", 0, 5,
		[]string{"market.yandex.ru"}, true, false)

	entry := s.cache.GetOrCreate(CacheKey("iphone 15", []string{"market.yandex.ru"}))
	entry.mu.Lock()
	exhausted := entry.yandexExhausted
	entry.mu.Unlock()
	if !exhausted {
		t.Errorf("an empty parsed page must mark the cursor exhausted")
	}
	if hasMore {
		t.Errorf("has_more must be false once yandex is exhausted and nothing is pending")
	}
}

func TestYandexFillerFetchFailureDoesNotExhaust(t *testing.T) {
	fy := &fakeYandex{pages: map[int][]models.Item{}}
	s := newYandexService(fy)
	s.fetchPage = func(ctx context.Context, providerName, rawURL string) (string, string, string, error) {
		return "", "", "", fmt.Errorf("connect timeout")
	}

	s.SearchProducts(context.Background(), "iphone 15", 0, 5,
		[]string{"market.yandex.ru"}, true, false)

	entry := s.cache.GetOrCreate(CacheKey("iphone 15", []string{"market.yandex.ru"}))
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.yandexExhausted {
		t.Errorf("a transient fetch failure must not poison the cursor for the TTL")
	}
	if entry.yandexNextPage != 1 {
		t.Errorf("cursor must stay put on fetch failure, got %d", entry.yandexNextPage)
	}
}

func TestYandexFillerCarriesRSToken(t *testing.T) {
	fy := &fakeYandex{
		pages: map[int][]models.Item{
			1: {yandexItem("1", 100)},
			2: {yandexItem("2", 200)},
		},
		rsByPage: map[int]string{1: "cursor-one"},
	}
	s := newYandexService(fy)

	s.SearchProducts(context.Background(), "iphone 15", 0, 2,
		[]string{"market.yandex.ru"}, true, false)

	if fy.lastRS != "cursor-one" {
		t.Errorf("rs from page 1 final URL must flow into the page 2 request, got %q", fy.lastRS)
	}
}

func TestNormalizeSources(t *testing.T) {
	got := NormalizeSources([]string{" Avito.RU ", "avito.ru", "", "ozon.ru"})
	if len(got) != 2 || got[0] != "avito.ru" || got[1] != "ozon.ru" {
		t.Errorf("NormalizeSources = %v", got)
	}
	if def := NormalizeSources(nil); len(def) != 8 {
		t.Errorf("default source set size = %d, want 8", len(def))
	}
	if def := NormalizeSources([]string{"  ", ""}); len(def) != 8 {
		t.Errorf("blank-only input must fall back to defaults")
	}
}

func TestSlowTimeoutSelection(t *testing.T) {
	s := newTestService(nil)
	s.cfg.Search.Timeout = 35 * time.Second

	tests := []struct {
		partial, perSource bool
		n                  int
		want               time.Duration
	}{
		{true, false, 8, SlowSourcesTimeout},
		{true, true, 8, SlowSourcesTimeout},
		{false, true, 8, SlowSourcesTimeoutPerSource},
		{false, false, 8, SlowSourcesTimeout},
		{false, false, 1, 35 * time.Second},
		{true, false, 1, 35 * time.Second},
	}
	for _, tt := range tests {
		if got := s.slowTimeoutFor(tt.partial, tt.perSource, tt.n); got != tt.want {
			t.Errorf("slowTimeoutFor(%v, %v, %d) = %v, want %v", tt.partial, tt.perSource, tt.n, got, tt.want)
		}
	}
}
