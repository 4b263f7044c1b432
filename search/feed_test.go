package search

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/Jeskrill/PriceWiseApi/browser"
	"github.com/Jeskrill/PriceWiseApi/models"
	"github.com/Jeskrill/PriceWiseApi/provider"
)

type fakeWB struct {
	fakeProvider
	parsed []models.Item
}

func (f *fakeWB) ParseHTML(html string, limit int) []models.Item {
	items := f.parsed
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func feedItems(n int) []models.Item {
	var out []models.Item
	for i := 0; i < n; i++ {
		out = append(out, models.Item{
			ID:     "wb-" + strconv.Itoa(i),
			Title:  "Товар " + strconv.Itoa(i),
			Price:  100 + i,
			Source: "wildberries.ru",
		})
	}
	return out
}

func newFeedService(wb *fakeWB, render renderPage) *Service {
	s := newTestService(nil)
	s.providerFor = func(source string) provider.Provider {
		if source == "wildberries.ru" {
			return wb
		}
		return nil
	}
	s.render = render
	return s
}

func TestFetchWBPopularSlices(t *testing.T) {
	wb := &fakeWB{parsed: feedItems(30)}
	s := newFeedService(wb, func(ctx context.Context, providerName, rawURL, waitSelector string, wait time.Duration, opts *browser.RenderOptions) (string, string, string, error) {
		return "<html>storefront</html>", "Wildberries", rawURL, nil
	})

	items, hasMore := s.FetchWBPopular(context.Background(), 5, 10)
	if len(items) != 10 {
		t.Fatalf("got %d items, want 10", len(items))
	}
	if items[0].ID != "wb-5" {
		t.Errorf("offset not applied: first = %s", items[0].ID)
	}
	if !hasMore {
		t.Errorf("has_more must be true with 30 parsed and window ending at 15")
	}
	if items[0].MerchantName != "Wildberries" {
		t.Errorf("merchant display name missing: %q", items[0].MerchantName)
	}
}

func TestFetchWBPopularFallsThroughCandidates(t *testing.T) {
	wb := &fakeWB{parsed: feedItems(3)}
	var urls []string
	s := newFeedService(wb, func(ctx context.Context, providerName, rawURL, waitSelector string, wait time.Duration, opts *browser.RenderOptions) (string, string, string, error) {
		urls = append(urls, rawURL)
		if len(urls) == 1 {
			// First candidate serves a block page.
			return "<html>captcha</html>", "Подтвердите, что вы человек", rawURL, nil
		}
		return "<html>ok</html>", "Wildberries", rawURL, nil
	})

	items, _ := s.FetchWBPopular(context.Background(), 0, 10)
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3 from the second candidate", len(items))
	}
	if len(urls) != 2 {
		t.Errorf("expected the blocked candidate to be skipped, tried %v", urls)
	}
}

func TestFetchWBPopularAllCandidatesFail(t *testing.T) {
	wb := &fakeWB{parsed: nil}
	tries := 0
	s := newFeedService(wb, func(ctx context.Context, providerName, rawURL, waitSelector string, wait time.Duration, opts *browser.RenderOptions) (string, string, string, error) {
		tries++
		return "", "", "", fmt.Errorf("render failed")
	})

	items, hasMore := s.FetchWBPopular(context.Background(), 0, 10)
	if items != nil || hasMore {
		t.Errorf("expected empty result, got %v / %v", items, hasMore)
	}
	if tries != 3 {
		t.Errorf("all three candidates must be tried, got %d", tries)
	}
}
