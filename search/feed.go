package search

import (
	"context"
	"log/slog"
	"time"

	"github.com/Jeskrill/PriceWiseApi/browser"
	"github.com/Jeskrill/PriceWiseApi/fetch"
	"github.com/Jeskrill/PriceWiseApi/models"
)

// wbParser is the slice of the Wildberries adapter the feed needs.
type wbParser interface {
	ParseHTML(html string, limit int) []models.Item
}

// renderPage renders one storefront page; substituted in tests.
type renderPage func(ctx context.Context, providerName, rawURL, waitSelector string, wait time.Duration, opts *browser.RenderOptions) (html, title, finalURL string, err error)

// FetchWBPopular pulls home-screen recommendations from the Wildberries
// storefront pages. Candidates are tried in order: the main page, then the
// new and popular showcase pages; the first one that renders, is not a block
// page and parses to a non-empty list wins.
func (s *Service) FetchWBPopular(ctx context.Context, offset, limit int) ([]models.Item, bool) {
	wb, _ := s.providerFor("wildberries.ru").(wbParser)
	if wb == nil {
		return nil, false
	}
	render := s.render
	if render == nil {
		render = s.defaultRender
	}

	target := offset + limit
	candidates := []struct {
		name string
		url  string
	}{
		{"wildberries.ru:main", "https://www.wildberries.ru/"},
		{"wildberries.ru:new", "https://www.wildberries.ru/catalog/0/new.aspx"},
		{"wildberries.ru:popular", "https://www.wildberries.ru/catalog/0/popular.aspx"},
	}

	for _, cand := range candidates {
		html, title, finalURL, err := render(ctx, cand.name, cand.url,
			"article[data-nm-id], a.j-card-link", 20*time.Second,
			&browser.RenderOptions{
				Scroll:      true,
				ScrollTimes: 7,
				ScrollPause: time.Second,
			})
		if err != nil || html == "" {
			slog.Error("feed fetch failed", "provider", cand.name, "error", err)
			continue
		}

		if fetch.LooksLikeBlockPage(title, html) {
			slog.Error("feed blocked", "provider", cand.name, "title", title, "final_url", finalURL)
			continue
		}

		itemsFull := wb.ParseHTML(html, target+60)
		if len(itemsFull) == 0 {
			slog.Error("feed parsed 0 items", "provider", cand.name, "title", title, "final_url", finalURL)
			continue
		}
		for i := range itemsFull {
			if itemsFull[i].MerchantName == "" || itemsFull[i].MerchantName == itemsFull[i].Source {
				itemsFull[i].MerchantName = displayMerchantName(itemsFull[i].Source)
			}
		}

		sliced := sliceWindow(itemsFull, offset, limit)
		hasMore := len(itemsFull) > offset+len(sliced)
		return sliced, hasMore
	}

	return nil, false
}

func (s *Service) defaultRender(ctx context.Context, providerName, rawURL, waitSelector string, wait time.Duration, opts *browser.RenderOptions) (string, string, string, error) {
	res, err := s.deps.Browser.Render(ctx, providerName, rawURL, waitSelector, wait, opts)
	if err != nil {
		return "", "", "", err
	}
	return res.HTML, res.Title, res.FinalURL, nil
}
