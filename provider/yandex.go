package provider

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Jeskrill/PriceWiseApi/fetch"
	"github.com/Jeskrill/PriceWiseApi/models"
	"github.com/Jeskrill/PriceWiseApi/normalize"
)

// YandexSort orders the listing cheapest-first so incremental page pulls
// fill the cache in roughly final order.
const YandexSort = "aprice"

const yandexBaseURL = "https://market.yandex.ru"

// Yandex is the fast source: market.yandex.ru answers over plain HTTP and
// is pulled page-by-page by the orchestrator via SearchURL/ParseHTML.
type Yandex struct {
	deps *Deps
}

func (y *Yandex) Name() string { return "market.yandex.ru" }

// SearchURL builds the listing URL for a page, carrying the rs continuation
// token when one is known.
func (y *Yandex) SearchURL(query string, page int, rs string) string {
	u := yandexBaseURL + "/search?text=" + url.QueryEscape(query) +
		"&page=" + strconv.Itoa(page) + "&rt=9&how=" + YandexSort
	if rs != "" {
		u += "&rs=" + url.QueryEscape(rs)
	}
	return u
}

// Search fetches the first listing page over HTTP. The page-wise filling
// with the rs cursor is driven by the orchestrator.
func (y *Yandex) Search(ctx context.Context, query string, limit int) ([]models.Item, error) {
	res, err := y.deps.Fetch.Get(ctx, y.Name(), y.SearchURL(query, 1, ""), &fetch.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	items := y.ParseHTML(res.Body, limit)
	if len(items) == 0 {
		slog.Error("yandex parsed 0 items",
			"title", res.Title,
			"final_url", res.FinalURL,
			"status", res.Status,
			"blocked", fetch.LooksLikeBlockPage(res.Title, res.Body),
		)
	}
	return items, nil
}

var yandexPIDRe = regexp.MustCompile(`\d{6,}`)

func yandexPID(productURL string) string {
	path := productURL
	if u, err := url.Parse(productURL); err == nil && u.Path != "" {
		path = u.Path
	}
	if m := yandexPIDRe.FindString(path); m != "" {
		return m
	}
	return normalize.StableID(productURL)
}

// seoTitle filters out listing/SEO entities that leak into snippets and
// JSON-LD ("Купить ...", "Страница 2 ...").
func seoTitle(title string) bool {
	t := strings.ToLower(title)
	return strings.Contains(t, "купить") || strings.Contains(t, "страниц")
}

// ParseHTML extracts product tiles from a listing page. The primary path
// keys off the stable data-auto attributes of the snippet markup; JSON-LD
// is the fallback when the DOM ships empty.
func (y *Yandex) ParseHTML(html string, limit int) []models.Item {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var items []models.Item
	seenURLs := make(map[string]struct{})

	doc.Find(`a[data-auto='snippet-link'][href]`).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if href == "" {
			return true
		}

		titleNode := a.Find(`[data-auto='snippet-title']`).First()
		if titleNode.Length() == 0 {
			titleNode = a.Find(`[itemprop='name']`).First()
		}
		title := titleNode.AttrOr("title", "")
		if title == "" {
			title = strings.TrimSpace(titleNode.Text())
		}
		title = normalize.Title(title)
		if title == "" || seoTitle(title) {
			return true
		}

		productURL := normalize.AbsURL(yandexBaseURL, href)
		if productURL == "" {
			return true
		}
		if _, dup := seenURLs[productURL]; dup {
			return true
		}
		seenURLs[productURL] = struct{}{}

		// The price node is usually a sibling of the link, not its child:
		// climb to the card container that holds a snippet-price node.
		container := a
		for i := 0; i < 12; i++ {
			if container.Find(`[data-auto='snippet-price-current'], [data-auto^='snippet-price']`).Length() > 0 {
				break
			}
			parent := container.Parent()
			if parent.Length() == 0 {
				break
			}
			container = parent
		}
		priceNode := container.Find(`[data-auto='snippet-price-current']`).First()
		if priceNode.Length() == 0 {
			priceNode = container.Find(`[data-auto^='snippet-price']`).First()
		}
		priceText := strings.TrimSpace(priceNode.Text())
		if priceText == "" {
			priceText = strings.TrimSpace(container.Text())
		}
		price := normalize.Price(normalize.FirstPrice(priceText))

		img := container.Find("picture img").First()
		if img.Length() == 0 {
			img = container.Find("img").First()
		}
		thumb := normalize.ImageURL(img.Attr)

		items = append(items, models.Item{
			ID:           "yandex-" + yandexPID(productURL),
			Title:        title,
			Price:        price,
			ThumbnailURL: thumb,
			ProductURL:   productURL,
			MerchantName: "market.yandex.ru",
			Source:       "market.yandex.ru",
		})
		return len(items) < limit
	})

	if len(items) > 0 {
		return items
	}

	// JSON-LD on the Market sometimes carries page-level SEO entities with
	// bogus titles; keep only things that look like product cards.
	ld := extractJSONLD(doc, yandexBaseURL, "market.yandex.ru", "yandex", "market.yandex.ru", limit)
	var filtered []models.Item
	for _, it := range ld {
		path := it.ProductURL
		if u, err := url.Parse(it.ProductURL); err == nil && u.Path != "" {
			path = u.Path
		}
		if !strings.Contains(path, "/product--") && !strings.Contains(path, "/product/") && !strings.Contains(path, "/card/") {
			continue
		}
		if it.Title == "" || seoTitle(it.Title) || it.Price == 0 {
			continue
		}
		it.ID = "yandex-" + yandexPID(it.ProductURL)
		filtered = append(filtered, it)
		if len(filtered) >= limit {
			break
		}
	}
	return filtered
}
