package provider

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"

	"github.com/Jeskrill/PriceWiseApi/browser"
	"github.com/Jeskrill/PriceWiseApi/fetch"
	"github.com/Jeskrill/PriceWiseApi/models"
	"github.com/Jeskrill/PriceWiseApi/normalize"
)

// wbAPIEndpoints is a ladder of BFF search versions; Wildberries retires
// them one by one, so each is tried until one answers.
var wbAPIEndpoints = []string{
	"https://search.wb.ru/exactmatch/ru/common/v8/search",
	"https://search.wb.ru/exactmatch/ru/common/v7/search",
	"https://search.wb.ru/exactmatch/ru/common/v6/search",
	"https://search.wb.ru/exactmatch/ru/common/v5/search",
	"https://search.wb.ru/exactmatch/ru/common/v4/search",
}

// Wildberries searches wildberries.ru, preferring the JSON BFF API and
// falling back to a browser render of the catalog page.
type Wildberries struct {
	deps *Deps
}

func (w *Wildberries) Name() string { return "wildberries.ru" }

func (w *Wildberries) Search(ctx context.Context, query string, limit int) ([]models.Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	if w.deps.Cooldowns.Active(w.Name()) {
		slog.Info("source cooling down, skipped", "source", w.Name(), "left", w.deps.Cooldowns.Left(w.Name()))
		return nil, nil
	}

	if items := w.searchViaAPI(ctx, query, limit); len(items) > 0 {
		slog.Info("wb parsed items via api", "count", len(items))
		return items, nil
	}
	items := w.searchViaBrowser(ctx, query, limit, w.deps.Config.Browser.Headless, true)
	if len(items) > 0 {
		slog.Info("wb parsed items via browser", "count", len(items))
	}
	return items, nil
}

type wbSearchPayload struct {
	Data struct {
		Products []wbProduct `json:"products"`
	} `json:"data"`
}

type wbProduct struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	SalePriceU int64  `json:"salePriceU"`
	PriceU     int64  `json:"priceU"`
	SalePrice  int64  `json:"salePrice"`
	Price      int64  `json:"price"`
	Sizes      []struct {
		Price struct {
			Product int64 `json:"product"`
		} `json:"price"`
	} `json:"sizes"`
}

func (w *Wildberries) restyClient() *resty.Client {
	proxy := fetch.HTTPProxyFor(&w.deps.Config.Proxy, w.Name())
	return resty.New().
		SetTransport(w.deps.Fetch.Transport(proxy)).
		SetTimeout(4 * time.Second).
		SetHeader("User-Agent", fetch.UserAgentFor(w.Name())).
		SetHeader("Accept", "application/json, text/plain, */*").
		SetHeader("Accept-Language", "ru-RU,ru;q=0.9,en;q=0.8").
		SetHeader("Referer", "https://www.wildberries.ru/")
}

func (w *Wildberries) searchViaAPI(ctx context.Context, query string, limit int) []models.Item {
	client := w.restyClient()
	params := map[string]string{
		"appType":            "1",
		"curr":               "rub",
		"dest":               "-1257786",
		"locale":             "ru",
		"lang":               "ru",
		"query":              query,
		"resultset":          "catalog",
		"sort":               "popular",
		"spp":                "30",
		"page":               "1",
		"suppressSpellcheck": "false",
	}

	for _, endpoint := range wbAPIEndpoints {
		t0 := time.Now()
		resp, err := client.R().
			SetContext(ctx).
			SetQueryParams(params).
			Get(endpoint)
		if err != nil {
			slog.Warn("wb api failed", "endpoint", endpoint, "error", err)
			continue
		}
		slog.Info("wb api",
			"status", resp.StatusCode(),
			"elapsed", time.Since(t0).Round(10*time.Millisecond),
			"bytes", len(resp.Body()),
		)
		if resp.StatusCode() != 200 {
			continue
		}
		var payload wbSearchPayload
		if err := json.Unmarshal(resp.Body(), &payload); err != nil {
			continue
		}
		if len(payload.Data.Products) == 0 {
			continue
		}
		return w.parseAPIProducts(payload.Data.Products, limit)
	}
	return nil
}

func (w *Wildberries) parseAPIProducts(products []wbProduct, limit int) []models.Item {
	var items []models.Item
	for _, p := range products {
		if p.ID == 0 {
			continue
		}
		title := normalize.Title(p.Name)
		if title == "" {
			continue
		}

		priceU := p.SalePriceU
		if priceU == 0 {
			priceU = p.PriceU
		}
		if priceU == 0 && len(p.Sizes) > 0 {
			priceU = p.Sizes[0].Price.Product
		}
		if priceU == 0 {
			priceU = p.SalePrice
			if priceU == 0 {
				priceU = p.Price
			}
		}
		// The *U fields are in kopecks.
		price := priceU
		if price > 10000 {
			price = price / 100
		}
		normPrice := normalize.Price(int(price))
		if normPrice <= 0 {
			continue
		}

		vol := p.ID / 100000
		part := p.ID / 1000
		thumb := fmt.Sprintf("https://images.wbstatic.net/c246x328/new/%d/%d/%d-1.jpg", vol, part, p.ID)
		productURL := fmt.Sprintf("https://www.wildberries.ru/catalog/%d/detail.aspx", p.ID)

		items = append(items, models.Item{
			ID:           "wb-" + strconv.FormatInt(p.ID, 10),
			Title:        title,
			Price:        normPrice,
			ThumbnailURL: thumb,
			ProductURL:   productURL,
			MerchantName: "wildberries.ru",
			Source:       "wildberries.ru",
		})
		if len(items) >= limit {
			break
		}
	}
	return items
}

func (w *Wildberries) searchViaBrowser(ctx context.Context, query string, limit int, headless, retryHeadful bool) []models.Item {
	rawURL := "https://www.wildberries.ru/catalog/0/search.aspx?search=" + url.QueryEscape(query)
	res, err := w.deps.Browser.Render(ctx, w.Name()+":browser", rawURL,
		"article[data-nm-id], a.j-card-link", 12*time.Second,
		&browser.RenderOptions{
			Headless:   &headless,
			PrewarmURL: "https://www.wildberries.ru/",
		})
	if err != nil {
		slog.Error("wb browser fetch failed", "error", err)
		return nil
	}

	items := w.ParseHTML(res.HTML, limit)
	if len(items) > 0 {
		return items
	}

	if fetch.LooksLikeBlockPage(res.Title, res.HTML) {
		slog.Error("wb blocked by anti-bot", "title", res.Title, "final_url", res.FinalURL)
		if retryHeadful && headless {
			slog.Warn("wb retrying headful after block")
			return w.searchViaBrowser(ctx, query, limit, false, false)
		}
		w.deps.Cooldowns.Set(w.Name(), 15*time.Minute, "wb block page")
		return nil
	}

	slog.Warn("wb browser parsed 0 items", "title", res.Title, "final_url", res.FinalURL)
	return nil
}

// ParseHTML extracts cards from a rendered catalog or storefront page.
// Used both by the browser fallback and by the popular feed.
func (w *Wildberries) ParseHTML(htmlBody string, limit int) []models.Item {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBody))
	if err != nil {
		return nil
	}

	var items []models.Item
	doc.Find("article[data-nm-id]").EachWithBreak(func(_ int, card *goquery.Selection) bool {
		pid := strings.TrimSpace(card.AttrOr("data-nm-id", card.AttrOr("id", "")))
		if pid == "" || !isDigits(pid) {
			return true
		}
		link := card.Find("a.j-card-link[href]").First()
		if link.Length() == 0 {
			link = card.Find("a[href*='/catalog/']").First()
		}
		href := normalize.AbsURL("https://www.wildberries.ru", link.AttrOr("href", ""))

		title := link.AttrOr("aria-label", "")
		if title == "" {
			title = strings.TrimSpace(card.Find("h3").First().Text())
		}
		if title == "" {
			return true
		}
		title = normalize.Title(title)

		// WB renders the price into data-params JSON as often as into text.
		price := wbPriceFromDataAttrs(card)
		if price <= 0 {
			price = normalize.FirstPrice(cardRubleText(card))
		}
		if price <= 0 {
			price = normalize.FirstPrice(strings.TrimSpace(card.Text()))
		}
		price = normalize.Price(price)
		if price <= 0 {
			return true
		}

		thumb := normalize.ImageURL(card.Find("img").First().Attr)

		items = append(items, models.Item{
			ID:           "wb-" + pid,
			Title:        title,
			Price:        price,
			ThumbnailURL: thumb,
			ProductURL:   href,
			MerchantName: "wildberries.ru",
			Source:       "wildberries.ru",
		})
		return len(items) < limit
	})
	return items
}

// wbPriceFromDataAttrs digs the price out of the JSON blobs WB attaches to
// cards (data-params and friends).
func wbPriceFromDataAttrs(card *goquery.Selection) int {
	for _, attr := range []string{
		"data-params",
		"data-params-catalog",
		"data-card-params",
		"data-popup-nm-price",
		"data-nm-price",
	} {
		raw, ok := card.Attr(attr)
		if !ok {
			continue
		}
		raw = strings.TrimSpace(html.UnescapeString(raw))
		if raw == "" {
			continue
		}
		var data map[string]any
		if err := json.UnmarshalFromString(raw, &data); err != nil {
			var list []map[string]any
			if err := json.UnmarshalFromString(raw, &list); err != nil || len(list) == 0 {
				continue
			}
			data = list[0]
		}
		for _, key := range []string{"salePriceU", "priceU"} {
			if v, ok := data[key].(float64); ok && v > 0 {
				return normalize.Price(int(v) / 100)
			}
		}
		for _, key := range []string{"salePrice", "price", "priceWithDiscount", "priceWithDisc"} {
			if v, ok := data[key]; ok && v != nil {
				if p := normalize.FirstPrice(ldString(v)); p > 0 {
					return normalize.Price(p)
				}
			}
		}
	}
	return 0
}

func cardRubleText(card *goquery.Selection) string {
	var parts []string
	card.Find("*").Each(func(_ int, s *goquery.Selection) {
		if s.Children().Length() > 0 {
			return
		}
		if t := strings.TrimSpace(s.Text()); t != "" && strings.Contains(t, "₽") {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, " ")
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
