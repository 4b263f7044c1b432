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

	"github.com/Jeskrill/PriceWiseApi/browser"
	"github.com/Jeskrill/PriceWiseApi/fetch"
	"github.com/Jeskrill/PriceWiseApi/models"
	"github.com/Jeskrill/PriceWiseApi/normalize"
)

// Avito searches avito.ru listings. HTTP works until the datacenter IP gets
// flagged; after that only a headful browser session gets through, and an
// explicit IP block parks the source on a cooldown.
type Avito struct {
	deps *Deps
}

func (a *Avito) Name() string { return "avito.ru" }

var avitoItemIDRe = regexp.MustCompile(`_(\d+)(?:\?|$)`)

func (a *Avito) Search(ctx context.Context, query string, limit int) ([]models.Item, error) {
	if a.deps.Cooldowns.Active(a.Name()) {
		slog.Info("source cooling down, skipped", "source", a.Name(), "left", a.deps.Cooldowns.Left(a.Name()))
		return nil, nil
	}

	rawURL := "https://www.avito.ru/all?q=" + url.QueryEscape(query)
	res, err := a.deps.Fetch.Get(ctx, a.Name(), rawURL, nil)
	if err != nil {
		slog.Error("avito fetch failed", "error", err)
		return nil, nil
	}

	status := res.Status
	body, title, finalURL := res.Body, res.Title, res.FinalURL
	var items []models.Item
	if status == 200 {
		items = a.parseHTML(body, limit)
	}
	if len(items) > 0 {
		slog.Info("avito parsed items", "count", len(items), "title", title)
		return items, nil
	}

	// Avito often 403s plain HTTP while a real browser session still gets
	// in (cookies, JS, profile). Always try the browser before giving up.
	slog.Warn("avito retrying with browser", "status", status, "parsed", len(items))
	headful := false
	bres, berr := a.deps.Browser.Render(ctx, a.Name()+":browser", rawURL,
		"[data-marker='item-title']", 10*time.Second,
		&browser.RenderOptions{
			// Avito almost always flags headless as an IP problem.
			Headless: &headful,
		})
	if berr != nil {
		slog.Warn("avito browser fetch failed", "error", berr)
	} else if bres != nil {
		body, title, finalURL = bres.HTML, bres.Title, bres.FinalURL
		items = a.parseHTML(body, limit)
	}

	if len(items) > 0 {
		slog.Info("avito parsed items", "count", len(items), "title", title)
		return items, nil
	}

	if fetch.IsAvitoIPBlock(status, title, body) {
		a.deps.Cooldowns.Set(a.Name(), 10*time.Minute, "avito blocked status="+strconv.Itoa(status))
	}
	slog.Error("avito parsed 0 items",
		"title", title,
		"final_url", finalURL,
		"blocked", fetch.LooksLikeBlockPage(title, body),
		"status", status,
	)
	return nil, nil
}

func (a *Avito) parseHTML(htmlBody string, limit int) []models.Item {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBody))
	if err != nil {
		return nil
	}

	var items []models.Item
	doc.Find("[data-marker='item']").EachWithBreak(func(_ int, card *goquery.Selection) bool {
		link := card.Find("a[data-marker='item-title'][href]").First()
		if link.Length() == 0 {
			return true
		}
		href := strings.TrimSpace(link.AttrOr("href", ""))
		if href == "" {
			return true
		}
		if strings.HasPrefix(href, "/") {
			href = "https://www.avito.ru" + href
		}

		title := strings.TrimSpace(link.Text())
		if title == "" {
			return true
		}

		price := 0
		if content, ok := card.Find("meta[itemprop='price'][content]").First().Attr("content"); ok && content != "" {
			if v, err := strconv.Atoi(content); err == nil {
				price = normalize.Price(v)
			}
		}
		if price == 0 {
			price = normalize.Price(normalize.FirstPrice(strings.TrimSpace(card.Text())))
		}

		img := card.Find("img").First()
		thumb := normalize.FirstHTTPURL(
			img.AttrOr("src", ""),
			img.AttrOr("data-src", ""),
			img.AttrOr("data-original", ""),
		)

		itemID := ""
		if m := avitoItemIDRe.FindStringSubmatch(href); m != nil {
			itemID = m[1]
		}
		if itemID == "" {
			itemID = normalize.StableID(title)
		}

		items = append(items, models.Item{
			ID:           "avito-" + itemID,
			Title:        title,
			Price:        price,
			ThumbnailURL: thumb,
			ProductURL:   href,
			MerchantName: "avito.ru",
			Source:       "avito.ru",
		})
		return len(items) < limit
	})
	return items
}
