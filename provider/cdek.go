package provider

import (
	"context"
	stdjson "encoding/json"
	"html"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	jsoniter "github.com/json-iterator/go"

	"github.com/Jeskrill/PriceWiseApi/fetch"
	"github.com/Jeskrill/PriceWiseApi/models"
	"github.com/Jeskrill/PriceWiseApi/normalize"
)

// Cdek searches cdek.shopping. The site is a Nuxt 3 app: SSR HTML often
// renders the cards as an image-less skeleton while the full search data
// (products/images/prices) ships in the __NUXT_DATA__ payload, so that is
// the primary parse path; DOM cards are the fallback, and a browser render
// is the last resort when the shell comes back empty.
type Cdek struct {
	deps *Deps
}

func (c *Cdek) Name() string { return "cdek.shopping" }

var cdekPIDRe = regexp.MustCompile(`/?p/(\d+)/`)

// nuxtJSON keeps numbers as json.Number: in the devalue payload an integer
// is an index into the value array, a float is a literal.
var nuxtJSON = jsoniter.Config{UseNumber: true}.Froze()

func (c *Cdek) Search(ctx context.Context, query string, limit int) ([]models.Item, error) {
	if c.deps.Cooldowns.Active(c.Name()) {
		slog.Info("source cooling down, skipped", "source", c.Name(), "left", c.deps.Cooldowns.Left(c.Name()))
		return nil, nil
	}

	rawURL := "https://cdek.shopping/search?q=" + url.QueryEscape(query)
	res, err := c.deps.Fetch.Get(ctx, c.Name(), rawURL, nil)
	if err != nil {
		slog.Error("cdek fetch failed", "error", err)
		return nil, nil
	}

	body, title, finalURL := res.Body, res.Title, res.FinalURL
	var items []models.Item
	if res.Status == 200 {
		items = c.parseHTML(body, limit)
	}
	if len(items) == 0 {
		slog.Warn("cdek retrying with browser", "status", res.Status)
		bres, berr := c.deps.Browser.Render(ctx, c.Name()+":browser", rawURL,
			"article.product-card", 10*time.Second, nil)
		if berr != nil {
			slog.Warn("cdek browser fetch failed", "error", berr)
		} else if bres != nil {
			body, title, finalURL = bres.HTML, bres.Title, bres.FinalURL
			items = c.parseHTML(body, limit)
		}
	}

	if len(items) > 0 {
		slog.Info("cdek parsed items", "count", len(items), "title", title)
		return items, nil
	}

	slog.Error("cdek parsed 0 items",
		"title", title,
		"final_url", finalURL,
		"blocked", fetch.LooksLikeBlockPage(title, body),
		"status", res.Status,
	)
	return nil, nil
}

func (c *Cdek) parseHTML(htmlBody string, limit int) []models.Item {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBody))
	if err != nil {
		return nil
	}

	if items := c.parseNuxtProducts(doc, limit); len(items) > 0 {
		return items
	}

	// Fallback: the rendered cards (thumbnails may be missing here).
	var items []models.Item
	doc.Find("article.product-card").EachWithBreak(func(_ int, card *goquery.Selection) bool {
		link := card.Find("a[href^='p/'], a[href^='/p/']").First()
		if link.Length() == 0 {
			link = card.Find("a[href]").First()
		}
		href := strings.TrimSpace(link.AttrOr("href", ""))
		if href == "" {
			return true
		}
		href = normalize.AbsURL("https://cdek.shopping/", href)

		title := normalize.Title(strings.TrimSpace(card.Find("h3").First().Text()))
		if title == "" {
			return true
		}

		priceText := strings.TrimSpace(card.Find(".product-card-price p").First().Text())
		if priceText == "" {
			priceText = strings.TrimSpace(card.Text())
		}
		price := normalize.Price(normalize.FirstPrice(priceText))

		pid := ""
		if m := cdekPIDRe.FindStringSubmatch(href); m != nil {
			pid = m[1]
		}
		if pid == "" {
			pid = normalize.StableID(href)
		}

		items = append(items, models.Item{
			ID:           "cdek-" + pid,
			Title:        title,
			Price:        price,
			ProductURL:   href,
			MerchantName: "cdek.shopping",
			Source:       "cdek.shopping",
		})
		return len(items) < limit
	})
	return items
}

// parseNuxtProducts extracts the search result from the __NUXT_DATA__
// payload and maps it to items.
func (c *Cdek) parseNuxtProducts(doc *goquery.Document, limit int) []models.Item {
	products := extractNuxtSearchProducts(doc)
	if len(products) == 0 {
		return nil
	}

	var items []models.Item
	for _, p := range products {
		pid := nuxtString(p["id"])
		title := normalize.Title(nuxtString(p["title"]))
		if pid == "" || title == "" {
			continue
		}

		price := 0
		switch pv := p["price"].(type) {
		case map[string]any:
			price = extractFirstInt(pv, "value", "price", "amount", "current", "sale", "rub", "RUB")
		case nil:
		default:
			price = normalize.FirstPrice(nuxtString(pv))
		}
		price = normalize.Price(price)

		thumb := ""
		if images, ok := p["images"].([]any); ok {
			for _, u := range images {
				if s, ok := u.(string); ok && strings.HasPrefix(s, "http") {
					thumb = s
					break
				}
			}
		}

		productURL := ""
		if slug := strings.TrimSpace(nuxtString(p["slug"])); slug != "" {
			productURL = "https://cdek.shopping/p/" + pid + "/" + slug
		}

		items = append(items, models.Item{
			ID:           "cdek-" + pid,
			Title:        title,
			Price:        price,
			ThumbnailURL: thumb,
			ProductURL:   productURL,
			MerchantName: "cdek.shopping",
			Source:       "cdek.shopping",
		})
		if len(items) >= limit {
			break
		}
	}
	return items
}

// extractNuxtSearchProducts walks the devalue-encoded __NUXT_DATA__ array
// down to the "getSearch" query state and returns its product dicts.
func extractNuxtSearchProducts(doc *goquery.Document) []map[string]any {
	raw := strings.TrimSpace(doc.Find("script#__NUXT_DATA__").First().Text())
	if raw == "" {
		return nil
	}

	var values []any
	if err := nuxtJSON.UnmarshalFromString(html.UnescapeString(raw), &values); err != nil {
		return nil
	}
	if len(values) == 0 {
		return nil
	}

	d := &nuxtDecoder{
		vals:       values,
		cache:      make([]any, len(values)),
		inProgress: make(map[int]struct{}),
	}

	// The root wrapper is usually ["ShallowReactive", <idx>].
	rootIdx := 0
	if wrapper, ok := values[0].([]any); ok && len(wrapper) >= 2 {
		if tag, ok := wrapper[0].(string); ok && (tag == "Reactive" || tag == "ShallowReactive") {
			if i, ok := nuxtInt(wrapper[1]); ok {
				rootIdx = i
			}
		}
	}
	if rootIdx < 0 || rootIdx >= len(values) {
		return nil
	}
	rootRaw, ok := values[rootIdx].(map[string]any)
	if !ok {
		return nil
	}

	state, ok := d.val(rootRaw["state"]).(map[string]any)
	if !ok {
		return nil
	}
	svq, ok := state["$svue-query"].(map[string]any)
	if !ok {
		return nil
	}
	queries, ok := svq["queries"].([]any)
	if !ok {
		return nil
	}

	for _, q := range queries {
		qm, ok := q.(map[string]any)
		if !ok {
			continue
		}
		qk, ok := qm["queryKey"].([]any)
		if !ok || len(qk) == 0 {
			continue
		}
		if name, _ := qk[0].(string); name != "getSearch" {
			continue
		}
		st, ok := qm["state"].(map[string]any)
		if !ok {
			continue
		}
		data, ok := st["data"].(map[string]any)
		if !ok {
			continue
		}
		rawProducts, ok := data["products"].([]any)
		if !ok || len(rawProducts) == 0 {
			continue
		}
		var products []map[string]any
		for _, p := range rawProducts {
			if pm, ok := p.(map[string]any); ok {
				products = append(products, pm)
			}
		}
		return products
	}
	return nil
}

// nuxtDecoder resolves devalue references: integers are indexes into the
// value array, everything else is a literal. A cycle guard keeps malformed
// payloads from recursing forever.
type nuxtDecoder struct {
	vals       []any
	cache      []any
	inProgress map[int]struct{}
}

func (d *nuxtDecoder) idx(i int) any {
	// Out-of-range integers are plain numeric values, not references.
	if i < 0 || i >= len(d.vals) {
		return i
	}
	if cached := d.cache[i]; cached != nil {
		return cached
	}
	if _, busy := d.inProgress[i]; busy {
		return nil
	}
	d.inProgress[i] = struct{}{}
	out := d.val(d.vals[i])
	d.cache[i] = out
	delete(d.inProgress, i)
	return out
}

func (d *nuxtDecoder) val(obj any) any {
	switch v := obj.(type) {
	case stdjson.Number:
		if i, err := strconv.Atoi(v.String()); err == nil {
			return d.idx(i)
		}
		f, _ := v.Float64()
		return f
	case []any:
		if len(v) > 0 {
			if tag, ok := v[0].(string); ok {
				switch tag {
				case "Reactive", "ShallowReactive":
					if len(v) >= 2 {
						return d.val(v[1])
					}
					return nil
				case "EmptyRef":
					return nil
				case "Map", "Set":
					// Not needed for search results; just don't blow up.
					return []any{}
				}
			}
		}
		out := make([]any, 0, len(v))
		for _, x := range v {
			out = append(out, d.val(x))
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, x := range v {
			out[k] = d.val(x)
		}
		return out
	}
	return obj
}

func nuxtInt(v any) (int, bool) {
	switch n := v.(type) {
	case stdjson.Number:
		if i, err := strconv.Atoi(n.String()); err == nil {
			return i, true
		}
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

func nuxtString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case stdjson.Number:
		return x.String()
	}
	return ""
}

// extractFirstInt digs the first plausible integer out of a decoded JSON
// structure, preferring the hinted keys.
func extractFirstInt(obj any, keys ...string) int {
	switch v := obj.(type) {
	case map[string]any:
		for _, k := range keys {
			switch n := v[k].(type) {
			case int:
				return n
			case float64:
				return int(n)
			case stdjson.Number:
				if i, err := strconv.Atoi(n.String()); err == nil {
					return i
				}
			case string:
				if p := normalize.FirstPrice(n); p > 0 {
					return p
				}
			}
		}
		for _, x := range v {
			if got := extractFirstInt(x, keys...); got != 0 {
				return got
			}
		}
	case []any:
		for _, x := range v {
			if got := extractFirstInt(x, keys...); got != 0 {
				return got
			}
		}
	case int:
		return v
	case float64:
		return int(v)
	case stdjson.Number:
		if i, err := strconv.Atoi(v.String()); err == nil {
			return i
		}
	case string:
		return normalize.FirstPrice(v)
	}
	return 0
}
