package provider

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	jsoniter "github.com/json-iterator/go"

	"github.com/Jeskrill/PriceWiseApi/models"
	"github.com/Jeskrill/PriceWiseApi/normalize"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var productIDRe = regexp.MustCompile(`\d{4,}`)

// extractJSONLD pulls product tiles out of embedded JSON-LD
// (ItemList/Product). Useful for sites where the card DOM is dynamic but
// structured data ships with the initial HTML.
func extractJSONLD(doc *goquery.Document, baseURL, source, idPrefix, merchantName string, limit int) []models.Item {
	var items []models.Item

	doc.Find(`script[type='application/ld+json']`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			return true
		}
		var data any
		if err := json.UnmarshalFromString(raw, &data); err != nil {
			return true
		}
		for _, obj := range iterLDObjects(data) {
			for _, p := range ldProductCandidates(obj) {
				item, ok := ldProductToItem(p, baseURL, source, idPrefix, merchantName)
				if !ok {
					continue
				}
				items = append(items, item)
				if len(items) >= limit {
					return false
				}
			}
		}
		return true
	})
	return items
}

// iterLDObjects flattens top-level lists and @graph containers.
func iterLDObjects(data any) []map[string]any {
	var out []map[string]any
	switch v := data.(type) {
	case []any:
		for _, x := range v {
			out = append(out, iterLDObjects(x)...)
		}
	case map[string]any:
		if graph, ok := v["@graph"].([]any); ok {
			for _, x := range graph {
				if m, ok := x.(map[string]any); ok {
					out = append(out, m)
				}
			}
			return out
		}
		out = append(out, v)
	}
	return out
}

func ldProductCandidates(obj map[string]any) []map[string]any {
	t := ldType(obj)
	switch t {
	case "itemlist":
		var out []map[string]any
		elems, _ := obj["itemListElement"].([]any)
		for _, el := range elems {
			em, ok := el.(map[string]any)
			if !ok {
				continue
			}
			if it, ok := em["item"].(map[string]any); ok {
				out = append(out, it)
			} else if u, ok := em["url"].(string); ok && u != "" {
				out = append(out, map[string]any{"url": u})
			}
		}
		return out
	case "product":
		return []map[string]any{obj}
	}
	return nil
}

func ldType(obj map[string]any) string {
	t := obj["@type"]
	if list, ok := t.([]any); ok {
		if len(list) == 0 {
			return ""
		}
		t = list[0]
	}
	s, _ := t.(string)
	return strings.ToLower(strings.TrimSpace(s))
}

func ldProductToItem(p map[string]any, baseURL, source, idPrefix, merchantName string) (models.Item, bool) {
	name := strings.TrimSpace(ldString(p["name"]))
	if name == "" {
		return models.Item{}, false
	}

	rawURL := ldString(p["url"])
	if rawURL == "" {
		if offers, ok := p["offers"].(map[string]any); ok {
			rawURL = ldString(offers["url"])
		}
	}
	productURL := normalize.AbsURL(baseURL, rawURL)
	if productURL == "" {
		return models.Item{}, false
	}

	offers := p["offers"]
	if list, ok := offers.([]any); ok {
		if len(list) == 0 {
			offers = nil
		} else {
			offers = list[0]
		}
	}
	price := 0
	if om, ok := offers.(map[string]any); ok {
		for _, key := range []string{"price", "lowPrice", "highPrice"} {
			if v := ldString(om[key]); v != "" {
				if price = normalize.Price(normalize.FirstPrice(v)); price > 0 {
					break
				}
			}
		}
	}

	img := p["image"]
	if list, ok := img.([]any); ok {
		if len(list) == 0 {
			img = nil
		} else {
			img = list[0]
		}
	}
	if m, ok := img.(map[string]any); ok {
		img = m["url"]
	}
	thumb := normalize.FirstHTTPURL(ldString(img))

	pid := productIDRe.FindString(productURL)
	if pid == "" {
		pid = normalize.StableID(productURL)
	}

	return models.Item{
		ID:           idPrefix + "-" + pid,
		Title:        name,
		Price:        price,
		ThumbnailURL: thumb,
		ProductURL:   productURL,
		MerchantName: merchantName,
		Source:       source,
	}, true
}

func ldString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}
