package provider

import (
	"strings"
	"testing"
)

func TestWBParseAPIProducts(t *testing.T) {
	w := &Wildberries{}
	products := []wbProduct{
		{ID: 167059871, Name: "Смартфон iPhone 15 128 ГБ", SalePriceU: 7999000},
		{ID: 0, Name: "без id"},
		{ID: 5, Name: ""},
		{ID: 42, Name: "Чехол", SalePriceU: 59900},
	}

	items := w.parseAPIProducts(products, 10)
	if len(items) != 2 {
		t.Fatalf("parseAPIProducts returned %d items, want 2", len(items))
	}

	first := items[0]
	if first.ID != "wb-167059871" {
		t.Errorf("id = %q", first.ID)
	}
	if first.Title != "iPhone 15 128 ГБ" {
		t.Errorf("title = %q, want prefix stripped", first.Title)
	}
	if first.Price != 79990 {
		t.Errorf("price = %d, want kopecks divided", first.Price)
	}
	if !strings.Contains(first.ProductURL, "/catalog/167059871/detail.aspx") {
		t.Errorf("product_url = %q", first.ProductURL)
	}
	if !strings.Contains(first.ThumbnailURL, "wbstatic.net") {
		t.Errorf("thumbnail = %q", first.ThumbnailURL)
	}
	if first.Source != "wildberries.ru" {
		t.Errorf("source = %q", first.Source)
	}

	if items[1].Price != 599 {
		t.Errorf("small kopeck price = %d, want 599", items[1].Price)
	}
}

func TestWBParseAPIProductsLimit(t *testing.T) {
	w := &Wildberries{}
	products := make([]wbProduct, 0, 30)
	for i := 1; i <= 30; i++ {
		products = append(products, wbProduct{ID: int64(i), Name: "Товар", SalePriceU: 100000})
	}
	if items := w.parseAPIProducts(products, 5); len(items) != 5 {
		t.Errorf("limit ignored: %d items", len(items))
	}
}

const wbCatalogFixture = `
<html><body>
<article data-nm-id="167059871">
  <a class="j-card-link" href="/catalog/167059871/detail.aspx" aria-label="Смартфон iPhone 15 128 ГБ"></a>
  <span>79 990 ₽</span>
  <img src="//images.wbstatic.net/c246x328/new/1670000/167059871-1.jpg">
</article>
<article data-nm-id="99">
  <a class="j-card-link" href="/catalog/99/detail.aspx" aria-label="Без цены"></a>
</article>
<article data-nm-id="not-a-number">
  <a class="j-card-link" href="/x" aria-label="Мусор"></a>
</article>
</body></html>`

func TestWBParseHTML(t *testing.T) {
	w := &Wildberries{}
	items := w.ParseHTML(wbCatalogFixture, 10)
	if len(items) != 1 {
		t.Fatalf("ParseHTML returned %d items, want 1", len(items))
	}
	it := items[0]
	if it.ID != "wb-167059871" {
		t.Errorf("id = %q", it.ID)
	}
	if it.Price != 79990 {
		t.Errorf("price = %d", it.Price)
	}
	if it.ProductURL != "https://www.wildberries.ru/catalog/167059871/detail.aspx" {
		t.Errorf("product_url = %q", it.ProductURL)
	}
}

const wbDataParamsFixture = `
<html><body>
<article data-nm-id="555" data-params='{"salePriceU": 4599000, "name": "x"}'>
  <a class="j-card-link" href="/catalog/555/detail.aspx" aria-label="Ноутбук"></a>
</article>
</body></html>`

func TestWBPriceFromDataParams(t *testing.T) {
	w := &Wildberries{}
	items := w.ParseHTML(wbDataParamsFixture, 10)
	if len(items) != 1 {
		t.Fatalf("ParseHTML returned %d items, want 1", len(items))
	}
	if items[0].Price != 45990 {
		t.Errorf("price = %d, want from data-params JSON", items[0].Price)
	}
}
