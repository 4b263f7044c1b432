package models

// Item is a normalized product tile from any source.
type Item struct {
	// ID is globally unique per source, prefixed with the source tag
	// (e.g. "yandex-12345", "wb-987").
	ID string `json:"id"`

	// Title is the cleaned product title, at most 160 characters.
	Title string `json:"title"`

	// Price is in whole rubles; 0 means unknown.
	Price int `json:"price"`

	ThumbnailURL string `json:"thumbnail_url"`
	ProductURL   string `json:"product_url"`

	// Source is the adapter name that produced the item.
	Source string `json:"source"`

	MerchantName    string `json:"merchant_name"`
	MerchantLogoURL string `json:"merchant_logo_url"`
}

// Key returns the dedup key "source|id" used by the query cache.
func (it Item) Key() string {
	return it.Source + "|" + it.ID
}
