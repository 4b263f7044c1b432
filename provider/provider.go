// Package provider holds the pluggable source adapters. Each adapter turns
// a free-text query into normalized product items for one shop, handling
// its own fetch strategy (HTTP, BFF API, browser render) and block
// recovery. Adapters are stateless between calls; shared state lives in
// the cooldown registry.
package provider

import (
	"context"

	"github.com/Jeskrill/PriceWiseApi/browser"
	"github.com/Jeskrill/PriceWiseApi/config"
	"github.com/Jeskrill/PriceWiseApi/cooldown"
	"github.com/Jeskrill/PriceWiseApi/fetch"
	"github.com/Jeskrill/PriceWiseApi/models"
)

// Provider is a single source integration.
type Provider interface {
	// Name is the source tag carried by every returned item.
	Name() string

	// Search returns up to limit items for the query. An empty slice with a
	// nil error is the normal outcome for "nothing found / blocked"; errors
	// are reserved for unexpected failures.
	Search(ctx context.Context, query string, limit int) ([]models.Item, error)
}

// Deps are the shared leaves adapters draw on.
type Deps struct {
	Fetch     *fetch.Pool
	Browser   *browser.Gateway
	Cooldowns *cooldown.Registry
	Config    *config.Config
}

type factory func(*Deps) Provider

var factories = map[string]factory{
	"market.yandex.ru": func(d *Deps) Provider { return &Yandex{deps: d} },
	"wildberries.ru":   func(d *Deps) Provider { return &Wildberries{deps: d} },
	"avito.ru":         func(d *Deps) Provider { return &Avito{deps: d} },
	"cdek.shopping":    func(d *Deps) Provider { return &Cdek{deps: d} },
}

// For returns the adapter registered under source, or nil.
func For(source string, deps *Deps) Provider {
	f, ok := factories[source]
	if !ok {
		return nil
	}
	return f(deps)
}

// Known reports whether a source name has a registered adapter.
func Known(source string) bool {
	_, ok := factories[source]
	return ok
}
