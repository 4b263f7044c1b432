package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/Jeskrill/PriceWiseApi/models"
)

const (
	minQueryLength = 2
	maxQueryLength = 120
	maxPageLimit   = 100
)

// Searcher is the slice of the search service the handlers consume.
type Searcher interface {
	SearchProducts(ctx context.Context, query string, offset, limit int, sources []string, perSource, partial bool) ([]models.Item, bool, models.SearchMeta)
	FetchWBPopular(ctx context.Context, offset, limit int) ([]models.Item, bool)
}

// Search returns the handler for GET /api/v1/search.
//
// Query params: q (2-120 chars), offset>=0, limit 1..100, per_source,
// partial, sources (CSV; omitted means the default source set).
func Search(svc Searcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := strings.TrimSpace(c.Query("q"))
		if n := utf8.RuneCountInString(q); n < minQueryLength || n > maxQueryLength {
			badRequest(c, "q must be 2-120 characters")
			return
		}

		offset, err := intQuery(c, "offset", 0)
		if err != nil || offset < 0 {
			badRequest(c, "offset must be a non-negative integer")
			return
		}
		limit, err := intQuery(c, "limit", 20)
		if err != nil || limit < 1 || limit > maxPageLimit {
			badRequest(c, "limit must be in 1..100")
			return
		}

		perSource := boolQuery(c, "per_source")
		partial := boolQuery(c, "partial")

		// nil means "not specified": the orchestrator treats named sources
		// differently from the default set.
		var sources []string
		if raw, ok := c.GetQuery("sources"); ok {
			sources = strings.Split(raw, ",")
		}

		items, hasMore, meta := svc.SearchProducts(c.Request.Context(), q, offset, limit, sources, perSource, partial)
		if items == nil {
			items = []models.Item{}
		}

		resp := models.SearchResponse{
			Items:          items,
			Offset:         offset,
			Limit:          limit,
			HasMore:        hasMore,
			CheckedSources: meta.CheckedSources,
			TotalSources:   meta.TotalSources,
			PendingSources: meta.PendingSources,
		}
		if resp.PendingSources == nil {
			resp.PendingSources = []string{}
		}
		if hasMore && len(items) > 0 {
			next := offset + len(items)
			if perSource {
				next = offset + limit
			}
			resp.NextOffset = &next
		}

		c.JSON(http.StatusOK, resp)
	}
}

// Feed returns the handler for GET /api/v1/feed/popular.
func Feed(svc Searcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		offset, err := intQuery(c, "offset", 0)
		if err != nil || offset < 0 {
			badRequest(c, "offset must be a non-negative integer")
			return
		}
		limit, err := intQuery(c, "limit", 20)
		if err != nil || limit < 1 || limit > maxPageLimit {
			badRequest(c, "limit must be in 1..100")
			return
		}

		items, hasMore := svc.FetchWBPopular(c.Request.Context(), offset, limit)
		if items == nil {
			items = []models.Item{}
		}

		resp := models.FeedResponse{
			Items:   items,
			Offset:  offset,
			Limit:   limit,
			HasMore: hasMore,
		}
		if hasMore && len(items) > 0 {
			next := offset + len(items)
			resp.NextOffset = &next
		}
		c.JSON(http.StatusOK, resp)
	}
}

func intQuery(c *gin.Context, name string, fallback int) (int, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func boolQuery(c *gin.Context, name string) bool {
	raw, ok := c.GetQuery(name)
	if !ok {
		return false
	}
	if raw == "" {
		return true
	}
	b, err := strconv.ParseBool(raw)
	return err == nil && b
}

func badRequest(c *gin.Context, msg string) {
	err := models.NewSearchError(models.ErrCodeInvalidInput, msg, nil)
	c.JSON(http.StatusBadRequest, gin.H{"error": err.ToDetail()})
}
