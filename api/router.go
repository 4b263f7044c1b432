package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Jeskrill/PriceWiseApi/api/handler"
	"github.com/Jeskrill/PriceWiseApi/api/middleware"
	"github.com/Jeskrill/PriceWiseApi/config"
	"github.com/Jeskrill/PriceWiseApi/models"
	"github.com/Jeskrill/PriceWiseApi/search"
)

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	API:     RateLimit
//
// Health endpoint is intentionally outside rate limiting so monitoring
// probes always work.
func NewRouter(svc *search.Service, cfg *config.Config, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, _ any) {
		err := models.NewSearchError(models.ErrCodeInternal, "internal error", nil)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.ToDetail()})
	}))
	r.Use(gin.Logger())

	v1 := r.Group("/api/v1")

	v1.GET("/health", handler.Health(startTime))

	limited := v1.Group("")
	limited.Use(middleware.RateLimit(cfg.RateLimit))

	limited.GET("/search", handler.Search(svc))
	limited.GET("/feed/popular", handler.Feed(svc))

	return r
}
