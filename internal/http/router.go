package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/smallbiznis/valora-integrations/internal/config"
	"github.com/smallbiznis/valora-integrations/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-integrations/internal/http/middleware"
	"github.com/smallbiznis/valora-integrations/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, integrations *handler.IntegrationHandler, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	group := r.Group("/integrations")
	{
		group.GET("/providers", integrations.ListProviders)
		// The provider redirects the browser here; the org comes from the
		// state token instead of the X-Org-ID header.
		group.GET("/oauth/callback", integrations.Callback)

		scoped := group.Group("", httpmiddleware.Org())
		{
			scoped.GET("", integrations.Status)
			scoped.GET("/oauth/start", integrations.Start)
			scoped.POST("/:provider/refresh", integrations.Refresh)
			scoped.DELETE("/:provider", integrations.Revoke)
		}
	}

	return r
}
