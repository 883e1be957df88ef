package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/xpm-connect/internal/config"
	"github.com/smallbiznis/xpm-connect/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/xpm-connect/internal/http/middleware"
	"github.com/smallbiznis/xpm-connect/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, xeroHandler *handler.XeroHandler, rateLimiter *middleware.RateLimiter, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", xeroHandler.Healthz)

	r.GET("/connect", xeroHandler.Connect)
	r.GET("/xpm/connect", xeroHandler.ConnectXPM)
	r.GET("/callback", xeroHandler.Callback)

	api := r.Group("/")
	api.Use(httpmiddleware.Tenant())
	if rateLimiter != nil {
		api.Use(rateLimiter.Handler())
	}
	{
		api.GET("/demo", xeroHandler.Demo)
		api.GET("/invoices", xeroHandler.Invoices)
	}

	return r
}
