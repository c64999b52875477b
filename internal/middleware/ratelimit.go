package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"amap-proxy-go/internal/config"
	"amap-proxy-go/internal/metrics"
)

// ProxyRateLimiter returns a per-client token bucket for the proxy routes,
// keyed by ClientIdentifier. Rejections are counted under scope "proxy".
// The metrics parameter is optional.
func ProxyRateLimiter(cfg config.RateLimitConfig, m *metrics.Metrics) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(cfg.RequestsPerSecond),
		Burst:     cfg.Burst,
		ExpiresIn: 3 * time.Minute,
	})

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store:               store,
		IdentifierExtractor: IdentifierExtractor,
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "unable to identify client"})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			if m != nil {
				m.RateLimitRejections.WithLabelValues("proxy").Inc()
			}
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "Too many requests"})
		},
	})
}
