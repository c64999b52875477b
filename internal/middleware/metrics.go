package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"amap-proxy-go/internal/metrics"
)

// MetricsMiddleware records inbound request counts, latency and in-flight
// requests. Paths are reduced to the route families in metrics.NormalizePath
// so proxied AMap paths never become label values.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)

			status := strconv.Itoa(responseStatus(c, err))
			method := metrics.NormalizeMethod(c.Request().Method)
			family := metrics.NormalizePath(c.Request().URL.Path)

			m.RequestsTotal.WithLabelValues(method, status, family).Inc()
			m.RequestDuration.WithLabelValues(method, status, family).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// responseStatus is the status the client will see for a handler result.
// A returned error has not been rendered yet; ErrorHandler maps an
// *echo.HTTPError to its code and anything else to 500.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
