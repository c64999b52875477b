package handler

import (
	"github.com/labstack/echo/v4"
)

// ProxyPrefixes are the mount points of the JS SDK proxy. The SDK's
// serviceHost setting points at the first one.
var ProxyPrefixes = []string{"/_AMapService", "/api/amap"}

// Routes groups the handlers registered by RegisterRoutes.
type Routes struct {
	Proxy   *ProxyHandler
	Geocode *GeocodeHandler
	Map     *MapHandler
	Health  *HealthHandler
}

// RegisterRoutes wires all route handlers onto the Echo instance. proxyMW
// applies to the proxy routes only.
func RegisterRoutes(e *echo.Echo, r Routes, proxyMW ...echo.MiddlewareFunc) {
	e.GET("/healthz", r.Health.Healthz)
	e.GET("/proxy/status", r.Health.Status)

	for _, prefix := range ProxyPrefixes {
		e.Any(prefix+"/*", r.Proxy.Handle, proxyMW...)
	}

	e.POST("/api/geocode", r.Geocode.Handle)
	e.GET("/api/map/markers", r.Map.Markers)
	e.GET("/api/map/profiles/:id", r.Map.ProfileDetail)
}
