package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"amap-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the upstream hosts and which credentials are present.
// Credential values are never included.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": string(h.version),
		"upstream": map[string]string{
			"rest":   h.cfg.Upstream.RESTBaseURL,
			"webapi": h.cfg.Upstream.WebAPIBaseURL,
		},
		"configured": map[string]bool{
			"security_jscode": h.cfg.AMap.SecurityCode != "",
			"web_service_key": h.cfg.AMap.WebServiceKey != "",
			"session":         h.cfg.Session.JWTSecret != "",
			"store":           h.cfg.Store.Driver != "",
		},
	})
}
