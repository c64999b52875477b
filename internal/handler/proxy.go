package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"amap-proxy-go/internal/model"
	"amap-proxy-go/internal/service"
)

// ProxyHandler forwards JS SDK requests to the AMap hosts.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies everything after the route prefix and streams the
// response back with the upstream status.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Path:   wildcardPath(c),
		Query:  req.URL.Query(),
		Header: req.Header,
		Body:   req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent; a failed copy leaves a truncated body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", service.RedactSecret(err.Error()),
			"path", pr.Path,
		)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, service.ErrMissingSecret) {
		h.logger.Error("AMAP_SECURITY_JSCODE is not configured")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Server: Missing AMAP_SECURITY_JSCODE",
		})
	}

	details := service.RedactSecret(err.Error())
	h.logger.Error("proxy error",
		"err", details,
		"path", c.Param("*"),
	)
	return c.JSON(http.StatusBadGateway, map[string]string{
		"error":   "Proxy Failed",
		"details": details,
	})
}

// wildcardPath returns the still-escaped request path after the route
// prefix, so encoded separators such as %2F reach the upstream intact.
func wildcardPath(c echo.Context) string {
	prefix := strings.TrimSuffix(c.Path(), "*")
	if p, ok := strings.CutPrefix(c.Request().URL.EscapedPath(), prefix); ok {
		return p
	}
	return c.Param("*")
}
