package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"amap-proxy-go/internal/config"
	"amap-proxy-go/internal/geocode"
	"amap-proxy-go/internal/metrics"
	"amap-proxy-go/internal/ratelimit"
	"amap-proxy-go/internal/service"
	"amap-proxy-go/internal/session"
)

// maxGeocodeBody bounds the request body; a valid one is far smaller.
const maxGeocodeBody = 16 << 10

// GeocodeHandler serves the authenticated, rate-limited geocoding endpoint.
type GeocodeHandler struct {
	service     *geocode.Service
	sessions    *session.Resolver
	limiter     *ratelimit.Limiter
	maxRequests int
	window      time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewGeocodeHandler creates a GeocodeHandler. The metrics parameter is optional.
func NewGeocodeHandler(
	svc *geocode.Service,
	sessions *session.Resolver,
	limiter *ratelimit.Limiter,
	cfg *config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *GeocodeHandler {
	return &GeocodeHandler{
		service:     svc,
		sessions:    sessions,
		limiter:     limiter,
		maxRequests: cfg.Geocode.MaxRequests,
		window:      time.Duration(cfg.Geocode.WindowSeconds) * time.Second,
		logger:      logger.With("component", "geocode_handler"),
		metrics:     m,
	}
}

// Handle runs auth, quota, validation, config check and the upstream call,
// in that order. Each step short-circuits with its own status.
func (h *GeocodeHandler) Handle(c echo.Context) error {
	user, err := h.sessions.CurrentUser(c.Request())
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}

	res := h.limiter.Check("geocode:"+user.UserID, h.maxRequests, h.window)
	hdr := c.Response().Header()
	hdr.Set("X-RateLimit-Limit", strconv.Itoa(h.maxRequests))
	hdr.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	hdr.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if !res.Allowed {
		retryAfter := int(res.RetryAfter(h.limiter.Now()) / time.Second)
		hdr.Set("Retry-After", strconv.Itoa(retryAfter))
		if h.metrics != nil {
			h.metrics.RateLimitRejections.WithLabelValues("geocode").Inc()
		}
		h.logger.Info("geocode quota exceeded", "user_id", user.UserID, "retry_after_s", retryAfter)
		return c.JSON(http.StatusTooManyRequests, map[string]any{
			"error":      "Too many requests, please try again later",
			"retryAfter": retryAfter,
		})
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxGeocodeBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	q, err := geocode.ParseQuery(body)
	if err != nil {
		var ve *geocode.ValidationError
		if errors.As(err, &ve) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": ve.Message})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	if !h.service.Configured() {
		h.logger.Error("AMAP_WEB_SERVICE_KEY is not configured")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Server configuration error"})
	}

	coords, err := h.service.Geocode(c.Request().Context(), q)
	if err != nil {
		h.record("error")
		h.logger.Error("geocode failed", "user_id", user.UserID, "err", service.RedactSecret(err.Error()))
		if errors.Is(err, geocode.ErrUpstream) {
			return c.JSON(http.StatusBadGateway, map[string]string{"error": "Geocoding service unavailable"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}

	if coords.Found() {
		h.record("match")
	} else {
		h.record("no_match")
	}
	return c.JSON(http.StatusOK, coords)
}

func (h *GeocodeHandler) record(result string) {
	if h.metrics != nil {
		h.metrics.GeocodeResults.WithLabelValues(result).Inc()
	}
}
