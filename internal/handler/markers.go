package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"amap-proxy-go/internal/model"
	"amap-proxy-go/internal/session"
)

// markersCacheControl lets shared caches serve the public marker list.
const markersCacheControl = "public, s-maxage=90, stale-while-revalidate=300"

// anonymousName is shown for members without any name set.
const anonymousName = "匿名用户"

// ProfileReader is the subset of the profile store used by MapHandler.
type ProfileReader interface {
	ListMarkers(ctx context.Context) ([]model.MarkerProfile, error)
	ProfileDetail(ctx context.Context, id string) (*model.ProfileDetail, error)
}

// MapHandler serves the member map data. A nil store answers 503.
type MapHandler struct {
	store    ProfileReader
	sessions *session.Resolver
	logger   *slog.Logger
}

// NewMapHandler creates a MapHandler.
func NewMapHandler(store ProfileReader, sessions *session.Resolver, logger *slog.Logger) *MapHandler {
	return &MapHandler{
		store:    store,
		sessions: sessions,
		logger:   logger.With("component", "map_handler"),
	}
}

// Markers lists every member with coordinates.
func (h *MapHandler) Markers(c echo.Context) error {
	if h.store == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Profile store is not configured"})
	}

	profiles, err := h.store.ListMarkers(c.Request().Context())
	if err != nil {
		h.logger.Error("load map markers", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "加载地图标记失败"})
	}

	markers := make([]model.Marker, 0, len(profiles))
	for _, p := range profiles {
		markers = append(markers, model.Marker{
			ID:   p.ID,
			Name: displayName(p),
			City: displayLocation(p.Country, p.Province, p.City),
			Lat:  p.Lat,
			Lng:  p.Lng,
		})
	}

	c.Response().Header().Set("Cache-Control", markersCacheControl)
	return c.JSON(http.StatusOK, map[string]any{"markers": markers})
}

// ProfileDetail returns private fields of one member to signed-in callers.
func (h *MapHandler) ProfileDetail(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "缺少用户 ID"})
	}
	if _, err := h.sessions.CurrentUser(c.Request()); err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "请先登录后查看详情"})
	}
	if h.store == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Profile store is not configured"})
	}

	detail, err := h.store.ProfileDetail(c.Request().Context(), id)
	if err != nil {
		h.logger.Error("load profile detail", "id", id, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "加载用户详情失败"})
	}
	return c.JSON(http.StatusOK, map[string]any{"detail": detail})
}

func displayName(p model.MarkerProfile) string {
	for _, n := range []string{p.DisplayName, p.Nickname, p.Username} {
		if n != "" {
			return n
		}
	}
	return anonymousName
}

func isOtherCity(v string) bool     { return v == "其他" || v == "其他城市" }
func isOtherProvince(v string) bool { return v == "其他" || v == "其他地区" }

// displayLocation picks the most specific real place name. The sign-up
// form offers "other" placeholders which are skipped in favor of the next
// broader level.
func displayLocation(country, province, city string) string {
	country = strings.TrimSpace(country)
	province = strings.TrimSpace(province)
	city = strings.TrimSpace(city)

	if city != "" && !isOtherCity(city) {
		return city
	}
	if province != "" && !isOtherProvince(province) {
		return province
	}
	return country
}
