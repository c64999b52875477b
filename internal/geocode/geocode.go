package geocode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fastjson"

	"amap-proxy-go/internal/client"
	"amap-proxy-go/internal/config"
	"amap-proxy-go/internal/model"
	"amap-proxy-go/internal/retry"
	"amap-proxy-go/internal/routing"
)

var (
	// ErrMissingKey is returned when no web-service key is configured.
	ErrMissingKey = errors.New("web service key is not configured")
	// ErrUpstream is returned when the geocoding HTTP call did not complete,
	// or answered with an error status and a body that is not JSON.
	ErrUpstream = errors.New("geocoding upstream unavailable")
	// ErrBadResponse is returned when the provider answered with something
	// that is not JSON.
	ErrBadResponse = errors.New("geocoding upstream returned an unreadable response")
)

const (
	geocodePath     = "/v3/geocode/geo"
	statusOK        = "1"
	maxResponseSize = 1 << 20
)

// Service calls the provider's geocoding endpoint. Calls are made once,
// without retry.
type Service struct {
	client  retry.Doer
	baseURL url.URL
	key     string
	timeout time.Duration
	logger  *slog.Logger
}

// NewService creates a Service that targets the REST host.
func NewService(c *client.AMapClient, r *routing.Resolver, cfg *config.Config, logger *slog.Logger) *Service {
	return newService(c, r.BaseURL(routing.HostREST), cfg, logger)
}

func newService(d retry.Doer, base url.URL, cfg *config.Config, logger *slog.Logger) *Service {
	return &Service{
		client:  d,
		baseURL: base,
		key:     cfg.AMap.WebServiceKey,
		timeout: time.Duration(cfg.Upstream.GeocodeTimeoutMS) * time.Millisecond,
		logger:  logger.With("component", "geocode_service"),
	}
}

// Configured reports whether a web-service key is present.
func (s *Service) Configured() bool {
	return s.key != ""
}

// Geocode resolves q. A provider answer without a match yields zero-value
// Coordinates and a nil error.
func (s *Service) Geocode(ctx context.Context, q model.GeocodeQuery) (model.Coordinates, error) {
	if s.key == "" {
		return model.Coordinates{}, ErrMissingKey
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.requestURL(q), http.NoBody)
	if err != nil {
		return model.Coordinates{}, fmt.Errorf("build geocode request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return model.Coordinates{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return model.Coordinates{}, fmt.Errorf("%w: read body: %w", ErrUpstream, err)
	}

	coords, err := Interpret(body)
	if err != nil {
		s.logger.Warn("unreadable geocode response", "status", resp.StatusCode, "err", err)
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return model.Coordinates{}, fmt.Errorf("%w: status %d: %w", ErrUpstream, resp.StatusCode, err)
		}
		return model.Coordinates{}, err
	}
	return coords, nil
}

func (s *Service) requestURL(q model.GeocodeQuery) string {
	u := s.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + geocodePath
	v := url.Values{}
	v.Set("key", s.key)
	v.Set("address", q.Address)
	if q.City != "" {
		v.Set("city", q.City)
	}
	u.RawQuery = v.Encode()
	return u.String()
}

// Interpret extracts the first candidate from a provider response. A
// status other than "1" or an empty candidate list is a valid no-match.
// Locations are "lng,lat"; a half that does not parse is reported as null.
func Interpret(body []byte) (model.Coordinates, error) {
	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil {
		return model.Coordinates{}, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}

	if string(v.GetStringBytes("status")) != statusOK {
		return model.Coordinates{}, nil
	}
	geocodes := v.GetArray("geocodes")
	if len(geocodes) == 0 {
		return model.Coordinates{}, nil
	}

	location := string(geocodes[0].GetStringBytes("location"))
	lngStr, latStr, _ := strings.Cut(location, ",")
	return model.Coordinates{
		Lat: parseCoord(latStr),
		Lng: parseCoord(lngStr),
	}, nil
}

func parseCoord(s string) *float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
