package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"amap-proxy-go/internal/client"
	"amap-proxy-go/internal/config"
	"amap-proxy-go/internal/geocode"
	"amap-proxy-go/internal/metrics"
	"amap-proxy-go/internal/middleware"
	"amap-proxy-go/internal/model"
	"amap-proxy-go/internal/ratelimit"
	"amap-proxy-go/internal/routing"
	"amap-proxy-go/internal/service"
	"amap-proxy-go/internal/session"
)

const testJWTSecret = "handler-test-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// upstreamLog records every request the fake AMap host receives.
type upstreamLog struct {
	mu     sync.Mutex
	reqs   []*http.Request
	bodies [][]byte
}

func (u *upstreamLog) add(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reqs = append(u.reqs, r.Clone(context.Background()))
	u.bodies = append(u.bodies, body)
}

func (u *upstreamLog) lastBody() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.bodies) == 0 {
		return nil
	}
	return u.bodies[len(u.bodies)-1]
}

func (u *upstreamLog) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.reqs)
}

func (u *upstreamLog) last() *http.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.reqs) == 0 {
		return nil
	}
	return u.reqs[len(u.reqs)-1]
}

// fakeProfiles is an in-memory ProfileReader.
type fakeProfiles struct {
	markers []model.MarkerProfile
	details map[string]*model.ProfileDetail
	err     error
}

func (f *fakeProfiles) ListMarkers(context.Context) ([]model.MarkerProfile, error) {
	return f.markers, f.err
}

func (f *fakeProfiles) ProfileDetail(_ context.Context, id string) (*model.ProfileDetail, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.details[id], nil
}

// testEnv is a fully wired server backed by one fake upstream.
type testEnv struct {
	e        *echo.Echo
	upstream *upstreamLog
	metrics  *metrics.Metrics
	cfg      *config.Config
	routes   Routes
}

type envOption func(*config.Config)

func withoutSecret(c *config.Config) { c.AMap.SecurityCode = "" }
func withoutKey(c *config.Config)    { c.AMap.WebServiceKey = "" }

func newTestEnv(t *testing.T, upstream http.HandlerFunc, profiles ProfileReader, opts ...envOption) *testEnv {
	t.Helper()

	log := &upstreamLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		upstream(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		AMap: config.AMapConfig{SecurityCode: "server-jscode", WebServiceKey: "web-key"},
		Upstream: config.UpstreamConfig{
			RESTBaseURL:      srv.URL,
			WebAPIBaseURL:    srv.URL,
			Attempts:         2,
			AttemptTimeoutMS: 2000,
			RetryBackoffMS:   10,
			GeocodeTimeoutMS: 2000,
			IdleConnections:  10,
		},
		Geocode: config.GeocodeConfig{MaxRequests: 10, WindowSeconds: 60},
		Session: config.SessionConfig{CookieName: "sb-access-token", JWTSecret: testJWTSecret},
	}
	for _, o := range opts {
		o(cfg)
	}

	logger := testLogger()
	m := metrics.New()
	resolver, err := routing.NewResolver(cfg)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	ac := client.NewAMapClient(cfg, logger, m)
	sessions := session.NewResolver(cfg, logger)

	routes := Routes{
		Proxy:   NewProxyHandler(service.NewProxyService(ac, resolver, cfg, logger, m), logger),
		Geocode: NewGeocodeHandler(geocode.NewService(ac, resolver, cfg, logger), sessions, ratelimit.New(), cfg, logger, m),
		Map:     NewMapHandler(profiles, sessions, logger),
		Health:  NewHealthHandler(cfg, "test"),
	}

	e := echo.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)
	RegisterRoutes(e, routes)

	return &testEnv{e: e, upstream: log, metrics: m, cfg: cfg, routes: routes}
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

// token signs a session token for userID.
func token(t *testing.T, userID string) string {
	t.Helper()
	claims := session.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func okJSON(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}
