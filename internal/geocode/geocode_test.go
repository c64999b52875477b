package geocode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"amap-proxy-go/internal/config"
	"amap-proxy-go/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(key string) *config.Config {
	return &config.Config{
		AMap:     config.AMapConfig{WebServiceKey: key},
		Upstream: config.UpstreamConfig{GeocodeTimeoutMS: 2000},
	}
}

func newTestService(t *testing.T, srv *httptest.Server, key string) *Service {
	t.Helper()
	base, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return newService(srv.Client(), *base, testConfig(key), testLogger())
}

func TestGeocode_Match(t *testing.T) {
	var gotQuery url.Values
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"1","count":"1","geocodes":[{"location":"116.397128,39.916527"}]}`)
	}))
	defer srv.Close()

	svc := newTestService(t, srv, "web-key")
	coords, err := svc.Geocode(context.Background(), model.GeocodeQuery{Address: "天安门", City: "北京"})
	if err != nil {
		t.Fatalf("Geocode() error = %v", err)
	}
	if !coords.Found() {
		t.Fatal("expected a match")
	}
	if *coords.Lng != 116.397128 || *coords.Lat != 39.916527 {
		t.Errorf("coords = (%v, %v), want (116.397128, 39.916527)", *coords.Lng, *coords.Lat)
	}

	if gotPath != "/v3/geocode/geo" {
		t.Errorf("path = %q, want /v3/geocode/geo", gotPath)
	}
	if gotQuery.Get("key") != "web-key" {
		t.Errorf("key = %q, want web-key", gotQuery.Get("key"))
	}
	if gotQuery.Get("address") != "天安门" {
		t.Errorf("address = %q, want 天安门", gotQuery.Get("address"))
	}
	if gotQuery.Get("city") != "北京" {
		t.Errorf("city = %q, want 北京", gotQuery.Get("city"))
	}
	if gotQuery.Has("jscode") {
		t.Error("geocode request must not carry jscode")
	}
}

func TestGeocode_NoCityParam(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = io.WriteString(w, `{"status":"1","geocodes":[]}`)
	}))
	defer srv.Close()

	svc := newTestService(t, srv, "k")
	if _, err := svc.Geocode(context.Background(), model.GeocodeQuery{Address: "x"}); err != nil {
		t.Fatalf("Geocode() error = %v", err)
	}
	if gotQuery.Has("city") {
		t.Errorf("city param sent without a city: %v", gotQuery)
	}
}

func TestGeocode_NoMatch(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero candidates", `{"status":"1","count":"0","geocodes":[]}`},
		{"missing candidates", `{"status":"1"}`},
		{"status zero", `{"status":"0","info":"INVALID_USER_KEY","infocode":"10001"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			coords, err := newTestService(t, srv, "k").Geocode(context.Background(), model.GeocodeQuery{Address: "火星"})
			if err != nil {
				t.Fatalf("Geocode() error = %v", err)
			}
			if coords.Found() || coords.Lat != nil || coords.Lng != nil {
				t.Errorf("coords = %+v, want both null", coords)
			}
		})
	}
}

func TestGeocode_BadResponse(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantUpstream bool
	}{
		{"error status", http.StatusBadGateway, true},
		{"success status", http.StatusOK, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, "<html>bad gateway</html>")
			}))
			defer srv.Close()

			_, err := newTestService(t, srv, "k").Geocode(context.Background(), model.GeocodeQuery{Address: "x"})
			if !errors.Is(err, ErrBadResponse) {
				t.Errorf("error = %v, want ErrBadResponse", err)
			}
			if errors.Is(err, ErrUpstream) != tt.wantUpstream {
				t.Errorf("errors.Is(err, ErrUpstream) = %v, want %v", !tt.wantUpstream, tt.wantUpstream)
			}
		})
	}
}

func TestGeocode_MissingKey(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	svc := newTestService(t, srv, "")
	if svc.Configured() {
		t.Error("Configured() = true without a key")
	}
	_, err := svc.Geocode(context.Background(), model.GeocodeQuery{Address: "x"})
	if !errors.Is(err, ErrMissingKey) {
		t.Errorf("error = %v, want ErrMissingKey", err)
	}
	if calls.Load() != 0 {
		t.Errorf("upstream called %d times, want 0", calls.Load())
	}
}

func TestGeocode_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	svc := newTestService(t, srv, "k")
	srv.Close()

	_, err := svc.Geocode(context.Background(), model.GeocodeQuery{Address: "x"})
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("error = %v, want ErrUpstream", err)
	}
}

func TestGeocode_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	base, _ := url.Parse(srv.URL)
	cfg := testConfig("k")
	cfg.Upstream.GeocodeTimeoutMS = 50
	svc := newService(srv.Client(), *base, cfg, testLogger())

	start := time.Now()
	_, err := svc.Geocode(context.Background(), model.GeocodeQuery{Address: "x"})
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("error = %v, want ErrUpstream", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Geocode took %v, timeout not applied", elapsed)
	}
}

func TestInterpret(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantLat *float64
		wantLng *float64
		wantErr bool
	}{
		{"match", `{"status":"1","geocodes":[{"location":"121.5,31.2"}]}`, ptr(31.2), ptr(121.5), false},
		{"first candidate wins", `{"status":"1","geocodes":[{"location":"1,2"},{"location":"3,4"}]}`, ptr(2), ptr(1), false},
		{"unparseable latitude", `{"status":"1","geocodes":[{"location":"121.5,abc"}]}`, nil, ptr(121.5), false},
		{"no comma", `{"status":"1","geocodes":[{"location":"121.5"}]}`, nil, ptr(121.5), false},
		{"empty location", `{"status":"1","geocodes":[{"location":""}]}`, nil, nil, false},
		{"location not a string", `{"status":"1","geocodes":[{"location":[]}]}`, nil, nil, false},
		{"nan rejected", `{"status":"1","geocodes":[{"location":"NaN,Inf"}]}`, nil, nil, false},
		{"status zero", `{"status":"0"}`, nil, nil, false},
		{"not json", `oops`, nil, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Interpret([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Interpret() error = %v, wantErr %v", err, tt.wantErr)
			}
			assertCoord(t, "lat", got.Lat, tt.wantLat)
			assertCoord(t, "lng", got.Lng, tt.wantLng)
		})
	}
}

func assertCoord(t *testing.T, name string, got, want *float64) {
	t.Helper()
	switch {
	case got == nil && want == nil:
	case got == nil || want == nil:
		t.Errorf("%s = %v, want %v", name, got, want)
	case *got != *want:
		t.Errorf("%s = %v, want %v", name, *got, *want)
	}
}

func ptr(f float64) *float64 { return &f }
