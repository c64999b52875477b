package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

const tiananmen = `{"status":"1","count":"1","geocodes":[{"formatted_address":"北京市东城区天安门","location":"116.397128,39.916527"}]}`

func geocodeRequest(t *testing.T, body, userID string) *http.Request {
	t.Helper()
	req := jsonRequest(http.MethodPost, "/api/geocode", body)
	if userID != "" {
		req.AddCookie(&http.Cookie{Name: "sb-access-token", Value: token(t, userID)})
	}
	return req
}

type coordsBody struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func TestGeocodeHandler_Match(t *testing.T) {
	env := newTestEnv(t, okJSON(tiananmen), nil)

	rec := env.do(geocodeRequest(t, `{"address":"天安门","city":"北京"}`, "user-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var got coordsBody
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Lat == nil || got.Lng == nil || *got.Lat != 39.916527 || *got.Lng != 116.397128 {
		t.Errorf("coords = %+v, want lat 39.916527 lng 116.397128", got)
	}

	up := env.upstream.last()
	if up.URL.Path != "/v3/geocode/geo" {
		t.Errorf("upstream path = %q", up.URL.Path)
	}
	if q := up.URL.Query(); q.Get("key") != "web-key" || q.Get("address") != "天安门" || q.Get("city") != "北京" {
		t.Errorf("upstream query = %v", q)
	}

	if rec.Header().Get("X-RateLimit-Limit") != "10" {
		t.Errorf("X-RateLimit-Limit = %q, want 10", rec.Header().Get("X-RateLimit-Limit"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "9" {
		t.Errorf("X-RateLimit-Remaining = %q, want 9", rec.Header().Get("X-RateLimit-Remaining"))
	}
	reset, err := strconv.ParseInt(rec.Header().Get("X-RateLimit-Reset"), 10, 64)
	if err != nil || reset < time.Now().Unix() {
		t.Errorf("X-RateLimit-Reset = %q, want a future unix time", rec.Header().Get("X-RateLimit-Reset"))
	}
	if v := testutil.ToFloat64(env.metrics.GeocodeResults.WithLabelValues("match")); v != 1 {
		t.Errorf("match counter = %v, want 1", v)
	}
}

func TestGeocodeHandler_NoMatch(t *testing.T) {
	env := newTestEnv(t, okJSON(`{"status":"1","count":"0","geocodes":[]}`), nil)

	rec := env.do(geocodeRequest(t, `{"address":"不存在的地方"}`, "user-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != "{\"lat\":null,\"lng\":null}\n" {
		t.Errorf("body = %q, want null coordinates", rec.Body)
	}
}

func TestGeocodeHandler_Unauthorized(t *testing.T) {
	env := newTestEnv(t, okJSON(tiananmen), nil)

	tests := []struct {
		name   string
		cookie string
	}{
		{"no session", ""},
		{"bad token", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := jsonRequest(http.MethodPost, "/api/geocode", `{"address":"天安门"}`)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "sb-access-token", Value: tt.cookie})
			}
			rec := env.do(req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if rec.Body.String() != "{\"error\":\"Unauthorized\"}\n" {
				t.Errorf("body = %q", rec.Body)
			}
		})
	}
	if env.upstream.count() != 0 {
		t.Errorf("upstream called %d times, want 0", env.upstream.count())
	}
}

func TestGeocodeHandler_RateLimited(t *testing.T) {
	env := newTestEnv(t, okJSON(tiananmen), nil)

	for i := range 10 {
		if rec := env.do(geocodeRequest(t, `{"address":"天安门"}`, "user-1")); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
	}

	rec := env.do(geocodeRequest(t, `{"address":"天安门"}`, "user-1"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("11th request: status = %d, want 429", rec.Code)
	}

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 || retryAfter > 60 {
		t.Errorf("Retry-After = %q, want 1..60", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", rec.Header().Get("X-RateLimit-Remaining"))
	}

	var body struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retryAfter"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error == "" || body.RetryAfter != retryAfter {
		t.Errorf("body = %+v, want error and retryAfter %d", body, retryAfter)
	}
	if env.upstream.count() != 10 {
		t.Errorf("upstream calls = %d, want 10", env.upstream.count())
	}

	// Another user has an independent quota.
	if rec := env.do(geocodeRequest(t, `{"address":"天安门"}`, "user-2")); rec.Code != http.StatusOK {
		t.Errorf("other user: status = %d, want 200", rec.Code)
	}
}

func TestGeocodeHandler_BadInput(t *testing.T) {
	env := newTestEnv(t, okJSON(tiananmen), nil)

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"invalid json", `{`, "Invalid JSON body"},
		{"missing address", `{}`, "address is required"},
		{"whitespace address", `{"address":"   "}`, "address must not be empty"},
		{"numeric city", `{"address":"x","city":5}`, "city must be a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(geocodeRequest(t, tt.body, "user-1"))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] != tt.wantErr {
				t.Errorf("error = %q, want %q", body["error"], tt.wantErr)
			}
		})
	}
	if env.upstream.count() != 0 {
		t.Errorf("upstream called %d times, want 0", env.upstream.count())
	}
}

func TestGeocodeHandler_MissingKey(t *testing.T) {
	env := newTestEnv(t, okJSON(tiananmen), nil, withoutKey)

	rec := env.do(geocodeRequest(t, `{"address":"天安门"}`, "user-1"))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if env.upstream.count() != 0 {
		t.Errorf("upstream called %d times, want 0", env.upstream.count())
	}
}

func TestGeocodeHandler_UpstreamErrors(t *testing.T) {
	t.Run("unreadable body", func(t *testing.T) {
		env := newTestEnv(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("<html>"))
		}, nil)
		rec := env.do(geocodeRequest(t, `{"address":"天安门"}`, "user-1"))
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rec.Code)
		}
	})

	t.Run("provider error page", func(t *testing.T) {
		env := newTestEnv(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("<html>maintenance</html>"))
		}, nil)
		rec := env.do(geocodeRequest(t, `{"address":"天安门"}`, "user-1"))
		if rec.Code != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", rec.Code)
		}
	})

	t.Run("connection dropped", func(t *testing.T) {
		env := newTestEnv(t, func(w http.ResponseWriter, _ *http.Request) {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
				}
			}
		}, nil)
		rec := env.do(geocodeRequest(t, `{"address":"天安门"}`, "user-1"))
		if rec.Code != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", rec.Code)
		}
		if v := testutil.ToFloat64(env.metrics.GeocodeResults.WithLabelValues("error")); v != 1 {
			t.Errorf("error counter = %v, want 1", v)
		}
	})
}

func TestGeocodeHandler_SanitizesBeforeUpstream(t *testing.T) {
	env := newTestEnv(t, okJSON(tiananmen), nil)

	rec := env.do(geocodeRequest(t,
		`{"address":"  <script>天安门</script>&  ","city":"<北京>"}`, "user-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	q := env.upstream.last().URL.Query()
	if q.Get("address") != "script天安门/script" {
		t.Errorf("upstream address = %q, want script天安门/script", q.Get("address"))
	}
	if q.Get("city") != "北京" {
		t.Errorf("upstream city = %q, want 北京", q.Get("city"))
	}
}
