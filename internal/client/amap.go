// Package client provides the upstream HTTP client for the AMap API.
package client

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"amap-proxy-go/internal/config"
	"amap-proxy-go/internal/metrics"
)

// AMapClient sends requests to the upstream AMap hosts.
type AMapClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewAMapClient creates an AMapClient with connection pooling. It sets no
// overall timeout: callers bound each call through their context.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewAMapClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *AMapClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &AMapClient{
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With("component", "amap_client"),
		metrics:    m,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *AMapClient) Do(req *http.Request) (*http.Response, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	host := req.URL.Hostname()
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method, host).Observe(duration)
	}
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, host, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, nil
}
