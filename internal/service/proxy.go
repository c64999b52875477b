// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"amap-proxy-go/internal/client"
	"amap-proxy-go/internal/config"
	"amap-proxy-go/internal/metrics"
	"amap-proxy-go/internal/model"
	"amap-proxy-go/internal/retry"
	"amap-proxy-go/internal/routing"
)

// ErrMissingSecret is returned when no security jscode is configured. No
// upstream call is made in that case.
var ErrMissingSecret = errors.New("security jscode is not configured")

// SecretParam is the query parameter carrying the security jscode.
const SecretParam = "jscode"

// alwaysDroppedHeaders are connection-specific and never forwarded.
var alwaysDroppedHeaders = []string{"Host", "Connection"}

// strippedResponseHeaders may no longer match the body once it was decoded.
var strippedResponseHeaders = []string{"Content-Encoding", "Content-Length"}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client      retry.Doer
	resolver    *routing.Resolver
	executor    *retry.Executor
	secret      string
	dropHeaders []string
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.AMapClient, r *routing.Resolver, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return newProxyService(c, r, cfg, logger, m)
}

func newProxyService(d retry.Doer, r *routing.Resolver, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	drop := append([]string{}, alwaysDroppedHeaders...)
	drop = append(drop, cfg.Upstream.DropRequestHeaders...)

	return &ProxyService{
		client:   d,
		resolver: r,
		executor: retry.New(
			cfg.Upstream.Attempts,
			msDuration(cfg.Upstream.AttemptTimeoutMS),
			msDuration(cfg.Upstream.RetryBackoffMS),
		),
		secret:      cfg.AMap.SecurityCode,
		dropHeaders: drop,
		logger:      logger.With("component", "proxy_service"),
		metrics:     m,
	}
}

// Forward sends a ProxyRequest to the AMap hosts that serve its path and
// returns the response. The caller is responsible for closing the response body.
//
// Candidate hosts are tried in order. A 404 from any but the last candidate
// is discarded and the identical request goes to the next one.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if s.secret == "" {
		return nil, ErrMissingSecret
	}

	upstreamPath := cleanPath(pr.Path)
	if _, err := url.PathUnescape(upstreamPath); err != nil {
		return nil, fmt.Errorf("invalid upstream path: %w", err)
	}
	query := s.buildQuery(pr.Query)
	header := s.filterRequestHeaders(pr.Header)

	var body []byte
	if hasBody(pr.Method) && pr.Body != nil {
		var err error
		body, err = io.ReadAll(pr.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}
	if hasBody(pr.Method) && header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}

	ctx := pr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	candidates := s.resolver.Candidates(upstreamPath)
	for i, host := range candidates {
		target := s.targetURL(host, upstreamPath, query)

		s.logger.Debug("forwarding request",
			"method", pr.Method,
			"path", upstreamPath,
			"host", host,
		)

		resp, err := s.executorFor(host).Do(ctx, s.client, func(ctx context.Context) (*http.Request, error) {
			var r io.Reader = http.NoBody
			if body != nil {
				r = bytes.NewReader(body)
			}
			req, err := http.NewRequestWithContext(ctx, pr.Method, target, r)
			if err != nil {
				return nil, fmt.Errorf("build upstream request: %w", err)
			}
			req.Header = header.Clone()
			return req, nil
		})
		if err != nil {
			return nil, fmt.Errorf("forward to %s: %w", host, err)
		}

		if resp.StatusCode == http.StatusNotFound && i < len(candidates)-1 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			_ = resp.Body.Close()

			next := candidates[i+1]
			s.logger.Info("upstream returned 404, trying next host",
				"path", upstreamPath,
				"from", host,
				"to", next,
			)
			if s.metrics != nil {
				s.metrics.UpstreamFallbacks.WithLabelValues(string(host), string(next)).Inc()
			}
			continue
		}

		return s.buildResponse(pr.Method, resp)
	}

	// Unreachable: Candidates never returns an empty list.
	return nil, fmt.Errorf("no upstream host for %q", upstreamPath)
}

func (s *ProxyService) executorFor(host routing.Host) *retry.Executor {
	ex := *s.executor
	ex.OnRetry = func(attempt int, err error) {
		s.logger.Warn("upstream attempt failed, retrying",
			"host", host,
			"attempt", attempt,
			"err", RedactSecret(err.Error()),
		)
		if s.metrics != nil {
			s.metrics.UpstreamRetries.WithLabelValues(string(host)).Inc()
		}
	}
	return &ex
}

// buildQuery copies the inbound query, keeping the last value per key, and
// sets the server-held secret. Client-supplied values for the secret
// parameter, in any letter case, are discarded.
func (s *ProxyService) buildQuery(in url.Values) url.Values {
	q := make(url.Values, len(in)+1)
	for k, v := range in {
		if len(v) == 0 || strings.EqualFold(k, SecretParam) {
			continue
		}
		q.Set(k, v[len(v)-1])
	}
	q.Set(SecretParam, s.secret)
	return q
}

func (s *ProxyService) targetURL(host routing.Host, upstreamPath string, query url.Values) string {
	u := s.resolver.BaseURL(host)
	raw := strings.TrimSuffix(u.EscapedPath(), "/") + "/" + upstreamPath
	// Forward validates upstreamPath, so unescaping cannot fail here.
	u.Path, _ = url.PathUnescape(raw)
	u.RawPath = raw
	u.RawQuery = query.Encode()
	return u.String()
}

func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, key := range s.dropHeaders {
		dst.Del(key)
	}
	return dst
}

func (s *ProxyService) buildResponse(method string, resp *http.Response) (*model.ProxyResponse, error) {
	header := resp.Header.Clone()
	body := resp.Body
	if !bodyless(method, resp) {
		var err error
		body, err = client.DecodeBody(resp.Body, header.Get("Content-Encoding"))
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("decode upstream body: %w", err)
		}
	}
	for _, key := range strippedResponseHeaders {
		header.Del(key)
	}
	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

// cleanPath resolves dot segments in the escaped path p so ".." cannot
// climb above the host root. Segments keep their escaping; "%2E%2E" counts
// as "..". A trailing slash is preserved. The result has no leading slash.
func cleanPath(p string) string {
	trailing := strings.HasSuffix(p, "/")
	var out []string
	for _, seg := range strings.Split(p, "/") {
		dec, err := url.PathUnescape(seg)
		if err != nil {
			dec = seg
		}
		switch dec {
		case "", ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}
	c := strings.Join(out, "/")
	if trailing && c != "" {
		c += "/"
	}
	return c
}

// bodyless reports whether resp carries no entity bytes even though its
// headers may still describe an encoding.
func bodyless(method string, resp *http.Response) bool {
	switch {
	case method == http.MethodHead:
		return true
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotModified:
		return true
	case resp.StatusCode >= 100 && resp.StatusCode < 200:
		return true
	}
	return resp.ContentLength == 0
}

func hasBody(method string) bool {
	return method != http.MethodGet && method != http.MethodHead
}
