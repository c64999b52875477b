package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"amap-proxy-go/internal/client"
	"amap-proxy-go/internal/config"
	"amap-proxy-go/internal/geocode"
	"amap-proxy-go/internal/handler"
	"amap-proxy-go/internal/metrics"
	"amap-proxy-go/internal/middleware"
	"amap-proxy-go/internal/ratelimit"
	"amap-proxy-go/internal/routing"
	"amap-proxy-go/internal/service"
	"amap-proxy-go/internal/session"
	"amap-proxy-go/internal/store"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	envFile, err := config.LoadEnvFile(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("amap-proxy"),
		kong.Description("Security proxy and geocoding gateway for the AMap JS SDK."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			client.NewAMapClient,
			routing.NewResolver,
			service.NewProxyService,
			geocode.NewService,
			func() *ratelimit.Limiter { return ratelimit.New() },
			session.NewResolver,
			newProfileReader,
			handler.NewProxyHandler,
			handler.NewGeocodeHandler,
			handler.NewMapHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(
			func(logger *slog.Logger) {
				if envFile != "" {
					logger.Info("loaded env file", "path", envFile)
				}
			},
			registerRoutes,
			warnConfig,
			startSweeper,
			startServer,
		),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays disabled: tile and style responses are streamed and
	// the upstream side is bounded by the per-attempt deadline.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	return e
}

// newProfileReader opens the profile store when one is configured. The
// map endpoints answer 503 when it is not.
func newProfileReader(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (handler.ProfileReader, error) {
	if cfg.Store.Driver == "" {
		logger.Info("profile store disabled; map data endpoints will return 503")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("profile store: %w", err)
	}
	logger.Info("profile store connected", "driver", s.Driver())

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return s.Close()
		},
	})
	return s, nil
}

func registerRoutes(
	e *echo.Echo,
	cfg *config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
	proxy *handler.ProxyHandler,
	geo *handler.GeocodeHandler,
	mapData *handler.MapHandler,
	health *handler.HealthHandler,
) {
	var proxyMW []echo.MiddlewareFunc
	if cfg.Server.RateLimit.Enabled {
		proxyMW = append(proxyMW, middleware.ProxyRateLimiter(cfg.Server.RateLimit, m))
		logger.Info("proxy rate limiter enabled",
			"rps", cfg.Server.RateLimit.RequestsPerSecond,
			"burst", cfg.Server.RateLimit.Burst,
		)
	}

	handler.RegisterRoutes(e, handler.Routes{
		Proxy:   proxy,
		Geocode: geo,
		Map:     mapData,
		Health:  health,
	}, proxyMW...)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
		logger.Info("metrics endpoint enabled", "path", cfg.Metrics.Path)
	}
}

func warnConfig(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
	cfg.WarnMissingSecrets(logger)
}

func startSweeper(lc fx.Lifecycle, l *ratelimit.Limiter, logger *slog.Logger) {
	sw := ratelimit.NewSweeper(l, ratelimit.DefaultSweepSchedule, logger)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return sw.Start()
		},
		OnStop: func(context.Context) error {
			sw.Stop()
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "version", version)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
