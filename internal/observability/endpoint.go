package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/parkctl/internal/logger"
	metricspkg "github.com/tphakala/parkctl/internal/observability/metrics"
)

// HealthCheck reports a subsystem problem as a non-nil error.
type HealthCheck func() error

// Endpoint serves /metrics and /healthz.
type Endpoint struct {
	echo    *echo.Echo
	metrics *Metrics

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// NewEndpoint builds the HTTP routes; Run starts serving.
func NewEndpoint(m *Metrics) *Endpoint {
	e := &Endpoint{
		echo:    echo.New(),
		metrics: m,
		checks:  make(map[string]HealthCheck),
	}
	e.echo.HideBanner = true
	e.echo.HidePort = true
	e.echo.Server.ReadTimeout = 5 * time.Second
	e.echo.Server.WriteTimeout = 10 * time.Second
	e.echo.Use(middleware.Recover())

	e.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})))
	e.echo.GET("/healthz", e.health)
	return e
}

// AddCheck registers a named health check.
func (e *Endpoint) AddCheck(name string, check HealthCheck) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checks[name] = check
}

// Handler exposes the router for tests.
func (e *Endpoint) Handler() http.Handler { return e.echo }

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (e *Endpoint) health(c echo.Context) error {
	e.mu.RLock()
	names := make([]string, 0, len(e.checks))
	for name := range e.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	code := http.StatusOK
	for _, name := range names {
		if err := e.checks[name](); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	e.mu.RUnlock()
	return c.JSON(code, resp)
}

// Run serves on addr until ctx is cancelled.
func (e *Endpoint) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	e.echo.Listener = ln
	log.Info("telemetry endpoint starting", logger.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- e.echo.Start("") }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("stopping telemetry endpoint")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricspkg.ShutdownTimeout)
	defer cancel()
	if err := e.echo.Shutdown(shutdownCtx); err != nil {
		log.Error("telemetry endpoint shutdown error", logger.Error(err))
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
