// Package server implements the admin HTTP surface an emitter or absorber
// exposes next to its Unix-socket protocol listener: liveness/readiness
// probes and, when Prometheus is enabled, a /metrics endpoint. It never
// speaks the wire protocol itself (pkg/wire, pkg/emitter, pkg/absorber do).
package server

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"
)

const (
	routeHealthz = "/healthz"
	routeReadyz  = "/readyz"
	routeMetrics = "/metrics"
)

// ReadyFunc reports whether the process is ready to serve traffic; a
// non-nil error is surfaced as the /readyz body.
type ReadyFunc func() error

// Server is the admin HTTP handler. The zero value is not usable; build one
// with New.
type Server struct {
	logger   zerolog.Logger
	router   *chi.Mux
	gatherer atomic.Pointer[prometheus.Gatherer]
	ready    atomic.Pointer[ReadyFunc]
}

// New returns a Server logging through logger and named serviceName for
// otelchi's request span attribute.
func New(logger zerolog.Logger, serviceName string) *Server {
	s := &Server{logger: logger}
	s.router = createRouter(s, serviceName)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// SetGatherer wires a Prometheus Gatherer into /metrics. Passing nil makes
// /metrics respond 404, which is also the behavior before SetGatherer is
// ever called.
func (s *Server) SetGatherer(g prometheus.Gatherer) {
	if g == nil {
		s.gatherer.Store(nil)

		return
	}

	s.gatherer.Store(&g)
}

// SetReadyFunc wires the readiness check /readyz reports. Passing nil makes
// /readyz always succeed, which is also the default.
func (s *Server) SetReadyFunc(fn ReadyFunc) {
	if fn == nil {
		s.ready.Store(nil)

		return
	}

	s.ready.Store(&fn)
}

func createRouter(s *Server, serviceName string) *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(otelchi.Middleware(serviceName))
	router.Use(requestLogger(s.logger))
	router.Use(middleware.Recoverer)

	router.Get(routeHealthz, s.getHealthz)
	router.Get(routeReadyz, s.getReadyz)
	router.Get(routeMetrics, s.getMetrics)

	return router
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startedAt := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("elapsed", time.Since(startedAt)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Msg("admin request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) getHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) getReadyz(w http.ResponseWriter, _ *http.Request) {
	fn := s.ready.Load()
	if fn == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))

		return
	}

	if err := (*fn)(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(err.Error()))

		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	g := s.gatherer.Load()
	if g == nil {
		w.WriteHeader(http.StatusNotFound)

		return
	}

	promhttp.HandlerFor(*g, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
