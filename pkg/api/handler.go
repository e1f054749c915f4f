// Package api exposes the store and the proximity engine over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kass/go-geo-points/pkg/auth"
	"github.com/kass/go-geo-points/pkg/metrics"
	"github.com/kass/go-geo-points/pkg/proximity"
	"github.com/kass/go-geo-points/pkg/store"
)

type Handler struct {
	store    *store.Store
	engine   *proximity.Engine
	tokens   *auth.TokenManager
	log      *slog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	timeout  time.Duration
}

type Option func(*Handler)

// WithMetrics instruments requests and serves /metrics from g.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(h *Handler) {
		h.metrics = m
		h.gatherer = g
	}
}

// WithTimeout bounds every request. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

func NewHandler(s *store.Store, e *proximity.Engine, tokens *auth.TokenManager, log *slog.Logger, opts ...Option) *Handler {
	h := &Handler{store: s, engine: e, tokens: tokens, log: log}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes builds the router. Every /api route requires a bearer token.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		h.logRequests,
		middleware.Recoverer,
		middleware.StripSlashes,
	)
	if h.metrics != nil {
		r.Use(h.instrument)
	}
	if h.timeout > 0 {
		r.Use(middleware.Timeout(h.timeout))
	}

	r.Get("/healthz", h.health)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Route("/points", func(r chi.Router) {
			r.Post("/", h.createPoint)
			r.Get("/", h.listPoints)
			r.Get("/search", h.searchPoints)
			r.Post("/messages", h.createMessage)
			r.Get("/messages", h.listMessages)
			r.Get("/{id}", h.getPoint)
			r.Put("/{id}", h.updatePoint)
			r.Patch("/{id}", h.updatePoint)
			r.Delete("/{id}", h.deletePoint)
		})
		r.Route("/messages", func(r chi.Router) {
			r.Get("/", h.listMessages)
			r.Get("/search", h.searchMessages)
			r.Get("/{id}", h.getMessage)
			r.Delete("/{id}", h.deleteMessage)
		})
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.log.ErrorContext(r.Context(), "Health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "indexed_points": h.store.IndexedCount()})
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.tokens.FromRequest(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			h.log.InfoContext(r.Context(), "Request handled",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.RequestSeconds.
			WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}

func pathID(r *http.Request, kind string) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, notFound(kind, raw)
	}
	return id, nil
}
