package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/stellarsim/internal/engine"
	"github.com/seantiz/stellarsim/internal/events"
	"github.com/seantiz/stellarsim/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Options tunes the HTTP layer. Zero values disable the feature.
type Options struct {
	// RateLimit is the number of submissions per minute per client.
	RateLimit int
	// CorrelationTTL is how long computed correlations are served from cache.
	CorrelationTTL time.Duration
	// TrustProxy takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that sets those headers.
	TrustProxy bool
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router *chi.Mux
	store  store.Store
	engine *engine.Engine
	broker *events.Broker
	log    logrus.FieldLogger
	addr   string

	correlations *cache.Cache
	limiter      *rateLimiterMap

	stopOnce  sync.Once
	stopWatch func()
}

// NewServer creates and configures a new HTTP server.
func NewServer(
	addr string,
	s store.Store,
	eng *engine.Engine,
	broker *events.Broker,
	log logrus.FieldLogger,
	opts Options,
) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		store:  s,
		engine: eng,
		broker: broker,
		log:    log.WithField("component", "api"),
		addr:   addr,
	}

	if opts.CorrelationTTL > 0 {
		srv.correlations = cache.New(opts.CorrelationTTL, 2*opts.CorrelationTTL)
		srv.stopWatch = srv.watchCompletions()
	}
	if opts.RateLimit > 0 {
		srv.limiter = newRateLimiterMap(opts.RateLimit)
	}

	if opts.TrustProxy {
		srv.router.Use(middleware.RealIP)
	}
	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/events", s.handleStreamEvents)
	s.router.Get("/v1/analytics/correlations", s.handleGetCorrelations)

	s.router.Route("/v1/jobs", func(r chi.Router) {
		r.With(s.rateLimitMiddleware).Post("/", s.handleCreateJob)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Delete("/{id}", s.handleDeleteJob)
		r.With(s.rateLimitMiddleware).Post("/{id}/retry", s.handleRetryJob)
		r.Get("/{id}/result", s.handleGetResult)
		r.Get("/{id}/export", s.handleExportResult)
	})

	s.router.Route("/v1/batches", func(r chi.Router) {
		r.With(s.rateLimitMiddleware).Post("/", s.handleCreateBatch)
		r.Get("/", s.handleListBatches)
		r.Get("/{id}", s.handleGetBatch)
		r.Get("/{id}/jobs", s.handleListBatchJobs)
		r.Delete("/{id}", s.handleDeleteBatch)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Close releases background resources held by the server.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		if s.stopWatch != nil {
			s.stopWatch()
		}
		if s.limiter != nil {
			s.limiter.stop()
		}
	})
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
// In-flight executions are waited for before returning.
func (s *Server) Run() error {
	defer s.Close()

	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.addr).Info("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.log.WithField("signal", sig.String()).Info("Shutting down")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.log.Info("Waiting for in-flight jobs")
	s.engine.Wait()

	s.log.Info("Server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Info("Request")
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Error("Failed to encode response")
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// pagination reads limit and offset, clamping them to usable values.
func pagination(r *http.Request) (limit, offset int) {
	limit = parseIntQuery(r, "limit", defaultListLimit)
	offset = parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
