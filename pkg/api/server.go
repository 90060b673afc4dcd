// Package api exposes named queries, resource state, health and metrics
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mrajcok/watchtower/pkg/common"
	"github.com/mrajcok/watchtower/pkg/config"
	"github.com/mrajcok/watchtower/pkg/dbconn"
	"github.com/mrajcok/watchtower/pkg/monitoring"
	"github.com/mrajcok/watchtower/pkg/resource"
)

// QueryRunner executes a statement on a checked out connection
type QueryRunner interface {
	Run(ctx context.Context, conn dbconn.Connection, statement string, timeout time.Duration) (*dbconn.Result, error)
}

// Options carries the optional collaborators of a Server
type Options struct {
	Metrics *monitoring.GatewayMetrics
	Health  *monitoring.HealthRegistry
	Tracing *monitoring.TracingManager
}

// Server is the gateway's HTTP front end
type Server struct {
	cfg     atomic.Pointer[config.Config]
	manager *resource.Manager
	runner  QueryRunner
	metrics *monitoring.GatewayMetrics
	health  *monitoring.HealthRegistry
	tracing *monitoring.TracingManager

	router     *mux.Router
	handler    http.Handler
	limiter    *rate.Limiter
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer builds the router and middleware chain
func NewServer(cfg *config.Config, manager *resource.Manager, runner QueryRunner, opts Options) *Server {
	s := &Server{
		manager: manager,
		runner:  runner,
		metrics: opts.Metrics,
		health:  opts.Health,
		tracing: opts.Tracing,
		router:  mux.NewRouter(),
		limiter: newRateLimiter(cfg.Middleware),
	}
	s.cfg.Store(cfg)

	if s.metrics == nil {
		s.metrics, _ = monitoring.NewGatewayMetrics(nil)
	}
	if s.health == nil {
		s.health = monitoring.NewHealthRegistry(5*time.Second, "")
	}

	s.setupRoutes()

	var handler http.Handler = s.router
	handler = s.requestMiddleware(handler)
	if cfg.Middleware.EnableCompression {
		handler = gzhttp.GzipHandler(handler)
	}
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler:        s.handler,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

func newRateLimiter(cfg config.MiddlewareConfig) *rate.Limiter {
	if cfg.RateLimitRPS <= 0 {
		return nil
	}
	burst := cfg.RateLimitBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
}

func (s *Server) config() *config.Config {
	return s.cfg.Load()
}

// Handler returns the complete middleware chain
func (s *Server) Handler() http.Handler {
	return s.handler
}

// GetRouter returns the server's router
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// ApplyConfig swaps in a reloaded configuration. Named queries and request
// logging settings take effect on the next request.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
	for name := range cfg.Queries {
		s.metrics.InitEndpoint("/queries/" + name)
	}
	if s.limiter != nil && cfg.Middleware.RateLimitRPS > 0 {
		s.limiter.SetLimit(rate.Limit(cfg.Middleware.RateLimitRPS))
		s.limiter.SetBurst(cfg.Middleware.RateLimitBurst)
	}
}

func (s *Server) setupRoutes() {
	cfg := s.config()

	if s.tracing != nil {
		s.router.Use(s.tracing.Middleware)
	}
	s.router.Use(s.rateLimitMiddleware)

	s.router.HandleFunc("/queries", s.handleListQueries).Methods(http.MethodGet)
	s.router.HandleFunc("/queries/{name}", s.handleQuery).Methods(http.MethodGet)
	s.router.HandleFunc("/resources", s.handleResources).Methods(http.MethodGet)
	s.router.Handle("/health", s.health.Handler()).Methods(http.MethodGet)
	if cfg.Metrics.Enabled {
		s.router.Handle(cfg.Metrics.Path, s.metrics.Registry.Handler()).Methods(http.MethodGet)
	}

	for name := range cfg.Queries {
		s.metrics.InitEndpoint("/queries/" + name)
	}
}

// Start serves HTTP in the background
func (s *Server) Start(ctx context.Context) error {
	log.Info().
		Str("address", s.httpServer.Addr).
		Bool("compression_enabled", s.config().Middleware.EnableCompression).
		Bool("metrics_enabled", s.config().Metrics.Enabled).
		Float64("rate_limit_rps", s.config().Middleware.RateLimitRPS).
		Msg("Starting HTTP server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server listen error")
		}
	}()
	return nil
}

// Stop waits for in-flight requests and stops the listener
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
		return err
	}
	s.wg.Wait()

	log.Info().Msg("HTTP server stopped")
	return nil
}

func (s *Server) handleListQueries(w http.ResponseWriter, r *http.Request) {
	queries := s.config().Queries

	infos := make([]QueryInfo, 0, len(queries))
	for name, q := range queries {
		info := QueryInfo{Name: name, ResourceID: q.ResourceID}
		if q.Timeout > 0 {
			info.Timeout = q.Timeout.String()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	s.writeJSONResponse(w, http.StatusOK, ListQueriesResponse{Queries: infos, Total: len(infos)})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := mux.Vars(r)["name"]

	q, ok := s.config().Queries[name]
	if !ok {
		s.writeError(w, r, common.Errorf(common.KindNotFound, "query %s not found", name))
		return
	}

	set, err := s.manager.Acquire(ctx, q.ResourceID)
	if err != nil {
		monitoring.LogError(ctx, "acquire-err", err)
		s.writeError(w, r, err)
		return
	}
	defer set.Release()

	start := time.Now()
	result, err := s.runner.Run(ctx, set.Conn(q.ResourceID), q.Statement, q.Timeout)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, QueryResponse{
		Query:      name,
		ResourceID: q.ResourceID,
		Columns:    result.Columns,
		Rows:       result.Rows,
		RowCount:   result.RowCount(),
		Duration:   common.ElapsedSeconds(start),
	})
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, ResourcesResponse{
		Resources:    s.manager.Stats(),
		ShuttingDown: s.manager.ShuttingDown(),
		Timestamp:    time.Now(),
	})
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError renders err with the status of its kind. Internal detail stays
// in the logs.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	gwErr := common.AsGatewayError(err)
	status := common.HTTPStatus(gwErr.Kind)

	cid := gwErr.CorrelationID
	if cid == "" {
		cid = common.CorrelationIDFromContext(r.Context())
	}

	s.writeJSONResponse(w, status, ErrorResponse{
		Error: Error{
			Code:          status,
			Message:       gwErr.Message,
			CorrelationID: cid,
			Timestamp:     time.Now(),
		},
	})
}
