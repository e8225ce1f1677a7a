package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kpath-enterprise/kpath/pkg/auth"
	"github.com/kpath-enterprise/kpath/pkg/common/cache"
	"github.com/kpath-enterprise/kpath/pkg/indexer"
	"github.com/kpath-enterprise/kpath/pkg/models"
	"github.com/kpath-enterprise/kpath/pkg/observability"
	"github.com/kpath-enterprise/kpath/pkg/search"
)

// SearchService plans and executes searches.
type SearchService interface {
	Search(ctx context.Context, userID int64, req *search.SearchRequest) (*search.SearchResponse, error)
}

// IndexManager is the index lifecycle surface the API drives.
type IndexManager interface {
	Status() indexer.Status
	Rebuild(ctx context.Context) error
	AddService(ctx context.Context, serviceID int64) error
	UpdateService(ctx context.Context, serviceID int64) error
	RemoveService(ctx context.Context, serviceID int64) error
}

// Store is the catalog surface the API reads and writes.
type Store interface {
	ServiceByID(ctx context.Context, id int64) (*models.Service, error)
	CreateService(ctx context.Context, svc *models.Service) error
	UpdateService(ctx context.Context, svc *models.Service) error
	DeleteService(ctx context.Context, id int64) error
	RecordFeedback(ctx context.Context, ev *models.FeedbackEvent) error
	LogSearchQuery(ctx context.Context, entry *models.SearchQueryLog) error
	LogAPIRequest(ctx context.Context, entry *models.APIRequestLog) error
	Ping(ctx context.Context) error
}

// Invalidator drops cached feedback scores after feedback writes.
type Invalidator interface {
	Invalidate(serviceIDs ...int64)
}

// Options configure the HTTP server.
type Options struct {
	ListenAddress  string
	RequestTimeout time.Duration
}

// Server is the HTTP surface of the discovery service.
type Server struct {
	router         *gin.Engine
	httpServer     *http.Server
	searcher       SearchService
	manager        IndexManager
	store          Store
	invalidator    Invalidator
	cache          cache.Cache
	requestTimeout time.Duration
	logger         observability.Logger
	metrics        observability.MetricsClient
}

// NewServer wires routes and middleware. The authenticator and rate
// limiter guard everything under /api/v1; /health stays public.
func NewServer(
	opts Options,
	searcher SearchService,
	manager IndexManager,
	store Store,
	invalidator Invalidator,
	cacheClient cache.Cache,
	authn *auth.Authenticator,
	limiter *auth.RateLimiter,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Server {
	if logger == nil {
		logger = observability.NewLogger("api")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	s := &Server{
		router:         gin.New(),
		searcher:       searcher,
		manager:        manager,
		store:          store,
		invalidator:    invalidator,
		cache:          cacheClient,
		requestTimeout: opts.RequestTimeout,
		logger:         logger,
		metrics:        metrics,
	}

	s.router.Use(s.recoveryMiddleware())
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	v1.Use(authn.Middleware())
	v1.Use(limiter.Middleware())
	v1.Use(s.observabilityMiddleware())
	v1.Use(s.deadlineMiddleware())

	searchGroup := v1.Group("", auth.RequireScopes(auth.ScopeSearch))
	searchGroup.POST("/search", s.handleSearchPost)
	searchGroup.GET("/search", s.handleSearchGet)
	searchGroup.POST("/search/feedback", s.handleFeedback)
	searchGroup.GET("/index/status", s.handleIndexStatus)

	adminGroup := v1.Group("", auth.RequireScopes(auth.ScopeAdmin))
	adminGroup.POST("/index/rebuild", s.handleIndexRebuild)
	adminGroup.POST("/index/services/:id", s.handleServiceAdd)
	adminGroup.PUT("/index/services/:id", s.handleServiceUpdate)
	adminGroup.DELETE("/index/services/:id", s.handleServiceRemove)

	s.httpServer = &http.Server{
		Addr:         opts.ListenAddress,
		Handler:      s.router,
		ReadTimeout:  opts.RequestTimeout + 5*time.Second,
		WriteTimeout: opts.RequestTimeout + 5*time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", map[string]interface{}{
		"address": s.httpServer.Addr,
	})
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
