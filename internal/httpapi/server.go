// Package httpapi is the REST surface consumed by the UI: catalog
// browsing, stack submission and teardown, live stack status with a
// polling hint, and cluster stats.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"stackpilot/internal/api"
	"stackpilot/internal/catalog"
	"stackpilot/internal/cluster"
	"stackpilot/internal/stack"
	"stackpilot/pkg/logging"
)

// StackDeployer is the deployer surface the HTTP API needs.
type StackDeployer interface {
	DeployStack(ctx context.Context, rctx api.RequestContext, recipeID string, config map[string]string) (stack.Stack, error)
	RemoveStack(ctx context.Context, rctx api.RequestContext, stackID string) error
}

// StatusReader reconciles a stack on demand.
type StatusReader interface {
	Reconcile(ctx context.Context, stackID string) ([]stack.ServiceNode, error)
}

// StatsProvider computes cluster-wide stats.
type StatsProvider interface {
	Collect(ctx context.Context) (cluster.Stats, error)
}

// CatalogReader is the read-only catalog surface.
type CatalogReader interface {
	catalog.Resolver
	Search(query, category string) ([]catalog.Recipe, error)
}

// Config wires the server's collaborators.
type Config struct {
	Addr     string
	Sessions SessionProvider
	Deployer StackDeployer
	Status   StatusReader
	Stats    StatsProvider
	Catalog  CatalogReader
	Store    *stack.Store

	// PollSeconds is the cadence hint returned for transitional stacks.
	PollSeconds int
}

// Server is the HTTP API server.
type Server struct {
	router *gin.Engine
	server *http.Server
	cfg    Config
}

// NewServer creates the HTTP server with its routes registered.
func NewServer(cfg Config) *Server {
	if cfg.PollSeconds <= 0 {
		cfg.PollSeconds = 5
	}
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	s := &Server{
		router: router,
		cfg:    cfg,
		server: &http.Server{Addr: cfg.Addr, Handler: router},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := s.router.Group("/", sessionAuth(s.cfg.Sessions))
	{
		authed.GET("/cluster/stats", s.handleClusterStats)
		authed.GET("/stack", s.handleListStacks)
		authed.POST("/stack", s.handleDeployStack)
		authed.DELETE("/stack/:id", s.handleRemoveStack)
		authed.GET("/catalog", s.handleSearchCatalog)
		authed.GET("/catalog/:slug", s.handleGetRecipe)
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	logging.Info("HTTPAPI", "Listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the routing tree, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleClusterStats(c *gin.Context) {
	stats, err := s.cfg.Stats.Collect(c.Request.Context())
	if err != nil {
		logging.Error("HTTPAPI", err, "Cluster stats collection failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cluster stats are currently unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// stackView is one stack in the list response. PollSeconds tells the UI
// how often to refresh: the configured cadence while the stack is
// transitional, 0 once it settles.
type stackView struct {
	Stack        stack.Stack         `json:"stack"`
	Nodes        []stack.ServiceNode `json:"nodes"`
	Edges        []stack.Edge        `json:"edges"`
	Transitional bool                `json:"transitional"`
	PollSeconds  int                 `json:"pollSeconds"`
}

func (s *Server) handleListStacks(c *gin.Context) {
	rctx := requestContext(c)

	views := []stackView{}
	for _, stk := range s.cfg.Store.ListStacks(rctx.TenantID) {
		nodes, err := s.cfg.Status.Reconcile(c.Request.Context(), stk.ID)
		if err != nil {
			// Pruned between listing and reconciling.
			continue
		}
		edges, err := s.cfg.Store.Edges(stk.ID)
		if err != nil {
			continue
		}
		view := stackView{
			Stack:        stk,
			Nodes:        nodes,
			Edges:        edges,
			Transitional: stack.Transitional(nodes),
		}
		if view.Transitional {
			view.PollSeconds = s.cfg.PollSeconds
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"stacks": views})
}

type deployRequest struct {
	RecipeID string            `json:"recipeId" binding:"required"`
	Config   map[string]string `json:"config"`
}

func (s *Server) handleDeployStack(c *gin.Context) {
	rctx := requestContext(c)

	var req deployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "recipeId is required"})
		return
	}

	stk, err := s.cfg.Deployer.DeployStack(c.Request.Context(), rctx, req.RecipeID, req.Config)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, stk)
}

func (s *Server) handleRemoveStack(c *gin.Context) {
	rctx := requestContext(c)

	if err := s.cfg.Deployer.RemoveStack(c.Request.Context(), rctx, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "removing"})
}

func (s *Server) handleSearchCatalog(c *gin.Context) {
	recipes, err := s.cfg.Catalog.Search(c.Query("search"), c.Query("category"))
	if err != nil {
		writeError(c, err)
		return
	}
	if recipes == nil {
		recipes = []catalog.Recipe{}
	}
	c.JSON(http.StatusOK, gin.H{"recipes": recipes})
}

func (s *Server) handleGetRecipe(c *gin.Context) {
	recipe, err := s.cfg.Catalog.Resolve(c.Param("slug"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, recipe)
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case api.IsNotFound(err):
		status = http.StatusNotFound
	case api.IsConflict(err):
		status = http.StatusConflict
	case api.IsCycle(err):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, api.ErrUnauthorized):
		status = http.StatusForbidden
	case api.IsUnavailable(err):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logging.Debug("HTTPAPI", "%s %s -> %d (%s)",
			c.Request.Method, path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}
