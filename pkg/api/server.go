package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ttheew/symphony/pkg/capacity"
	"github.com/ttheew/symphony/pkg/events"
	"github.com/ttheew/symphony/pkg/log"
	"github.com/ttheew/symphony/pkg/metrics"
	"github.com/ttheew/symphony/pkg/registry"
	"github.com/ttheew/symphony/pkg/storage"
	"github.com/ttheew/symphony/pkg/types"
)

// LogStream is one live log subscription handed to a streaming handler.
type LogStream interface {
	Entries() <-chan types.LogEntry
	Cancel()
}

// Options wires the API server to the conductor's subsystems.
type Options struct {
	Addr          string
	Store         storage.Store
	Registry      *registry.Registry
	Ledger        *capacity.Ledger
	Broker        *events.Broker
	Enqueue       func(deploymentID string)
	SubscribeLogs func(deploymentID string, tail int) (LogStream, error)
	// AssignedTo lists the deployment IDs currently placed on a node.
	AssignedTo func(nodeID string) []string
}

// Server is the operator-facing HTTP surface.
type Server struct {
	opts       Options
	logger     zerolog.Logger
	httpServer *http.Server
}

// NewServer builds the API server and its routes.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:   opts,
		logger: log.WithComponent("api"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.instrument())

	router.GET("/healthz", s.healthz)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/deployments", s.createDeployment)
		v1.GET("/deployments", s.listDeployments)
		v1.GET("/deployments/:id", s.getDeployment)
		v1.PATCH("/deployments/:id", s.patchDeployment)
		v1.DELETE("/deployments/:id", s.deleteDeployment)
		v1.GET("/deployments/:id/logs", s.streamLogs)
		v1.GET("/nodes", s.listNodes)
		v1.GET("/events", s.streamEvents)
		v1.GET("/state", s.streamState)
	}

	s.httpServer = &http.Server{
		Addr:    opts.Addr,
		Handler: router,
	}
	return s
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.opts.Addr).Msg("api listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listener failed: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(c.Request.Method).Observe(time.Since(started).Seconds())
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
