package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/irfnriza/flowin-swm-server/api/middleware"
	"github.com/irfnriza/flowin-swm-server/api/routes"
	"github.com/irfnriza/flowin-swm-server/config"
	"github.com/irfnriza/flowin-swm-server/internal/metrics"
	"github.com/irfnriza/flowin-swm-server/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
)

// Server represents the HTTP server
type Server struct {
	router     *gin.Engine
	config     *config.Config
	httpServer *http.Server
	log        *logrus.Logger
}

// NewServer creates a new HTTP server
func NewServer(
	config *config.Config,
	log *logrus.Logger,
	nrApp *newrelic.Application,
	svc service.Service,
	collector *metrics.Collector,
) *Server {
	gin.SetMode(config.Server.Mode)

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.Logger(log))
	router.Use(middleware.Metrics(collector))
	if nrApp != nil {
		router.Use(middleware.NewRelicMiddleware(nrApp))
	}
	router.Use(middleware.Timeout(config.Server.RequestTimeout))

	routes.SetupRoutes(router, svc, collector, log)

	return &Server{
		router: router,
		config: config,
		log:    log,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", config.Server.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Infof("Starting server on port %d", s.config.Server.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
