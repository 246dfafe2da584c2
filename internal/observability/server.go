package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sibyl/internal/logging"
)

// ReadyChecker reports whether the runtime can serve work.
type ReadyChecker func() bool

// Server is the health and metrics endpoint.
type Server struct {
	httpServer *http.Server
}

// NewServer builds the endpoint. ready may be nil, in which case /ready
// always succeeds.
func NewServer(addr string, metrics *Metrics, ready ReadyChecker) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	router.GET("/ready", func(c *gin.Context) {
		if ready != nil && !ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		logging.Get(logging.CategoryServer).Info("Serving health/metrics on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Get(logging.CategoryServer).Error("Health server failed: %v", err)
		}
	}()
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
