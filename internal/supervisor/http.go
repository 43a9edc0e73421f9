package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/livesup/internal/metrics"
	"github.com/loykin/livesup/internal/node"
)

// Handler returns the gin engine serving the websocket endpoint at "/",
// GET /status and, when enabled, GET /metrics.
func (s *Supervisor) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/", s.handleUpgrade)
	g.GET("/status", s.handleStatus)
	if s.cfg.Metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

func (s *Supervisor) httpServer() *http.Server {
	return &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *Supervisor) handleUpgrade(c *gin.Context) {
	if !s.Running() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "supervisor stopping"})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already answered with an HTTP error.
		return
	}
	s.serveConn(node.NewSocket(conn))
}

func (s *Supervisor) handleStatus(c *gin.Context) {
	r := s.Status()
	if c.Query("resources") == "true" {
		s.sampleResources(c.Request.Context(), &r)
	}
	c.JSON(http.StatusOK, r)
}

// httpService runs an http.Server on a bound listener as a suture service.
type httpService struct {
	server          *http.Server
	listener        net.Listener
	shutdownTimeout time.Duration
}

func newHTTPService(server *http.Server, ln net.Listener, shutdownTimeout time.Duration) *httpService {
	return &httpService{server: server, listener: ln, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (h *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.Serve(h.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *httpService) String() string { return "http-server" }
