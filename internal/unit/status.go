package unit

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rjboer/mimosync/internal/logging"
)

// StatusHandler serves /healthz and /status.
func (s *Server) StatusHandler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "unit": s.cfg.Name})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Status())
	})
	return r
}

// ServeStatus runs the status endpoint on ln until ctx is cancelled.
func (s *Server) ServeStatus(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.StatusHandler(), ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("status server shutdown", logging.Err(err))
		}
	})
	defer stop()

	s.log.Info("status endpoint listening", logging.Field{Key: "addr", Value: ln.Addr().String()})
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
