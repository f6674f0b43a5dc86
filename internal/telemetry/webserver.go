package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rjboer/mimosync/internal/logging"
)

// WebServer exposes event history, live updates and a unit listing over
// HTTP.
type WebServer struct {
	srv   *http.Server
	hub   *Hub
	units func() any
	log   logging.Logger
}

// NewWebServer builds the HTTP API. units, when set, provides the payload of
// /api/units.
func NewWebServer(addr string, hub *Hub, units func() any, log logging.Logger) (*WebServer, error) {
	if hub == nil {
		return nil, errNoHub
	}
	if log == nil {
		log = logging.Default()
	}
	w := &WebServer{hub: hub, units: units, log: log.With(logging.Field{Key: "subsystem", Value: "web"})}
	w.srv = &http.Server{Addr: addr, Handler: w.Handler(), ReadHeaderTimeout: 5 * time.Second}
	return w, nil
}

// Handler returns the gin router.
func (w *WebServer) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	api := r.Group("/api")
	api.GET("/history", w.handleHistory)
	api.GET("/live", w.handleLive)
	api.GET("/config", w.handleGetConfig)
	api.POST("/config", w.handleSetConfig)
	api.GET("/diagnostics", w.handleDiagnostics)
	api.GET("/units", w.handleUnits)
	return r
}

// Start listens and shuts down when the context is cancelled.
func (w *WebServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.srv.Addr)
	if err != nil {
		return err
	}
	return w.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (w *WebServer) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.log.Warn("web telemetry shutdown", logging.Err(err))
		}
	})
	defer stop()

	w.log.Info("web telemetry listening", logging.Field{Key: "addr", Value: ln.Addr().String()})
	if err := w.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (w *WebServer) handleHistory(c *gin.Context) {
	c.JSON(http.StatusOK, w.hub.History())
}

func (w *WebServer) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, w.hub.ConfigSnapshot())
}

func (w *WebServer) handleSetConfig(c *gin.Context) {
	var incoming Config
	if err := c.ShouldBindJSON(&incoming); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid config payload: " + err.Error()})
		return
	}
	cfg, err := w.hub.ApplyConfig(incoming)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (w *WebServer) handleDiagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, w.hub.Diagnostics())
}

func (w *WebServer) handleUnits(c *gin.Context) {
	if w.units == nil {
		c.JSON(http.StatusOK, []any{})
		return
	}
	c.JSON(http.StatusOK, w.units())
}

func (w *WebServer) handleLive(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ch, cancel := w.hub.Subscribe()
	defer cancel()

	writeEvent := func(e Event) {
		payload, _ := json.Marshal(e)
		c.Writer.Write([]byte("data: "))
		c.Writer.Write(payload)
		c.Writer.Write([]byte("\n\n"))
	}

	// send existing history for immediate display
	for _, e := range w.hub.History() {
		writeEvent(e)
	}
	c.Writer.Flush()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(e)
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}
