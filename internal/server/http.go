package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/wav-stream-converter/internal/config"
	"github.com/skypro1111/wav-stream-converter/internal/metrics"
	"github.com/skypro1111/wav-stream-converter/internal/transcode"
	"github.com/skypro1111/wav-stream-converter/internal/transport"
)

const (
	ServiceName    = "wav-stream-converter"
	ServiceVersion = "1.0.0"

	// pendingFrames bounds client frames read ahead of the transcoder
	pendingFrames = 16
)

// HTTPServer provides the /ws conversion endpoint and the monitoring API
type HTTPServer struct {
	server   *http.Server
	engine   *gin.Engine
	logger   *slog.Logger
	config   *config.Config
	registry *transcode.Registry
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader

	startTime time.Time
}

// NewHTTPServer creates the server. gatherer backs /metrics and should be
// the registry m was registered with.
func NewHTTPServer(cfg *config.Config, registry *transcode.Registry, m *metrics.Metrics,
	gatherer prometheus.Gatherer, logger *slog.Logger) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    cfg,
		registry:  registry,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.Server.ReadBufferSize,
		WriteBufferSize: cfg.Server.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}

	h.engine = gin.New()
	h.engine.Use(gin.Recovery(), h.metricsMiddleware(), h.corsMiddleware())
	h.setupRoutes()

	h.server = &http.Server{
		Addr:              cfg.Server.GetListenAddress(),
		Handler:           h.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes() {
	h.engine.GET("/ws", h.handleWebSocket)
	h.engine.GET("/health", h.handleHealth)
	h.engine.GET("/conversions", h.handleConversions)
	h.engine.GET("/conversions/:id", h.handleConversionDetail)
	h.engine.GET("/config", h.handleConfig)
	h.engine.GET("/stats", h.handleStats)
	h.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	h.engine.GET("/", h.handleRoot)
}

// Handler returns the router, for tests and embedding
func (h *HTTPServer) Handler() http.Handler {
	return h.engine
}

// metricsMiddleware records request counts and durations
func (h *HTTPServer) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		if endpoint == "/metrics" {
			return
		}
		status := c.Writer.Status()
		h.metrics.RecordHTTPRequest(c.Request.Method, endpoint, strconv.Itoa(status), time.Since(startTime).Seconds())

		if status >= 400 {
			errorType := "client_error"
			if status >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(c.Request.Method, endpoint, errorType)
		}
	}
}

// corsMiddleware answers preflight requests and sets CORS headers for
// allowed origins
func (h *HTTPServer) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && h.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, Cache-Control, X-Requested-With")
			c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (h *HTTPServer) originAllowed(origin string) bool {
	allowed := h.config.Server.AllowedOrigins
	return len(allowed) == 0 || slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
}

func (h *HTTPServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || h.originAllowed(origin)
}

// ListenAndServe serves until Stop. It returns nil after a graceful stop.
func (h *HTTPServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.server.Addr, err)
	}
	return h.Serve(ln)
}

// Serve accepts connections on ln
func (h *HTTPServer) Serve(ln net.Listener) error {
	h.logger.Info("Starting HTTP server", slog.String("address", ln.Addr().String()))
	if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop stops accepting requests and waits for in-flight HTTP requests.
// Upgraded WebSocket connections are owned by the registry.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")
	return h.server.Shutdown(ctx)
}

// handleWebSocket upgrades the request and runs one conversion on it
func (h *HTTPServer) handleWebSocket(c *gin.Context) {
	ticket, err := h.registry.Admit()
	if err != nil {
		h.logger.Warn("Conversion refused",
			slog.String("remote_addr", c.ClientIP()),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	ws, err := transport.Accept(c.Writer, c.Request, &h.upgrader, transport.Config{
		ReadLimit:        h.config.Server.MaxMessageSize,
		MaxPendingFrames: pendingFrames,
	}, h.logger)
	if err != nil {
		// The upgrader already wrote the HTTP error
		ticket.Release()
		h.logger.Debug("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	h.logger.Debug("WebSocket accepted",
		slog.String("client_ip", c.ClientIP()),
		slog.String("peer_addr", ws.RemoteAddr()),
	)
	h.registry.Serve(c.Request.Context(), ticket, ws, c.ClientIP())
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(c *gin.Context) {
	stats := h.registry.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": gin.H{
			"name":    ServiceName,
			"version": ServiceVersion,
		},
		"components": gin.H{
			"transcoder": gin.H{
				"status":  "running",
				"profile": h.config.Transcode.Profile,
			},
			"conversions": gin.H{
				"active":         stats.Active,
				"max_concurrent": stats.MaxConcurrent,
			},
		},
	})
}

// handleConversions implements the /conversions endpoint
func (h *HTTPServer) handleConversions(c *gin.Context) {
	infos := h.registry.List()
	c.JSON(http.StatusOK, gin.H{
		"total":       len(infos),
		"timestamp":   time.Now().UTC(),
		"conversions": infos,
	})
}

// handleConversionDetail implements the /conversions/:id endpoint
func (h *HTTPServer) handleConversionDetail(c *gin.Context) {
	info, ok := h.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversion not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(c *gin.Context) {
	s, t := h.config.Server, h.config.Transcode
	c.JSON(http.StatusOK, gin.H{
		"server": gin.H{
			"address":                    s.Address,
			"port":                       s.Port,
			"max_message_size":           s.MaxMessageSize,
			"max_concurrent_conversions": s.MaxConcurrentConversions,
			"max_input_bytes":            s.MaxInputBytes,
			"shutdown_timeout":           s.ShutdownTimeout,
		},
		"transcode": gin.H{
			"profile":              t.Profile,
			"bitrate":              t.Bitrate,
			"fragment_duration_ms": t.FragmentDurationMs,
			"read_buffer_size":     t.ReadBufferSize,
		},
		"logging": gin.H{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"uptime":      time.Since(h.startTime).String(),
		"timestamp":   time.Now().UTC(),
		"conversions": h.registry.Stats(),
		"runtime": gin.H{
			"goroutines": runtime.NumGoroutine(),
		},
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": ServiceName,
		"version": ServiceVersion,
		"endpoints": gin.H{
			"GET /":                 "API documentation",
			"GET /ws":               "WebSocket conversion endpoint (binary WAV frames in, transcoded frames out)",
			"GET /health":           "Service health check",
			"GET /conversions":      "List running and recent conversions",
			"GET /conversions/{id}": "Get conversion details",
			"GET /config":           "Get service configuration",
			"GET /stats":            "Get service statistics",
			"GET /metrics":          "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
