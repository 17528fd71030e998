package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leopard618/Browser-Softphone/internal/config"
	"github.com/leopard618/Browser-Softphone/internal/metrics"
	"github.com/leopard618/Browser-Softphone/internal/relay"
	"github.com/leopard618/Browser-Softphone/internal/token"
	"github.com/leopard618/Browser-Softphone/internal/transcription"
	"github.com/leopard618/Browser-Softphone/internal/twiml"
)

// Version is reported by the health and root endpoints
var Version = "1.0.0"

// TranscriptionStats reports the transcription client counters
type TranscriptionStats interface {
	Stats() transcription.Stats
}

// Deps are the components served by the HTTP server
type Deps struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Relay    *relay.Relay
	Issuer   *token.Issuer

	// Transcription is nil when transcription is disabled
	Transcription TranscriptionStats
}

// HTTPServer serves the media-stream WebSocket endpoint, the call-control
// webhooks and the monitoring API
type HTTPServer struct {
	server *http.Server
	engine *gin.Engine
	media  *MediaServer
	deps   Deps
	logger *slog.Logger
	config *config.Config

	startTime time.Time
}

// NewHTTPServer creates the server and its routes
func NewHTTPServer(deps Deps) *HTTPServer {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		deps:   deps,
		logger: deps.Logger,
		config: deps.Config,
		media: NewMediaServer(deps.Relay, deps.Logger, MediaServerConfig{
			ReadLimit:   deps.Config.Server.ReadLimit,
			IdleTimeout: deps.Config.Server.GetIdleTimeoutDuration(),
		}),
		startTime: time.Now(),
	}

	h.engine = gin.New()
	h.engine.Use(gin.Recovery())
	h.engine.Use(h.withMetrics())
	h.setupRoutes(h.engine)

	h.server = &http.Server{
		Addr:              deps.Config.Server.ListenAddress(),
		Handler:           h.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(r *gin.Engine) {
	// Media stream WebSocket endpoint
	r.GET(h.config.Server.MediaPath, h.media.Handle)

	// Browser client access tokens
	r.GET("/token", h.handleToken)

	// Call-control webhooks
	hooks := r.Group("/twiml")
	hooks.Use(h.logWebhook())
	hooks.POST("/outgoing", h.handleOutgoing)
	hooks.GET("/outgoing", h.handleOutgoingTest)
	hooks.POST("/withstream", h.handleWithStream)
	hooks.POST("/dial-sip", h.handleDialSIP)

	// Monitoring
	r.GET("/health", h.handleHealth)
	r.GET("/debug", h.handleDebug)
	r.GET("/sessions", h.handleSessions)
	r.GET("/sessions/:id", h.handleSessionDetail)
	r.GET("/stats", h.handleStats)
	r.GET("/config", h.handleConfig)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{})))
	r.GET("/test", h.handleTest)

	// Root endpoint with API documentation
	r.GET("/", h.handleRoot)

	// Browser client assets for any path not matched above
	if dir := h.config.Server.StaticDir; dir != "" {
		r.NoRoute(gin.WrapH(http.FileServer(http.Dir(dir))))
	}
}

// withMetrics records request counts, durations and errors per route
func (h *HTTPServer) withMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		endpoint := c.FullPath()
		// Long-lived sockets and scrapes are not API requests
		if endpoint == h.config.Server.MediaPath || endpoint == "/metrics" {
			c.Next()
			return
		}
		if endpoint == "" {
			endpoint = "unmatched"
		}

		startTime := time.Now()
		c.Next()

		status := c.Writer.Status()
		h.deps.Metrics.RecordHTTPRequest(c.Request.Method, endpoint, fmt.Sprintf("%d", status), time.Since(startTime).Seconds())

		if status >= 400 {
			errorType := "client_error"
			if status >= 500 {
				errorType = "server_error"
			}
			h.deps.Metrics.RecordHTTPError(c.Request.Method, endpoint, errorType)
		}
	}
}

// logWebhook logs every call-control request with its call parameters
func (h *HTTPServer) logWebhook() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.logger.Info("TwiML request received",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.String("call_sid", c.PostForm("CallSid")),
			slog.String("from", c.PostForm("From")),
			slog.String("to", c.PostForm("To")),
		)
		c.Next()
	}
}

// Handler returns the HTTP handler serving every route
func (h *HTTPServer) Handler() http.Handler {
	return h.engine
}

// Media returns the WebSocket endpoint
func (h *HTTPServer) Media() *MediaServer {
	return h.media
}

// Start binds the listen address and serves in the background
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP server",
		slog.String("address", listener.Addr().String()),
		slog.String("media_path", h.config.Server.MediaPath),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop closes open media streams and gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	mediaErr := h.media.Shutdown(ctx)
	return errors.Join(mediaErr, h.server.Shutdown(ctx))
}

func (h *HTTPServer) renderTwiML(c *gin.Context, response *twiml.Response) {
	body, err := twiml.Render(response)
	if err != nil {
		h.logger.Error("Failed to render TwiML", slog.String("error", err.Error()))
		c.String(http.StatusInternalServerError, "failed to render TwiML")
		return
	}
	c.Data(http.StatusOK, "text/xml; charset=utf-8", body)
}

// streamURL returns the advertised WebSocket URL, derived from the request
// when no public URL is configured
func (h *HTTPServer) streamURL(r *http.Request) string {
	if h.config.Server.PublicStreamURL != "" {
		return h.config.Server.PublicStreamURL
	}

	scheme := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, h.config.Server.MediaPath)
}
