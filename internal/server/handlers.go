package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/leopard618/Browser-Softphone/internal/token"
	"github.com/leopard618/Browser-Softphone/internal/twiml"
)

// handleToken issues a voice access token for a new browser identity
func (h *HTTPServer) handleToken(c *gin.Context) {
	if h.deps.Issuer == nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Missing Twilio credentials",
			"message": "Set TWILIO_ACCOUNT_SID, TWILIO_API_KEY_SID and TWILIO_API_KEY_SECRET",
		})
		return
	}

	identity, err := token.NewIdentity()
	if err != nil {
		h.tokenError(c, "Failed to generate token", err)
		return
	}

	jwt, err := h.deps.Issuer.Issue(identity)
	switch {
	case errors.Is(err, token.ErrMissingCredentials):
		h.logger.Error("Token requested without credentials")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Missing Twilio credentials",
			"message": "Set TWILIO_ACCOUNT_SID, TWILIO_API_KEY_SID and TWILIO_API_KEY_SECRET",
		})
		return
	case errors.Is(err, token.ErrInvalidCredentials):
		h.logger.Error("Token requested with malformed credentials", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Invalid credential format",
			"message": "ACCOUNT_SID should start with AC, API_KEY_SID should start with SK",
		})
		return
	case err != nil:
		h.tokenError(c, "Failed to generate token", err)
		return
	}

	if !h.deps.Issuer.HasOutgoingApp() {
		h.logger.Warn("Issued token without outgoing application grant; set TWIML_APP_SID (AP...) to place calls",
			slog.String("identity", identity),
		)
	}

	h.logger.Info("Issued access token", slog.String("identity", identity))
	c.JSON(http.StatusOK, gin.H{
		"token":    jwt,
		"identity": identity,
	})
}

func (h *HTTPServer) tokenError(c *gin.Context, message string, err error) {
	h.logger.Error("Token generation failed", slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   message,
		"message": err.Error(),
	})
}

// handleOutgoing dials the requested number, or the configured one
func (h *HTTPServer) handleOutgoing(c *gin.Context) {
	target := c.PostForm("To")
	if target == "" {
		target = h.config.Twilio.PhoneNumber
	}
	if target == "" {
		h.logger.Error("Outgoing call without target number")
	}

	h.renderTwiML(c, twiml.Outgoing(target, h.config.Twilio.PhoneNumber))
}

// handleOutgoingTest answers browser checks of the webhook URL
func (h *HTTPServer) handleOutgoingTest(c *gin.Context) {
	h.renderTwiML(c, twiml.Test())
}

// handleWithStream connects the call audio to the media-stream endpoint
func (h *HTTPServer) handleWithStream(c *gin.Context) {
	sessionID := twiml.NewSessionID()
	callSID := c.PostForm("CallSid")

	response, err := twiml.WithStream(h.streamURL(c.Request), sessionID, callSID)
	if err != nil {
		h.logger.Error("Failed to build stream TwiML", slog.String("error", err.Error()))
		h.renderTwiML(c, twiml.Error("Media stream is not available."))
		return
	}

	h.logger.Info("Routing call to media stream",
		slog.String("session_id", sessionID),
		slog.String("call_sid", callSID),
	)
	h.renderTwiML(c, response)
}

// handleDialSIP forwards the call to the configured SIP gateway
func (h *HTTPServer) handleDialSIP(c *gin.Context) {
	uri := h.config.Twilio.SIPURI
	if uri == "" {
		h.logger.Error("SIP dial requested but no SIP URI is configured")
		h.renderTwiML(c, twiml.Error("No SIP endpoint configured."))
		return
	}

	h.renderTwiML(c, twiml.DialSIP(uri))
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(c *gin.Context) {
	tw := h.config.Twilio

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": gin.H{
			"name":    "media-stream-relay",
			"version": Version,
		},
		"hasCredentials": tw.HasCredentials(),
		"credentials": gin.H{
			"hasAccountSid":    tw.AccountSID != "",
			"accountSidPrefix": prefix(tw.AccountSID),
			"hasApiKeySid":     tw.APIKeySID != "",
			"apiKeySidPrefix":  prefix(tw.APIKeySID),
			"hasApiKeySecret":  tw.APIKeySecret != "",
			"hasTwiMLAppSid":   tw.TwiMLAppSID != "",
			"hasPhoneNumber":   tw.PhoneNumber != "",
		},
		"active_connections": h.deps.Relay.Registry().Count(),
	})
}

// handleDebug shows credential status without exposing secrets
func (h *HTTPServer) handleDebug(c *gin.Context) {
	tw := h.config.Twilio

	c.JSON(http.StatusOK, gin.H{
		"credentials": gin.H{
			"accountSid":   maskEnds(tw.AccountSID, "MISSING"),
			"apiKeySid":    maskEnds(tw.APIKeySID, "MISSING"),
			"apiKeySecret": maskEnds(tw.APIKeySecret, "MISSING"),
			"twiMLAppSid":  orDefault(tw.TwiMLAppSID, "NOT SET (optional)"),
			"phoneNumber":  orDefault(tw.PhoneNumber, "NOT SET"),
		},
		"validation": gin.H{
			"accountSidValid":    strings.HasPrefix(tw.AccountSID, "AC"),
			"apiKeySidValid":     strings.HasPrefix(tw.APIKeySID, "SK"),
			"allRequiredPresent": tw.HasCredentials(),
		},
	})
}

// handleSessions lists every open media stream session
func (h *HTTPServer) handleSessions(c *gin.Context) {
	sessions := h.deps.Relay.Registry().Snapshot()

	c.JSON(http.StatusOK, gin.H{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleSessionDetail implements the /sessions/:id endpoint
func (h *HTTPServer) handleSessionDetail(c *gin.Context) {
	session, ok := h.deps.Relay.Registry().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	c.JSON(http.StatusOK, session.Info())
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(c *gin.Context) {
	stats := gin.H{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"media":     h.media.Stats(),
		"sessions": gin.H{
			"active_count": h.deps.Relay.Registry().Count(),
		},
		"transcription": gin.H{"enabled": false},
	}
	if h.deps.Transcription != nil {
		stats["transcription"] = h.deps.Transcription.Stats()
	}

	c.JSON(http.StatusOK, stats)
}

// handleConfig returns the configuration with secrets masked
func (h *HTTPServer) handleConfig(c *gin.Context) {
	cfg := h.config.Sanitized()

	c.JSON(http.StatusOK, gin.H{
		"server": gin.H{
			"address":           cfg.Server.Address,
			"port":              cfg.Server.Port,
			"media_path":        cfg.Server.MediaPath,
			"public_stream_url": cfg.Server.PublicStreamURL,
			"idle_timeout":      cfg.Server.IdleTimeout,
			"read_limit":        cfg.Server.ReadLimit,
			"shutdown_timeout":  cfg.Server.ShutdownTimeout,
			"static_dir":        cfg.Server.StaticDir,
		},
		"relay": gin.H{
			"summary_interval": cfg.Relay.SummaryInterval,
			"sink_timeout":     cfg.Relay.SinkTimeout,
		},
		"transcription": gin.H{
			"enabled":        cfg.Transcription.Enabled,
			"endpoint":       cfg.Transcription.Endpoint,
			"api_key":        cfg.Transcription.APIKey,
			"timeout":        cfg.Transcription.Timeout,
			"max_retries":    cfg.Transcription.MaxRetries,
			"max_concurrent": cfg.Transcription.MaxConcurrent,
			"output_format":  cfg.Transcription.OutputFormat,
			"chunk_duration": cfg.Transcription.ChunkDuration,
			"queue_size":     cfg.Transcription.QueueSize,
			"language":       cfg.Transcription.Language,
			"model":          cfg.Transcription.Model,
		},
		"twilio": gin.H{
			"account_sid":    cfg.Twilio.AccountSID,
			"api_key_sid":    cfg.Twilio.APIKeySID,
			"api_key_secret": cfg.Twilio.APIKeySecret,
			"twiml_app_sid":  cfg.Twilio.TwiMLAppSID,
			"phone_number":   cfg.Twilio.PhoneNumber,
			"sip_uri":        cfg.Twilio.SIPURI,
			"token_ttl":      cfg.Twilio.TokenTTL,
		},
		"logging": gin.H{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.Output,
		},
	})
}

// handleTest confirms the server is reachable through any tunnel in front of it
func (h *HTTPServer) handleTest(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":   "Server is reachable",
		"timestamp": time.Now().UTC(),
		"path":      c.Request.URL.Path,
		"method":    c.Request.Method,
		"host":      c.Request.Host,
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "Media Stream Relay",
		"version": Version,
		"endpoints": gin.H{
			"GET " + h.config.Server.MediaPath: "Media stream WebSocket (sessionId, callSid query parameters)",
			"GET /token":                        "Voice access token for the browser client",
			"POST /twiml/outgoing":              "Dial a phone number",
			"GET /twiml/outgoing":               "Webhook reachability test",
			"POST /twiml/withstream":            "Connect the call audio to the media stream",
			"POST /twiml/dial-sip":              "Dial the SIP gateway",
			"GET /health":                       "Service health check",
			"GET /debug":                        "Credential status",
			"GET /sessions":                     "List open media stream sessions",
			"GET /sessions/:id":                 "Get one session",
			"GET /stats":                        "Service statistics",
			"GET /config":                       "Service configuration",
			"GET /metrics":                      "Prometheus metrics",
			"GET /test":                         "Reachability check",
		},
		"timestamp": time.Now().UTC(),
	})
}

func prefix(s string) string {
	if len(s) < 2 {
		return "missing"
	}
	return s[:2]
}

func maskEnds(s, missing string) string {
	if s == "" {
		return missing
	}
	if len(s) <= 9 {
		return s[:min(len(s), 2)] + "..."
	}
	return s[:5] + "..." + s[len(s)-4:]
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
