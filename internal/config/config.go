package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Relay         RelayConfig         `yaml:"relay"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Twilio        TwilioConfig        `yaml:"twilio"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains HTTP and WebSocket listener configuration
type ServerConfig struct {
	Address         string `yaml:"address"`
	Port            int    `yaml:"port"`
	MediaPath       string `yaml:"media_path"`
	PublicStreamURL string `yaml:"public_stream_url"` // wss URL advertised in stream markup
	IdleTimeout     int    `yaml:"idle_timeout"`      // seconds, 0 disables
	ReadLimit       int64  `yaml:"read_limit"`        // bytes per frame
	ShutdownTimeout int    `yaml:"shutdown_timeout"`  // seconds
	StaticDir       string `yaml:"static_dir"`        // browser client assets, empty disables
}

// RelayConfig contains frame handling parameters
type RelayConfig struct {
	SummaryInterval int `yaml:"summary_interval"` // media frames
	SinkTimeout     int `yaml:"sink_timeout"`     // milliseconds
}

// TranscriptionConfig contains transcription API configuration
type TranscriptionConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Endpoint      string  `yaml:"endpoint"`
	APIKey        string  `yaml:"api_key"`
	Timeout       int     `yaml:"timeout"` // seconds
	MaxRetries    int     `yaml:"max_retries"`
	MaxConcurrent int     `yaml:"max_concurrent"`
	OutputFormat  string  `yaml:"output_format"`
	ChunkDuration float64 `yaml:"chunk_duration"` // seconds
	QueueSize     int     `yaml:"queue_size"`     // chunks per session
	Language      string  `yaml:"language"`
	Model         string  `yaml:"model"`
}

// TwilioConfig contains the credentials and numbers used by the call-control routes
type TwilioConfig struct {
	AccountSID   string `yaml:"account_sid"`
	APIKeySID    string `yaml:"api_key_sid"`
	APIKeySecret string `yaml:"api_key_secret"`
	TwiMLAppSID  string `yaml:"twiml_app_sid"`
	PhoneNumber  string `yaml:"phone_number"`
	SIPURI       string `yaml:"sip_uri"`
	TokenTTL     int    `yaml:"token_ttl"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         "0.0.0.0",
			Port:            3000,
			MediaPath:       "/media-stream",
			IdleTimeout:     0,
			ReadLimit:       64 * 1024,
			ShutdownTimeout: 10,
		},
		Relay: RelayConfig{
			SummaryInterval: 100,
			SinkTimeout:     5000,
		},
		Transcription: TranscriptionConfig{
			Enabled:       false,
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 10,
			OutputFormat:  "json",
			ChunkDuration: 5,
			QueueSize:     16,
		},
		Twilio: TwilioConfig{
			TokenTTL: 3600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment override failed: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides configuration values from environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT must be a number, got %q", v)
		}
		c.Server.Port = port
	}

	overrides := map[string]*string{
		"MEDIA_STREAM_URL":      &c.Server.PublicStreamURL,
		"TWILIO_ACCOUNT_SID":    &c.Twilio.AccountSID,
		"TWILIO_API_KEY_SID":    &c.Twilio.APIKeySID,
		"TWILIO_API_KEY_SECRET": &c.Twilio.APIKeySecret,
		"TWIML_APP_SID":         &c.Twilio.TwiMLAppSID,
		"TWILIO_PHONE_NUMBER":   &c.Twilio.PhoneNumber,
		"SIP_URI":               &c.Twilio.SIPURI,
		"TRANSCRIPTION_API_KEY": &c.Transcription.APIKey,
		"LOG_LEVEL":             &c.Logging.Level,
	}
	for name, target := range overrides {
		if v, ok := lookup(name); ok && v != "" {
			*target = v
		}
	}

	c.Logging.Level = strings.ToLower(c.Logging.Level)
	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Twilio.Validate(); err != nil {
		return fmt.Errorf("twilio config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if !strings.HasPrefix(s.MediaPath, "/") {
		return fmt.Errorf("media_path must start with '/', got '%s'", s.MediaPath)
	}

	if s.PublicStreamURL != "" && !strings.HasPrefix(s.PublicStreamURL, "ws://") && !strings.HasPrefix(s.PublicStreamURL, "wss://") {
		return fmt.Errorf("public_stream_url must be a ws:// or wss:// URL, got '%s'", s.PublicStreamURL)
	}

	if s.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", s.IdleTimeout)
	}

	if s.ReadLimit < 1024 {
		return fmt.Errorf("read_limit must be at least 1024 bytes, got %d", s.ReadLimit)
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates relay configuration
func (r *RelayConfig) Validate() error {
	if r.SummaryInterval < 1 {
		return fmt.Errorf("summary_interval must be at least 1, got %d", r.SummaryInterval)
	}

	if r.SinkTimeout < 1 {
		return fmt.Errorf("sink_timeout must be at least 1 millisecond, got %d", r.SinkTimeout)
	}

	return nil
}

// Validate validates transcription configuration. A disabled section is not checked.
func (t *TranscriptionConfig) Validate() error {
	if !t.Enabled {
		return nil
	}

	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[t.OutputFormat] {
		return fmt.Errorf("output_format must be 'json' or 'text', got '%s'", t.OutputFormat)
	}

	if t.ChunkDuration <= 0 {
		return fmt.Errorf("chunk_duration must be positive, got %f", t.ChunkDuration)
	}

	if t.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", t.QueueSize)
	}

	return nil
}

// Validate validates twilio configuration. Credentials are optional; routes
// that need them report their absence at request time.
func (t *TwilioConfig) Validate() error {
	if t.TokenTTL < 1 || t.TokenTTL > 24*3600 {
		return fmt.Errorf("token_ttl must be between 1 and 86400 seconds, got %d", t.TokenTTL)
	}

	return nil
}

// HasCredentials reports whether access tokens can be issued
func (t *TwilioConfig) HasCredentials() bool {
	return t.AccountSID != "" && t.APIKeySID != "" && t.APIKeySecret != ""
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// stdout, stderr or a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// ListenAddress returns the host:port the server binds to
func (s *ServerConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// GetIdleTimeoutDuration returns the idle timeout as a time.Duration
func (s *ServerConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetShutdownTimeoutDuration returns the shutdown timeout as a time.Duration
func (s *ServerConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetSinkTimeoutDuration returns the sink timeout as a time.Duration
func (r *RelayConfig) GetSinkTimeoutDuration() time.Duration {
	return time.Duration(r.SinkTimeout) * time.Millisecond
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetChunkDuration returns the chunk duration as a time.Duration
func (t *TranscriptionConfig) GetChunkDuration() time.Duration {
	return time.Duration(t.ChunkDuration * float64(time.Second))
}

// GetTokenTTLDuration returns the access token lifetime as a time.Duration
func (t *TwilioConfig) GetTokenTTLDuration() time.Duration {
	return time.Duration(t.TokenTTL) * time.Second
}

// Sanitized returns a copy with secrets masked, safe to expose over HTTP
func (c *Config) Sanitized() Config {
	out := *c
	out.Transcription.APIKey = Mask(c.Transcription.APIKey)
	out.Twilio.APIKeySecret = Mask(c.Twilio.APIKeySecret)
	out.Twilio.APIKeySID = Mask(c.Twilio.APIKeySID)
	out.Twilio.AccountSID = Mask(c.Twilio.AccountSID)
	return out
}

// Mask keeps the first four characters of a secret
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:4] + "****"
}
