package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service and client configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transcode TranscodeConfig `yaml:"transcode"`
	Client    ClientConfig    `yaml:"client"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP/WebSocket server configuration
type ServerConfig struct {
	Address                  string   `yaml:"address"`
	Port                     int      `yaml:"port"`
	ReadBufferSize           int      `yaml:"read_buffer_size"`
	WriteBufferSize          int      `yaml:"write_buffer_size"`
	MaxMessageSize           int64    `yaml:"max_message_size"`
	MaxConcurrentConversions int      `yaml:"max_concurrent_conversions"`
	MaxInputBytes            int64    `yaml:"max_input_bytes"`  // 0 = unlimited
	ShutdownTimeout          int      `yaml:"shutdown_timeout"` // seconds
	AllowedOrigins           []string `yaml:"allowed_origins"`  // empty = any
}

// TranscodeConfig contains ffmpeg parameters
type TranscodeConfig struct {
	FFmpegPath         string `yaml:"ffmpeg_path"`
	Profile            string `yaml:"profile"` // aac or flac
	Bitrate            string `yaml:"bitrate"` // ffmpeg syntax, e.g. 128k
	FragmentDurationMs int    `yaml:"fragment_duration_ms"`
	ReadBufferSize     int    `yaml:"read_buffer_size"`
}

// ClientConfig contains conversion client parameters
type ClientConfig struct {
	ServerURL         string `yaml:"server_url"`
	FrameSize         int    `yaml:"frame_size"`
	CloseAfterLast    bool   `yaml:"close_after_last"`
	Progress          string `yaml:"progress"` // source or sink
	MaxQueuedSegments int    `yaml:"max_queued_segments"`
	MaxPendingFrames  int    `yaml:"max_pending_frames"`
	OutputBitrate     int    `yaml:"output_bitrate"`    // bits per second
	HandshakeTimeout  int    `yaml:"handshake_timeout"` // seconds
}

// StorageConfig selects where downloaded artifacts are written
type StorageConfig struct {
	Backend  string `yaml:"backend"` // local or s3
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a complete, valid configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:                  "0.0.0.0",
			Port:                     8080,
			ReadBufferSize:           64 * 1024,
			WriteBufferSize:          64 * 1024,
			MaxMessageSize:           1 << 20,
			MaxConcurrentConversions: 16,
			MaxInputBytes:            512 << 20,
			ShutdownTimeout:          10,
		},
		Transcode: TranscodeConfig{
			FFmpegPath:         "ffmpeg",
			Profile:            "aac",
			Bitrate:            "128k",
			FragmentDurationMs: 500,
			ReadBufferSize:     32 * 1024,
		},
		Client: ClientConfig{
			ServerURL:        "ws://localhost:8080/ws",
			FrameSize:        64 * 1024,
			CloseAfterLast:   true,
			Progress:         "source",
			MaxPendingFrames: 64,
			OutputBitrate:    128000,
			HandshakeTimeout: 10,
		},
		Storage: StorageConfig{
			Backend: "local",
			Dir:     ".",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads the configuration file over the defaults, applies environment
// overrides and validates the result. An empty path yields the defaults.
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

	if err := config.ApplyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("environment override: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv applies the PORT, FFMPEG_PATH and BUFFER_SIZE overrides
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}

	if v := getenv("FFMPEG_PATH"); v != "" {
		c.Transcode.FFmpegPath = v
	}

	if v := getenv("BUFFER_SIZE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BUFFER_SIZE: %w", err)
		}
		c.Transcode.ReadBufferSize = size
	}

	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Transcode.Validate(); err != nil {
		return fmt.Errorf("transcode config: %w", err)
	}

	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
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

	if s.ReadBufferSize < 1024 {
		return fmt.Errorf("read_buffer_size must be at least 1024 bytes, got %d", s.ReadBufferSize)
	}

	if s.WriteBufferSize < 1024 {
		return fmt.Errorf("write_buffer_size must be at least 1024 bytes, got %d", s.WriteBufferSize)
	}

	if s.MaxMessageSize < 1024 {
		return fmt.Errorf("max_message_size must be at least 1024 bytes, got %d", s.MaxMessageSize)
	}

	if s.MaxConcurrentConversions < 1 {
		return fmt.Errorf("max_concurrent_conversions must be at least 1, got %d", s.MaxConcurrentConversions)
	}

	if s.MaxInputBytes < 0 {
		return fmt.Errorf("max_input_bytes cannot be negative, got %d", s.MaxInputBytes)
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates transcoder configuration
func (t *TranscodeConfig) Validate() error {
	if t.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg_path cannot be empty")
	}

	validProfiles := map[string]bool{"aac": true, "flac": true}
	if !validProfiles[t.Profile] {
		return fmt.Errorf("profile must be 'aac' or 'flac', got '%s'", t.Profile)
	}

	if t.Profile == "aac" && t.Bitrate == "" {
		return fmt.Errorf("bitrate cannot be empty for the aac profile")
	}

	if t.FragmentDurationMs < 0 {
		return fmt.Errorf("fragment_duration_ms cannot be negative, got %d", t.FragmentDurationMs)
	}

	if t.ReadBufferSize < 1024 {
		return fmt.Errorf("read_buffer_size must be at least 1024 bytes, got %d", t.ReadBufferSize)
	}

	return nil
}

// Validate validates client configuration
func (c *ClientConfig) Validate() error {
	if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		return fmt.Errorf("server_url must be a ws:// or wss:// URL, got '%s'", c.ServerURL)
	}

	if c.FrameSize < 1024 || c.FrameSize > 1<<20 {
		return fmt.Errorf("frame_size must be between 1024 and 1048576 bytes, got %d", c.FrameSize)
	}

	validSources := map[string]bool{"source": true, "sink": true}
	if !validSources[c.Progress] {
		return fmt.Errorf("progress must be 'source' or 'sink', got '%s'", c.Progress)
	}

	if c.MaxQueuedSegments < 0 {
		return fmt.Errorf("max_queued_segments cannot be negative, got %d", c.MaxQueuedSegments)
	}

	if c.MaxPendingFrames < 0 {
		return fmt.Errorf("max_pending_frames cannot be negative, got %d", c.MaxPendingFrames)
	}

	if c.Progress == "sink" && c.OutputBitrate <= 0 {
		return fmt.Errorf("output_bitrate must be positive for sink progress, got %d", c.OutputBitrate)
	}

	if c.HandshakeTimeout < 1 {
		return fmt.Errorf("handshake_timeout must be at least 1 second, got %d", c.HandshakeTimeout)
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	switch s.Backend {
	case "local":
		if s.Dir == "" {
			return fmt.Errorf("dir cannot be empty for the local backend")
		}
	case "s3":
		if s.Bucket == "" {
			return fmt.Errorf("bucket cannot be empty for the s3 backend")
		}
		if s.Region == "" {
			return fmt.Errorf("region cannot be empty for the s3 backend")
		}
	default:
		return fmt.Errorf("backend must be 'local' or 's3', got '%s'", s.Backend)
	}

	return nil
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

	// Anything other than stdout/stderr is treated as a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// GetListenAddress returns the host:port the server binds to
func (s *ServerConfig) GetListenAddress() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// GetShutdownTimeoutDuration returns the shutdown timeout as a time.Duration
func (s *ServerConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetFragmentDuration returns the fMP4 fragment duration as a time.Duration
func (t *TranscodeConfig) GetFragmentDuration() time.Duration {
	return time.Duration(t.FragmentDurationMs) * time.Millisecond
}

// Extension returns the artifact file extension of the configured profile
func (t *TranscodeConfig) Extension() string {
	if t.Profile == "flac" {
		return ".flac"
	}
	return ".m4a"
}

// GetHandshakeTimeoutDuration returns the dial timeout as a time.Duration
func (c *ClientConfig) GetHandshakeTimeoutDuration() time.Duration {
	return time.Duration(c.HandshakeTimeout) * time.Second
}
