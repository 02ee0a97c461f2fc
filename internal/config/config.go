package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rtspview/internal/database"
	"rtspview/internal/source"
	"rtspview/internal/stream"
)

// Config is the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Capture   CaptureConfig   `yaml:"capture"`
	Fallback  FallbackConfig  `yaml:"fallback"`
	Codec     CodecConfig     `yaml:"codec"`
	Processor ProcessorConfig `yaml:"processor"`
	Logging   LoggingConfig   `yaml:"logging"`
	Streams   []StreamConfig  `yaml:"streams"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	ReadLimit       int64         `yaml:"read_limit"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongWait        time.Duration `yaml:"pong_wait"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the stream record store. Path is used by sqlite,
// DSN by postgres.
type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

// Source returns the data source name for the configured driver
func (d DatabaseConfig) Source() string {
	if d.Driver == "postgres" {
		return d.DSN
	}
	return d.Path
}

// StreamConfig declares a stream whose source URL is stored at startup, so
// viewers can open it by id alone
type StreamConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// CaptureProfile is one rung of the RTSP ladder
type CaptureProfile struct {
	Name        string        `yaml:"name"`
	Transport   string        `yaml:"transport"` // "tcp", "udp" or empty for ffmpeg's choice
	LowLatency  bool          `yaml:"low_latency"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type CaptureConfig struct {
	FFmpeg          string           `yaml:"ffmpeg"`
	FFprobe         string           `yaml:"ffprobe"`
	FPS             int              `yaml:"fps"`
	MaxWidth        int              `yaml:"max_width"`
	RTSPProfiles    []CaptureProfile `yaml:"rtsp_profiles"`
	HTTPTimeout     time.Duration    `yaml:"http_timeout"`
	HTTPBufferSize  int              `yaml:"http_buffer_size"`
	GenericTimeout  time.Duration    `yaml:"generic_timeout"`
	SnapshotTimeout time.Duration    `yaml:"snapshot_timeout"`
	SnapshotFPS     int              `yaml:"snapshot_fps"`
}

type FallbackConfig struct {
	Subprocess            bool          `yaml:"subprocess"`
	SubprocessWidth       int           `yaml:"subprocess_width"`
	SubprocessFPS         int           `yaml:"subprocess_fps"`
	SubprocessReadTimeout time.Duration `yaml:"subprocess_read_timeout"`
	Synthetic             bool          `yaml:"synthetic"`
	SyntheticFPS          int           `yaml:"synthetic_fps"`
}

type CodecConfig struct {
	MaxWidth int `yaml:"max_width"`
	Quality  int `yaml:"quality"`
}

type ProcessorConfig struct {
	MaxReadFailures int           `yaml:"max_read_failures"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	PausedDelay     time.Duration `yaml:"paused_delay"`
	SubscriberQueue int           `yaml:"subscriber_queue"`
}

type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	src := source.DefaultOptions()
	proc := stream.DefaultOptions()

	profiles := make([]CaptureProfile, 0, len(src.RTSP))
	for _, c := range src.RTSP {
		profiles = append(profiles, CaptureProfile{
			Name:        c.Name,
			Transport:   c.Transport,
			LowLatency:  c.LowLatency,
			OpenTimeout: c.OpenTimeout,
			ReadTimeout: c.ReadTimeout,
		})
	}

	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadBufferSize:  4096,
			WriteBufferSize: 256 * 1024,
			ReadLimit:       4096,
			PingInterval:    30 * time.Second,
			PongWait:        60 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Enabled: true,
			Driver:  "sqlite",
			Path:    "rtspview.db",
		},
		Capture: CaptureConfig{
			FFmpeg:          src.FFmpegPath,
			FFprobe:         src.FFprobePath,
			FPS:             30,
			MaxWidth:        1280,
			RTSPProfiles:    profiles,
			HTTPTimeout:     src.HTTP.ReadTimeout,
			HTTPBufferSize:  src.HTTP.BufferSize,
			GenericTimeout:  src.Generic.ReadTimeout,
			SnapshotTimeout: src.SnapshotTimeout,
			SnapshotFPS:     src.SnapshotFPS,
		},
		Fallback: FallbackConfig{
			Subprocess:            src.Subprocess,
			SubprocessWidth:       src.SubprocessWidth,
			SubprocessFPS:         src.SubprocessFPS,
			SubprocessReadTimeout: src.SubprocessReadTimeout,
			Synthetic:             src.Synthetic,
			SyntheticFPS:          src.SyntheticFPS,
		},
		Codec: CodecConfig{
			MaxWidth: 640,
			Quality:  80,
		},
		Processor: ProcessorConfig{
			MaxReadFailures: proc.MaxReadFailures,
			RetryBackoff:    proc.RetryBackoff,
			PausedDelay:     proc.PausedDelay,
			SubscriberQueue: proc.QueueSize,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path or a missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("[Config] %s not found, using defaults", path)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	log.Printf("[Config] Loaded %s", path)
	return cfg, nil
}

// Validate checks that every value is usable
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.PingInterval <= 0 || c.Server.PongWait <= c.Server.PingInterval {
		return fmt.Errorf("server.pong_wait (%v) must be longer than server.ping_interval (%v)", c.Server.PongWait, c.Server.PingInterval)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("invalid server.write_timeout: %v (must be positive)", c.Server.WriteTimeout)
	}
	if c.Server.ReadLimit <= 0 {
		return fmt.Errorf("invalid server.read_limit: %d (must be positive)", c.Server.ReadLimit)
	}

	if c.Database.Enabled {
		switch c.Database.Driver {
		case "sqlite":
			if c.Database.Path == "" {
				return fmt.Errorf("database.path is required when the database is enabled")
			}
		case "postgres":
			if c.Database.DSN == "" {
				return fmt.Errorf("database.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("invalid database.driver: %q (must be sqlite or postgres)", c.Database.Driver)
		}
	}

	if c.Capture.FFmpeg == "" || c.Capture.FFprobe == "" {
		return fmt.Errorf("capture.ffmpeg and capture.ffprobe are required")
	}
	if c.Capture.FPS <= 0 || c.Capture.FPS > 120 {
		return fmt.Errorf("invalid capture.fps: %d (must be between 1-120)", c.Capture.FPS)
	}
	for i, p := range c.Capture.RTSPProfiles {
		if p.Name == "" {
			return fmt.Errorf("capture.rtsp_profiles[%d].name is required", i)
		}
		switch strings.ToLower(p.Transport) {
		case "", "tcp", "udp", "http":
		default:
			return fmt.Errorf("invalid transport %q for capture profile %s (must be tcp, udp, http or empty)", p.Transport, p.Name)
		}
		if p.OpenTimeout <= 0 || p.ReadTimeout <= 0 {
			return fmt.Errorf("capture profile %s needs positive open_timeout and read_timeout", p.Name)
		}
	}

	if c.Fallback.SyntheticFPS <= 0 {
		return fmt.Errorf("invalid fallback.synthetic_fps: %d (must be positive)", c.Fallback.SyntheticFPS)
	}
	if c.Fallback.Subprocess && (c.Fallback.SubprocessFPS <= 0 || c.Fallback.SubprocessWidth <= 0) {
		return fmt.Errorf("fallback.subprocess_fps and fallback.subprocess_width must be positive")
	}

	if c.Codec.MaxWidth <= 0 {
		return fmt.Errorf("invalid codec.max_width: %d (must be positive)", c.Codec.MaxWidth)
	}
	if c.Codec.Quality < 1 || c.Codec.Quality > 100 {
		return fmt.Errorf("invalid codec.quality: %d (must be between 1-100)", c.Codec.Quality)
	}

	if c.Processor.MaxReadFailures <= 0 {
		return fmt.Errorf("invalid processor.max_read_failures: %d (must be positive)", c.Processor.MaxReadFailures)
	}
	if c.Processor.SubscriberQueue <= 0 {
		return fmt.Errorf("invalid processor.subscriber_queue: %d (must be positive)", c.Processor.SubscriberQueue)
	}
	if c.Processor.RetryBackoff < 0 || c.Processor.PausedDelay < 0 {
		return fmt.Errorf("processor delays must not be negative")
	}

	seen := make(map[string]bool, len(c.Streams))
	for i, st := range c.Streams {
		if st.ID == "" || st.URL == "" {
			return fmt.Errorf("streams[%d] needs both id and url", i)
		}
		if seen[st.ID] {
			return fmt.Errorf("duplicate stream id %q", st.ID)
		}
		seen[st.ID] = true
	}

	return nil
}

// SourceOptions builds the connection ladder settings
func (c *Config) SourceOptions() source.Options {
	opts := source.DefaultOptions()
	opts.FFmpegPath = c.Capture.FFmpeg
	opts.FFprobePath = c.Capture.FFprobe

	opts.RTSP = make([]source.CaptureConfig, 0, len(c.Capture.RTSPProfiles))
	for _, p := range c.Capture.RTSPProfiles {
		opts.RTSP = append(opts.RTSP, source.CaptureConfig{
			Name:        p.Name,
			Transport:   strings.ToLower(p.Transport),
			LowLatency:  p.LowLatency,
			OpenTimeout: p.OpenTimeout,
			ReadTimeout: p.ReadTimeout,
			FPS:         c.Capture.FPS,
			MaxWidth:    c.Capture.MaxWidth,
		})
	}

	opts.HTTP.OpenTimeout = c.Capture.HTTPTimeout
	opts.HTTP.ReadTimeout = c.Capture.HTTPTimeout
	opts.HTTP.BufferSize = c.Capture.HTTPBufferSize
	opts.HTTP.FPS = c.Capture.FPS
	opts.HTTP.MaxWidth = c.Capture.MaxWidth

	opts.Generic.OpenTimeout = c.Capture.GenericTimeout
	opts.Generic.ReadTimeout = c.Capture.GenericTimeout
	opts.Generic.FPS = c.Capture.FPS
	opts.Generic.MaxWidth = c.Capture.MaxWidth

	opts.SnapshotTimeout = c.Capture.SnapshotTimeout
	opts.SnapshotFPS = c.Capture.SnapshotFPS

	opts.Subprocess = c.Fallback.Subprocess
	opts.SubprocessWidth = c.Fallback.SubprocessWidth
	opts.SubprocessFPS = c.Fallback.SubprocessFPS
	opts.SubprocessReadTimeout = c.Fallback.SubprocessReadTimeout
	opts.Synthetic = c.Fallback.Synthetic
	opts.SyntheticFPS = c.Fallback.SyntheticFPS
	return opts
}

// StreamRecords converts the declared streams into database records
func (c *Config) StreamRecords() []*database.StreamRecord {
	recs := make([]*database.StreamRecord, 0, len(c.Streams))
	for _, st := range c.Streams {
		recs = append(recs, &database.StreamRecord{ID: st.ID, Name: st.Name, URL: st.URL})
	}
	return recs
}

// ProcessorOptions builds the stream loop settings
func (c *Config) ProcessorOptions() stream.Options {
	return stream.Options{
		MaxReadFailures: c.Processor.MaxReadFailures,
		RetryBackoff:    c.Processor.RetryBackoff,
		PausedDelay:     c.Processor.PausedDelay,
		QueueSize:       c.Processor.SubscriberQueue,
		Debug:           c.Logging.Debug,
	}
}
