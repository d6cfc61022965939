// Package config provides the configuration schema, loader, file watcher and
// platform registry for the capture worker.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr         = ":8080"
	DefaultClaimInterval      = 2 * time.Second
	DefaultStatusPollInterval = time.Second
	DefaultMaxDuration        = 4 * time.Hour
	DefaultConnectTimeout     = 30 * time.Second
	DefaultConnectAttempts    = 3
	DefaultConnectBackoff     = time.Second
	DefaultStopTimeout        = 5 * time.Minute
	DefaultAudioFolder        = "audio"
	DefaultTraceFolder        = "trace"
	DefaultUploadConcurrency  = 4
	DefaultUploadTimeout      = 2 * time.Minute
	DefaultAPITimeout         = 10 * time.Second
	DefaultAPIRetries         = 2
	DefaultBreakerFailures    = 5
	DefaultBreakerReset       = 30 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Capture    CaptureConfig    `yaml:"capture"`
	Worker     WorkerConfig     `yaml:"worker"`
	Platforms  []PlatformEntry  `yaml:"platforms"`
	MeetingAPI MeetingAPIConfig `yaml:"meeting_api"`
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	Level      LevelConfig      `yaml:"level"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control, health and metrics
	// endpoints (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is the only setting applied on reload.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// CaptureConfig tunes the recorder controller. Zero values take the
// controller's defaults.
type CaptureConfig struct {
	// ChunkDuration is the length of one uploaded audio chunk.
	ChunkDuration time.Duration `yaml:"chunk_duration"`

	// MimeType is the preferred recording format, for example
	// "audio/ogg;codecs=opus". Unsupported types fall back to raw PCM.
	MimeType string `yaml:"mime_type"`

	StreamCheckInterval time.Duration `yaml:"stream_check_interval"`
	DrainTimeout        time.Duration `yaml:"drain_timeout"`
}

// WorkerConfig controls meeting claiming and the capture session.
type WorkerConfig struct {
	// AutoClaim enables the loop that claims pending meetings from the
	// database. Without it captures only start through the HTTP API.
	AutoClaim *bool `yaml:"auto_claim"`

	ClaimInterval      time.Duration `yaml:"claim_interval"`
	StatusPollInterval time.Duration `yaml:"status_poll_interval"`

	// MaxDuration ends a capture that runs this long. Negative disables it.
	MaxDuration time.Duration `yaml:"max_duration"`

	// EmptyTimeout ends a capture once nobody has been present this long.
	// Zero disables it.
	EmptyTimeout time.Duration `yaml:"empty_timeout"`

	// ConnectTimeout bounds each attempt to join a meeting. ConnectAttempts
	// caps the attempts; ConnectBackoff is the first pause between them and
	// doubles after each failure.
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectBackoff  time.Duration `yaml:"connect_backoff"`

	StopTimeout       time.Duration `yaml:"stop_timeout"`
	AudioFolder       string        `yaml:"audio_folder"`
	TraceFolder       string        `yaml:"trace_folder"`
	UploadConcurrency int           `yaml:"upload_concurrency"`
	UploadTimeout     time.Duration `yaml:"upload_timeout"`
}

// AutoClaimEnabled reports whether the claim loop runs. It defaults to true.
func (w WorkerConfig) AutoClaimEnabled() bool {
	return w.AutoClaim == nil || *w.AutoClaim
}

// PlatformEntry binds a meeting platform to an audio platform implementation
// registered in the [Registry].
type PlatformEntry struct {
	// Meeting is the meeting platform name as stored in the meeting table
	// (e.g., "COMU", "DISCORD").
	Meeting string `yaml:"meeting"`

	// Name selects the registered implementation ("wsingest", "discord").
	Name string `yaml:"name"`

	// URL is the endpoint of the implementation, for example the agent's
	// WebSocket base URL.
	URL string `yaml:"url"`

	// Token authenticates against the platform: a bot token for Discord or
	// a bearer token sent to the ingest agent.
	Token string `yaml:"token"`

	// Options holds implementation specific values (e.g., guild_id).
	Options map[string]any `yaml:"options"`
}

// Option returns Options[key] as a string, or "" when absent.
func (p PlatformEntry) Option(key string) string {
	v, ok := p.Options[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// MeetingAPIConfig points at the core API that owns meeting transitions.
type MeetingAPIConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	Retries   *int          `yaml:"retries"`
	RetryWait time.Duration `yaml:"retry_wait"`
	Breaker   BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// DatabaseConfig locates the meeting table.
type DatabaseConfig struct {
	// DSN is the PostgreSQL connection string. Empty disables the claim
	// loop; captures can then only be started through the HTTP API, which
	// still needs the database to look meetings up.
	DSN string `yaml:"dsn"`
}

// StorageConfig configures where chunks and trace reports go.
type StorageConfig struct {
	S3 *S3Config `yaml:"s3"`

	// FallbackDir receives uploads while S3 is unavailable. With no S3
	// section it is the only store.
	FallbackDir string `yaml:"fallback_dir"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// S3Config configures an S3-compatible bucket.
type S3Config struct {
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	Bucket         string `yaml:"bucket"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// LevelConfig enables per-participant level metering.
type LevelConfig struct {
	Enabled    bool    `yaml:"enabled"`
	WindowSize int     `yaml:"window_size"`
	Smoothing  float64 `yaml:"smoothing"`
	Gain       float64 `yaml:"gain"`
	DecayRate  float64 `yaml:"decay_rate"`
	FrameRate  float64 `yaml:"frame_rate"`
}

// ApplyDefaults fills zero values of cfg in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	w := &cfg.Worker
	if w.ClaimInterval <= 0 {
		w.ClaimInterval = DefaultClaimInterval
	}
	if w.StatusPollInterval <= 0 {
		w.StatusPollInterval = DefaultStatusPollInterval
	}
	if w.MaxDuration == 0 {
		w.MaxDuration = DefaultMaxDuration
	}
	if w.ConnectTimeout <= 0 {
		w.ConnectTimeout = DefaultConnectTimeout
	}
	if w.ConnectAttempts <= 0 {
		w.ConnectAttempts = DefaultConnectAttempts
	}
	if w.ConnectBackoff <= 0 {
		w.ConnectBackoff = DefaultConnectBackoff
	}
	if w.StopTimeout <= 0 {
		w.StopTimeout = DefaultStopTimeout
	}
	if w.AudioFolder == "" {
		w.AudioFolder = DefaultAudioFolder
	}
	if w.TraceFolder == "" {
		w.TraceFolder = DefaultTraceFolder
	}
	if w.UploadConcurrency <= 0 {
		w.UploadConcurrency = DefaultUploadConcurrency
	}
	if w.UploadTimeout <= 0 {
		w.UploadTimeout = DefaultUploadTimeout
	}

	api := &cfg.MeetingAPI
	if api.Timeout <= 0 {
		api.Timeout = DefaultAPITimeout
	}
	if api.Retries == nil {
		n := DefaultAPIRetries
		api.Retries = &n
	}
	if api.RetryWait <= 0 {
		api.RetryWait = 200 * time.Millisecond
	}
	applyBreakerDefaults(&api.Breaker)
	applyBreakerDefaults(&cfg.Storage.Breaker)
}

func applyBreakerDefaults(b *BreakerConfig) {
	if b.MaxFailures <= 0 {
		b.MaxFailures = DefaultBreakerFailures
	}
	if b.ResetTimeout <= 0 {
		b.ResetTimeout = DefaultBreakerReset
	}
}
