package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownPlatforms lists the platform implementations shipped with the worker.
// Used by [Validate] to warn about unrecognised names.
var KnownPlatforms = []string{"wsingest", "discord"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, validates it and applies
// defaults. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Capture
	if cfg.Capture.ChunkDuration < 0 {
		errs = append(errs, fmt.Errorf("capture.chunk_duration %v must not be negative", cfg.Capture.ChunkDuration))
	}
	if cfg.Capture.StreamCheckInterval < 0 {
		errs = append(errs, fmt.Errorf("capture.stream_check_interval %v must not be negative", cfg.Capture.StreamCheckInterval))
	}

	// Worker
	if cfg.Worker.EmptyTimeout < 0 {
		errs = append(errs, fmt.Errorf("worker.empty_timeout %v must not be negative", cfg.Worker.EmptyTimeout))
	}
	if cfg.Worker.UploadConcurrency < 0 {
		errs = append(errs, fmt.Errorf("worker.upload_concurrency %d must not be negative", cfg.Worker.UploadConcurrency))
	}
	if cfg.Worker.ConnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("worker.connect_attempts %d must not be negative", cfg.Worker.ConnectAttempts))
	}
	if cfg.Worker.AudioFolder != "" && cfg.Worker.AudioFolder == cfg.Worker.TraceFolder {
		errs = append(errs, fmt.Errorf("worker.audio_folder and worker.trace_folder must differ (both %q)", cfg.Worker.AudioFolder))
	}
	if cfg.Worker.AutoClaimEnabled() && cfg.Database.DSN == "" {
		slog.Warn("config: database.dsn is empty; pending meetings will not be claimed")
	}

	// Platforms
	seen := make(map[string]int, len(cfg.Platforms))
	for i, p := range cfg.Platforms {
		prefix := fmt.Sprintf("platforms[%d]", i)
		if p.Meeting == "" {
			errs = append(errs, fmt.Errorf("%s.meeting is required", prefix))
		} else {
			if prev, ok := seen[p.Meeting]; ok {
				errs = append(errs, fmt.Errorf("%s.meeting %q is a duplicate of platforms[%d]", prefix, p.Meeting, prev))
			}
			seen[p.Meeting] = i
		}
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if !slices.Contains(KnownPlatforms, p.Name) {
			slog.Warn("config: unknown platform name, may be a typo or a custom registration",
				"index", i,
				"name", p.Name,
				"known", KnownPlatforms,
			)
		}
		if p.URL != "" {
			if _, err := url.Parse(p.URL); err != nil {
				errs = append(errs, fmt.Errorf("%s.url: %w", prefix, err))
			}
		}
	}
	if len(cfg.Platforms) == 0 {
		slog.Warn("config: no platforms configured; every capture will fail")
	}

	// Meeting API
	if cfg.MeetingAPI.BaseURL == "" {
		errs = append(errs, errors.New("meeting_api.base_url is required"))
	} else if u, err := url.Parse(cfg.MeetingAPI.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("meeting_api.base_url %q must be an absolute URL", cfg.MeetingAPI.BaseURL))
	}
	if r := cfg.MeetingAPI.Retries; r != nil && *r < 0 {
		errs = append(errs, fmt.Errorf("meeting_api.retries %d must not be negative", *r))
	}

	// Storage
	if cfg.Storage.S3 == nil && cfg.Storage.FallbackDir == "" {
		errs = append(errs, errors.New("storage: either s3 or fallback_dir must be configured"))
	}
	if s3 := cfg.Storage.S3; s3 != nil {
		if s3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.bucket is required"))
		}
		if (s3.AccessKey == "") != (s3.SecretKey == "") {
			errs = append(errs, errors.New("storage.s3.access_key and secret_key must be set together"))
		}
	}

	// Level
	if l := cfg.Level; l.Enabled {
		if l.WindowSize < 0 {
			errs = append(errs, fmt.Errorf("level.window_size %d must not be negative", l.WindowSize))
		}
		if l.Smoothing < 0 || l.Smoothing > 1 {
			errs = append(errs, fmt.Errorf("level.smoothing %.2f is out of range [0, 1]", l.Smoothing))
		}
		if l.DecayRate < 0 || l.DecayRate > 1 {
			errs = append(errs, fmt.Errorf("level.decay_rate %.2f is out of range [0, 1]", l.DecayRate))
		}
		if l.FrameRate < 0 {
			errs = append(errs, fmt.Errorf("level.frame_rate %.2f must not be negative", l.FrameRate))
		}
	}

	return errors.Join(errs...)
}
