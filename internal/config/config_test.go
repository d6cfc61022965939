package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/capturebot/internal/config"
	"github.com/MrWong99/capturebot/pkg/audio"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

capture:
  chunk_duration: 30s
  mime_type: "audio/ogg;codecs=opus"

worker:
  auto_claim: false
  max_duration: 2h
  empty_timeout: 5m
  audio_folder: chunks

platforms:
  - meeting: COMU
    name: wsingest
    url: ws://agent:9000/meetings
    token: agent-secret
  - meeting: DISCORD
    name: discord
    token: bot-token
    options:
      guild_id: "1234"

meeting_api:
  base_url: http://core:8000
  retries: 0
  breaker:
    max_failures: 3

database:
  dsn: postgres://capture@db/meetings

storage:
  s3:
    endpoint: http://minio:9000
    region: us-east-1
    bucket: captures
    access_key: minio
    secret_key: minio123
    force_path_style: true
  fallback_dir: /var/lib/capturebot

level:
  enabled: true
  gain: 1.5
`

// minimalYAML is the smallest configuration that validates.
const minimalYAML = `
meeting_api:
  base_url: http://core:8000
storage:
  fallback_dir: /tmp/capture
`

type stubPlatform struct{ name string }

func (stubPlatform) Connect(context.Context, string) (audio.Connection, error) { return nil, nil }

// ── Load ─────────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Capture.ChunkDuration != 30*time.Second {
		t.Errorf("chunk_duration = %v, want 30s", cfg.Capture.ChunkDuration)
	}
	if cfg.Worker.AutoClaimEnabled() {
		t.Error("auto_claim: false not honoured")
	}
	if cfg.Worker.MaxDuration != 2*time.Hour || cfg.Worker.EmptyTimeout != 5*time.Minute {
		t.Errorf("worker durations = %v / %v", cfg.Worker.MaxDuration, cfg.Worker.EmptyTimeout)
	}
	if cfg.Worker.AudioFolder != "chunks" || cfg.Worker.TraceFolder != config.DefaultTraceFolder {
		t.Errorf("folders = %q / %q", cfg.Worker.AudioFolder, cfg.Worker.TraceFolder)
	}
	if len(cfg.Platforms) != 2 {
		t.Fatalf("platforms = %d, want 2", len(cfg.Platforms))
	}
	if got := cfg.Platforms[1].Option("guild_id"); got != "1234" {
		t.Errorf("guild_id = %q", got)
	}
	if *cfg.MeetingAPI.Retries != 0 {
		t.Errorf("explicit retries: 0 overwritten with %d", *cfg.MeetingAPI.Retries)
	}
	if cfg.MeetingAPI.Breaker.MaxFailures != 3 || cfg.MeetingAPI.Breaker.ResetTimeout != config.DefaultBreakerReset {
		t.Errorf("breaker = %+v", cfg.MeetingAPI.Breaker)
	}
	if s3 := cfg.Storage.S3; s3 == nil || s3.Bucket != "captures" || !s3.ForcePathStyle {
		t.Errorf("s3 = %+v", s3)
	}
	if !cfg.Level.Enabled || cfg.Level.Gain != 1.5 {
		t.Errorf("level = %+v", cfg.Level)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"claim_interval", cfg.Worker.ClaimInterval, config.DefaultClaimInterval},
		{"status_poll_interval", cfg.Worker.StatusPollInterval, config.DefaultStatusPollInterval},
		{"max_duration", cfg.Worker.MaxDuration, config.DefaultMaxDuration},
		{"empty_timeout", cfg.Worker.EmptyTimeout, time.Duration(0)},
		{"stop_timeout", cfg.Worker.StopTimeout, config.DefaultStopTimeout},
		{"audio_folder", cfg.Worker.AudioFolder, config.DefaultAudioFolder},
		{"upload_concurrency", cfg.Worker.UploadConcurrency, config.DefaultUploadConcurrency},
		{"api_timeout", cfg.MeetingAPI.Timeout, config.DefaultAPITimeout},
		{"api_retries", *cfg.MeetingAPI.Retries, config.DefaultAPIRetries},
		{"storage_breaker", cfg.Storage.Breaker.MaxFailures, config.DefaultBreakerFailures},
		{"auto_claim", cfg.Worker.AutoClaimEnabled(), true},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadFromReader_NegativeMaxDurationKept(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML + "worker:\n  max_duration: -1s\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Worker.MaxDuration >= 0 {
		t.Errorf("max_duration = %v, want negative (disabled)", cfg.Worker.MaxDuration)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "bogus: true\n"))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "capturebot.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}

// ── Validate ─────────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing api",
			yaml:    "storage:\n  fallback_dir: /tmp\n",
			wantErr: "meeting_api.base_url is required",
		},
		{
			name:    "relative api url",
			yaml:    "meeting_api:\n  base_url: core\nstorage:\n  fallback_dir: /tmp\n",
			wantErr: "absolute URL",
		},
		{
			name:    "no storage",
			yaml:    "meeting_api:\n  base_url: http://core\n",
			wantErr: "either s3 or fallback_dir",
		},
		{
			name:    "s3 without bucket",
			yaml:    "meeting_api:\n  base_url: http://core\nstorage:\n  s3:\n    region: eu-west-3\n",
			wantErr: "storage.s3.bucket is required",
		},
		{
			name:    "half credentials",
			yaml:    "meeting_api:\n  base_url: http://core\nstorage:\n  s3:\n    bucket: b\n    access_key: k\n",
			wantErr: "must be set together",
		},
		{
			name:    "bad log level",
			yaml:    minimalYAML + "server:\n  log_level: loud\n",
			wantErr: "server.log_level",
		},
		{
			name:    "tls without key",
			yaml:    minimalYAML + "server:\n  tls:\n    cert_file: c.pem\n",
			wantErr: "server.tls",
		},
		{
			name:    "negative chunk",
			yaml:    minimalYAML + "capture:\n  chunk_duration: -1s\n",
			wantErr: "capture.chunk_duration",
		},
		{
			name:    "duplicate platform",
			yaml:    minimalYAML + "platforms:\n  - {meeting: COMU, name: wsingest}\n  - {meeting: COMU, name: wsingest}\n",
			wantErr: "duplicate",
		},
		{
			name:    "platform without name",
			yaml:    minimalYAML + "platforms:\n  - {meeting: COMU}\n",
			wantErr: "platforms[0].name is required",
		},
		{
			name:    "same folders",
			yaml:    minimalYAML + "worker:\n  audio_folder: x\n  trace_folder: x\n",
			wantErr: "must differ",
		},
		{
			name:    "smoothing out of range",
			yaml:    minimalYAML + "level:\n  enabled: true\n  smoothing: 2\n",
			wantErr: "level.smoothing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	t.Parallel()

	err := config.Validate(&config.Config{Server: config.ServerConfig{LogLevel: "nope"}})
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"server.log_level", "meeting_api.base_url", "storage"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error misses %q: %v", want, err)
		}
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := config.NewRegistry()
	r.Register("wsingest", func(e config.PlatformEntry) (audio.Platform, error) {
		return stubPlatform{name: e.URL}, nil
	})
	r.Register("broken", func(config.PlatformEntry) (audio.Platform, error) {
		return nil, errors.New("no token")
	})

	if got := r.Names(); !slices.Equal(got, []string{"broken", "wsingest"}) {
		t.Errorf("Names = %v", got)
	}

	p, err := r.Create(config.PlatformEntry{Meeting: "COMU", Name: "wsingest", URL: "ws://agent"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.(stubPlatform).name != "ws://agent" {
		t.Errorf("factory did not receive the entry")
	}

	if _, err := r.Create(config.PlatformEntry{Name: "teams"}); !errors.Is(err, config.ErrPlatformNotRegistered) {
		t.Errorf("Create unknown err = %v, want ErrPlatformNotRegistered", err)
	}

	all, err := r.CreateAll([]config.PlatformEntry{
		{Meeting: "COMU", Name: "wsingest"},
		{Meeting: "VISIO", Name: "broken"},
		{Meeting: "WEBCONF", Name: "teams"},
	})
	if err == nil {
		t.Fatal("CreateAll swallowed failures")
	}
	if !errors.Is(err, config.ErrPlatformNotRegistered) || !strings.Contains(err.Error(), "no token") {
		t.Errorf("CreateAll err = %v", err)
	}
	if len(all) != 1 || all["COMU"] == nil {
		t.Errorf("CreateAll built %v, want only COMU", all)
	}
}

// ── Diff ─────────────────────────────────────────────────────────────────────

func TestDiff(t *testing.T) {
	t.Parallel()

	load := func(extra string) *config.Config {
		t.Helper()
		cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML + extra))
		if err != nil {
			t.Fatalf("LoadFromReader: %v", err)
		}
		return cfg
	}

	base := load("")
	tests := []struct {
		name        string
		next        *config.Config
		wantLevel   config.LogLevel
		wantRestart []string
	}{
		{name: "identical", next: load("")},
		{name: "log level only", next: load("server:\n  log_level: debug\n"), wantLevel: config.LogDebug},
		{
			name:        "restart sections",
			next:        load("server:\n  listen_addr: \":1\"\nworker:\n  empty_timeout: 1m\n"),
			wantRestart: []string{"server", "worker"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := config.Diff(base, tt.next)
			if d.LogLevelChanged != (tt.wantLevel != "") || d.NewLogLevel != tt.wantLevel {
				t.Errorf("log level diff = %v/%q, want %q", d.LogLevelChanged, d.NewLogLevel, tt.wantLevel)
			}
			if !slices.Equal(d.RestartRequired, tt.wantRestart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.wantRestart)
			}
		})
	}
}
