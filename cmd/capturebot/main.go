// Command capturebot joins meetings, records their audio in chunks and hands
// the result to the transcription pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/capturebot/internal/app"
	"github.com/MrWong99/capturebot/internal/config"
	"github.com/MrWong99/capturebot/internal/observe"
	"github.com/MrWong99/capturebot/pkg/audio"
	"github.com/MrWong99/capturebot/pkg/audio/discord"
	"github.com/MrWong99/capturebot/pkg/audio/wsingest"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "capturebot: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "capturebot: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("capturebot starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "capturebot",
		ServiceVersion: version,
		Platforms:      meetingPlatforms(cfg),
		ChunkSeconds:   cfg.Capture.ChunkDuration.Seconds(),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Config watcher ────────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			d := config.Diff(old, new)
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if len(d.RestartRequired) > 0 {
				slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── Platforms ─────────────────────────────────────────────────────────────
	pc := &platformClosers{}
	defer pc.closeAll()

	reg := config.NewRegistry()
	registerPlatforms(reg, pc)

	platforms, err := reg.CreateAll(cfg.Platforms)
	if err != nil {
		slog.Error("failed to create platforms", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, platforms)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("worker ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Platform wiring ───────────────────────────────────────────────────────────

// platformClosers releases resources platform factories opened, such as
// Discord gateway sessions.
type platformClosers struct {
	mu  sync.Mutex
	fns []func() error
}

func (p *platformClosers) add(fn func() error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fns = append(p.fns, fn)
}

func (p *platformClosers) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, fn := range p.fns {
		if err := fn(); err != nil {
			slog.Warn("platform close", "err", err)
		}
	}
	p.fns = nil
}

// registerPlatforms wires the built-in platform factories into reg.
func registerPlatforms(reg *config.Registry, pc *platformClosers) {
	reg.Register("wsingest", func(entry config.PlatformEntry) (audio.Platform, error) {
		if entry.URL == "" {
			return nil, errors.New("url is required")
		}
		var opts []wsingest.Option
		if entry.Token != "" {
			opts = append(opts, wsingest.WithHeader("Authorization", "Bearer "+entry.Token))
		}
		return wsingest.New(entry.URL, opts...), nil
	})

	reg.Register("discord", func(entry config.PlatformEntry) (audio.Platform, error) {
		guildID := entry.Option("guild_id")
		if entry.Token == "" || guildID == "" {
			return nil, errors.New("token and options.guild_id are required")
		}
		session, err := discordgo.New("Bot " + entry.Token)
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
		if err := session.Open(); err != nil {
			return nil, fmt.Errorf("open gateway: %w", err)
		}
		pc.add(session.Close)
		slog.Info("discord gateway connected", "meeting_platform", entry.Meeting, "guild_id", guildID)
		return discord.New(session, guildID), nil
	})

	slog.Debug("registered platforms", "names", reg.Names())
}

func meetingPlatforms(cfg *config.Config) []string {
	out := make([]string, 0, len(cfg.Platforms))
	for _, p := range cfg.Platforms {
		out = append(out, p.Meeting)
	}
	return out
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	storage := "(none)"
	switch {
	case cfg.Storage.S3 != nil && cfg.Storage.FallbackDir != "":
		storage = "s3 + disk"
	case cfg.Storage.S3 != nil:
		storage = "s3"
	case cfg.Storage.FallbackDir != "":
		storage = "disk"
	}
	platforms := make([]string, 0, len(cfg.Platforms))
	for _, p := range cfg.Platforms {
		platforms = append(platforms, p.Meeting+"="+p.Name)
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       capturebot startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Auto claim", fmt.Sprint(cfg.Worker.AutoClaimEnabled()))
	printRow("Chunk length", cfg.Capture.ChunkDuration.String())
	printRow("Max duration", cfg.Worker.MaxDuration.String())
	printRow("Storage", storage)
	printRow("Platforms", strings.Join(platforms, ","))
	printRow("Level meter", fmt.Sprint(cfg.Level.Enabled))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
