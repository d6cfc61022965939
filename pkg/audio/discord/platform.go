// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It turns
// Discord's per-speaker Opus packets into per-participant PCM
// [audio.AudioFrame] streams for the capture pipeline.
//
// The platform requires an active *discordgo.Session and a guild ID. Each
// call to [Platform.Connect] joins the specified voice channel muted and
// returns a receive-only [Connection].
package discord

import (
	"context"
	"fmt"

	"github.com/MrWong99/capturebot/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] using a discordgo voice connection.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
	guildID string
}

// New creates a new Discord Platform for the given session and guild.
func New(session *discordgo.Session, guildID string) *Platform {
	return &Platform{
		session: session,
		guildID: guildID,
	}
}

// Connect joins the voice channel identified by channelID and returns an active
// [audio.Connection]. The bot joins muted: it only listens.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, true, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	return newConnection(vc, p.session, p.guildID), nil
}
