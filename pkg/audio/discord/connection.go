package discord

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/capturebot/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

const inputChannelBuffer = 64

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// receive-only [audio.Connection] interface. Incoming Opus packets are
// demuxed by SSRC, decoded, and delivered on one channel per participant.
// Participants are keyed by Discord user ID once a speaking update has
// mapped their SSRC, and by the SSRC itself until then.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	guildID string

	inputsMu sync.RWMutex
	inputs   map[string]chan audio.AudioFrame
	ssrcUser map[uint32]string // SSRC -> user ID from speaking updates

	changeCb func(audio.Event)
	changeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	removeHandler func()

	// disconnectVC tears down the voice connection. Overridden in tests.
	disconnectVC func() error
}

func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string) *Connection {
	c := &Connection{
		vc:           vc,
		guildID:      guildID,
		inputs:       make(map[string]chan audio.AudioFrame),
		ssrcUser:     make(map[uint32]string),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
	c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)
	vc.AddHandler(c.handleSpeakingUpdate)
	go c.recvLoop()
	return c
}

// InputStreams returns a snapshot of the current per-participant audio channels.
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.inputsMu.RLock()
	defer c.inputsMu.RUnlock()
	snap := make(map[string]<-chan audio.AudioFrame, len(c.inputs))
	for id, ch := range c.inputs {
		snap[id] = ch
	}
	return snap
}

// OnParticipantChange registers cb as the callback for participant join/leave events.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.changeCb = cb
}

// Disconnect leaves the voice channel and closes every input channel.
// It is safe to call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
		c.inputsMu.Lock()
		for id, ch := range c.inputs {
			close(ch)
			delete(c.inputs, id)
		}
		c.inputsMu.Unlock()
	})
	return err
}

// recvLoop decodes Opus packets and fans them out to per-participant channels.
func (c *Connection) recvLoop() {
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "error", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "error", err)
				continue
			}

			c.deliver(pkt.SSRC, audio.AudioFrame{
				Data:       pcm,
				SampleRate: opusSampleRate,
				Channels:   opusChannels,
				Timestamp:  time.Duration(pkt.Timestamp) * time.Second / time.Duration(opusSampleRate),
			})
		}
	}
}

// deliver routes frame to the participant owning ssrc, creating the input
// channel and emitting a join on first sight. Full channels drop the frame.
func (c *Connection) deliver(ssrc uint32, frame audio.AudioFrame) {
	c.inputsMu.Lock()
	select {
	case <-c.done:
		c.inputsMu.Unlock()
		return
	default:
	}
	key := c.participantKey(ssrc)
	ch, ok := c.inputs[key]
	if !ok {
		ch = make(chan audio.AudioFrame, inputChannelBuffer)
		c.inputs[key] = ch
	}
	select {
	case ch <- frame:
	default:
	}
	c.inputsMu.Unlock()

	if !ok {
		c.emitEvent(audio.Event{Type: audio.EventJoin, UserID: key})
	}
}

// participantKey must be called with inputsMu held.
func (c *Connection) participantKey(ssrc uint32) string {
	if id, ok := c.ssrcUser[ssrc]; ok {
		return id
	}
	return strconv.FormatUint(uint64(ssrc), 10)
}

// handleSpeakingUpdate records which user owns an SSRC.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	c.inputsMu.Lock()
	c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
	c.inputsMu.Unlock()
}

// handleVoiceStateUpdate closes the input of a participant who left our channel.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID {
		return
	}
	channelID := c.vc.ChannelID
	if vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != channelID || vsu.ChannelID == channelID {
		return
	}

	username := ""
	if vsu.Member != nil && vsu.Member.User != nil {
		username = vsu.Member.User.Username
	}

	c.inputsMu.Lock()
	if ch, ok := c.inputs[vsu.UserID]; ok {
		close(ch)
		delete(c.inputs, vsu.UserID)
	}
	for ssrc, id := range c.ssrcUser {
		if id == vsu.UserID {
			delete(c.ssrcUser, ssrc)
		}
	}
	c.inputsMu.Unlock()

	c.emitEvent(audio.Event{Type: audio.EventLeave, UserID: vsu.UserID, Username: username})
}

// emitEvent safely invokes the registered participant change callback.
func (c *Connection) emitEvent(ev audio.Event) {
	c.changeMu.Lock()
	cb := c.changeCb
	c.changeMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}
