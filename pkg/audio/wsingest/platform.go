package wsingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/capturebot/pkg/audio"
)

var (
	_ audio.Platform   = (*Platform)(nil)
	_ audio.Connection = (*Connection)(nil)
)

const (
	inputChannelBuffer = 64
	defaultReadLimit   = 1 << 20
)

// Option configures a [Platform].
type Option func(*Platform)

// WithHeader adds a header to every dial, for example an Authorization
// token expected by the agent.
func WithHeader(key, value string) Option {
	return func(p *Platform) { p.header.Add(key, value) }
}

// WithHTTPClient sets the client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Platform) { p.client = c }
}

// WithReadLimit caps the size of a single message. Default: 1 MiB.
func WithReadLimit(n int64) Option {
	return func(p *Platform) { p.readLimit = n }
}

// Platform dials "<baseURL>/<channelID>" for every connection.
//
// Platform is safe for concurrent use.
type Platform struct {
	baseURL   string
	header    http.Header
	client    *http.Client
	readLimit int64
}

// New creates a platform for agents reachable under baseURL (ws:// or
// wss://).
func New(baseURL string, opts ...Option) *Platform {
	p := &Platform{
		baseURL:   strings.TrimRight(baseURL, "/"),
		header:    make(http.Header),
		readLimit: defaultReadLimit,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the agent socket of channelID.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	if channelID == "" {
		return nil, errors.New("wsingest: empty channel id")
	}
	u := p.baseURL + "/" + url.PathEscape(channelID)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: p.client,
		HTTPHeader: p.header.Clone(),
	})
	if err != nil {
		return nil, fmt.Errorf("wsingest: dial %s: %w", u, err)
	}
	conn.SetReadLimit(p.readLimit)
	return newConnection(conn, channelID), nil
}

// participant is the per-speaker state of a [Connection].
type participant struct {
	ch      chan audio.AudioFrame
	name    string
	format  audio.Format
	samples int64
}

// Connection is a receive-only session on one agent socket.
//
// Connection is safe for concurrent use.
type Connection struct {
	conn    *websocket.Conn
	channel string

	mu    sync.Mutex
	parts map[string]*participant

	changeMu sync.Mutex
	changeCb func(audio.Event)

	ctx       context.Context
	cancel    context.CancelFunc
	readDone  chan struct{}
	closeOnce sync.Once
}

func newConnection(conn *websocket.Conn, channel string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:     conn,
		channel:  channel,
		parts:    make(map[string]*participant),
		ctx:      ctx,
		cancel:   cancel,
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// InputStreams returns a snapshot of the current per-participant channels.
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := make(map[string]<-chan audio.AudioFrame, len(c.parts))
	for id, p := range c.parts {
		snap[id] = p.ch
	}
	return snap
}

// OnParticipantChange registers cb for join and leave events.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.changeCb = cb
}

// Disconnect closes the socket and every input channel. A socket the agent
// already closed is not an error. Later calls return nil.
func (c *Connection) Disconnect() error {
	c.closeOnce.Do(func() {
		if err := c.conn.Close(websocket.StatusNormalClosure, "capture finished"); err != nil {
			slog.Debug("wsingest: close socket", "channel", c.channel, "error", err)
		}
		c.cancel()
		<-c.readDone
		c.closeInputs()
	})
	return nil
}

func (c *Connection) readLoop() {
	defer close(c.readDone)
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				slog.Warn("wsingest: read failed", "channel", c.channel, "error", err)
			}
			c.closeInputs()
			return
		}
		switch typ {
		case websocket.MessageText:
			c.handleControl(data)
		case websocket.MessageBinary:
			c.handleAudio(data)
		}
	}
}

func (c *Connection) handleControl(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("wsingest: invalid control message", "channel", c.channel, "error", err)
		return
	}
	if msg.Participant == "" {
		slog.Warn("wsingest: control message without participant", "channel", c.channel, "type", msg.Type)
		return
	}
	switch msg.Type {
	case TypeJoin:
		format := audio.Format{SampleRate: msg.SampleRate, Channels: msg.Channels}
		if format.SampleRate <= 0 {
			format.SampleRate = DefaultSampleRate
		}
		if format.Channels <= 0 {
			format.Channels = DefaultChannels
		}
		c.join(msg.Participant, msg.Name, format)
	case TypeLeave:
		c.leave(msg.Participant)
	default:
		slog.Debug("wsingest: unknown control message", "channel", c.channel, "type", msg.Type)
	}
}

func (c *Connection) handleAudio(data []byte) {
	id, pcm, err := DecodeAudio(data)
	if err != nil {
		slog.Debug("wsingest: drop audio", "channel", c.channel, "error", err)
		return
	}
	p := c.join(id, "", audio.Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels})
	if p == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.parts[id] != p {
		// Left between join and delivery.
		return
	}
	frame := audio.AudioFrame{
		Data:       append([]byte(nil), pcm...),
		SampleRate: p.format.SampleRate,
		Channels:   p.format.Channels,
		Timestamp:  time.Duration(p.samples) * time.Second / time.Duration(p.format.SampleRate),
	}
	p.samples += int64(frame.Samples())
	select {
	case p.ch <- frame:
	default:
	}
}

// join returns the participant id, creating it on first sight. It returns
// nil once the connection is closing.
func (c *Connection) join(id, name string, format audio.Format) *participant {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return nil
	}
	p, ok := c.parts[id]
	if !ok {
		p = &participant{ch: make(chan audio.AudioFrame, inputChannelBuffer), name: name, format: format}
		c.parts[id] = p
	}
	c.mu.Unlock()

	if !ok {
		c.emitEvent(audio.Event{Type: audio.EventJoin, UserID: id, Username: name})
	}
	return p
}

func (c *Connection) leave(id string) {
	c.mu.Lock()
	p, ok := c.parts[id]
	if ok {
		close(p.ch)
		delete(c.parts, id)
	}
	c.mu.Unlock()
	if ok {
		c.emitEvent(audio.Event{Type: audio.EventLeave, UserID: id, Username: p.name})
	}
}

func (c *Connection) closeInputs() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.parts {
		close(p.ch)
		delete(c.parts, id)
	}
}

func (c *Connection) emitEvent(ev audio.Event) {
	c.changeMu.Lock()
	cb := c.changeCb
	c.changeMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}
