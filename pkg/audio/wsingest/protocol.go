// Package wsingest provides an [audio.Platform] fed over WebSocket.
//
// A page agent running next to a web meeting (a browser extension, a
// headless browser, a SIP gateway) serves one WebSocket per meeting channel
// and pushes every participant's audio as raw PCM. [Platform.Connect] dials
// that socket and exposes the participants as a receive-only
// [audio.Connection], so web platforms share the capture path of native
// voice platforms.
//
// Protocol: text messages carry JSON control [Message]s, binary messages
// carry audio framed by [EncodeAudio].
package wsingest

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Message types.
const (
	TypeJoin  = "join"
	TypeLeave = "leave"
)

// Defaults applied when a join omits the format.
const (
	DefaultSampleRate = 48000
	DefaultChannels   = 1
)

// ErrMalformed is returned for binary messages that cannot be decoded.
var ErrMalformed = errors.New("wsingest: malformed audio message")

// Message is a control message sent by the agent.
type Message struct {
	Type        string `json:"type"`
	Participant string `json:"participant"`
	Name        string `json:"name,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Channels    int    `json:"channels,omitempty"`
}

// EncodeAudio frames pcm (interleaved little-endian int16) for participant:
// a big-endian uint16 ID length, the ID, then the samples.
func EncodeAudio(participant string, pcm []byte) []byte {
	out := make([]byte, 2+len(participant)+len(pcm))
	binary.BigEndian.PutUint16(out, uint16(len(participant)))
	copy(out[2:], participant)
	copy(out[2+len(participant):], pcm)
	return out
}

// DecodeAudio splits a binary message produced by [EncodeAudio].
func DecodeAudio(msg []byte) (participant string, pcm []byte, err error) {
	if len(msg) < 2 {
		return "", nil, ErrMalformed
	}
	n := int(binary.BigEndian.Uint16(msg))
	if n == 0 || len(msg) < 2+n {
		return "", nil, fmt.Errorf("%w: id length %d in %d bytes", ErrMalformed, n, len(msg))
	}
	return string(msg[2 : 2+n]), msg[2+n:], nil
}
