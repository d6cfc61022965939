package discord

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
)

// opusDecoder wraps a gopus decoder for a single SSRC. Decoder state carries
// across packets so each speaker needs its own.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode turns one Opus packet into little-endian interleaved int16 PCM.
func (d *opusDecoder) decode(opus []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(opus, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b, nil
}
