package record

import (
	"bytes"
	"fmt"
	"math/rand/v2"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"layeh.com/gopus"

	"github.com/MrWong99/capturebot/pkg/audio"
)

// encoder turns PCM frames into a container byte stream. take returns the
// bytes produced since the previous call; concatenating every take plus the
// final close yields one complete file.
type encoder interface {
	write(f audio.AudioFrame) error
	take() []byte
	close() ([]byte, error)
}

// newEncoder builds the encoder for a normalized mime type. The stream
// format is only known from the first frame, so encoders initialise lazily.
func newEncoder(mime string) encoder {
	switch mime {
	case MimeOggOpus:
		return &oggOpusEncoder{}
	case MimeFLAC:
		return &flacEncoder{}
	default:
		return &pcmEncoder{}
	}
}

// ─── raw PCM ─────────────────────────────────────────────────────────────────

type pcmEncoder struct {
	buf bytes.Buffer
}

func (e *pcmEncoder) write(f audio.AudioFrame) error {
	e.buf.Write(f.Data)
	return nil
}

func (e *pcmEncoder) take() []byte {
	return drainBuffer(&e.buf)
}

func (e *pcmEncoder) close() ([]byte, error) {
	return e.take(), nil
}

// ─── Ogg/Opus ────────────────────────────────────────────────────────────────

const (
	opusSampleRate = 48000
	opusFrameSize  = 960 // 20 ms at 48 kHz
	opusMaxPacket  = 4000
)

type oggOpusEncoder struct {
	buf      bytes.Buffer
	conv     *audio.Converter
	enc      *gopus.Encoder
	ogg      *oggwriter.OggWriter
	channels int
	pending  []int16
	seq      uint16
	ts       uint32
	ssrc     uint32
}

func (e *oggOpusEncoder) init(channels int) error {
	if channels != 1 {
		channels = 2
	}
	enc, err := gopus.NewEncoder(opusSampleRate, channels, gopus.Audio)
	if err != nil {
		return fmt.Errorf("record: create opus encoder: %w", err)
	}
	ogg, err := oggwriter.NewWith(&e.buf, opusSampleRate, uint16(channels))
	if err != nil {
		return fmt.Errorf("record: create ogg writer: %w", err)
	}
	e.enc, e.ogg, e.channels = enc, ogg, channels
	e.conv = &audio.Converter{Target: audio.Format{SampleRate: opusSampleRate, Channels: channels}}
	e.ssrc = rand.Uint32()
	return nil
}

func (e *oggOpusEncoder) write(f audio.AudioFrame) error {
	if e.enc == nil {
		if err := e.init(f.Channels); err != nil {
			return err
		}
	}
	e.pending = append(e.pending, audio.FloatToInt16(e.conv.Convert(f))...)
	step := opusFrameSize * e.channels
	for len(e.pending) >= step {
		if err := e.encode(e.pending[:step]); err != nil {
			return err
		}
		e.pending = e.pending[step:]
	}
	return nil
}

func (e *oggOpusEncoder) encode(pcm []int16) error {
	payload, err := e.enc.Encode(pcm, opusFrameSize, opusMaxPacket)
	if err != nil {
		return fmt.Errorf("record: opus encode: %w", err)
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: e.seq,
			Timestamp:      e.ts,
			SSRC:           e.ssrc,
		},
		Payload: payload,
	}
	e.seq++
	e.ts += opusFrameSize
	if err := e.ogg.WriteRTP(pkt); err != nil {
		return fmt.Errorf("record: write ogg page: %w", err)
	}
	return nil
}

func (e *oggOpusEncoder) take() []byte {
	return drainBuffer(&e.buf)
}

// close pads the trailing partial frame with silence and finalizes the
// Ogg stream.
func (e *oggOpusEncoder) close() ([]byte, error) {
	if e.enc == nil {
		return nil, nil
	}
	var errs error
	if len(e.pending) > 0 {
		pcm := make([]int16, opusFrameSize*e.channels)
		copy(pcm, e.pending)
		e.pending = nil
		errs = e.encode(pcm)
	}
	if err := e.ogg.Close(); err != nil && errs == nil {
		errs = fmt.Errorf("record: close ogg writer: %w", err)
	}
	return e.take(), errs
}

// ─── FLAC ────────────────────────────────────────────────────────────────────

const flacBlockSize = 4096

type flacEncoder struct {
	buf     bytes.Buffer
	enc     *flac.Encoder
	format  audio.Format
	conv    *audio.Converter
	pending []int16
}

func (e *flacEncoder) init(f audio.AudioFrame) error {
	e.format = audio.Format{SampleRate: f.SampleRate, Channels: f.Channels}
	if e.format.Channels != 1 {
		e.format.Channels = 2
	}
	e.conv = &audio.Converter{Target: e.format}
	info := &meta.StreamInfo{
		BlockSizeMin:  flacBlockSize,
		BlockSizeMax:  flacBlockSize,
		SampleRate:    uint32(e.format.SampleRate),
		NChannels:     uint8(e.format.Channels),
		BitsPerSample: 16,
	}
	enc, err := flac.NewEncoder(&e.buf, info)
	if err != nil {
		return fmt.Errorf("record: create flac encoder: %w", err)
	}
	e.enc = enc
	return nil
}

func (e *flacEncoder) write(f audio.AudioFrame) error {
	if e.enc == nil {
		if err := e.init(f); err != nil {
			return err
		}
	}
	e.pending = append(e.pending, audio.FloatToInt16(e.conv.Convert(f))...)
	step := flacBlockSize * e.format.Channels
	for len(e.pending) >= step {
		if err := e.writeBlock(e.pending[:step]); err != nil {
			return err
		}
		e.pending = e.pending[step:]
	}
	return nil
}

// writeBlock stores one verbatim frame; stereo is written as independent
// left and right subframes.
func (e *flacEncoder) writeBlock(pcm []int16) error {
	ch := e.format.Channels
	n := len(pcm) / ch
	subframes := make([]*frame.Subframe, ch)
	for c := range ch {
		samples := make([]int32, n)
		for i := range n {
			samples[i] = int32(pcm[i*ch+c])
		}
		subframes[c] = &frame.Subframe{
			SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
			Samples:   samples,
			NSamples:  n,
		}
	}
	channels := frame.ChannelsMono
	if ch == 2 {
		channels = frame.ChannelsLR
	}
	f := &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(n),
			SampleRate:    uint32(e.format.SampleRate),
			Channels:      channels,
			BitsPerSample: 16,
		},
		Subframes: subframes,
	}
	if err := e.enc.WriteFrame(f); err != nil {
		return fmt.Errorf("record: write flac frame: %w", err)
	}
	return nil
}

func (e *flacEncoder) take() []byte {
	return drainBuffer(&e.buf)
}

// close writes the trailing short block and finalizes the stream.
func (e *flacEncoder) close() ([]byte, error) {
	if e.enc == nil {
		return nil, nil
	}
	var errs error
	if len(e.pending) >= e.format.Channels {
		errs = e.writeBlock(e.pending)
		e.pending = nil
	}
	if err := e.enc.Close(); err != nil && errs == nil {
		errs = fmt.Errorf("record: close flac encoder: %w", err)
	}
	return e.take(), errs
}

func drainBuffer(b *bytes.Buffer) []byte {
	if b.Len() == 0 {
		return nil
	}
	out := bytes.Clone(b.Bytes())
	b.Reset()
	return out
}
