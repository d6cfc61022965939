package audio

import "time"

// AudioFrame is a single frame of interleaved little-endian int16 PCM.
// Frames are the unit of transport between platforms, media tracks, the
// processing graph and the recorder.
type AudioFrame struct {
	// PCM audio data.
	Data []byte

	// SampleRate in Hz (48000 for Discord Opus and the capture graph).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Format returns the format the frame is encoded in.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Samples returns the number of samples per channel carried by the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (2 * f.Channels)
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
