package audio

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
)

// ToFloat32 decodes little-endian int16 PCM into interleaved float32
// samples in [-1, 1). A trailing odd byte is ignored.
func ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// FromFloat32 encodes interleaved float32 samples as little-endian int16 PCM.
// Samples outside [-1, 1] are clipped.
func FromFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// FloatToInt16 converts float32 samples to int16 with clipping.
func FloatToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = floatToInt16(s)
	}
	return out
}

func floatToInt16(s float32) int16 {
	v := math.Round(float64(s) * 32768)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// Remix converts interleaved samples between channel layouts. Mono to
// stereo duplicates; stereo to mono averages. Other layouts keep the first
// min(from, to) channels and zero the rest.
func Remix(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 {
		return samples
	}
	frames := len(samples) / from
	out := make([]float32, frames*to)
	for f := range frames {
		src := samples[f*from : f*from+from]
		dst := out[f*to : f*to+to]
		switch {
		case from == 1:
			for c := range dst {
				dst[c] = src[0]
			}
		case to == 1:
			var sum float32
			for _, s := range src {
				sum += s
			}
			dst[0] = sum / float32(from)
		default:
			copy(dst, src)
		}
	}
	return out
}

// Resample converts interleaved samples from srcRate to dstRate by linear
// interpolation, per channel.
func Resample(samples []float32, channels, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || channels <= 0 {
		return samples
	}
	srcFrames := len(samples) / channels
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]float32, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		next := idx + 1
		if next >= srcFrames {
			next = srcFrames - 1
		}
		for c := range channels {
			s0 := samples[idx*channels+c]
			s1 := samples[next*channels+c]
			out[i*channels+c] = s0 + (s1-s0)*frac
		}
	}
	return out
}

// Converter turns AudioFrames of any format into interleaved float32 at a
// fixed target format. It logs once on the first format mismatch.
// Create one per stream; not designed for shared use across goroutines.
type Converter struct {
	Target Format

	warnedMismatch sync.Once
}

// Convert decodes frame and brings it to the target format. Resampling
// runs before channel conversion when downmixing so fewer channels are
// interpolated.
func (c *Converter) Convert(frame AudioFrame) []float32 {
	samples := ToFloat32(frame.Data)
	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return samples
	}
	c.warnedMismatch.Do(func() {
		slog.Debug("audio: converting frame format",
			"from_rate", frame.SampleRate, "from_channels", frame.Channels,
			"to_rate", c.Target.SampleRate, "to_channels", c.Target.Channels,
		)
	})
	ch := frame.Channels
	if ch <= 0 {
		ch = 1
	}
	if c.Target.Channels < ch {
		samples = Remix(samples, ch, c.Target.Channels)
		ch = c.Target.Channels
	}
	samples = Resample(samples, ch, frame.SampleRate, c.Target.SampleRate)
	return Remix(samples, ch, c.Target.Channels)
}
