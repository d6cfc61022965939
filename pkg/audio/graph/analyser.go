package graph

import (
	"fmt"
	"math"
	"math/bits"
)

// Compile-time interface assertion.
var _ Node = (*AnalyserNode)(nil)

const (
	defaultFFTSize   = 2048
	defaultSmoothing = 0.8
	minDecibels      = -100.0
	maxDecibels      = -30.0
)

// AnalyserNode passes its input through unchanged and keeps the most
// recent FFTSize mono samples for time-domain and frequency inspection.
// Analysers are rendered every quantum even when nothing consumes their
// output.
type AnalyserNode struct {
	*node

	fftSize   int
	smoothing float64
	window    []float32 // ring of the most recent mono samples
	pos       int
	spectrum  []float64 // smoothed magnitudes
}

// CreateAnalyser returns an analyser with an FFT size of 2048 and a
// smoothing time constant of 0.8.
func (c *Context) CreateAnalyser() (*AnalyserNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := &AnalyserNode{
		fftSize:   defaultFFTSize,
		smoothing: defaultSmoothing,
		window:    make([]float32, defaultFFTSize),
		spectrum:  make([]float64, defaultFFTSize/2),
	}
	n, err := c.newNode(a, true, true)
	if err != nil {
		return nil, err
	}
	a.node = n
	return a, nil
}

// SetFFTSize sets the analysis window. It must be a power of two between
// 32 and 32768. The sample history is cleared.
func (a *AnalyserNode) SetFFTSize(size int) error {
	if size < 32 || size > 32768 || bits.OnesCount(uint(size)) != 1 {
		return fmt.Errorf("%w: fft size %d", ErrInvalidState, size)
	}
	a.ctx.mu.Lock()
	defer a.ctx.mu.Unlock()
	a.fftSize = size
	a.window = make([]float32, size)
	a.spectrum = make([]float64, size/2)
	a.pos = 0
	return nil
}

// FFTSize returns the analysis window size.
func (a *AnalyserNode) FFTSize() int {
	a.ctx.mu.Lock()
	defer a.ctx.mu.Unlock()
	return a.fftSize
}

// FrequencyBinCount is half the FFT size.
func (a *AnalyserNode) FrequencyBinCount() int { return a.FFTSize() / 2 }

// SetSmoothingTimeConstant sets the spectrum averaging constant in [0, 1].
func (a *AnalyserNode) SetSmoothingTimeConstant(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%w: smoothing %v", ErrInvalidState, v)
	}
	a.ctx.mu.Lock()
	defer a.ctx.mu.Unlock()
	a.smoothing = v
	return nil
}

// ByteTimeDomainData fills dst with the most recent samples as unsigned
// bytes centred on 128, oldest first. It returns the number written.
func (a *AnalyserNode) ByteTimeDomainData(dst []byte) int {
	a.ctx.mu.Lock()
	defer a.ctx.mu.Unlock()
	n := min(len(dst), a.fftSize)
	start := a.fftSize - n
	for i := range n {
		v := 128 * (1 + float64(a.sample(start+i)))
		dst[i] = byte(math.Max(0, math.Min(255, math.Floor(v))))
	}
	return n
}

// FloatTimeDomainData fills dst with the most recent samples, oldest first.
func (a *AnalyserNode) FloatTimeDomainData(dst []float32) int {
	a.ctx.mu.Lock()
	defer a.ctx.mu.Unlock()
	n := min(len(dst), a.fftSize)
	start := a.fftSize - n
	for i := range n {
		dst[i] = a.sample(start + i)
	}
	return n
}

// ByteFrequencyData fills dst with the smoothed magnitude spectrum scaled
// from [-100, -30] dB to [0, 255].
func (a *AnalyserNode) ByteFrequencyData(dst []byte) int {
	a.ctx.mu.Lock()
	defer a.ctx.mu.Unlock()
	a.updateSpectrum()
	n := min(len(dst), len(a.spectrum))
	for i := range n {
		db := minDecibels
		if a.spectrum[i] > 0 {
			db = 20 * math.Log10(a.spectrum[i])
		}
		scaled := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
		dst[i] = byte(math.Max(0, math.Min(255, scaled)))
	}
	return n
}

// sample returns the i-th oldest sample of the ring. Requires ctx.mu.
func (a *AnalyserNode) sample(i int) float32 {
	return a.window[(a.pos+i)%a.fftSize]
}

// updateSpectrum runs a Blackman-windowed DFT over the sample history and
// blends it into the smoothed spectrum. Requires ctx.mu.
func (a *AnalyserNode) updateSpectrum() {
	n := a.fftSize
	for k := range n / 2 {
		var re, im float64
		for i := range n {
			w := 0.42 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n)) + 0.08*math.Cos(4*math.Pi*float64(i)/float64(n))
			x := float64(a.sample(i)) * w
			phi := 2 * math.Pi * float64(k) * float64(i) / float64(n)
			re += x * math.Cos(phi)
			im -= x * math.Sin(phi)
		}
		mag := math.Hypot(re, im) / float64(n)
		a.spectrum[k] = a.smoothing*a.spectrum[k] + (1-a.smoothing)*mag
	}
}

func (a *AnalyserNode) process(in []float32) []float32 {
	ch := a.ctx.format.Channels
	for f := 0; f+ch <= len(in); f += ch {
		var sum float32
		for c := range ch {
			sum += in[f+c]
		}
		a.window[a.pos] = sum / float32(ch)
		a.pos = (a.pos + 1) % a.fftSize
	}
	return in
}
