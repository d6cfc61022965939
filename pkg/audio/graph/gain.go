package graph

// Compile-time interface assertion.
var _ Node = (*GainNode)(nil)

// GainNode multiplies its summed input by a gain factor.
type GainNode struct {
	*node

	gain float32
}

// CreateGain returns a gain node with unity gain.
func (c *Context) CreateGain() (*GainNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := &GainNode{gain: 1}
	n, err := c.newNode(g, true, false)
	if err != nil {
		return nil, err
	}
	g.node = n
	return g, nil
}

// SetGain sets the multiplier.
func (g *GainNode) SetGain(v float32) {
	g.ctx.mu.Lock()
	defer g.ctx.mu.Unlock()
	g.gain = v
}

// Gain returns the multiplier.
func (g *GainNode) Gain() float32 {
	g.ctx.mu.Lock()
	defer g.ctx.mu.Unlock()
	return g.gain
}

func (g *GainNode) process(in []float32) []float32 {
	if g.gain == 1 {
		return in
	}
	for i := range in {
		in[i] *= g.gain
	}
	return in
}
