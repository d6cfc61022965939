package graph

// Compile-time interface assertion.
var _ Node = (*ConstantSourceNode)(nil)

// ConstantSourceNode outputs a constant value on every channel between
// Start and Stop, and zeros otherwise.
type ConstantSourceNode struct {
	*node

	offset  float32
	started bool
	stopped bool
}

// CreateConstantSource returns an unstarted constant source with offset 1.
func (c *Context) CreateConstantSource() (*ConstantSourceNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &ConstantSourceNode{offset: 1}
	n, err := c.newNode(s, false, false)
	if err != nil {
		return nil, err
	}
	s.node = n
	return s, nil
}

// SetOffset sets the emitted value.
func (s *ConstantSourceNode) SetOffset(v float32) {
	s.ctx.mu.Lock()
	defer s.ctx.mu.Unlock()
	s.offset = v
}

// Offset returns the emitted value.
func (s *ConstantSourceNode) Offset() float32 {
	s.ctx.mu.Lock()
	defer s.ctx.mu.Unlock()
	return s.offset
}

// Start begins output. A source starts at most once.
func (s *ConstantSourceNode) Start() error {
	s.ctx.mu.Lock()
	defer s.ctx.mu.Unlock()
	if s.started {
		return ErrInvalidState
	}
	s.started = true
	return nil
}

// Stop ends output permanently. Stopping an unstarted or already stopped
// source fails with ErrInvalidState.
func (s *ConstantSourceNode) Stop() error {
	s.ctx.mu.Lock()
	defer s.ctx.mu.Unlock()
	if !s.started || s.stopped {
		return ErrInvalidState
	}
	s.stopped = true
	return nil
}

// Playing reports whether the source is between Start and Stop.
func (s *ConstantSourceNode) Playing() bool {
	s.ctx.mu.Lock()
	defer s.ctx.mu.Unlock()
	return s.started && !s.stopped
}

func (s *ConstantSourceNode) process(out []float32) []float32 {
	if !s.started || s.stopped {
		return out
	}
	for i := range out {
		out[i] = s.offset
	}
	return out
}
