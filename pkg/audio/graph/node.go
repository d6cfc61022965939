package graph

import "slices"

// Node is a vertex of the processing graph.
type Node interface {
	// Context returns the owning context.
	Context() *Context

	// Connect routes this node's output into dst.
	Connect(dst Node) error

	// Disconnect removes every outgoing connection. It never fails.
	Disconnect()

	graphNode() *node
}

// processor renders one quantum. in holds the summed inputs (zeros when
// there are none) and is owned by the callee.
type processor interface {
	process(in []float32) []float32
}

// node carries the wiring and per-quantum cache shared by every node type.
// All fields are guarded by ctx.mu.
type node struct {
	ctx          *Context
	proc         processor
	acceptsInput bool

	inputs  []*node
	outputs []*node

	cacheID uint64
	cache   []float32
}

func (n *node) Context() *Context { return n.ctx }
func (n *node) graphNode() *node  { return n }

// Connect implements [Node].
func (n *node) Connect(dst Node) error {
	d := dst.graphNode()
	if d.ctx != n.ctx {
		return ErrForeignNode
	}
	n.ctx.mu.Lock()
	defer n.ctx.mu.Unlock()
	if n.ctx.state == StateClosed {
		return ErrClosed
	}
	if !d.acceptsInput {
		return ErrNotAnInput
	}
	if slices.Contains(n.outputs, d) {
		return nil
	}
	if d == n || d.reaches(n) {
		return ErrCycle
	}
	n.outputs = append(n.outputs, d)
	d.inputs = append(d.inputs, n)
	return nil
}

// Disconnect implements [Node].
func (n *node) Disconnect() {
	n.ctx.mu.Lock()
	defer n.ctx.mu.Unlock()
	n.disconnectLocked()
}

func (n *node) disconnectLocked() {
	for _, d := range n.outputs {
		if i := slices.Index(d.inputs, n); i >= 0 {
			d.inputs = slices.Delete(d.inputs, i, i+1)
		}
	}
	n.outputs = nil
}

// reaches reports whether target is downstream of n.
func (n *node) reaches(target *node) bool {
	for _, o := range n.outputs {
		if o == target || o.reaches(target) {
			return true
		}
	}
	return false
}

// pull renders the node for render id, reusing the cached output when the
// node was already pulled this quantum.
func (n *node) pull(id uint64) []float32 {
	if n.cacheID == id && n.cache != nil {
		return n.cache
	}
	mix := make([]float32, n.ctx.quantumSamples())
	for _, in := range n.inputs {
		for i, s := range in.pull(id) {
			mix[i] += s
		}
	}
	n.cache = n.proc.process(mix)
	n.cacheID = id
	return n.cache
}
