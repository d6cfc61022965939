package graph

import (
	"github.com/MrWong99/capturebot/pkg/audio"
	"github.com/MrWong99/capturebot/pkg/media"
)

// Compile-time interface assertion.
var _ Node = (*MediaStreamDestinationNode)(nil)

// MediaStreamDestinationNode exposes the sum of its inputs as a media
// stream with exactly one audio track. The stream object is created once
// and stays the same for the node's lifetime. A quantum with no connected
// inputs writes nothing to the track.
type MediaStreamDestinationNode struct {
	*node

	stream *media.Stream
	track  *media.Track
}

// CreateMediaStreamDestination returns a destination with a fresh stream.
func (c *Context) CreateMediaStreamDestination() (*MediaStreamDestinationNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	track := media.NewTrack(media.KindAudio, "mix")
	d := &MediaStreamDestinationNode{
		stream: media.NewStream(track),
		track:  track,
	}
	n, err := c.newNode(d, true, true)
	if err != nil {
		return nil, err
	}
	d.node = n
	c.dests = append(c.dests, d)
	return d, nil
}

// Stream returns the output stream.
func (d *MediaStreamDestinationNode) Stream() *media.Stream { return d.stream }

// Inputs returns the number of nodes connected to the destination.
func (d *MediaStreamDestinationNode) Inputs() int {
	d.ctx.mu.Lock()
	defer d.ctx.mu.Unlock()
	return len(d.inputs)
}

// Disconnect detaches every input feeding the destination.
func (d *MediaStreamDestinationNode) Disconnect() {
	d.ctx.mu.Lock()
	defer d.ctx.mu.Unlock()
	for _, in := range append([]*node(nil), d.inputs...) {
		in.outputs = removeNode(in.outputs, d.node)
	}
	d.inputs = nil
}

func (d *MediaStreamDestinationNode) process(in []float32) []float32 {
	if len(d.inputs) == 0 {
		return in
	}
	d.track.Write(audio.AudioFrame{
		Data:       audio.FromFloat32(in),
		SampleRate: d.ctx.format.SampleRate,
		Channels:   d.ctx.format.Channels,
		Timestamp:  d.ctx.elapsed,
	})
	return in
}

func removeNode(list []*node, n *node) []*node {
	out := list[:0]
	for _, x := range list {
		if x != n {
			out = append(out, x)
		}
	}
	return out
}
