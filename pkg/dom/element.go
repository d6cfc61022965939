// Package dom is a minimal live document model: a tree of elements that
// can be mutated concurrently and observed for subtree changes, in the
// manner of a browser MutationObserver.
//
// Capture code treats the document as read-only and discovers playable
// media elements in it. Producers (the page bridge, tests) build and
// mutate the tree.
package dom

import (
	"slices"
	"strings"
	"sync"
)

// Media element tags.
const (
	TagAudio = "audio"
	TagVideo = "video"
)

// Element is a node of the document tree. Element identity is pointer
// identity.
type Element struct {
	tag string
	id  string

	mu        sync.RWMutex
	srcObject any
	src       string

	// Tree links are guarded by the owning Document's lock.
	parent   *Element
	children []*Element
}

// NewElement returns a detached element. The tag is lower-cased.
func NewElement(tag, id string) *Element {
	return &Element{tag: strings.ToLower(tag), id: id}
}

// Tag returns the lower-case tag name.
func (e *Element) Tag() string { return e.tag }

// ID returns the element id attribute.
func (e *Element) ID() string { return e.id }

// SrcObject returns the object the element plays from, typically a
// *media.Stream, or nil.
func (e *Element) SrcObject() any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.srcObject
}

// SetSrcObject replaces the element's source object.
func (e *Element) SetSrcObject(v any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.srcObject = v
}

// Src returns the element's URL source.
func (e *Element) Src() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.src
}

// SetSrc sets a URL source.
func (e *Element) SetSrc(url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.src = url
}

// Matches reports whether the element's tag is one of tags.
func (e *Element) Matches(tags ...string) bool {
	return slices.Contains(tags, e.tag)
}

// IsMedia reports whether the element is an audio or video element.
func (e *Element) IsMedia() bool {
	return e.Matches(TagAudio, TagVideo)
}

// walk visits every descendant of e depth first, excluding e.
func (e *Element) walk(fn func(*Element)) {
	for _, c := range e.children {
		fn(c)
		c.walk(fn)
	}
}
