package dom

import (
	"errors"
	"slices"
	"sync"
)

// ErrHierarchy is returned when an insertion would create a cycle or
// reparent the document root.
var ErrHierarchy = errors.New("dom: hierarchy request error")

// MutationRecord describes one childList change under Target.
type MutationRecord struct {
	Target  *Element
	Added   []*Element
	Removed []*Element
}

// Document is a live element tree rooted at an <html> element with a
// <body> child. All methods are safe for concurrent use.
type Document struct {
	mu   sync.Mutex
	root *Element
	body *Element

	batching int
	pending  []MutationRecord

	obsMu     sync.Mutex
	observers map[int]*observer
	nextObs   int
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	root := NewElement("html", "")
	body := NewElement("body", "")
	body.parent = root
	root.children = []*Element{body}
	return &Document{root: root, body: body, observers: make(map[int]*observer)}
}

// Body returns the <body> element.
func (d *Document) Body() *Element { return d.body }

// AppendChild attaches child as the last child of parent. A child that
// already has a parent is moved, producing a removal and an addition.
func (d *Document) AppendChild(parent, child *Element) error {
	d.mu.Lock()
	if child == d.root || child == parent || isAncestor(child, parent) {
		d.mu.Unlock()
		return ErrHierarchy
	}
	var recs []MutationRecord
	if old := child.parent; old != nil {
		detach(child)
		recs = append(recs, MutationRecord{Target: old, Removed: []*Element{child}})
	}
	child.parent = parent
	parent.children = append(parent.children, child)
	if d.connected(parent) {
		recs = append(recs, MutationRecord{Target: parent, Added: []*Element{child}})
	}
	d.emit(recs)
	d.mu.Unlock()
	return nil
}

// Remove detaches el and its subtree from its parent. Detached elements
// are ignored.
func (d *Document) Remove(el *Element) {
	d.mu.Lock()
	parent := el.parent
	if parent == nil {
		d.mu.Unlock()
		return
	}
	wasConnected := d.connected(parent)
	detach(el)
	var recs []MutationRecord
	if wasConnected {
		recs = []MutationRecord{{Target: parent, Removed: []*Element{el}}}
	}
	d.emit(recs)
	d.mu.Unlock()
}

// Contains reports whether el is currently part of the document tree.
func (d *Document) Contains(el *Element) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected(el)
}

// QuerySelectorAll returns every element in the document whose tag is one
// of tags, in document order.
func (d *Document) QuerySelectorAll(tags ...string) []*Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Element
	d.root.walk(func(e *Element) {
		if e.Matches(tags...) {
			out = append(out, e)
		}
	})
	return out
}

// Descendants returns the elements below el whose tag is one of tags.
func (d *Document) Descendants(el *Element, tags ...string) []*Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Element
	el.walk(func(e *Element) {
		if e.Matches(tags...) {
			out = append(out, e)
		}
	})
	return out
}

// Batch runs fn and delivers every mutation it makes to observers as a
// single batch. Batches nest; the outermost one flushes.
func (d *Document) Batch(fn func()) {
	d.mu.Lock()
	d.batching++
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.batching--
		if d.batching == 0 && len(d.pending) > 0 {
			d.dispatch(d.pending)
			d.pending = nil
		}
		d.mu.Unlock()
	}()
	fn()
}

// emit queues recs while batching, otherwise dispatches them as one batch.
// Dispatching under d.mu keeps batches in mutation order. Must be called
// with d.mu held.
func (d *Document) emit(recs []MutationRecord) {
	if len(recs) == 0 {
		return
	}
	if d.batching > 0 {
		d.pending = append(d.pending, recs...)
		return
	}
	d.dispatch(recs)
}

// connected must be called with d.mu held.
func (d *Document) connected(el *Element) bool {
	for e := el; e != nil; e = e.parent {
		if e == d.root {
			return true
		}
	}
	return false
}

func isAncestor(a, el *Element) bool {
	for e := el.parent; e != nil; e = e.parent {
		if e == a {
			return true
		}
	}
	return false
}

func detach(el *Element) {
	p := el.parent
	if i := slices.Index(p.children, el); i >= 0 {
		p.children = slices.Delete(p.children, i, i+1)
	}
	el.parent = nil
}
