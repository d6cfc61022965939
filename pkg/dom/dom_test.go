package dom_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/capturebot/pkg/dom"
)

// recorder collects observed batches.
type recorder struct {
	mu      sync.Mutex
	batches [][]dom.MutationRecord
}

func (r *recorder) observe(b []dom.MutationRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
}

func (r *recorder) snapshot() [][]dom.MutationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]dom.MutationRecord(nil), r.batches...)
}

func TestDocument_QuerySelectorAll(t *testing.T) {
	t.Parallel()

	d := dom.NewDocument()
	div := dom.NewElement("div", "call")
	a := dom.NewElement("AUDIO", "a")
	v := dom.NewElement("video", "v")
	if err := d.AppendChild(d.Body(), div); err != nil {
		t.Fatal(err)
	}
	_ = d.AppendChild(div, a)
	_ = d.AppendChild(d.Body(), v)

	got := d.QuerySelectorAll(dom.TagAudio, dom.TagVideo)
	if len(got) != 2 || got[0] != a || got[1] != v {
		t.Errorf("QuerySelectorAll = %v, want [a v] in document order", got)
	}
	if a.Tag() != "audio" {
		t.Errorf("Tag() = %q, want lower-cased", a.Tag())
	}
	if sub := d.Descendants(div, dom.TagAudio); len(sub) != 1 || sub[0] != a {
		t.Errorf("Descendants = %v, want [a]", sub)
	}
}

func TestDocument_ObserveSingleMutations(t *testing.T) {
	t.Parallel()

	d := dom.NewDocument()
	var r recorder
	stop := d.Observe(r.observe)
	defer stop()

	el := dom.NewElement("audio", "x")
	_ = d.AppendChild(d.Body(), el)
	d.Remove(el)
	d.Remove(el) // detached: no record
	d.Flush()

	got := r.snapshot()
	if len(got) != 2 {
		t.Fatalf("batches = %d, want 2", len(got))
	}
	if len(got[0]) != 1 || len(got[0][0].Added) != 1 || got[0][0].Added[0] != el {
		t.Errorf("first batch = %+v, want one addition of el", got[0])
	}
	if len(got[1]) != 1 || len(got[1][0].Removed) != 1 || got[1][0].Target != d.Body() {
		t.Errorf("second batch = %+v, want one removal from body", got[1])
	}
}

func TestDocument_BatchDeliversOnce(t *testing.T) {
	t.Parallel()

	d := dom.NewDocument()
	var r recorder
	stop := d.Observe(r.observe)
	defer stop()

	d.Batch(func() {
		_ = d.AppendChild(d.Body(), dom.NewElement("audio", "1"))
		d.Batch(func() {
			_ = d.AppendChild(d.Body(), dom.NewElement("audio", "2"))
		})
	})
	d.Flush()

	got := r.snapshot()
	if len(got) != 1 {
		t.Fatalf("batches = %d, want 1", len(got))
	}
	if len(got[0]) != 2 {
		t.Errorf("records in batch = %d, want 2", len(got[0]))
	}
}

func TestDocument_DetachedSubtreeNotObserved(t *testing.T) {
	t.Parallel()

	d := dom.NewDocument()
	var r recorder
	stop := d.Observe(r.observe)
	defer stop()

	detached := dom.NewElement("div", "")
	_ = d.AppendChild(detached, dom.NewElement("audio", ""))
	d.Flush()
	if n := len(r.snapshot()); n != 0 {
		t.Errorf("batches for detached subtree = %d, want 0", n)
	}
}

func TestDocument_MoveProducesRemoveAndAdd(t *testing.T) {
	t.Parallel()

	d := dom.NewDocument()
	a := dom.NewElement("div", "a")
	b := dom.NewElement("div", "b")
	el := dom.NewElement("audio", "")
	_ = d.AppendChild(d.Body(), a)
	_ = d.AppendChild(d.Body(), b)
	_ = d.AppendChild(a, el)

	var r recorder
	stop := d.Observe(r.observe)
	defer stop()
	_ = d.AppendChild(b, el)
	d.Flush()

	got := r.snapshot()
	if len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("got %+v, want one batch with two records", got)
	}
	if got[0][0].Target != a || len(got[0][0].Removed) != 1 {
		t.Errorf("first record = %+v, want removal from a", got[0][0])
	}
	if got[0][1].Target != b || len(got[0][1].Added) != 1 {
		t.Errorf("second record = %+v, want addition to b", got[0][1])
	}
}

func TestDocument_HierarchyErrors(t *testing.T) {
	t.Parallel()

	d := dom.NewDocument()
	outer := dom.NewElement("div", "")
	inner := dom.NewElement("div", "")
	_ = d.AppendChild(d.Body(), outer)
	_ = d.AppendChild(outer, inner)

	if err := d.AppendChild(inner, outer); !errors.Is(err, dom.ErrHierarchy) {
		t.Errorf("cycle: err = %v, want ErrHierarchy", err)
	}
	if err := d.AppendChild(outer, outer); !errors.Is(err, dom.ErrHierarchy) {
		t.Errorf("self: err = %v, want ErrHierarchy", err)
	}
}

func TestDocument_StopHaltsDelivery(t *testing.T) {
	t.Parallel()

	d := dom.NewDocument()
	var r recorder
	stop := d.Observe(r.observe)
	stop()
	stop()

	_ = d.AppendChild(d.Body(), dom.NewElement("audio", ""))
	d.Flush()
	if n := len(r.snapshot()); n != 0 {
		t.Errorf("batches after stop = %d, want 0", n)
	}
}

func TestElement_SourceAccessors(t *testing.T) {
	t.Parallel()

	el := dom.NewElement("video", "")
	if !el.IsMedia() {
		t.Error("video element not reported as media")
	}
	el.SetSrc("https://example.com/a.webm")
	el.SetSrcObject(42)
	if el.Src() != "https://example.com/a.webm" || el.SrcObject() != 42 {
		t.Errorf("accessors returned %q / %v", el.Src(), el.SrcObject())
	}
	if dom.NewElement("div", "").IsMedia() {
		t.Error("div reported as media")
	}
}
