package dom

import "sync"

// observer delivers batches to one callback on its own goroutine, in order.
type observer struct {
	fn func([]MutationRecord)

	mu      sync.Mutex
	idle    *sync.Cond
	queue   [][]MutationRecord
	busy    bool
	stopped bool
	wake    chan struct{}
}

// Observe registers fn for every subtree childList change in the document.
// Batches are delivered asynchronously, one at a time, in mutation order.
// The returned stop func unregisters fn; once it returns no new batch is
// started, though a callback already running completes. stop does not wait
// and may be called from inside fn.
func (d *Document) Observe(fn func([]MutationRecord)) (stop func()) {
	o := &observer{fn: fn, wake: make(chan struct{}, 1)}
	o.idle = sync.NewCond(&o.mu)

	d.obsMu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = o
	d.obsMu.Unlock()

	go o.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.obsMu.Lock()
			delete(d.observers, id)
			d.obsMu.Unlock()

			o.mu.Lock()
			o.stopped = true
			o.queue = nil
			o.idle.Broadcast()
			close(o.wake)
			o.mu.Unlock()
		})
	}
}

// Flush blocks until every observer has processed all queued batches.
func (d *Document) Flush() {
	d.obsMu.Lock()
	obs := make([]*observer, 0, len(d.observers))
	for _, o := range d.observers {
		obs = append(obs, o)
	}
	d.obsMu.Unlock()

	for _, o := range obs {
		o.mu.Lock()
		for !o.stopped && (o.busy || len(o.queue) > 0) {
			o.idle.Wait()
		}
		o.mu.Unlock()
	}
}

// dispatch hands batch to every observer without blocking.
func (d *Document) dispatch(batch []MutationRecord) {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	for _, o := range d.observers {
		o.enqueue(batch)
	}
}

func (o *observer) enqueue(batch []MutationRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	o.queue = append(o.queue, batch)
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *observer) run() {
	for range o.wake {
		for {
			o.mu.Lock()
			if o.stopped || len(o.queue) == 0 {
				o.idle.Broadcast()
				o.mu.Unlock()
				break
			}
			batch := o.queue[0]
			o.queue = o.queue[1:]
			o.busy = true
			o.mu.Unlock()

			o.fn(batch)

			o.mu.Lock()
			o.busy = false
			o.idle.Broadcast()
			o.mu.Unlock()
		}
	}
}
