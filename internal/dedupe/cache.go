// ABOUTME: Thread-safe suppression window keyed by alert fingerprint
// ABOUTME: Admits the first occurrence of a key per window and counts the repeats it swallows

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry is the state of one key.
type entry struct {
	key        string
	admittedAt time.Time
	suppressed int
	element    *list.Element
}

// Window admits a key at most once per period. Repeats inside the period are
// counted and reported when the key is next admitted. The number of tracked
// keys is bounded; the least recently seen key is evicted first.
type Window struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // least recently seen at front
	period  time.Duration
	maxKeys int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a Window. A background goroutine drops expired keys once per
// period until Close. A zero period admits everything.
func New(period time.Duration, maxKeys int) *Window {
	w := newWindow(period, maxKeys, time.Now)
	if period > 0 {
		go w.sweepLoop()
	}
	return w
}

func newWindow(period time.Duration, maxKeys int, now func() time.Time) *Window {
	if maxKeys <= 0 {
		maxKeys = 1
	}
	return &Window{
		entries: make(map[string]*entry),
		order:   list.New(),
		period:  period,
		maxKeys: maxKeys,
		now:     now,
		done:    make(chan struct{}),
	}
}

// Admit reports whether key may pass. When it may, suppressed is the number of
// repeats swallowed since the key was last admitted.
func (w *Window) Admit(key string) (ok bool, suppressed int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	e, exists := w.entries[key]
	if exists && now.Sub(e.admittedAt) < w.period {
		e.suppressed++
		w.order.MoveToBack(e.element)
		return false, 0
	}

	if exists {
		suppressed = e.suppressed
		e.admittedAt = now
		e.suppressed = 0
		w.order.MoveToBack(e.element)
		return true, suppressed
	}

	if len(w.entries) >= w.maxKeys {
		w.evictOldest()
	}
	e = &entry{key: key, admittedAt: now}
	e.element = w.order.PushBack(e)
	w.entries[key] = e
	return true, 0
}

// Len returns the number of tracked keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// evictOldest must be called with mu held.
func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	e, _ := front.Value.(*entry)
	w.order.Remove(front)
	delete(w.entries, e.key)
}

func (w *Window) sweepLoop() {
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.done:
			return
		}
	}
}

// sweep drops keys whose period ended with nothing suppressed. Keys holding a
// count stay so the count is reported with the next admission.
func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for key, e := range w.entries {
		if e.suppressed == 0 && now.Sub(e.admittedAt) >= w.period {
			w.order.Remove(e.element)
			delete(w.entries, key)
		}
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
