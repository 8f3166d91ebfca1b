package watch

import (
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
)

type tabState struct {
	url   string
	timer *time.Timer
	gen   uint64
}

// Registry tracks the last URL seen per tab and the pending auto-process
// timer for it. At most one timer is pending per tab.
type Registry struct {
	mu   sync.Mutex
	tabs map[target.ID]*tabState
}

func NewRegistry() *Registry {
	return &Registry{tabs: make(map[target.ID]*tabState)}
}

// Observe records url for the tab and reports whether it differs from the
// previous observation.
func (r *Registry) Observe(id target.ID, url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.tabs[id]
	if !ok {
		r.tabs[id] = &tabState{url: url}
		return true
	}
	if st.url == url {
		return false
	}
	st.url = url
	return true
}

// Schedule replaces any pending timer for the tab with one that runs fn
// after d. fn receives the tab's URL at the time it fires and is skipped if
// the tab was removed or rescheduled in between.
func (r *Registry) Schedule(id target.ID, d time.Duration, fn func(url string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.tabs[id]
	if !ok {
		st = &tabState{}
		r.tabs[id] = st
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(d, func() {
		url, current := r.fire(id, gen)
		if current {
			fn(url)
		}
	})
}

func (r *Registry) fire(id target.ID, gen uint64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.tabs[id]
	if !ok || st.gen != gen {
		return "", false
	}
	st.timer = nil
	return st.url, true
}

// URL returns the last observed URL for the tab.
func (r *Registry) URL(id target.ID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.tabs[id]
	if !ok {
		return "", false
	}
	return st.url, true
}

func (r *Registry) Remove(id target.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.tabs[id]; ok && st.timer != nil {
		st.timer.Stop()
	}
	delete(r.tabs, id)
}

// StopAll cancels every pending timer.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.tabs {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.gen++
	}
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tabs)
}
