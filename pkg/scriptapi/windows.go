package scriptapi

import "sync"

// window is one script-controlled UI panel.
type window struct {
	title string
	lines []string
}

// windowRegistry is process-wide script window state. It survives RPC
// client disconnects but is not persisted across restarts. Listing
// preserves creation order.
type windowRegistry struct {
	mu      sync.Mutex
	order   []string
	windows map[string]*window
}

func newWindowRegistry() *windowRegistry {
	return &windowRegistry{windows: make(map[string]*window)}
}

func (r *windowRegistry) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *windowRegistry) add(name, title string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.windows[name]; !ok {
		r.order = append(r.order, name)
	}
	r.windows[name] = &window{title: title}
}

func (r *windowRegistry) remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.windows[name]; !ok {
		return
	}
	delete(r.windows, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *windowRegistry) clear(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[name]
	if !ok {
		return false
	}
	w.lines = nil
	return true
}

func (r *windowRegistry) write(name, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[name]
	if !ok {
		return false
	}
	w.lines = append(w.lines, text)
	return true
}
