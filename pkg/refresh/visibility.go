package refresh

import "sync"

// Visibility reports whether the tab is in the foreground.
type Visibility interface {
	Visible() bool
	// Watch calls fn on every change and returns a function that stops it.
	Watch(fn func(visible bool)) (cancel func())
}

// ManualVisibility is a Visibility driven by Set.
type ManualVisibility struct {
	mu        sync.Mutex
	visible   bool
	listeners map[uint64]func(bool)
	next      uint64
}

// NewManualVisibility returns a visibility starting at visible.
func NewManualVisibility(visible bool) *ManualVisibility {
	return &ManualVisibility{
		visible:   visible,
		listeners: make(map[uint64]func(bool)),
	}
}

// Visible implements Visibility.
func (v *ManualVisibility) Visible() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.visible
}

// Watch implements Visibility.
func (v *ManualVisibility) Watch(fn func(bool)) func() {
	v.mu.Lock()
	v.next++
	id := v.next
	v.listeners[id] = fn
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		delete(v.listeners, id)
		v.mu.Unlock()
	}
}

// Set changes the visibility. Listeners run only when the value changes.
func (v *ManualVisibility) Set(visible bool) {
	v.mu.Lock()
	if v.visible == visible {
		v.mu.Unlock()
		return
	}
	v.visible = visible
	fns := make([]func(bool), 0, len(v.listeners))
	for _, fn := range v.listeners {
		fns = append(fns, fn)
	}
	v.mu.Unlock()

	for _, fn := range fns {
		fn(visible)
	}
}
