package sync

import "sync"

// Visibility signals foreground/background transitions of the host
// environment. The core makes no assumption about where the signal comes
// from (a browser tab, a desktop window, a headless runner).
type Visibility interface {
	// Observe registers fn and returns a cancel func removing it.
	// fn is called with the current state on registration.
	Observe(fn func(visible bool)) (cancel func())
}

// StaticVisibility is a manually driven Visibility, also used as the
// always-visible default for headless hosts.
type StaticVisibility struct {
	mu        sync.Mutex
	visible   bool
	nextID    int
	observers map[int]func(bool)
}

// NewStaticVisibility creates a StaticVisibility with the given initial
// state.
func NewStaticVisibility(visible bool) *StaticVisibility {
	return &StaticVisibility{
		visible:   visible,
		observers: make(map[int]func(bool)),
	}
}

// Observe implements the Visibility interface.
func (v *StaticVisibility) Observe(fn func(visible bool)) func() {
	v.mu.Lock()
	v.nextID++
	id := v.nextID
	v.observers[id] = fn
	visible := v.visible
	v.mu.Unlock()

	fn(visible)

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()

		delete(v.observers, id)
	}
}

// Set flips the visibility state and notifies observers on change.
func (v *StaticVisibility) Set(visible bool) {
	v.mu.Lock()
	if v.visible == visible {
		v.mu.Unlock()
		return
	}
	v.visible = visible
	observers := make([]func(bool), 0, len(v.observers))
	for _, fn := range v.observers {
		observers = append(observers, fn)
	}
	v.mu.Unlock()

	for _, fn := range observers {
		fn(visible)
	}
}
