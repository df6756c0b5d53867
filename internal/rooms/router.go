// Package rooms maps conversation rooms to the routing labels carried on the
// wire and back.
package rooms

import (
	"strings"
	"sync"
)

const DefaultLabelPrefix = "room-"

// Route says how an inbound label was attributed to a room.
type Route int

const (
	RouteUnrouted Route = iota
	RouteLabeled
	RouteActiveFallback
)

func (r Route) String() string {
	switch r {
	case RouteLabeled:
		return "labeled"
	case RouteActiveFallback:
		return "active_fallback"
	default:
		return "unrouted"
	}
}

// Binding pairs a room with its label.
type Binding struct {
	RoomID string
	Label  string
}

// BindingChange reports a binding added to or dropped from a router.
type BindingChange struct {
	Binding
	Removed bool
}

// Attribution is the result of routing one inbound label.
type Attribution struct {
	RoomID string
	Label  string
	Route  Route
}

// LabelFor derives the label of a room. It is a pure function.
func LabelFor(prefix, roomID string) string {
	return prefix + roomID
}

// Router keeps the bindings of rooms that exist locally and the room the
// user focused last.
type Router struct {
	prefix string

	mu        sync.RWMutex
	byLabel   map[string]string
	active    string
	onActive  func(roomID string)
	onBinding func(change BindingChange)
}

func NewRouter(prefix string) *Router {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultLabelPrefix
	}

	return &Router{
		prefix:  prefix,
		byLabel: make(map[string]string),
	}
}

func (r *Router) Prefix() string {
	return r.prefix
}

// Bind registers a room and returns its label. Binding the same room again
// returns the same label.
func (r *Router) Bind(roomID string) string {
	label := LabelFor(r.prefix, roomID)

	r.mu.Lock()
	added := r.bindLocked(label, roomID)
	hook := r.onBinding
	r.mu.Unlock()

	if added && hook != nil {
		hook(BindingChange{Binding: Binding{RoomID: roomID, Label: label}})
	}

	return label
}

// Restore loads bindings kept from an earlier session. Hooks are not called.
// Stored labels are kept even when the prefix changed since.
func (r *Router) Restore(bindings []Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range bindings {
		if b.Label == "" {
			continue
		}
		r.byLabel[b.Label] = b.RoomID
	}
}

// Forget drops every binding of a room removed from local storage.
func (r *Router) Forget(roomID string) {
	r.mu.Lock()
	removed := false
	for label, bound := range r.byLabel {
		if bound == roomID {
			delete(r.byLabel, label)
			removed = true
		}
	}
	clearedActive := r.active != "" && r.active == roomID
	if clearedActive {
		r.active = ""
	}
	onBinding := r.onBinding
	onActive := r.onActive
	r.mu.Unlock()

	if removed && onBinding != nil {
		onBinding(BindingChange{Binding: Binding{RoomID: roomID, Label: LabelFor(r.prefix, roomID)}, Removed: true})
	}
	if clearedActive && onActive != nil {
		onActive("")
	}
}

// Resolve reverses Bind. Labels never bound on this router are unknown.
func (r *Router) Resolve(label string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.byLabel[label]

	return roomID, ok
}

// Bindings returns a snapshot of every bound room.
func (r *Router) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Binding, 0, len(r.byLabel))
	for label, roomID := range r.byLabel {
		out = append(out, Binding{RoomID: roomID, Label: label})
	}

	return out
}

// SetActiveRoom records the focused room. An empty id clears it.
func (r *Router) SetActiveRoom(roomID string) {
	label := LabelFor(r.prefix, roomID)

	r.mu.Lock()
	added := roomID != "" && r.bindLocked(label, roomID)
	changed := r.active != roomID
	r.active = roomID
	onActive := r.onActive
	onBinding := r.onBinding
	r.mu.Unlock()

	if added && onBinding != nil {
		onBinding(BindingChange{Binding: Binding{RoomID: roomID, Label: label}})
	}
	if changed && onActive != nil {
		onActive(roomID)
	}
}

func (r *Router) bindLocked(label, roomID string) bool {
	if bound, ok := r.byLabel[label]; ok && bound == roomID {
		return false
	}
	r.byLabel[label] = roomID

	return true
}

// OnActiveRoomChange installs a hook called after the active room changes.
func (r *Router) OnActiveRoomChange(fn func(roomID string)) {
	r.mu.Lock()
	r.onActive = fn
	r.mu.Unlock()
}

// OnBindingChange installs a hook called after a binding is added or a room
// is forgotten. Hooks run on the caller's goroutine and must not block.
func (r *Router) OnBindingChange(fn func(change BindingChange)) {
	r.mu.Lock()
	r.onBinding = fn
	r.mu.Unlock()
}

func (r *Router) ActiveRoom() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.active, r.active != ""
}

// Attribute routes an inbound label. A known label wins. A missing label
// falls back to the active room. Anything else is unrouted and the
// subscriber decides what to do with it.
func (r *Router) Attribute(label string) Attribution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if label != "" {
		if roomID, ok := r.byLabel[label]; ok {
			return Attribution{RoomID: roomID, Label: label, Route: RouteLabeled}
		}

		return Attribution{Label: label, Route: RouteUnrouted}
	}
	if r.active != "" {
		return Attribution{RoomID: r.active, Route: RouteActiveFallback}
	}

	return Attribution{Route: RouteUnrouted}
}
