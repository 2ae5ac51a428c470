package session

import (
	"sync"

	"wishbridge/internal/protocol"
)

// Shape is the payload shape a callback accepts.
type Shape uint8

const (
	ShapeUnit Shape = iota
	ShapeBool
	ShapeEvent
	ShapeFont
)

var shapes = []Shape{ShapeUnit, ShapeBool, ShapeEvent, ShapeFont}

// shapeOf maps a callback frame to the shape of the closure it invokes.
func shapeOf(k protocol.Kind) (Shape, bool) {
	switch k {
	case protocol.KindClick:
		return ShapeUnit, true
	case protocol.KindBool:
		return ShapeBool, true
	case protocol.KindEvent:
		return ShapeEvent, true
	case protocol.KindFont:
		return ShapeFont, true
	}
	return 0, false
}

type handlerKey struct {
	shape Shape
	key   string
}

// handler is a closure tagged with its shape. Exactly one field is set.
type handler struct {
	unit  func()
	flag  func(bool)
	event func(protocol.Event)
	font  func(string)
}

// Registry maps callback keys to closures. Keys are scoped by shape, so the
// same key may carry a click handler and an event handler at once. A second
// registration under the same shape and key replaces the first.
type Registry struct {
	mu       sync.RWMutex
	handlers map[handlerKey]handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[handlerKey]handler)}
}

func (r *Registry) set(shape Shape, key string, h handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handlerKey{shape, key}] = h
}

// OnClick registers fn for "clicked-<key>" frames.
func (r *Registry) OnClick(key string, fn func()) {
	r.set(ShapeUnit, key, handler{unit: fn})
}

// OnBool registers fn for "cb1b-<key>-<value>" frames.
func (r *Registry) OnBool(key string, fn func(bool)) {
	r.set(ShapeBool, key, handler{flag: fn})
}

// OnEvent registers fn for "cb1e:<key>:..." frames.
func (r *Registry) OnEvent(key string, fn func(protocol.Event)) {
	r.set(ShapeEvent, key, handler{event: fn})
}

// OnFont registers fn for "font..." frames.
func (r *Registry) OnFont(key string, fn func(string)) {
	r.set(ShapeFont, key, handler{font: fn})
}

// Unregister removes every handler bound under key.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, shape := range shapes {
		delete(r.handlers, handlerKey{shape, key})
	}
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Dispatch invokes the handler matching the frame's shape and key and reports
// whether one was found. Unknown keys are ignored. The handler runs without
// the registry lock held, so it may register or unregister callbacks.
func (r *Registry) Dispatch(f protocol.Frame) bool {
	shape, ok := shapeOf(f.Kind)
	if !ok {
		return false
	}

	r.mu.RLock()
	h, ok := r.handlers[handlerKey{shape, f.Key}]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	switch shape {
	case ShapeUnit:
		if h.unit != nil {
			h.unit()
		}
	case ShapeBool:
		if h.flag != nil {
			h.flag(f.Value)
		}
	case ShapeEvent:
		if h.event != nil {
			h.event(f.Event)
		}
	case ShapeFont:
		if h.font != nil {
			h.font(f.Text)
		}
	}
	return true
}
