package session

import (
	"fmt"
	"sync"
)

// IDAllocator hands out increasing identifiers for remote objects and
// variables. Identifiers are never reused.
type IDAllocator struct {
	mu   sync.Mutex
	last uint64
}

// NewIDAllocator creates an allocator whose first identifier is 1.
func NewIDAllocator() *IDAllocator {
	return &IDAllocator{}
}

// NextN returns the next raw identifier.
func (a *IDAllocator) NextN() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last++
	return a.last
}

// Next returns a widget path for a new child of parent, e.g. ".r3" under "."
// or ".r1.r4" under ".r1".
func (a *IDAllocator) Next(parent string) string {
	n := a.NextN()
	if parent == "" || parent == "." {
		return fmt.Sprintf(".r%d", n)
	}
	return fmt.Sprintf("%s.r%d", parent, n)
}

// NextVar returns a new global variable name, e.g. "::var5".
func (a *IDAllocator) NextVar() string {
	return fmt.Sprintf("::var%d", a.NextN())
}
