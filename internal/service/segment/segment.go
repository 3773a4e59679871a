package segment

import (
	"sync/atomic"
)

// Generator issues monotonic segment ids starting at 1. Ids are never reused
// by the same generator.
type Generator struct {
	counter atomic.Int64
}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) Next() int64 {
	return g.counter.Add(1)
}

// Last returns the most recently issued id, or 0.
func (g *Generator) Last() int64 {
	return g.counter.Load()
}
