package testutil

import (
	"fmt"
	"sync"
)

// SequentialGenerator generates correlation ids of the form "<prefix>-<n>".
//
// Unlike correlate.FixedGenerator, which returns a predetermined list and
// panics when exhausted, SequentialGenerator never runs out. Use it when a
// test issues an unknown number of requests but still wants readable,
// reproducible ids in traces and golden files.
//
// Thread-safety: SequentialGenerator is safe for concurrent use via internal mutex.
type SequentialGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialGenerator creates a generator. If prefix is empty, "req" is used.
//
//	gen := NewSequentialGenerator("tx")
//	gen.Generate() // "tx-1"
//	gen.Generate() // "tx-2"
func NewSequentialGenerator(prefix string) *SequentialGenerator {
	if prefix == "" {
		prefix = "req"
	}
	return &SequentialGenerator{prefix: prefix}
}

// Generate returns the next id.
//
// Implements correlate.IDGenerator.
func (g *SequentialGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
