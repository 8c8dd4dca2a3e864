package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequentialGenerator_Increments(t *testing.T) {
	gen := NewSequentialGenerator("tx")

	assert.Equal(t, "tx-1", gen.Generate())
	assert.Equal(t, "tx-2", gen.Generate())
	assert.Equal(t, "tx-3", gen.Generate())
}

func TestSequentialGenerator_DefaultPrefix(t *testing.T) {
	gen := NewSequentialGenerator("")

	assert.Equal(t, "req-1", gen.Generate())
}

func TestSequentialGenerator_ConcurrentUnique(t *testing.T) {
	gen := NewSequentialGenerator("c")

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := gen.Generate()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
}
