package server

import (
	"sync"

	"github.com/chazu/oopjit/jiterr"
)

// counters tallies compile outcomes by result code.
type counters struct {
	mu       sync.Mutex
	compiles uint64
	results  map[jiterr.ResultCode]uint64
}

func newCounters() *counters {
	return &counters{results: make(map[jiterr.ResultCode]uint64)}
}

func (c *counters) record(code jiterr.ResultCode) {
	c.mu.Lock()
	c.compiles++
	c.results[code]++
	c.mu.Unlock()
}

func (c *counters) snapshot() (uint64, map[string]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.results))
	for code, n := range c.results {
		out[code.String()] = n
	}
	return c.compiles, out
}
