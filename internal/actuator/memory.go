package actuator

import (
	"context"
	"sync"
)

// MemoryCommitter holds the canary weight in process memory. It backs the
// synthetic run mode and training, where no cluster exists.
type MemoryCommitter struct {
	mu     sync.Mutex
	weight int
}

// NewMemoryCommitter creates a committer starting at the given weight.
func NewMemoryCommitter(weight int) *MemoryCommitter {
	if weight < 0 {
		weight = 0
	}
	if weight > 100 {
		weight = 100
	}
	return &MemoryCommitter{weight: weight}
}

// Weight returns the stored weight.
func (c *MemoryCommitter) Weight(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight, nil
}

// Commit stores the weight.
func (c *MemoryCommitter) Commit(_ context.Context, weight int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.weight = weight
	return nil
}

// Current is a lock-taking convenience for weight callbacks.
func (c *MemoryCommitter) Current() int {
	w, _ := c.Weight(context.Background())
	return w
}
