package replication

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Registry holds the replicators of a server by name
type Registry struct {
	mu          sync.RWMutex
	replicators map[string]*Replicator
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{replicators: make(map[string]*Replicator)}
}

// Add registers r. Names must be unique.
func (reg *Registry) Add(r *Replicator) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.replicators[r.Name()]; ok {
		return fmt.Errorf("replicator %q already registered", r.Name())
	}
	reg.replicators[r.Name()] = r
	return nil
}

// Get returns the replicator named name
func (reg *Registry) Get(name string) (*Replicator, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.replicators[name]
	return r, ok
}

// List returns the registered replicators sorted by name
func (reg *Registry) List() []*Replicator {
	reg.mu.RLock()
	out := make([]*Replicator, 0, len(reg.replicators))
	for _, r := range reg.replicators {
		out = append(out, r)
	}
	reg.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Statuses returns the status of every replicator sorted by name
func (reg *Registry) Statuses() []Status {
	replicators := reg.List()
	out := make([]Status, len(replicators))
	for i, r := range replicators {
		out[i] = r.Status()
	}
	return out
}

// RunAll polls every registered replicator every interval until ctx is done
func (reg *Registry) RunAll(ctx context.Context, interval time.Duration) {
	var g errgroup.Group
	for _, r := range reg.List() {
		g.Go(func() error {
			r.Run(ctx, interval)
			return nil
		})
	}
	_ = g.Wait()
}
