// Package dist - the single cross-process coordination point of the
// detection core: summing the loss normalizer across a data-parallel group.
//
// Process bootstrap and gradient synchronization belong to the surrounding
// training loop; the criterion only needs every replica to agree on one
// scalar before dividing by it. The Reducer seam keeps that collective
// swappable: identity for a single process, a barrier for in-process
// worker replicas.
package dist

import "sync"

// Reducer sums a value across every replica in the training group. The
// criterion invokes it unconditionally once per step whenever distributed
// mode is active; skipping it on any replica would deadlock the others.
type Reducer interface {
	// AllReduceSum blocks until every replica has contributed, then returns
	// the group-wide sum to all of them.
	AllReduceSum(v float64) float64
	// WorldSize returns the number of replicas in the group.
	WorldSize() int
}

// SingleProcess is the degenerate group of one replica.
type SingleProcess struct{}

// AllReduceSum returns v unchanged.
func (SingleProcess) AllReduceSum(v float64) float64 { return v }

// WorldSize returns 1.
func (SingleProcess) WorldSize() int { return 1 }

// LocalGroup is a barrier all-reduce for data-parallel worker goroutines
// in one process. Each worker owns one batch shard and one criterion and
// calls AllReduceSum exactly once per step; the call blocks until all
// workers of the round have arrived.
type LocalGroup struct {
	size int

	mu         sync.Mutex
	cond       *sync.Cond
	pending    int
	sum        float64
	result     float64
	generation uint64
}

// NewLocalGroup creates a group of size workers.
func NewLocalGroup(size int) *LocalGroup {
	if size <= 0 {
		size = 1
	}
	g := &LocalGroup{size: size}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// AllReduceSum contributes v to the current round and blocks until all
// workers have contributed, then returns the round's sum.
//
// A round's result cannot be overwritten while a slow worker still waits
// on it: the next round only completes after every worker, that one
// included, has contributed again.
func (g *LocalGroup) AllReduceSum(v float64) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	gen := g.generation
	g.sum += v
	g.pending++
	if g.pending == g.size {
		g.result = g.sum
		g.sum = 0
		g.pending = 0
		g.generation++
		g.cond.Broadcast()
		return g.result
	}
	for gen == g.generation {
		g.cond.Wait()
	}
	return g.result
}

// WorldSize returns the group size.
func (g *LocalGroup) WorldSize() int { return g.size }
