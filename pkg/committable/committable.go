// Package committable defines the CommitTable (spec §6, component E): an
// append-only durable map from start-ts to commit-ts, plus an invalidation
// marker for aborted transactions. The real persistence backend (HBase,
// a KV store, ...) is an external collaborator and out of scope (spec §1);
// this package ships an in-memory reference implementation backed by
// github.com/tidwall/btree, the same library the teacher uses for its
// multi-versioned store.
package committable

import (
	"sync"

	"github.com/tidwall/btree"
)

// CommitTable is the append-only durable map start-ts -> commit-ts.
type CommitTable interface {
	// Put durably records that startTs committed at commitTs.
	Put(startTs, commitTs uint64) error
	// Get returns the recorded commit-ts for startTs, or ok=false if no
	// entry exists (aborted, or garbage-collected past the low-watermark).
	Get(startTs uint64) (commitTs uint64, ok bool)
	// Invalidate marks startTs as aborted so shadow-cell repair can delete
	// the transaction's speculative versions.
	Invalidate(startTs uint64) error
	// IsInvalid reports whether startTs was marked aborted.
	IsInvalid(startTs uint64) bool
	// LowWatermarkCheckpoint publishes the decider's current low-watermark,
	// consumed by the store's garbage collector (out of scope here).
	LowWatermarkCheckpoint() uint64
	// SetLowWatermarkCheckpoint records a new low-watermark.
	SetLowWatermarkCheckpoint(uint64)
}

type entry struct {
	startTs  uint64
	commitTs uint64
	invalid  bool
}

func less(a, b entry) bool { return a.startTs < b.startTs }

// InMemory is a process-local CommitTable reference implementation.
type InMemory struct {
	mu           sync.RWMutex
	tree         *btree.BTreeG[entry]
	lowWatermark uint64
}

// NewInMemory returns an empty in-memory CommitTable.
func NewInMemory() *InMemory {
	return &InMemory{
		tree: btree.NewBTreeG(less),
	}
}

func (c *InMemory) Put(startTs, commitTs uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tree.Set(entry{startTs: startTs, commitTs: commitTs})
	return nil
}

func (c *InMemory) Get(startTs uint64) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.tree.Get(entry{startTs: startTs})
	if !ok || e.invalid {
		return 0, false
	}
	return e.commitTs, true
}

func (c *InMemory) Invalidate(startTs uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tree.Get(entry{startTs: startTs})
	if !ok {
		e = entry{startTs: startTs}
	}
	e.invalid = true
	c.tree.Set(e)
	return nil
}

func (c *InMemory) IsInvalid(startTs uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.tree.Get(entry{startTs: startTs})
	return ok && e.invalid
}

func (c *InMemory) LowWatermarkCheckpoint() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lowWatermark
}

func (c *InMemory) SetLowWatermarkCheckpoint(ts uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.lowWatermark {
		c.lowWatermark = ts
	}
}
