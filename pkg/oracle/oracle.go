// Package oracle implements the TimestampOracle (spec §4.B, component B):
// a strictly increasing 64-bit counter that amortizes durable persistence
// over large batches so the hot path (Next) is a local increment.
//
// The design mirrors original_source's TimestampOracleImpl: three scalars
// (last handed out, max ceiling, max durably allocated) plus a background
// allocator. It is restated the way the teacher (dborchard-tiny-txn) shapes
// its concurrent actors: one goroutine owns the mutable state behind a
// channel, callers never take a lock on the hot path.
package oracle

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"omid/pkg/omiderr"
	"omid/pkg/tsstorage"
)

const (
	// DefaultBatch is the number of timestamps allocated per durable write
	// (spec §6, "timestamp.batch").
	DefaultBatch = 10_000_000
	// DefaultThreshold is the remaining headroom that triggers the next
	// background allocation (spec §6, "timestamp.threshold").
	DefaultThreshold = 1_000_000
)

// Config configures a TimestampOracle. Zero-value fields fall back to the
// spec's defaults.
type Config struct {
	Batch     uint64
	Threshold uint64
	Panicker  omiderr.Panicker
	Logger    *logrus.Logger
}

func (c Config) withDefaults() Config {
	if c.Batch == 0 {
		c.Batch = DefaultBatch
	}
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Panicker == nil {
		c.Panicker = omiderr.ProcessPanicker{}
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// allocRequest is sent to the background allocator to ask it to push the
// ceiling forward by one batch.
type allocRequest struct{}

// Oracle is the TimestampOracle. Next and Last are safe for concurrent use,
// but per spec §5 the decider is expected to be the sole caller of Next on
// its hot path; other callers (e.g. client.Manager.Begin) are also
// fine since the allocator synchronizes via atomics, not a shared lock on
// the fast path.
type Oracle struct {
	cfg     Config
	storage tsstorage.Storage

	last         atomic.Uint64 // last timestamp handed out
	max          atomic.Uint64 // current ceiling; Next may hand out up to this
	maxAllocated atomic.Uint64 // latest ceiling durably stored via storage

	allocCh chan allocRequest
	stopCh  chan struct{}
}

// New constructs an Oracle, reading the last durable high-watermark from
// storage and priming last/max/maxAllocated from it (spec §3 Lifecycle:
// "initializes last = max = storage.read()").
func New(storage tsstorage.Storage, cfg Config) (*Oracle, error) {
	cfg = cfg.withDefaults()
	stored, err := storage.Read()
	if err != nil {
		return nil, omiderr.Wrap(err, "oracle: reading initial high-watermark")
	}

	o := &Oracle{
		cfg:     cfg,
		storage: storage,
		allocCh: make(chan allocRequest, 1),
		stopCh:  make(chan struct{}),
	}
	o.last.Store(stored)
	o.max.Store(stored)
	o.maxAllocated.Store(stored)

	go o.runAllocator()
	return o, nil
}

// Stop halts the background allocator. Safe to call once.
func (o *Oracle) Stop() {
	close(o.stopCh)
}

// Last returns a read-only snapshot of the last timestamp handed out.
func (o *Oracle) Last() uint64 {
	return o.last.Load()
}

// Next returns last+1, the next strictly increasing timestamp (spec §4.B,
// invariant I1). It never returns an error: storage failures during batch
// allocation are fatal and go through Panicker instead (spec §7).
func (o *Oracle) Next() uint64 {
	for {
		last := o.last.Load()
		max := o.max.Load()

		if last == max {
			// Exhausted the pre-allocated range. Nudge the allocator (it may
			// already be running) and busy-wait for it to publish a new
			// ceiling, per spec §4.B / §5 ("no timeout: a stuck allocator is
			// fatal").
			select {
			case o.allocCh <- allocRequest{}:
			default:
			}
			for o.maxAllocated.Load() == max {
				// spin; spec explicitly allows replacing this with a
				// condition variable without changing semantics (§9).
			}
			o.max.CompareAndSwap(max, o.maxAllocated.Load())
			continue
		}

		if last+o.cfg.Threshold >= max {
			select {
			case o.allocCh <- allocRequest{}:
			default:
			}
		}

		if o.last.CompareAndSwap(last, last+1) {
			return last + 1
		}
	}
}

// runAllocator is the single-threaded background executor that advances
// maxAllocated by one batch at a time (spec §4.B, §5).
func (o *Oracle) runAllocator() {
	for {
		select {
		case <-o.stopCh:
			return
		case <-o.allocCh:
			o.allocateBatch()
		}
	}
}

func (o *Oracle) allocateBatch() {
	prev := o.maxAllocated.Load()
	next := prev + o.cfg.Batch

	result, err := o.storage.CompareAndUpdate(prev, next)
	switch {
	case err != nil:
		o.cfg.Logger.WithError(err).Error("oracle: durable batch allocation failed, crashing process")
		o.cfg.Panicker.Panic(omiderr.Wrapf(omiderr.ErrDurability, "oracle: durable allocation of batch [%d,%d) failed: %v", prev, next, err))
		return
	case result == tsstorage.IOError:
		o.cfg.Panicker.Panic(omiderr.Wrapf(omiderr.ErrDurability, "oracle: durable allocation of batch [%d,%d) reported IOError", prev, next))
		return
	case result == tsstorage.Mismatch:
		// Another allocator instance raced us (should not happen with a
		// single allocator goroutine per Oracle, but storage invariants
		// are load-bearing, so treat it as a protocol violation).
		o.cfg.Panicker.Panic(omiderr.Wrapf(omiderr.ErrDurability, "oracle: storage CAS mismatch advancing from %d to %d", prev, next))
		return
	}

	o.maxAllocated.Store(next)
}
