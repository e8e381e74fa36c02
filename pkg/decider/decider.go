// Package decider implements the CommitDecider (spec §4.D, component D):
// the single serialization point that validates a transaction's read/write
// fingerprints against the ConflictCache, allocates a commit-ts from the
// TimestampOracle, publishes the decision to the CommitTable, and updates
// the cache.
//
// The shape — one goroutine draining a request channel, replying on a
// per-request response channel — is grounded directly on the teacher's
// pkg/c_scheduler/a_scheduler.go TsoScheduler: a request-type switch inside
// a single Run loop is exactly how the teacher serializes its commit path.
package decider

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"omid/pkg/cache"
	"omid/pkg/committable"
	"omid/pkg/omiderr"
	"omid/pkg/oracle"
	"omid/pkg/tso"
)

// CommitResult is the decider's verdict for one commit request (spec §4.D).
type CommitResult struct {
	Committed    bool
	CommitTs     uint64
	Elder        bool
	ConflictRows []tso.Fingerprint
	Err          error // non-nil iff !Committed
}

type commitRequest struct {
	startTs uint64
	writes  []tso.Fingerprint
	reads   []tso.Fingerprint
	respCh  chan CommitResult
}

// PrepareResult is a partition's reply to phase 1 of the global commit
// protocol (spec §4.G).
type PrepareResult struct {
	Ready    bool
	CommitTs uint64
	Err      error
}

// FinalizeResult is a partition's reply to phase 2.
type FinalizeResult struct {
	Committed bool
	CommitTs  uint64
	Err       error
}

type prepareRequest struct {
	startTs uint64
	writes  []tso.Fingerprint
	reads   []tso.Fingerprint
	respCh  chan PrepareResult
}

type finalizeRequest struct {
	startTs  uint64
	commitTs uint64
	abort    bool
	respCh   chan FinalizeResult
}

// preparedEntry is the state a Prepare leaves behind for the matching
// Finalize to pick back up. Only the decider's own goroutine ever touches
// it, so it needs no lock of its own.
type preparedEntry struct {
	writes   []tso.Fingerprint
	commitTs uint64
}

// Config configures a Decider.
type Config struct {
	Cache       *cache.Cache
	Oracle      *oracle.Oracle
	CommitTable committable.CommitTable
	Panicker    omiderr.Panicker
	Logger      *logrus.Logger
}

func (c Config) withDefaults() Config {
	if c.Panicker == nil {
		c.Panicker = omiderr.ProcessPanicker{}
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// Decider is the CommitDecider. All mutations to the cache and the
// low-watermark happen on its single goroutine (spec §5); callers only
// ever touch the buffered request channel.
type Decider struct {
	cfg          Config
	lowWatermark atomic.Uint64

	reqCh      chan commitRequest
	prepareCh  chan prepareRequest
	finalizeCh chan finalizeRequest
	stopCh     chan struct{}

	prepared map[uint64]preparedEntry
}

// New constructs and starts a Decider.
func New(cfg Config) *Decider {
	cfg = cfg.withDefaults()
	d := &Decider{
		cfg:        cfg,
		reqCh:      make(chan commitRequest, 1024),
		prepareCh:  make(chan prepareRequest, 1024),
		finalizeCh: make(chan finalizeRequest, 1024),
		stopCh:     make(chan struct{}),
		prepared:   make(map[uint64]preparedEntry),
	}
	go d.run()
	return d
}

// Stop halts the decider's goroutine. Safe to call once.
func (d *Decider) Stop() {
	close(d.stopCh)
}

// Commit is the decider's single-partition entry point (spec §4.D): it validates
// start_ts's read/write fingerprints and returns the verdict. Commit
// blocks until the request has been serialized and processed.
func (d *Decider) Commit(startTs uint64, writes, reads []tso.Fingerprint) CommitResult {
	respCh := make(chan CommitResult, 1)
	d.reqCh <- commitRequest{startTs: startTs, writes: writes, reads: reads, respCh: respCh}
	return <-respCh
}

// Prepare runs phase 1 of the global commit protocol (spec §4.G): local
// admission and commit-ts allocation, without publishing to the commit
// table or mutating the cache. The reply's CommitTs, if Ready, must be
// echoed back via Finalize under the sequencer's total order.
func (d *Decider) Prepare(startTs uint64, writes, reads []tso.Fingerprint) PrepareResult {
	respCh := make(chan PrepareResult, 1)
	d.prepareCh <- prepareRequest{startTs: startTs, writes: writes, reads: reads, respCh: respCh}
	return <-respCh
}

// Finalize runs phase 2: either publishes and installs a previously
// prepared transaction, or discards it on abort. If no matching Prepare
// is on file it changes nothing and returns Committed=false with a nil
// Err; prepared entries do not expire.
func (d *Decider) Finalize(startTs uint64, commitTs uint64, abort bool) FinalizeResult {
	respCh := make(chan FinalizeResult, 1)
	d.finalizeCh <- finalizeRequest{startTs: startTs, commitTs: commitTs, abort: abort, respCh: respCh}
	return <-respCh
}

func (d *Decider) run() {
	for {
		select {
		case <-d.stopCh:
			return
		case req := <-d.reqCh:
			req.respCh <- d.process(req)
		case req := <-d.prepareCh:
			req.respCh <- d.processPrepare(req)
		case req := <-d.finalizeCh:
			req.respCh <- d.processFinalize(req)
		}
	}
}

// processPrepare runs spec §4.D step 1 (admission) and step 2 (allocate)
// but stops short of steps 3 and 4. Elder detection does not apply to the
// global path: spec §4.G's protocol has no reincarnation step, so a
// missed write below the low-watermark is refused with ErrTooOld, the
// same as a missed read, rather than deferred.
func (d *Decider) processPrepare(req prepareRequest) PrepareResult {
	lowWatermarkBefore := d.lowWatermark.Load()

	for _, f := range req.reads {
		v := d.cfg.Cache.Get(uint64(f))
		if v > req.startTs {
			return PrepareResult{Err: omiderr.ErrConflict}
		}
		if v == 0 && lowWatermarkBefore > req.startTs {
			return PrepareResult{Err: omiderr.ErrTooOld}
		}
	}
	for _, f := range req.writes {
		v := d.cfg.Cache.Get(uint64(f))
		if v > req.startTs {
			return PrepareResult{Err: omiderr.ErrConflict}
		}
		if v == 0 && lowWatermarkBefore > req.startTs {
			return PrepareResult{Err: omiderr.ErrTooOld}
		}
	}

	commitTs := d.cfg.Oracle.Next()
	if commitTs <= req.startTs {
		d.cfg.Panicker.Panic(omiderr.Errorf("decider: commit_ts %d <= start_ts %d", commitTs, req.startTs))
		return PrepareResult{Err: omiderr.ErrDurability}
	}

	d.prepared[req.startTs] = preparedEntry{writes: req.writes, commitTs: commitTs}
	return PrepareResult{Ready: true, CommitTs: commitTs}
}

// processFinalize consumes the preparedEntry left by processPrepare and
// runs spec §4.D steps 3-4, or discards it on abort.
func (d *Decider) processFinalize(req finalizeRequest) FinalizeResult {
	entry, ok := d.prepared[req.startTs]
	delete(d.prepared, req.startTs)
	if !ok || req.abort {
		return FinalizeResult{Committed: false}
	}

	commitTs := req.commitTs
	if commitTs == 0 {
		commitTs = entry.commitTs
	}

	if err := d.cfg.CommitTable.Put(req.startTs, commitTs); err != nil {
		d.cfg.Logger.WithError(err).Warn("decider: commit table write failed during finalize, aborting")
		return FinalizeResult{Err: omiderr.Wrapf(omiderr.ErrDurability, "decider: commit table write failed: %v", err)}
	}

	for _, f := range entry.writes {
		evicted := d.cfg.Cache.Set(uint64(f), commitTs)
		if evicted > d.lowWatermark.Load() {
			d.lowWatermark.Store(evicted)
		}
	}
	d.cfg.CommitTable.SetLowWatermarkCheckpoint(d.lowWatermark.Load())

	return FinalizeResult{Committed: true, CommitTs: commitTs}
}

// process runs spec §4.D's five steps. It is only ever called from the
// decider's own goroutine, so no locking is needed on the cache or the
// low-watermark.
func (d *Decider) process(req commitRequest) CommitResult {
	// Edge case: empty writes and empty reads commit trivially at start_ts
	// with no side effects (spec §4.D "Edge cases").
	if len(req.writes) == 0 && len(req.reads) == 0 {
		return CommitResult{Committed: true, CommitTs: req.startTs}
	}

	lowWatermarkBefore := d.lowWatermark.Load()

	// Step 1: admission. Reads are held to the strict too-old rule because
	// a reader that consults an evicted/absent fingerprint has no way to
	// know whether it missed a conflicting write. Writes are not aborted
	// on a cache miss below the low-watermark; instead they are recorded
	// as elder candidates and reincarnated after commit (spec §9's
	// resolution of the ambiguous "elder" criterion: "low_watermark
	// advanced past start_ts before admission, and some written row's
	// cache lookup missed").
	var elderCandidates []tso.Fingerprint

	for _, f := range req.reads {
		v := d.cfg.Cache.Get(uint64(f))
		if v > req.startTs {
			return CommitResult{Err: omiderr.ErrConflict}
		}
		if v == 0 && lowWatermarkBefore > req.startTs {
			return CommitResult{Err: omiderr.ErrTooOld}
		}
	}
	for _, f := range req.writes {
		v := d.cfg.Cache.Get(uint64(f))
		if v > req.startTs {
			return CommitResult{Err: omiderr.ErrConflict}
		}
		if v == 0 && lowWatermarkBefore > req.startTs {
			elderCandidates = append(elderCandidates, f)
		}
	}

	// Step 2: allocate a commit-ts.
	commitTs := d.cfg.Oracle.Next()
	if commitTs <= req.startTs {
		// Invariant I3 violated: fatal, the oracle and decider have lost
		// their ordering guarantee.
		d.cfg.Panicker.Panic(omiderr.Errorf("decider: commit_ts %d <= start_ts %d", commitTs, req.startTs))
		return CommitResult{Err: omiderr.ErrDurability}
	}

	// Step 3: publish to the commit table. No cache mutation happens
	// before this succeeds (spec §4.D / §7: "no partial updates to C are
	// possible").
	if err := d.cfg.CommitTable.Put(req.startTs, commitTs); err != nil {
		d.cfg.Logger.WithError(err).Warn("decider: commit table write failed, aborting")
		return CommitResult{Err: omiderr.Wrapf(omiderr.ErrDurability, "decider: commit table write failed: %v", err)}
	}

	// Step 4: install writes, tracking the low-watermark.
	for _, f := range req.writes {
		evicted := d.cfg.Cache.Set(uint64(f), commitTs)
		if evicted > d.lowWatermark.Load() {
			d.lowWatermark.Store(evicted)
		}
	}
	d.cfg.CommitTable.SetLowWatermarkCheckpoint(d.lowWatermark.Load())

	// Step 5: elder detection / reincarnation reporting.
	return CommitResult{
		Committed:    true,
		CommitTs:     commitTs,
		Elder:        len(elderCandidates) > 0,
		ConflictRows: elderCandidates,
	}
}

// LowWatermark returns the decider's current low-watermark (spec §3,
// monotonically non-decreasing per §5). Only the decider's own goroutine
// writes this field, so a concurrent reader sees a benign stale value at
// worst — acceptable for the GC-checkpoint and test uses of this method.
func (d *Decider) LowWatermark() uint64 {
	return d.lowWatermark.Load()
}
