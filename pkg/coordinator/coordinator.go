// Package coordinator implements the GlobalCommitCoordinator (spec §4.G,
// component G): two-phase commit across the partitions a multi-table
// transaction touched. It sits directly on
// top of the per-partition CommitDeciders in pkg/decider the same way the
// teacher's pkg/c_scheduler sits on top of its per-shard storage — one
// coordinating goroutine-free type fanning requests out to each
// partition's own serialization point.
package coordinator

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"omid/pkg/client"
	"omid/pkg/decider"
	"omid/pkg/omiderr"
	"omid/pkg/tso"
)

// Sequencer hands out strictly increasing sequence numbers. BeginVector
// draws one per global transaction and logs it; nothing else in the
// coordinator reads the number, so it does not order Commit calls.
type Sequencer struct {
	next atomic.Uint64
}

// NewSequencer returns a Sequencer starting at 1.
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

// PartitionWrite is one partition's share of a global transaction's
// writes and reads, keyed by partition name (spec §4.G: "the client
// groups its write-set by partition").
type PartitionWrite struct {
	Partition string
	Writes    []tso.Fingerprint
	Reads     []tso.Fingerprint
}

// Result is the coordinator's verdict for one global commit.
type Result struct {
	Committed bool
	// CommitTs maps partition name to that partition's commit-ts, only
	// populated when Committed is true.
	CommitTs map[string]uint64
	Err      error
}

// Config configures a Coordinator.
type Config struct {
	Sequencer *Sequencer
	Logger    *logrus.Logger
}

func (c Config) withDefaults() Config {
	if c.Sequencer == nil {
		c.Sequencer = NewSequencer()
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// Coordinator runs the two-phase protocol of spec §4.G over a TxnRuntime's
// partitions. Unlike the per-partition Decider, the coordinator holds no
// long-lived goroutine of its own: each Commit call drives prepare/finalize
// directly, serialized only by each partition's own single-threaded
// decider.
type Coordinator struct {
	cfg     Config
	runtime client.TxnRuntime
}

// New constructs a Coordinator over runtime's partitions.
func New(runtime client.TxnRuntime, cfg Config) *Coordinator {
	return &Coordinator{cfg: cfg.withDefaults(), runtime: runtime}
}

// RoutePartitionWrites groups raw writes and reads by the partition whose
// KeyRange owns each row (spec §3 "partition : KeyRange", §6
// "partitioning.ranges"), so a caller driving a global transaction never
// hand-labels which partition a row belongs to.
func RoutePartitionWrites(runtime client.TxnRuntime, writes, reads []tso.RowKeyFamily) ([]PartitionWrite, error) {
	byPartition := make(map[string]*PartitionWrite)
	var order []string

	route := func(w tso.RowKeyFamily, addTo func(*PartitionWrite, tso.Fingerprint)) error {
		p, ok := runtime.PartitionForRow(w.Row)
		if !ok {
			return omiderr.Errorf("coordinator: no partition owns row %q", w.Row)
		}
		pw, ok := byPartition[p.Name]
		if !ok {
			pw = &PartitionWrite{Partition: p.Name}
			byPartition[p.Name] = pw
			order = append(order, p.Name)
		}
		addTo(pw, w.Fingerprint())
		return nil
	}

	for _, w := range writes {
		if err := route(w, func(pw *PartitionWrite, fp tso.Fingerprint) { pw.Writes = append(pw.Writes, fp) }); err != nil {
			return nil, err
		}
	}
	for _, r := range reads {
		if err := route(r, func(pw *PartitionWrite, fp tso.Fingerprint) { pw.Reads = append(pw.Reads, fp) }); err != nil {
			return nil, err
		}
	}

	out := make([]PartitionWrite, 0, len(order))
	for _, name := range order {
		out = append(out, *byPartition[name])
	}
	return out, nil
}

// PartitionNames returns the distinct partition names touched by routed,
// suitable for passing directly to BeginVector.
func PartitionNames(routed []PartitionWrite) []string {
	names := make([]string, len(routed))
	for i, pw := range routed {
		names[i] = pw.Partition
	}
	return names
}

// BeginVector allocates one start-ts per named partition, ordered by a
// shared sequence number (spec §4.G step 1: "acquire a start-ts vector
// vts, one entry per participating partition").
func (c *Coordinator) BeginVector(partitions []string) (map[string]uint64, error) {
	seq := c.cfg.Sequencer.Next()
	c.cfg.Logger.WithField("seq", seq).Debug("coordinator: beginning global transaction")

	vts := make(map[string]uint64, len(partitions))
	for _, name := range partitions {
		p, ok := c.runtime.Partitions[name]
		if !ok {
			return nil, omiderr.Errorf("coordinator: unknown partition %q", name)
		}
		vts[name] = p.Oracle.Next()
	}
	return vts, nil
}

// Commit drives the full two-phase protocol for a global transaction
// (spec §4.G steps 2-3): prepare every partition, then either finalize all
// of them at their locally-allocated commit-ts or broadcast an abort.
//
// If any partition's prepare reports a conflict, every partition —
// including ones that already succeeded — receives an abort Finalize;
// each partition's decider runs cleanup instead of steps 3-4 (spec §9's
// resolution of the undocumented global-abort path).
func (c *Coordinator) Commit(vts map[string]uint64, writes []PartitionWrite) Result {
	type prepareOutcome struct {
		partition string
		result    decider.PrepareResult
	}

	outcomes := make([]prepareOutcome, len(writes))
	var wg sync.WaitGroup
	for i, pw := range writes {
		wg.Add(1)
		go func(i int, pw PartitionWrite) {
			defer wg.Done()
			p, ok := c.runtime.Partitions[pw.Partition]
			if !ok {
				outcomes[i] = prepareOutcome{partition: pw.Partition, result: decider.PrepareResult{Err: omiderr.Errorf("coordinator: unknown partition %q", pw.Partition)}}
				return
			}
			startTs, ok := vts[pw.Partition]
			if !ok {
				outcomes[i] = prepareOutcome{partition: pw.Partition, result: decider.PrepareResult{Err: omiderr.Errorf("coordinator: no start-ts for partition %q", pw.Partition)}}
				return
			}
			outcomes[i] = prepareOutcome{partition: pw.Partition, result: p.Decider.Prepare(startTs, pw.Writes, pw.Reads)}
		}(i, pw)
	}
	wg.Wait()

	allReady := true
	for _, o := range outcomes {
		if !o.result.Ready {
			allReady = false
			break
		}
	}

	if !allReady {
		c.cfg.Logger.Debug("coordinator: at least one partition refused prepare, aborting global transaction")
		for _, o := range outcomes {
			startTs, ok := vts[o.partition]
			if !ok {
				continue
			}
			p := c.runtime.Partitions[o.partition]
			if p == nil {
				continue
			}
			p.Decider.Finalize(startTs, 0, true)
		}
		return Result{Committed: false, Err: omiderr.ErrConflict}
	}

	commitTs := make(map[string]uint64, len(outcomes))
	for _, o := range outcomes {
		startTs := vts[o.partition]
		p := c.runtime.Partitions[o.partition]
		fin := p.Decider.Finalize(startTs, o.result.CommitTs, false)
		if !fin.Committed {
			// A partition that said Ready at prepare time failed to
			// finalize; the remaining partitions have already committed
			// and spec §4.G does not define a rollback for this case, so
			// it is surfaced as an error rather than silently ignored.
			c.cfg.Logger.WithField("partition", o.partition).Error("coordinator: finalize failed after successful prepare")
			return Result{Committed: false, Err: omiderr.Errorf("coordinator: partition %q failed to finalize", o.partition)}
		}
		commitTs[o.partition] = fin.CommitTs
	}

	return Result{Committed: true, CommitTs: commitTs}
}
