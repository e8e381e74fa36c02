package decider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omid/pkg/cache"
	"omid/pkg/committable"
	"omid/pkg/omiderr"
	"omid/pkg/oracle"
	"omid/pkg/tso"
	"omid/pkg/tsstorage"
)

// newDecider returns a Decider plus the oracle backing it, since start-ts
// values in these tests must come from the same monotonic sequence the
// decider allocates commit-ts from (invariant I3: commit_ts > start_ts).
func newDecider(t *testing.T) (*Decider, *oracle.Oracle) {
	t.Helper()
	o, err := oracle.New(tsstorage.NewInMemory(), oracle.Config{Batch: 64, Threshold: 8})
	require.NoError(t, err)
	t.Cleanup(o.Stop)

	d := New(Config{
		Cache:       cache.New(cache.Config{Sets: 16, Associativity: 4}),
		Oracle:      o,
		CommitTable: committable.NewInMemory(),
	})
	t.Cleanup(d.Stop)
	return d, o
}

func TestCommitWithNoReadsOrWritesIsTrivial(t *testing.T) {
	d, o := newDecider(t)
	startTs := o.Next()
	result := d.Commit(startTs, nil, nil)
	assert.True(t, result.Committed)
	assert.Equal(t, startTs, result.CommitTs)
}

func TestCommitAllocatesACommitTsAboveStartTs(t *testing.T) {
	d, o := newDecider(t)
	startTs := o.Next()
	row := tso.Fingerprint(1)

	result := d.Commit(startTs, []tso.Fingerprint{row}, nil)
	assert.True(t, result.Committed)
	assert.Greater(t, result.CommitTs, startTs)
}

// TestSecondWriterToTheSameRowConflicts reproduces spec §8 scenario 1: two
// transactions that both touch the same row, where the second to start
// commits first, and the first to start must be rejected when it commits.
func TestSecondWriterToTheSameRowConflicts(t *testing.T) {
	d, o := newDecider(t)
	row := tso.Fingerprint(42)

	txnA := o.Next()
	txnB := o.Next()

	resultB := d.Commit(txnB, []tso.Fingerprint{row}, nil)
	require.True(t, resultB.Committed)

	resultA := d.Commit(txnA, []tso.Fingerprint{row}, nil)
	assert.False(t, resultA.Committed)
	assert.ErrorIs(t, resultA.Err, omiderr.ErrConflict)
}

// TestReadOfARowCommittedAfterStartConflicts reproduces spec §8 scenario 2:
// a transaction that read a row later overwritten by a commit racing ahead
// of it must itself be refused at commit time.
func TestReadOfARowCommittedAfterStartConflicts(t *testing.T) {
	d, o := newDecider(t)
	row := tso.Fingerprint(7)

	reader := o.Next()
	writer := o.Next()

	writeResult := d.Commit(writer, []tso.Fingerprint{row}, nil)
	require.True(t, writeResult.Committed)

	readResult := d.Commit(reader, nil, []tso.Fingerprint{row})
	assert.False(t, readResult.Committed)
	assert.ErrorIs(t, readResult.Err, omiderr.ErrConflict)
}

// TestWriteBelowLowWatermarkIsElderNotConflict reproduces spec §8 scenario
// 4: a write whose row fell out of the cache below the low-watermark still
// commits, but is reported as an elder candidate for reincarnation rather
// than aborted.
func TestWriteBelowLowWatermarkIsElderNotConflict(t *testing.T) {
	o, err := oracle.New(tsstorage.NewInMemory(), oracle.Config{Batch: 64, Threshold: 8})
	require.NoError(t, err)
	t.Cleanup(o.Stop)

	d := New(Config{
		Cache:       cache.New(cache.Config{Sets: 1, Associativity: 1}),
		Oracle:      o,
		CommitTable: committable.NewInMemory(),
	})
	t.Cleanup(d.Stop)

	rowA := tso.Fingerprint(1)
	rowB := tso.Fingerprint(2) // same set (associativity 1): evicts rowA

	startA := o.Next()
	result := d.Commit(startA, []tso.Fingerprint{rowA}, nil)
	require.True(t, result.Committed)

	startB := o.Next()
	evictResult := d.Commit(startB, []tso.Fingerprint{rowB}, nil)
	require.True(t, evictResult.Committed)
	require.Greater(t, d.LowWatermark(), uint64(0))

	// A transaction that started no later than startA (so its start-ts is
	// still below the low-watermark just advanced by rowB's commit) and
	// whose write-set row (rowA) was evicted should still commit, but be
	// flagged elder rather than aborted.
	elderResult := d.Commit(startA, []tso.Fingerprint{rowA}, nil)
	assert.True(t, elderResult.Committed)
	assert.True(t, elderResult.Elder)
	assert.Contains(t, elderResult.ConflictRows, rowA)
}

func TestPrepareThenFinalizeCommitsAndInstallsWrites(t *testing.T) {
	d, o := newDecider(t)
	row := tso.Fingerprint(9)
	startTs := o.Next()

	prep := d.Prepare(startTs, []tso.Fingerprint{row}, nil)
	require.True(t, prep.Ready)

	fin := d.Finalize(startTs, prep.CommitTs, false)
	assert.True(t, fin.Committed)
	assert.Equal(t, prep.CommitTs, fin.CommitTs)
	assert.Equal(t, prep.CommitTs, d.cfg.Cache.Get(uint64(row)))
}

func TestFinalizeAbortDiscardsThePreparedEntry(t *testing.T) {
	d, o := newDecider(t)
	row := tso.Fingerprint(11)
	startTs := o.Next()

	prep := d.Prepare(startTs, []tso.Fingerprint{row}, nil)
	require.True(t, prep.Ready)

	fin := d.Finalize(startTs, 0, true)
	assert.False(t, fin.Committed)
	assert.Equal(t, uint64(0), d.cfg.Cache.Get(uint64(row)), "aborted prepare must not install any write")
}
