package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omid/pkg/cache"
	"omid/pkg/committable"
	"omid/pkg/decider"
	"omid/pkg/oracle"
	"omid/pkg/tso"
	"omid/pkg/tsstorage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	o, err := oracle.New(tsstorage.NewInMemory(), oracle.Config{Batch: 64, Threshold: 8})
	require.NoError(t, err)
	t.Cleanup(o.Stop)

	d := decider.New(decider.Config{
		Cache:       cache.New(cache.Config{Sets: 16, Associativity: 4}),
		Oracle:      o,
		CommitTable: committable.NewInMemory(),
	})
	t.Cleanup(d.Stop)

	runtime := TxnRuntime{Partitions: map[string]*Partition{
		"main": {Name: "main", Oracle: o, Decider: d},
	}}
	return New(runtime, NewMemStore(), committable.NewInMemory(), Config{})
}

func row(value string) tso.RowKeyFamily {
	return tso.RowKeyFamily{
		TableID:    "t",
		Row:        []byte("r1"),
		Family:     "cf",
		Qualifiers: [][]byte{[]byte("q")},
		Values:     [][]byte{[]byte(value)},
	}
}

// TestCommitThenReadSeesTheLatestValue reproduces spec §8 scenario 3: a
// later transaction's Get must see the most recently committed version.
func TestCommitThenReadSeesTheLatestValue(t *testing.T) {
	mgr := newTestManager(t)

	tx, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Put(row("v1")))
	require.NoError(t, mgr.Commit(tx))

	tx, err = mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Put(row("v2")))
	require.NoError(t, mgr.Commit(tx))

	tx, err = mgr.Begin()
	require.NoError(t, err)
	value, found, err := tx.Get("t", []byte("r1"), "cf", []byte("q"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v2", string(value))
	mgr.Abort(tx)
}

// TestReadAtASnapshotDoesNotSeeALaterCommit reproduces snapshot isolation:
// a transaction begun before a later commit must keep reading the version
// visible at its own start-ts.
func TestReadAtASnapshotDoesNotSeeALaterCommit(t *testing.T) {
	mgr := newTestManager(t)

	tx1, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, tx1.Put(row("v1")))
	require.NoError(t, mgr.Commit(tx1))

	reader, err := mgr.Begin()
	require.NoError(t, err)

	tx2, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, tx2.Put(row("v2")))
	require.NoError(t, mgr.Commit(tx2))

	value, found, err := reader.Get("t", []byte("r1"), "cf", []byte("q"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", string(value))
	mgr.Abort(reader)
}

// TestConcurrentWritersToTheSameRowOneAborts reproduces spec §8's
// write-write conflict scenario (and the teacher's TestInvolvesConflictingTransactions shape): two
// concurrent writers to the same row race to commit; exactly one aborts
// with ErrConflict.
func TestConcurrentWritersToTheSameRowOneAborts(t *testing.T) {
	mgr := newTestManager(t)

	tx0, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, tx0.Put(row("seed")))
	require.NoError(t, mgr.Commit(tx0))

	var wg sync.WaitGroup
	wg.Add(2)

	var errSlow, errFast error

	go func() {
		defer wg.Done()
		tx, err := mgr.Begin()
		require.NoError(t, err)
		_, _, _ = tx.Get("t", []byte("r1"), "cf", []byte("q"))
		_ = tx.Put(row("slow"))
		time.Sleep(25 * time.Millisecond)
		errSlow = mgr.Commit(tx)
	}()

	go func() {
		defer wg.Done()
		tx, err := mgr.Begin()
		require.NoError(t, err)
		_ = tx.Put(row("fast"))
		time.Sleep(10 * time.Millisecond)
		errFast = mgr.Commit(tx)
	}()
	wg.Wait()

	assert.NoError(t, errFast)
	assert.Error(t, errSlow)
}

func TestAbortLeavesNoVisibleWrite(t *testing.T) {
	mgr := newTestManager(t)

	tx, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Put(row("v1")))
	mgr.Abort(tx)

	reader, err := mgr.Begin()
	require.NoError(t, err)
	_, found, err := reader.Get("t", []byte("r1"), "cf", []byte("q"))
	require.NoError(t, err)
	assert.False(t, found)
	mgr.Abort(reader)
}

func TestScanSeesCommittedRowsAndOwnUncommittedWrites(t *testing.T) {
	mgr := newTestManager(t)

	seed, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, seed.Put(tso.RowKeyFamily{TableID: "t", Row: []byte("alice"), Family: "cf", Qualifiers: [][]byte{[]byte("q")}, Values: [][]byte{[]byte("a1")}}))
	require.NoError(t, mgr.Commit(seed))

	tx, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Put(tso.RowKeyFamily{TableID: "t", Row: []byte("bob"), Family: "cf", Qualifiers: [][]byte{[]byte("q")}, Values: [][]byte{[]byte("b1")}}))

	rows, err := tx.Scan("t", KeyRange{}, "cf")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byRow := map[string]string{}
	for _, r := range rows {
		byRow[string(r.Row)] = string(r.Values[0])
	}
	assert.Equal(t, map[string]string{"alice": "a1", "bob": "b1"}, byRow)
	mgr.Abort(tx)
}

func TestPutRejectsARowOutsideThePartitionsKeyRange(t *testing.T) {
	o, err := oracle.New(tsstorage.NewInMemory(), oracle.Config{Batch: 64, Threshold: 8})
	require.NoError(t, err)
	t.Cleanup(o.Stop)
	d := decider.New(decider.Config{Cache: cache.New(cache.Config{}), Oracle: o, CommitTable: committable.NewInMemory()})
	t.Cleanup(d.Stop)

	runtime := TxnRuntime{Partitions: map[string]*Partition{
		"a": {Name: "a", Range: KeyRange{Upper: []byte("m")}, Oracle: o, Decider: d},
	}}
	mgr := New(runtime, NewMemStore(), committable.NewInMemory(), Config{})

	tx, err := mgr.Begin()
	require.NoError(t, err)
	err = tx.Put(tso.RowKeyFamily{TableID: "t", Row: []byte("zoe"), Family: "cf", Qualifiers: [][]byte{[]byte("q")}, Values: [][]byte{[]byte("v")}})
	assert.Error(t, err)
	mgr.Abort(tx)
}

func TestPickPartitionPrefersTheMostUsedPartition(t *testing.T) {
	o1, err := oracle.New(tsstorage.NewInMemory(), oracle.Config{Batch: 64, Threshold: 8})
	require.NoError(t, err)
	t.Cleanup(o1.Stop)
	o2, err := oracle.New(tsstorage.NewInMemory(), oracle.Config{Batch: 64, Threshold: 8})
	require.NoError(t, err)
	t.Cleanup(o2.Stop)

	d1 := decider.New(decider.Config{Cache: cache.New(cache.Config{}), Oracle: o1, CommitTable: committable.NewInMemory()})
	t.Cleanup(d1.Stop)
	d2 := decider.New(decider.Config{Cache: cache.New(cache.Config{}), Oracle: o2, CommitTable: committable.NewInMemory()})
	t.Cleanup(d2.Stop)

	runtime := TxnRuntime{Partitions: map[string]*Partition{
		"a": {Name: "a", Oracle: o1, Decider: d1},
		"b": {Name: "b", Oracle: o2, Decider: d2},
	}}
	mgr := New(runtime, NewMemStore(), committable.NewInMemory(), Config{})

	tx, err := mgr.Begin()
	require.NoError(t, err)
	assert.Equal(t, "a", tx.partition, "ties break lexicographically")
	mgr.Abort(tx)

	mgr.usage["b"] = 5
	tx, err = mgr.Begin()
	require.NoError(t, err)
	assert.Equal(t, "b", tx.partition)
	mgr.Abort(tx)
}
