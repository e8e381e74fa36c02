package client

import (
	"sort"
	"sync"

	"github.com/tidwall/btree"

	"omid/pkg/committable"
	"omid/pkg/tso"
)

// Store is the multi-versioned wide-column store a ClientTxnManager writes
// through (spec §6, "Store layout (client-imposed)"). The store's own wire
// protocol is an external collaborator and out of scope (spec §1); Store
// is the seam the client-side instrumentation needs from it. PutSpeculative
// and the shadow-cell methods let the manager attach the "undecided" /
// commit-ts annotation spec §4.F and §6 describe, without the store
// itself knowing anything about transactions.
type Store interface {
	// PutSpeculative writes a write's qualifiers/values at ts, with no
	// shadow cell yet (i.e. "undecided").
	PutSpeculative(w tso.RowKeyFamily, ts uint64) error
	// DeleteSpeculative removes the versions written at ts (cleanup after
	// abort, spec §4.F).
	DeleteSpeculative(w tso.RowKeyFamily, ts uint64) error
	// WriteShadowCell durably annotates every cell written at startTs with
	// its eventual commitTs.
	WriteShadowCell(w tso.RowKeyFamily, startTs, commitTs uint64) error
	// Get resolves the most recent version of (tableID,row,family,qualifier)
	// visible at or before readerTs, falling back to the commit table when
	// the shadow cell is missing (spec §6, §4.F).
	Get(tableID string, row []byte, family string, qualifier []byte, readerTs uint64, fallback committable.CommitTable) (value []byte, found bool, repaired bool, err error)
	// Scan resolves the most recent visible version of every (row,
	// qualifier) cell for tableID/family whose row falls within rng,
	// applying the same shadow-cell/commit-table resolution Get uses
	// (spec §4.F "scan(tx, query): reads from the store filtering to
	// versions <= start_ts...").
	Scan(tableID string, rng KeyRange, family string, readerTs uint64, fallback committable.CommitTable) ([]ScanResult, error)
}

// ScanResult is one visible cell a range scan resolved.
type ScanResult struct {
	Row       []byte
	Qualifier []byte
	Value     []byte
}

type cellKey struct {
	tableID   string
	row       string
	family    string
	qualifier string
	ts        uint64
}

func cellLess(a, b cellKey) bool {
	if a.tableID != b.tableID {
		return a.tableID < b.tableID
	}
	if a.row != b.row {
		return a.row < b.row
	}
	if a.family != b.family {
		return a.family < b.family
	}
	if a.qualifier != b.qualifier {
		return a.qualifier < b.qualifier
	}
	return a.ts < b.ts
}

type cellRecord struct {
	key   cellKey
	value []byte
}

func cellRecordLess(a, b cellRecord) bool { return cellLess(a.key, b.key) }

type shadowRecord struct {
	key      cellKey // ts here is the write's start_ts
	commitTs uint64
	aborted  bool
}

func shadowRecordLess(a, b shadowRecord) bool { return cellLess(a.key, b.key) }

func samePrefix(a, b cellKey) bool {
	return a.tableID == b.tableID && a.row == b.row && a.family == b.family && a.qualifier == b.qualifier
}

// MemStore is the in-memory reference Store used by tests and the demo
// command, the way the teacher's MvStore stands in for a real store using
// the same github.com/tidwall/btree library.
type MemStore struct {
	mu     sync.RWMutex
	cells  *btree.BTreeG[cellRecord]
	shadow *btree.BTreeG[shadowRecord]
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		cells:  btree.NewBTreeG(cellRecordLess),
		shadow: btree.NewBTreeG(shadowRecordLess),
	}
}

func (m *MemStore) PutSpeculative(w tso.RowKeyFamily, ts uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := string(w.Row)
	for i, q := range w.Qualifiers {
		key := cellKey{tableID: w.TableID, row: row, family: w.Family, qualifier: string(q), ts: ts}
		m.cells.Set(cellRecord{key: key, value: w.Values[i]})
	}
	return nil
}

func (m *MemStore) DeleteSpeculative(w tso.RowKeyFamily, ts uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := string(w.Row)
	for _, q := range w.Qualifiers {
		key := cellKey{tableID: w.TableID, row: row, family: w.Family, qualifier: string(q), ts: ts}
		m.cells.Delete(cellRecord{key: key})
		m.shadow.Delete(shadowRecord{key: key})
	}
	return nil
}

func (m *MemStore) WriteShadowCell(w tso.RowKeyFamily, startTs, commitTs uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := string(w.Row)
	for _, q := range w.Qualifiers {
		key := cellKey{tableID: w.TableID, row: row, family: w.Family, qualifier: string(q), ts: startTs}
		m.shadow.Set(shadowRecord{key: key, commitTs: commitTs})
	}
	return nil
}

// Get walks versions of (tableID,row,family,qualifier) from newest to
// oldest, stopping at the first one visible at readerTs. A version is
// visible if its shadow cell (or, failing that, the commit table) resolves
// to a commit-ts <= readerTs. Versions that resolve to "aborted" or to a
// commit-ts > readerTs are skipped in favor of an older version.
func (m *MemStore) Get(tableID string, row []byte, family string, qualifier []byte, readerTs uint64, fallback committable.CommitTable) ([]byte, bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := cellKey{tableID: tableID, row: string(row), family: family, qualifier: string(qualifier)}
	pivot := cellRecord{key: cellKey{tableID: tableID, row: string(row), family: family, qualifier: string(qualifier), ts: ^uint64(0)}}

	var (
		resultValue []byte
		found       bool
		repaired    bool
	)

	m.cells.Descend(pivot, func(item cellRecord) bool {
		if !samePrefix(item.key, prefix) {
			return false
		}
		startTs := item.key.ts

		commitTs, ok, wasRepaired := m.resolveCommit(item.key, startTs, fallback)
		if !ok {
			// Undecided or aborted: invisible, keep looking at older versions.
			return true
		}
		if wasRepaired {
			repaired = true
		}
		if commitTs <= readerTs {
			resultValue = item.value
			found = true
			return false
		}
		return true
	})

	return resultValue, found, repaired, nil
}

// Scan walks every (row, qualifier) pair for tableID/family whose row
// falls within rng, resolving each the same way Get resolves a single
// cell: newest-to-oldest version, skipping ones that resolve to aborted or
// to a commit-ts past readerTs.
func (m *MemStore) Scan(tableID string, rng KeyRange, family string, readerTs uint64, fallback committable.CommitTable) ([]ScanResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type versions struct {
		row, qualifier string
		cells          []cellRecord
	}
	groups := make(map[string]*versions)
	var order []string

	m.cells.Ascend(cellRecord{}, func(item cellRecord) bool {
		k := item.key
		if k.tableID != tableID || k.family != family {
			return true
		}
		if !rng.Contains([]byte(k.row)) {
			return true
		}
		gk := k.row + "\x00" + k.qualifier
		g, ok := groups[gk]
		if !ok {
			g = &versions{row: k.row, qualifier: k.qualifier}
			groups[gk] = g
			order = append(order, gk)
		}
		g.cells = append(g.cells, item)
		return true
	})

	var results []ScanResult
	for _, gk := range order {
		g := groups[gk]
		sort.Slice(g.cells, func(i, j int) bool { return g.cells[i].key.ts > g.cells[j].key.ts })
		for _, cell := range g.cells {
			commitTs, ok, _ := m.resolveCommit(cell.key, cell.key.ts, fallback)
			if !ok {
				continue
			}
			if commitTs <= readerTs {
				results = append(results, ScanResult{Row: []byte(g.row), Qualifier: []byte(g.qualifier), Value: cell.value})
				break
			}
		}
	}
	return results, nil
}

// resolveCommit resolves a written version's commit-ts via its shadow
// cell, falling back to the commit table and opportunistically repairing
// the shadow cell (spec §4.F, P5).
func (m *MemStore) resolveCommit(key cellKey, startTs uint64, fallback committable.CommitTable) (commitTs uint64, visible bool, repaired bool) {
	if sc, ok := m.shadow.Get(shadowRecord{key: key}); ok {
		if sc.aborted {
			return 0, false, false
		}
		return sc.commitTs, true, false
	}

	if fallback == nil {
		return 0, false, false
	}
	if fallback.IsInvalid(startTs) {
		return 0, false, false
	}
	if ts, ok := fallback.Get(startTs); ok {
		m.shadow.Set(shadowRecord{key: key, commitTs: ts})
		return ts, true, true
	}
	return 0, false, false
}
