package client

import (
	"omid/pkg/omiderr"
	"omid/pkg/tso"
)

// Txn is a single transaction's client-side state (spec §3). It is owned
// by the caller that created it via Manager.Begin and must not be shared
// across goroutines.
type Txn struct {
	mgr       *Manager
	partition string
	keyRange  KeyRange
	global    bool

	startTs  uint64
	commitTs uint64
	vts      []uint64 // set only for global transactions (spec §3)

	writes []tso.RowKeyFamily
	reads  map[tso.Fingerprint]struct{}

	status Status
}

// Put stages a write in the transaction's write-set and speculatively
// writes it to the store at start-ts with no shadow cell yet (spec §4.F).
func (tx *Txn) Put(w tso.RowKeyFamily) error {
	if tx.status != Active {
		return omiderr.Errorf("client: txn %d is not active", tx.startTs)
	}
	if len(w.Row) == 0 {
		return omiderr.ErrEmptyKey
	}
	if !tx.keyRange.Contains(w.Row) {
		return omiderr.Errorf("client: row %q is outside partition %q's key range", w.Row, tx.partition)
	}
	if err := tx.mgr.store.PutSpeculative(w, tx.startTs); err != nil {
		return omiderr.Wrap(err, "client: speculative write failed")
	}
	tx.writes = append(tx.writes, w)
	return nil
}

// Get reads tableID/row/family/qualifier as of this transaction's
// snapshot (spec §4.F): first checking the transaction's own write-set,
// then the store, filtered to versions resolvable to a commit-ts at or
// before start-ts.
func (tx *Txn) Get(tableID string, row []byte, family string, qualifier []byte) ([]byte, bool, error) {
	for i := len(tx.writes) - 1; i >= 0; i-- {
		w := tx.writes[i]
		if w.TableID != tableID || string(w.Row) != string(row) || w.Family != family {
			continue
		}
		for i, q := range w.Qualifiers {
			if string(q) == string(qualifier) {
				return w.Values[i], true, nil
			}
		}
	}

	value, found, repaired, err := tx.mgr.store.Get(tableID, row, family, qualifier, tx.startTs, tx.mgr.commitTable)
	if err != nil {
		return nil, false, omiderr.Wrap(err, "client: read failed")
	}
	if repaired {
		tx.mgr.cfg.Logger.WithField("table", tableID).Debug("client: repaired shadow cell from commit table on read")
	}

	fp := tso.FingerprintOf(tableID, row, family)
	if tx.reads == nil {
		tx.reads = make(map[tso.Fingerprint]struct{})
	}
	tx.reads[fp] = struct{}{}

	return value, found, nil
}

// Scan reads every (row, qualifier) cell for tableID/family whose row
// falls within rng as of this transaction's snapshot (spec §4.F
// "scan(tx, query)"), merging the transaction's own write-set over the
// store's committed and shadow-cell-resolved versions the same way Get
// merges a single cell. Rows are returned in no particular order.
func (tx *Txn) Scan(tableID string, rng KeyRange, family string) ([]tso.RowKeyFamily, error) {
	writeSet := make(map[string]map[string][]byte) // row -> qualifier -> value
	for _, w := range tx.writes {
		if w.TableID != tableID || w.Family != family || !rng.Contains(w.Row) {
			continue
		}
		row := string(w.Row)
		if writeSet[row] == nil {
			writeSet[row] = make(map[string][]byte)
		}
		for i, q := range w.Qualifiers {
			writeSet[row][string(q)] = w.Values[i]
		}
	}

	results, err := tx.mgr.store.Scan(tableID, rng, family, tx.startTs, tx.mgr.commitTable)
	if err != nil {
		return nil, omiderr.Wrap(err, "client: scan failed")
	}

	byRow := make(map[string]*tso.RowKeyFamily)
	var order []string
	cellOf := func(row []byte) *tso.RowKeyFamily {
		key := string(row)
		rkf, ok := byRow[key]
		if !ok {
			rkf = &tso.RowKeyFamily{TableID: tableID, Row: row, Family: family}
			byRow[key] = rkf
			order = append(order, key)
		}
		return rkf
	}

	for _, r := range results {
		if qs, ok := writeSet[string(r.Row)]; ok {
			if _, shadowed := qs[string(r.Qualifier)]; shadowed {
				continue // the write-set version takes precedence, added below
			}
		}
		rkf := cellOf(r.Row)
		rkf.Qualifiers = append(rkf.Qualifiers, r.Qualifier)
		rkf.Values = append(rkf.Values, r.Value)
	}
	for row, qs := range writeSet {
		rkf := cellOf([]byte(row))
		for q, v := range qs {
			rkf.Qualifiers = append(rkf.Qualifiers, []byte(q))
			rkf.Values = append(rkf.Values, v)
		}
	}

	out := make([]tso.RowKeyFamily, 0, len(order))
	if tx.reads == nil {
		tx.reads = make(map[tso.Fingerprint]struct{})
	}
	for _, key := range order {
		rkf := *byRow[key]
		out = append(out, rkf)
		tx.reads[rkf.Fingerprint()] = struct{}{}
	}
	return out, nil
}

// writeFingerprints returns the fingerprint of every staged write,
// duplicates included (spec §3: "deduplication is not required; the decider tolerates
// duplicates").
func (tx *Txn) writeFingerprints() []tso.Fingerprint {
	fps := make([]tso.Fingerprint, len(tx.writes))
	for i, w := range tx.writes {
		fps[i] = w.Fingerprint()
	}
	return fps
}

func (tx *Txn) readFingerprints() []tso.Fingerprint {
	fps := make([]tso.Fingerprint, 0, len(tx.reads))
	for f := range tx.reads {
		fps = append(fps, f)
	}
	return fps
}

// StartTs returns the transaction's start timestamp.
func (tx *Txn) StartTs() uint64 { return tx.startTs }

// CommitTs returns the transaction's commit timestamp (0 until decided).
func (tx *Txn) CommitTs() uint64 { return tx.commitTs }

// Status returns the transaction's current lifecycle state.
func (tx *Txn) Status() Status { return tx.status }

// Global reports whether this transaction was escalated to the global
// (multi-partition) path because the manager's previous local commit
// failed (spec §4.F). Callers that see Global() true should route the
// transaction's commit through a pkg/coordinator.Coordinator instead of
// Manager.Commit.
func (tx *Txn) Global() bool { return tx.global }

// Partition returns the name of the partition this transaction began on.
func (tx *Txn) Partition() string { return tx.partition }

// KeyRange returns the row-key range of the partition this transaction
// began on (spec §3 "partition : KeyRange").
func (tx *Txn) KeyRange() KeyRange { return tx.keyRange }
