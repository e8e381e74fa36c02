package client

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"omid/pkg/committable"
	"omid/pkg/omiderr"
	"omid/pkg/tso"
)

// Config configures a Manager.
type Config struct {
	// ClientID identifies this manager; Begin logs it when escalating to a
	// global transaction. No TimestampRequest is built from it here.
	// Defaults to a fresh random identifier so callers that don't care
	// about it never have to set one.
	ClientID string
	Logger   *logrus.Logger
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// Manager is the ClientTxnManager (spec §4.F). It owns no per-transaction
// state beyond the locality usage-history map and the
// last-commit-failed flag; each Txn's read/write sets are owned solely by
// the caller that created it (spec §5).
type Manager struct {
	cfg         Config
	runtime     TxnRuntime
	store       Store
	commitTable committable.CommitTable

	mu               sync.Mutex
	usage            map[string]int
	lastCommitFailed bool
}

// New constructs a Manager over the given runtime, store and commit table.
func New(runtime TxnRuntime, store Store, commitTable committable.CommitTable, cfg Config) *Manager {
	return &Manager{
		cfg:         cfg.withDefaults(),
		runtime:     runtime,
		store:       store,
		commitTable: commitTable,
		usage:       make(map[string]int),
	}
}

// pickPartition applies the locality policy: the next begin() prefers the
// most-used partition (spec §4.F). Ties break on the lexicographically
// smallest partition name for determinism.
func (m *Manager) pickPartition() *Partition {
	var best *Partition
	bestName := ""
	bestUsage := -1
	for name, p := range m.runtime.Partitions {
		u := m.usage[name]
		if u > bestUsage || (u == bestUsage && name < bestName) || best == nil {
			best = p
			bestName = name
			bestUsage = u
		}
	}
	return best
}

// Begin acquires a start-ts from the chosen partition's oracle and returns
// a fresh Txn (spec §4.F). If the previous local commit on this manager
// failed, the returned Txn is flagged global so callers know to route it
// through a pkg/coordinator.Coordinator instead of Manager.Commit.
func (m *Manager) Begin() (*Txn, error) {
	m.mu.Lock()
	partition := m.pickPartition()
	if partition == nil {
		m.mu.Unlock()
		return nil, omiderr.Errorf("client: no partitions configured")
	}
	escalate := m.lastCommitFailed
	m.usage[partition.Name]++
	m.mu.Unlock()

	if escalate {
		m.cfg.Logger.WithField("client_id", m.cfg.ClientID).Debug("client: previous local commit failed, escalating to a global transaction")
	}

	startTs := partition.Oracle.Next()
	return &Txn{
		mgr:       m,
		partition: partition.Name,
		keyRange:  partition.Range,
		global:    escalate,
		startTs:   startTs,
		reads:     make(map[tso.Fingerprint]struct{}),
		status:    Active,
	}, nil
}

// Commit validates and applies tx against its partition's decider, then
// performs shadow-cell writes, reincarnation or cleanup as the verdict
// requires (spec §4.F).
func (m *Manager) Commit(tx *Txn) error {
	if tx.status != Active {
		return omiderr.Errorf("client: txn %d is not active", tx.startTs)
	}
	if len(tx.writes) == 0 {
		tx.status = Committed
		tx.commitTs = tx.startTs
		return nil
	}

	partition := m.runtime.Partitions[tx.partition]
	result := partition.Decider.Commit(tx.startTs, tx.writeFingerprints(), tx.readFingerprints())

	if !result.Committed {
		m.cleanup(tx)
		tx.status = Aborted
		m.mu.Lock()
		m.lastCommitFailed = true
		m.mu.Unlock()
		return result.Err
	}

	tx.commitTs = result.CommitTs
	tx.status = Committed

	if result.Elder {
		m.reincarnate(tx, result.ConflictRows)
	}

	for _, w := range tx.writes {
		if err := m.store.WriteShadowCell(w, tx.startTs, tx.commitTs); err != nil {
			// Shadow-cell durability failure is not fatal (spec §4.F):
			// later readers repair it lazily via the commit table.
			m.cfg.Logger.WithError(err).Warn("client: shadow cell write failed, will be repaired lazily")
		}
	}

	m.mu.Lock()
	m.lastCommitFailed = false
	m.mu.Unlock()
	return nil
}

// reincarnate rewrites a committed transaction's conflicting written rows
// at commit-ts, so they linearize correctly under the commit-order
// snapshot rule (spec §4.D step 5, §9 Glossary "Reincarnation").
func (m *Manager) reincarnate(tx *Txn, conflictRows []tso.Fingerprint) {
	conflicted := make(map[tso.Fingerprint]struct{}, len(conflictRows))
	for _, f := range conflictRows {
		conflicted[f] = struct{}{}
	}
	for _, w := range tx.writes {
		if _, ok := conflicted[w.Fingerprint()]; !ok {
			continue
		}
		if err := m.store.PutSpeculative(w, tx.commitTs); err != nil {
			m.cfg.Logger.WithError(err).Error("client: reincarnation write failed")
			continue
		}
		if err := m.store.WriteShadowCell(w, tx.commitTs, tx.commitTs); err != nil {
			m.cfg.Logger.WithError(err).Warn("client: reincarnated shadow cell write failed")
		}
	}
}

// Abort discards tx's speculative writes without attempting to commit
// (spec §4.F).
func (m *Manager) Abort(tx *Txn) {
	if tx.status != Active {
		return
	}
	tx.commitTs = 0
	m.cleanup(tx)
	tx.status = Aborted
}

// cleanup deletes every speculative version the transaction wrote, and
// marks the commit table entry invalid so any reader that races the
// cleanup still resolves the row as aborted (spec §4.F, §6).
func (m *Manager) cleanup(tx *Txn) {
	for _, w := range tx.writes {
		if err := m.store.DeleteSpeculative(w, tx.startTs); err != nil {
			m.cfg.Logger.WithError(err).Warn("client: cleanup failed to delete speculative version")
		}
	}
	if err := m.commitTable.Invalidate(tx.startTs); err != nil {
		m.cfg.Logger.WithError(err).Warn("client: failed to invalidate commit table entry during cleanup")
	}
}
