// Package client implements the ClientTxnManager (spec §4.F, component F):
// the per-process transaction lifecycle that turns the oracle/cache/decider
// primitives into begin/get/put/commit/abort, including the locality
// policy and the global-transaction escalation described in spec §4.F and
// §9 ("Global mutable state" / "TxnRuntime").
package client

import (
	"omid/pkg/decider"
	"omid/pkg/oracle"
)

// Status is a transaction's lifecycle state (spec §3).
type Status int

const (
	Active Status = iota
	Committed
	Aborted
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Partition is one (TimestampOracle, CommitDecider) pair plus the name the
// locality policy and the wire protocol refer to it by, and the KeyRange
// of rows it owns (spec §3 "partition : KeyRange", §6
// "partitioning.ranges"). Partitions share no mutable state with each
// other; a TxnRuntime owns all of them so no partition registry needs to
// live as a package-level global (spec §9).
type Partition struct {
	Name    string
	Range   KeyRange
	Oracle  *oracle.Oracle
	Decider *decider.Decider
}

// TxnRuntime is the explicit, constructed-from-configuration value that
// replaces the original's process-wide partition registry per spec §9.
// It holds only the partitions; the sequencer lives in coordinator.Config.
// Every ClientTxnManager is handed one; there are no package-level globals.
type TxnRuntime struct {
	Partitions map[string]*Partition
}

// TxnHandle is the opaque token a caller uses to name its transaction
// (spec §9: "a 64-bit ts + pointer/index... no back-pointer is
// required"). It is just the pointer to the Txn record the manager
// created for Begin(); treat it as opaque.
type TxnHandle = *Txn
