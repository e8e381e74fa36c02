// Package tso holds the logical wire messages the TSO exchanges with
// clients and partitions (spec §6) plus the row-fingerprinting scheme.
// The actual network framing (gRPC, a custom binary protocol, ...) is out
// of scope (spec §1); these are the payloads such framing would carry.
package tso

import (
	"github.com/dgryski/go-farm"
)

// Fingerprint is a 64-bit hash of (table-id, row-key, column-family),
// spec §3. Collisions are acceptable: they only cause spurious aborts.
type Fingerprint uint64

// RowKeyFamily identifies the write entry a transaction stages: a table,
// row, column-family, and the qualifiers/values written within it
// (spec §3).
type RowKeyFamily struct {
	TableID    string
	Row        []byte
	Family     string
	Qualifiers [][]byte
	Values     [][]byte
}

// FingerprintOf hashes (tableID, row, family) with farmhash, the row
// fingerprinting library talent-plan-tinykv depends on for the same kind
// of range/row hashing.
func FingerprintOf(tableID string, row []byte, family string) Fingerprint {
	buf := make([]byte, 0, len(tableID)+len(row)+len(family)+2)
	buf = append(buf, tableID...)
	buf = append(buf, 0)
	buf = append(buf, row...)
	buf = append(buf, 0)
	buf = append(buf, family...)
	return Fingerprint(farm.Hash64(buf))
}

// Fingerprint computes this write's row fingerprint.
func (w RowKeyFamily) Fingerprint() Fingerprint {
	return FingerprintOf(w.TableID, w.Row, w.Family)
}
