package client

import "bytes"

// KeyRange is the half-open row-key range `[Lower, Upper)` a partition owns
// (spec §3 "partition : KeyRange", §6 "partitioning.ranges: set of
// KeyRange (lower, upper) and the endpoint of each partition's TSO"). A nil
// or empty Upper means unbounded above; a nil or empty Lower means
// unbounded below.
type KeyRange struct {
	Lower []byte
	Upper []byte
}

// Contains reports whether row falls within [Lower, Upper).
func (r KeyRange) Contains(row []byte) bool {
	if len(r.Lower) > 0 && bytes.Compare(row, r.Lower) < 0 {
		return false
	}
	if len(r.Upper) > 0 && bytes.Compare(row, r.Upper) >= 0 {
		return false
	}
	return true
}

// PartitionForRow returns the partition whose KeyRange owns row, resolving
// the routing spec §6's partitioning.ranges describes. Ranges must not
// overlap; if more than one matches, the first found wins.
func (r TxnRuntime) PartitionForRow(row []byte) (*Partition, bool) {
	for _, p := range r.Partitions {
		if p.Range.Contains(row) {
			return p, true
		}
	}
	return nil, false
}
