package tso

// Rows and reads are 64-bit fingerprints on the wire; full row bytes never
// reach the TSO (spec §6).

// TimestampRequest asks a TSO for a fresh start-ts.
type TimestampRequest struct {
	ClientID string
	Sequence uint64 // set only for global-transaction participants
}

// TimestampResponse carries the allocated timestamp.
type TimestampResponse struct {
	Ts uint64
}

// CommitRequest carries a transaction's read/write fingerprints to the
// decider.
type CommitRequest struct {
	StartTs uint64
	Writes  []Fingerprint
	Reads   []Fingerprint
}

// CommitResponse is the decider's verdict.
type CommitResponse struct {
	Committed    bool
	CommitTs     uint64
	Elder        bool
	ConflictRows []Fingerprint
	Reason       string // set when !Committed
}

// PrepareCommit is phase 1 of the global (multi-partition) protocol: a
// partition validates admission locally but does not publish yet.
type PrepareCommit struct {
	StartTs uint64
	Writes  []Fingerprint
	Reads   []Fingerprint
	Vts     []uint64 // one timestamp per participating partition
}

// PrepareResponse reports whether this partition is ready to commit.
type PrepareResponse struct {
	Committed bool
	CommitTs  uint64 // this partition's locally-allocated commit-ts, if ready
	Reason    string
}

// MultiCommitRequest is phase 2: broadcasts the sequencer-ordered
// commit-ts vector (or an abort marker) to every partition.
type MultiCommitRequest struct {
	StartTs uint64
	Vts     []uint64
	Abort   bool
}

// CompleteAbort and CompleteReincarnation are idempotent bookkeeping
// messages a client sends once it has finished cleanup or reincarnation.
type CompleteAbort struct {
	StartTs uint64
}

type CompleteReincarnation struct {
	StartTs uint64
}
