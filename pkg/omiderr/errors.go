// Package omiderr collects the error taxonomy shared by the oracle,
// decider, client and coordinator packages (spec §7): transient I/O, conflict, too-old,
// durability, protocol-violation and unknown-outcome.
package omiderr

import "github.com/pkg/errors"

// Sentinel errors a caller can compare against with errors.Is.
var (
	// ErrConflict is returned when the decider finds a write-write conflict.
	ErrConflict = errors.New("omid: write-write conflict")
	// ErrTooOld is returned when a transaction's start-ts is below the
	// conflict cache's low-watermark and its rows are absent from the cache.
	ErrTooOld = errors.New("omid: start-ts below low-watermark")
	// ErrDurability marks a commit-table or timestamp-storage write failure.
	ErrDurability = errors.New("omid: durability failure")
	// ErrUnknownOutcome names the outcome of a commit whose request was sent
	// but whose reply never arrived; it must resolve via the commit table.
	// No function in this module returns it.
	ErrUnknownOutcome = errors.New("omid: commit outcome unknown, resolve via commit table")
	// ErrReadOnly names a write attempted on a read-only txn. No function in
	// this module returns it; Txn has no read-only mode.
	ErrReadOnly = errors.New("omid: transaction is read-only")
	// ErrEmptyKey is returned for zero-length row keys.
	ErrEmptyKey = errors.New("omid: row key is empty")
	// ErrTxnNotFound names a TxnHandle with no matching pending record. No
	// function in this module returns it.
	ErrTxnNotFound = errors.New("omid: transaction not found")
	// ErrStopped names an operation attempted after a component was shut
	// down. No function in this module returns it; a Decider call made
	// after Stop blocks instead.
	ErrStopped = errors.New("omid: component stopped")
)

// Panicker aborts the process on an unrecoverable error. It is the capability
// boundary spec §4.B/§7 require for durability and protocol-violation
// failures: the core never swallows these, it crashes loudly through this
// seam so tests can substitute a non-fatal stand-in.
type Panicker interface {
	Panic(err error)
}

// ProcessPanicker is the production Panicker: it really does panic.
type ProcessPanicker struct{}

func (ProcessPanicker) Panic(err error) {
	panic(err)
}

// RecordingPanicker captures the panic instead of crashing, for tests that
// need to assert a fatal path was taken without killing the test binary.
type RecordingPanicker struct {
	Err error
}

func (p *RecordingPanicker) Panic(err error) {
	p.Err = err
}

// Fired reports whether Panic was ever called.
func (p *RecordingPanicker) Fired() bool {
	return p.Err != nil
}

// Wrap is a thin alias kept so call sites read naturally:
// omiderr.Wrap(err, "allocating timestamp batch").
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// Wrapf is the formatted counterpart of Wrap.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// Errorf constructs a new error with a stack trace attached, matching the
// rest of the taxonomy's use of github.com/pkg/errors.
func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}
