package immutable

import (
	"errors"
	"fmt"

	"github.com/voltairelabs/chainstore/chain"
)

// User errors: contract violations the caller can recover from. Those about
// a coordinate (appends, reads, iterator ranges) are returned wrapped in a
// typed error carrying the offending coordinates, which unwraps to its
// sentinel; the rest are returned as the sentinel, at most wrapped with
// context.
var (
	ErrAppendToSlotInThePast = errors.New("append to a slot at or before the tip")
	ErrAppendToEBBInThePast  = errors.New("append of an EBB at or before the current epoch")
	ErrReadFutureSlot        = errors.New("read of a slot past the tip")
	ErrReadFutureEBB         = errors.New("read of an EBB past the current epoch")
	ErrInvalidIteratorRange  = errors.New("invalid iterator range")
	ErrDBOpen                = errors.New("database is already open")
	ErrDBClosed              = errors.New("database is closed")
	ErrDBLocked              = errors.New("database directory is locked by another process")
	ErrOpenIterators         = errors.New("operation requires all iterators to be closed")
)

// Unexpected errors: on disk corruption and I/O faults. Any of these raised
// during a write closes the database; the caller must reopen with a
// validation policy to continue.
var (
	ErrChecksumMismatch    = errors.New("block checksum mismatch")
	ErrInvalidPrimaryIndex = errors.New("primary index is malformed")
	ErrMissingEpochFile    = errors.New("epoch file missing")
	ErrInvalidBinary       = errors.New("epoch file contents failed to parse")
)

// AppendToPastError reports an append that does not advance the tip.
type AppendToPastError struct {
	// At is the rejected coordinate.
	At chain.BlockOrEBB
	// Tip is the tip the database held at the time.
	Tip chain.Tip
}

func (e *AppendToPastError) Error() string {
	return fmt.Sprintf("%v: %s, tip %s", e.Unwrap(), e.At, e.Tip)
}

func (e *AppendToPastError) Unwrap() error {
	if e.At.IsEBB() {
		return ErrAppendToEBBInThePast
	}
	return ErrAppendToSlotInThePast
}

// ReadFutureError reports a read addressed past the tip.
type ReadFutureError struct {
	At  chain.BlockOrEBB
	Tip chain.Tip
}

func (e *ReadFutureError) Error() string {
	return fmt.Sprintf("%v: %s, tip %s", e.Unwrap(), e.At, e.Tip)
}

func (e *ReadFutureError) Unwrap() error {
	if e.At.IsEBB() {
		return ErrReadFutureEBB
	}
	return ErrReadFutureSlot
}

// IteratorRangeError reports a Stream call whose endpoints are unusable.
// Exactly one of FromMissing and ToMissing is set when an endpoint does not
// identify a filled slot; both are clear when from > to.
type IteratorRangeError struct {
	From        chain.SlotNo
	To          chain.SlotNo
	FromMissing bool
	ToMissing   bool
}

func (e *IteratorRangeError) Error() string {
	switch {
	case e.FromMissing:
		return fmt.Sprintf("%v: no block at lower bound slot %d", ErrInvalidIteratorRange, e.From)
	case e.ToMissing:
		return fmt.Sprintf("%v: no block at upper bound slot %d", ErrInvalidIteratorRange, e.To)
	default:
		return fmt.Sprintf("%v: from slot %d > to slot %d", ErrInvalidIteratorRange, e.From, e.To)
	}
}

func (e *IteratorRangeError) Unwrap() error { return ErrInvalidIteratorRange }

// ChecksumError reports a CRC failure on a block read. Validation does not
// return it; it truncates the epoch at the first block whose checksum
// disagrees with the old secondary index.
type ChecksumError struct {
	Epoch    chain.EpochNo
	At       chain.BlockOrEBB
	Expected uint32
	Got      uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%v: epoch %d %s expected %08x got %08x",
		ErrChecksumMismatch, e.Epoch, e.At, e.Expected, e.Got)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }
