package immutable

import (
	"encoding/binary"
	"fmt"

	"github.com/voltairelabs/chainstore/chain"
)

// Primary index layout: a single version byte followed by little endian u32
// offsets into the epoch's secondary index.
//
// For an epoch of size S the complete file holds S+2 offsets A[0..S+1].
// A[r] is the secondary offset of relative slot r's entry; an empty slot
// shares its successor's offset, so r is empty iff A[r] == A[r+1]. A[0] is
// always 0 and the final pair brackets the file: once the epoch is finished
// both trailing offsets equal the secondary file's total size.
//
// While an epoch is still being written the file carries offsets only up to
// the last filled slot; loading pads the suffix with the last offset, which
// is equivalent to marking the remaining slots empty.
const (
	primaryVersion    = byte(1)
	primaryHeaderSize = 1
	primaryOffsetSize = 4
)

// primaryFileSize is the complete on disk size for an epoch of size
// epochSize.
func primaryFileSize(epochSize uint64) int64 {
	return primaryHeaderSize + primaryOffsetSize*(int64(epochSize)+2)
}

// PrimaryIndex is a loaded primary index, padded to its full length.
type PrimaryIndex struct {
	epochSize uint64
	offsets   []uint32 // always epochSize+2 entries
}

// newPrimaryIndex builds an index from the offsets present on disk, padding
// with the last offset up to the full epochSize+2 length.
func newPrimaryIndex(epochSize uint64, stored []uint32) (PrimaryIndex, error) {
	want := int(epochSize) + 2
	if len(stored) > want {
		return PrimaryIndex{}, fmt.Errorf("%w: %d offsets for epoch size %d",
			ErrInvalidPrimaryIndex, len(stored), epochSize)
	}
	offsets := make([]uint32, want)
	var last uint32
	for i := range offsets {
		if i < len(stored) {
			last = stored[i]
		}
		offsets[i] = last
	}
	if offsets[0] != 0 {
		return PrimaryIndex{}, fmt.Errorf("%w: first offset is %d, not 0",
			ErrInvalidPrimaryIndex, offsets[0])
	}
	for i := 1; i < len(offsets); i++ {
		if offsets[i] < offsets[i-1] {
			return PrimaryIndex{}, fmt.Errorf("%w: offset %d decreases (%d -> %d)",
				ErrInvalidPrimaryIndex, i, offsets[i-1], offsets[i])
		}
	}
	return PrimaryIndex{epochSize: epochSize, offsets: offsets}, nil
}

// decodePrimaryIndex parses a primary file image. The image may be shorter
// than the complete file while the epoch is in progress, but must contain the
// version byte, A[0], and a whole number of offsets.
func decodePrimaryIndex(buf []byte, epochSize uint64) (PrimaryIndex, error) {
	if len(buf) < primaryHeaderSize+primaryOffsetSize {
		return PrimaryIndex{}, fmt.Errorf("%w: %d bytes", ErrInvalidPrimaryIndex, len(buf))
	}
	if buf[0] != primaryVersion {
		return PrimaryIndex{}, fmt.Errorf("%w: version byte %d, want %d",
			ErrInvalidPrimaryIndex, buf[0], primaryVersion)
	}
	body := buf[primaryHeaderSize:]
	if len(body)%primaryOffsetSize != 0 {
		return PrimaryIndex{}, fmt.Errorf("%w: %d offset bytes", ErrInvalidPrimaryIndex, len(body))
	}
	stored := make([]uint32, len(body)/primaryOffsetSize)
	for i := range stored {
		stored[i] = binary.LittleEndian.Uint32(body[i*primaryOffsetSize:])
	}
	return newPrimaryIndex(epochSize, stored)
}

// encode renders the complete file image, including the version byte.
func (pi PrimaryIndex) encode() []byte {
	buf := make([]byte, primaryFileSize(pi.epochSize))
	buf[0] = primaryVersion
	for i, off := range pi.offsets {
		binary.LittleEndian.PutUint32(buf[primaryHeaderSize+i*primaryOffsetSize:], off)
	}
	return buf
}

// Offsets returns the padded offset array A[0..epochSize+1].
func (pi PrimaryIndex) Offsets() []uint32 { return pi.offsets }

// SecondarySize returns the total secondary file size the index accounts for.
func (pi PrimaryIndex) SecondarySize() uint32 { return pi.offsets[len(pi.offsets)-1] }

// IsFilled reports whether relative slot r holds an entry, and the entry's
// secondary offset when it does.
func (pi PrimaryIndex) IsFilled(r chain.RelativeSlot) (bool, uint32) {
	if uint64(r) >= pi.epochSize {
		return false, 0
	}
	if pi.offsets[r] == pi.offsets[r+1] {
		return false, 0
	}
	return true, pi.offsets[r]
}

// LastFilled returns the highest filled relative slot, or ok=false for an
// epoch with no entries.
func (pi PrimaryIndex) LastFilled() (chain.RelativeSlot, bool) {
	for r := int64(pi.epochSize) - 1; r >= 0; r-- {
		if pi.offsets[r] != pi.offsets[r+1] {
			return chain.RelativeSlot(r), true
		}
	}
	return 0, false
}

// NextFilled returns the first filled relative slot at or after r.
func (pi PrimaryIndex) NextFilled(r chain.RelativeSlot) (chain.RelativeSlot, bool) {
	for s := uint64(r); s < pi.epochSize; s++ {
		if pi.offsets[s] != pi.offsets[s+1] {
			return chain.RelativeSlot(s), true
		}
	}
	return 0, false
}

// FilledCount returns the number of entries the index accounts for.
func (pi PrimaryIndex) FilledCount(entrySize int) int {
	return int(pi.SecondarySize()) / entrySize
}

// primaryIndexFromEntries rebuilds the index an epoch's entries imply. rels
// must be sorted ascending and parallel to the secondary entry sequence.
func primaryIndexFromEntries(epochSize uint64, rels []chain.RelativeSlot, entrySize int) (PrimaryIndex, error) {
	offsets := make([]uint32, epochSize+2)
	next := uint32(0)
	k := 0
	for r := uint64(0); r < epochSize+1; r++ {
		offsets[r+1] = next
		if k < len(rels) && uint64(rels[k]) == r {
			next += uint32(entrySize)
			offsets[r+1] = next
			k++
		}
	}
	if k != len(rels) {
		return PrimaryIndex{}, fmt.Errorf("%w: relative slots out of range or unsorted",
			ErrInvalidPrimaryIndex)
	}
	return newPrimaryIndex(epochSize, offsets)
}
