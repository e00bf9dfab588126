package immutable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/voltairelabs/chainstore/chain"
)

// Secondary index entry layout, all integers little endian:
//
//	.     | blockOffset | headerOffset | headerSize | checksum | kind | slotOrEpoch | hash     |
//	bytes |      8      |      2       |     2      |    4     |  1   |      8      | hashSize |
//
// kind is 0 for a regular block and 1 for an EBB; slotOrEpoch is the absolute
// slot or the epoch number accordingly. An entry holds everything needed to
// locate and verify one block without parsing the epoch file.
const (
	entryBlockOffsetStart  = 0
	entryHeaderOffsetStart = 8
	entryHeaderSizeStart   = 10
	entryChecksumStart     = 12
	entryKindStart         = 16
	entrySlotOrEpochStart  = 17
	entryHashStart         = 25

	// entryFixedSize is the entry size excluding the trailing hash.
	entryFixedSize = 25
)

// castagnoli is the CRC-32 polynomial used for block checksums.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var (
	ErrEntryBadKind = errors.New("secondary entry has an invalid kind byte")
	ErrEntryBadSize = errors.New("secondary index size is not a whole number of entries")
)

// Entry is one decoded secondary index record.
type Entry struct {
	BlockOffset  uint64
	HeaderOffset uint16
	HeaderSize   uint16
	Checksum     uint32
	At           chain.BlockOrEBB
	Hash         []byte
}

// entrySize returns the on disk entry width for the store's hash width.
func entrySize(hashSize int) int { return entryFixedSize + hashSize }

// putEntry encodes e into buf, which must be entrySize(len(e.Hash)) long.
func putEntry(buf []byte, e Entry) {
	binary.LittleEndian.PutUint64(buf[entryBlockOffsetStart:], e.BlockOffset)
	binary.LittleEndian.PutUint16(buf[entryHeaderOffsetStart:], e.HeaderOffset)
	binary.LittleEndian.PutUint16(buf[entryHeaderSizeStart:], e.HeaderSize)
	binary.LittleEndian.PutUint32(buf[entryChecksumStart:], e.Checksum)
	buf[entryKindStart] = byte(e.At.Kind)
	if e.At.IsEBB() {
		binary.LittleEndian.PutUint64(buf[entrySlotOrEpochStart:], uint64(e.At.Epoch))
	} else {
		binary.LittleEndian.PutUint64(buf[entrySlotOrEpochStart:], uint64(e.At.Slot))
	}
	copy(buf[entryHashStart:], e.Hash)
}

// encodeEntry encodes e into a fresh buffer.
func encodeEntry(e Entry, hashSize int) []byte {
	buf := make([]byte, entrySize(hashSize))
	putEntry(buf, e)
	return buf
}

// decodeEntry decodes one entry from buf.
func decodeEntry(buf []byte, hashSize int) (Entry, error) {
	if len(buf) < entrySize(hashSize) {
		return Entry{}, fmt.Errorf("%w: %d bytes, need %d", ErrEntryBadSize, len(buf), entrySize(hashSize))
	}
	var e Entry
	e.BlockOffset = binary.LittleEndian.Uint64(buf[entryBlockOffsetStart:])
	e.HeaderOffset = binary.LittleEndian.Uint16(buf[entryHeaderOffsetStart:])
	e.HeaderSize = binary.LittleEndian.Uint16(buf[entryHeaderSizeStart:])
	e.Checksum = binary.LittleEndian.Uint32(buf[entryChecksumStart:])
	n := binary.LittleEndian.Uint64(buf[entrySlotOrEpochStart:])
	switch chain.EntryKind(buf[entryKindStart]) {
	case chain.KindBlock:
		e.At = chain.Block(chain.SlotNo(n))
	case chain.KindEBB:
		e.At = chain.EBB(chain.EpochNo(n))
	default:
		return Entry{}, fmt.Errorf("%w: %d", ErrEntryBadKind, buf[entryKindStart])
	}
	e.Hash = make([]byte, hashSize)
	copy(e.Hash, buf[entryHashStart:])
	return e, nil
}

// decodeEntries decodes a whole secondary file image.
func decodeEntries(buf []byte, hashSize int) ([]Entry, error) {
	es := entrySize(hashSize)
	if len(buf)%es != 0 {
		return nil, fmt.Errorf("%w: %d bytes, entry size %d", ErrEntryBadSize, len(buf), es)
	}
	entries := make([]Entry, 0, len(buf)/es)
	for off := 0; off < len(buf); off += es {
		e, err := decodeEntry(buf[off:off+es], hashSize)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// blockChecksum computes the CRC recorded in a secondary entry.
func blockChecksum(block []byte) uint32 {
	return crc32.Checksum(block, castagnoli)
}
