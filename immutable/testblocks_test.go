package immutable

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
	"testing"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/voltairelabs/chainstore/chain"
)

func TestMain(m *testing.M) {
	logger.New("NOOP")
	code := m.Run()
	logger.OnExit()
	os.Exit(code)
}

// The test block format is a self delimiting frame so the parser can walk a
// raw epoch file:
//
//	u32 frameLen | u16 hdrOff | u16 hdrSize | u8 kind | u64 slotOrEpoch |
//	u64 blockNo | hash[8] | payload
const (
	testHashSize       = 8
	testFrameFixedSize = 4 + 2 + 2 + 1 + 8 + 8 + testHashSize
	testEpochSize      = 10
)

// testBlock builds one frame. The header is the leading chunk of the
// payload, which exercises the header projection without a second format.
func testBlock(at chain.BlockOrEBB, blockNo chain.BlockNo, payload []byte) (hash []byte, bi BinaryInfo) {
	hdrSize := len(payload)
	if hdrSize > 4 {
		hdrSize = 4
	}
	frame := make([]byte, testFrameFixedSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:], uint32(len(frame)))
	binary.LittleEndian.PutUint16(frame[4:], uint16(testFrameFixedSize))
	binary.LittleEndian.PutUint16(frame[6:], uint16(hdrSize))
	frame[8] = byte(at.Kind)
	if at.IsEBB() {
		binary.LittleEndian.PutUint64(frame[9:], uint64(at.Epoch))
	} else {
		binary.LittleEndian.PutUint64(frame[9:], uint64(at.Slot))
	}
	binary.LittleEndian.PutUint64(frame[17:], uint64(blockNo))

	copy(frame[testFrameFixedSize:], payload)
	sum := sha256.Sum256(append(append([]byte{}, frame[8:25]...), payload...))
	hash = sum[:testHashSize]
	copy(frame[25:], hash)

	return hash, BinaryInfo{
		Bytes:        frame,
		HeaderOffset: testFrameFixedSize,
		HeaderSize:   uint16(hdrSize),
	}
}

type testParser struct{}

func (testParser) Parse(e chain.EpochNo, data []byte) ([]ParsedBlock, error) {
	var blocks []ParsedBlock
	off := 0
	for off+testFrameFixedSize <= len(data) {
		frameLen := int(binary.LittleEndian.Uint32(data[off:]))
		if frameLen < testFrameFixedSize || off+frameLen > len(data) {
			break
		}
		frame := data[off : off+frameLen]
		var at chain.BlockOrEBB
		n := binary.LittleEndian.Uint64(frame[9:])
		switch chain.EntryKind(frame[8]) {
		case chain.KindBlock:
			at = chain.Block(chain.SlotNo(n))
		case chain.KindEBB:
			at = chain.EBB(chain.EpochNo(n))
		default:
			return blocks, nil
		}
		blocks = append(blocks, ParsedBlock{
			Bytes:        frame,
			HeaderOffset: binary.LittleEndian.Uint16(frame[4:]),
			HeaderSize:   binary.LittleEndian.Uint16(frame[6:]),
			Hash:         frame[25 : 25+testHashSize],
			At:           at,
			BlockNo:      chain.BlockNo(binary.LittleEndian.Uint64(frame[17:])),
		})
		off += frameLen
	}
	return blocks, nil
}

// newTestDB opens a store over a fresh directory with a 10 slot epoch.
func newTestDB(t *testing.T, opts ...Option) (*DB, string) {
	t.Helper()
	dir := t.TempDir()
	db := openTestDir(t, dir, opts...)
	return db, dir
}

func openTestDir(t *testing.T, dir string, opts ...Option) *DB {
	t.Helper()
	einfo, err := chain.FixedEpochInfo(testEpochSize)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	db, err := Open(dir, einfo, FixedHashCodec(testHashSize), testParser{}, opts...)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// appendSlot appends a regular block with a payload derived from its slot.
func appendSlot(t *testing.T, db *DB, slot chain.SlotNo, blockNo chain.BlockNo) (hash []byte, bi BinaryInfo) {
	t.Helper()
	payload := []byte{0xb0, byte(slot), byte(slot >> 8), 0x5e, byte(blockNo)}
	hash, bi = testBlock(chain.Block(slot), blockNo, payload)
	if err := db.AppendBlock(slot, blockNo, hash, bi); err != nil {
		t.Fatalf("append slot %d: %v", slot, err)
	}
	return hash, bi
}

func appendEBB(t *testing.T, db *DB, epoch chain.EpochNo, blockNo chain.BlockNo) (hash []byte, bi BinaryInfo) {
	t.Helper()
	payload := []byte{0xeb, byte(epoch)}
	hash, bi = testBlock(chain.EBB(epoch), blockNo, payload)
	if err := db.AppendEBB(epoch, blockNo, hash, bi); err != nil {
		t.Fatalf("append ebb %d: %v", epoch, err)
	}
	return hash, bi
}

// loadPrimary reads an epoch's primary index back off the disk, padded.
func loadPrimary(t *testing.T, db *DB, e chain.EpochNo) PrimaryIndex {
	t.Helper()
	raw, err := readWholeFile(db.fs, primaryFilename(e))
	if err != nil {
		t.Fatalf("read primary %d: %v", e, err)
	}
	pi, err := decodePrimaryIndex(raw, testEpochSize)
	if err != nil {
		t.Fatalf("decode primary %d: %v", e, err)
	}
	return pi
}
