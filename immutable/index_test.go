package immutable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltairelabs/chainstore/chain"
)

func TestSecondaryEntryRoundTrip(t *testing.T) {
	for _, e := range []Entry{
		{
			BlockOffset:  0,
			HeaderOffset: 33,
			HeaderSize:   4,
			Checksum:     0xdeadbeef,
			At:           chain.Block(12345),
			Hash:         []byte{1, 2, 3, 4, 5, 6, 7, 8},
		},
		{
			BlockOffset:  1 << 40,
			HeaderOffset: 0,
			HeaderSize:   0,
			Checksum:     0,
			At:           chain.EBB(7),
			Hash:         []byte{8, 7, 6, 5, 4, 3, 2, 1},
		},
	} {
		buf := encodeEntry(e, testHashSize)
		require.Len(t, buf, entrySize(testHashSize))
		got, err := decodeEntry(buf, testHashSize)
		require.NoError(t, err)
		assert.Equal(t, e, got)
	}
}

func TestSecondaryEntryBadKind(t *testing.T) {
	e := Entry{At: chain.Block(1), Hash: make([]byte, testHashSize)}
	buf := encodeEntry(e, testHashSize)
	buf[entryKindStart] = 9
	_, err := decodeEntry(buf, testHashSize)
	assert.ErrorIs(t, err, ErrEntryBadKind)
}

func TestPrimaryIndexPadding(t *testing.T) {
	E := uint32(entrySize(testHashSize))
	// in-progress file holding A[0..3] for filled relative slots 1 and 2
	pi, err := newPrimaryIndex(testEpochSize, []uint32{0, 0, E, 2 * E})
	require.NoError(t, err)

	offs := pi.Offsets()
	require.Len(t, offs, testEpochSize+2)
	assert.Equal(t, uint32(2*E), offs[len(offs)-1])
	assert.Equal(t, uint32(2*E), pi.SecondarySize())

	filled, off := pi.IsFilled(1)
	assert.True(t, filled)
	assert.Equal(t, uint32(0), off)

	filled, off = pi.IsFilled(2)
	assert.True(t, filled)
	assert.Equal(t, E, off)

	for _, r := range []chain.RelativeSlot{0, 3, 7, 9} {
		filled, _ := pi.IsFilled(r)
		assert.False(t, filled, "rel %d", r)
	}

	last, ok := pi.LastFilled()
	require.True(t, ok)
	assert.Equal(t, chain.RelativeSlot(2), last)

	next, ok := pi.NextFilled(2)
	require.True(t, ok)
	assert.Equal(t, chain.RelativeSlot(2), next)

	_, ok = pi.NextFilled(3)
	assert.False(t, ok)
}

func TestPrimaryIndexRejectsRegressions(t *testing.T) {
	_, err := newPrimaryIndex(testEpochSize, []uint32{0, 66, 33})
	assert.ErrorIs(t, err, ErrInvalidPrimaryIndex)

	_, err = newPrimaryIndex(testEpochSize, []uint32{5})
	assert.ErrorIs(t, err, ErrInvalidPrimaryIndex)
}

func TestPrimaryIndexCodec(t *testing.T) {
	E := uint32(entrySize(testHashSize))
	pi, err := primaryIndexFromEntries(testEpochSize, []chain.RelativeSlot{1, 2, 5}, entrySize(testHashSize))
	require.NoError(t, err)
	want := []uint32{0, 0, E, 2 * E, 2 * E, 2 * E, 3 * E, 3 * E, 3 * E, 3 * E, 3 * E, 3 * E}
	assert.Equal(t, want, pi.Offsets())

	buf := pi.encode()
	require.Len(t, buf, int(primaryFileSize(testEpochSize)))
	assert.Equal(t, primaryVersion, buf[0])

	got, err := decodePrimaryIndex(buf, testEpochSize)
	require.NoError(t, err)
	assert.Equal(t, pi.Offsets(), got.Offsets())

	buf[0] = 2
	_, err = decodePrimaryIndex(buf, testEpochSize)
	assert.ErrorIs(t, err, ErrInvalidPrimaryIndex)
}

func TestCacheEvictsOverCap(t *testing.T) {
	db, _ := newTestDB(t, WithCachePastEpochs(2), WithCacheExpiry(time.Hour))

	// four epochs of history plus the current one
	for _, slot := range []chain.SlotNo{1, 11, 21, 31, 41} {
		appendSlot(t, db, slot, chain.BlockNo(slot))
	}

	for _, slot := range []chain.SlotNo{1, 11, 21, 31} {
		_, found, err := db.GetBlockComponent(slot, Hash())
		require.NoError(t, err)
		require.True(t, found)
	}

	stats := db.CacheStats()
	assert.Equal(t, uint64(4), stats.Misses)
	assert.LessOrEqual(t, stats.Entries, 2)

	// a re-read of a retained epoch hits
	_, _, err := db.GetBlockComponent(31, Hash())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), db.CacheStats().Hits)
}

func TestFilenames(t *testing.T) {
	assert.Equal(t, "00000042.epoch", epochFilename(42))
	assert.Equal(t, "00000000.primary", primaryFilename(0))
	assert.Equal(t, "00000007.secondary", secondaryFilename(7))

	e, ok := parseEpochFilename("00000042.epoch")
	require.True(t, ok)
	assert.Equal(t, chain.EpochNo(42), e)

	for _, name := range []string{"LOCK", "x.epoch", "00000042.tmp", "0000042.epoch"} {
		_, ok := parseEpochFilename(name)
		assert.False(t, ok, name)
	}
}
