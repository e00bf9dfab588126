package immutable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltairelabs/chainstore/chain"
)

func TestDeleteAfterAcrossEpochs(t *testing.T) {
	db, dir := newTestDB(t)
	appendSlot(t, db, 1, 1)
	appendSlot(t, db, 5, 2)
	hash13, _ := appendSlot(t, db, 13, 3) // epoch 1, relative slot 3
	appendSlot(t, db, 15, 4)
	appendSlot(t, db, 21, 5)
	appendSlot(t, db, 24, 6) // tip: epoch 2, relative slot 4

	newTip := chain.TipAt(hash13, chain.Block(13), 3)
	require.NoError(t, db.DeleteAfter(newTip))

	tip, err := db.GetTip()
	require.NoError(t, err)
	assert.Equal(t, newTip, tip)

	for _, name := range []string{epochFilename(2), primaryFilename(2), secondaryFilename(2)} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.True(t, os.IsNotExist(err), "%s should be gone", name)
	}

	// the surviving prefix still reads
	for _, slot := range []chain.SlotNo{1, 5, 13} {
		_, found, err := db.GetBlockComponent(slot, Hash())
		require.NoError(t, err)
		assert.True(t, found, "slot %d", slot)
	}
	_, _, err = db.GetBlockComponent(15, Hash())
	assert.ErrorIs(t, err, ErrReadFutureSlot)

	// appends continue from the new tip
	appendSlot(t, db, 14, 4)
}

func TestDeleteAfterReopenAgrees(t *testing.T) {
	db, _ := newTestDB(t)
	var tips []chain.Tip
	for i, slot := range []chain.SlotNo{2, 7, 11, 19, 23} {
		hash, _ := appendSlot(t, db, slot, chain.BlockNo(i+1))
		tips = append(tips, chain.TipAt(hash, chain.Block(slot), chain.BlockNo(i+1)))
	}

	require.NoError(t, db.DeleteAfter(tips[2]))
	require.NoError(t, db.Close())
	require.NoError(t, db.Reopen(ValidateAllEpochs))

	tip, err := db.GetTip()
	require.NoError(t, err)
	assert.Equal(t, tips[2], tip)
}

func TestDeleteAfterOrigin(t *testing.T) {
	db, dir := newTestDB(t)
	appendSlot(t, db, 1, 1)
	appendSlot(t, db, 12, 2)

	require.NoError(t, db.DeleteAfter(chain.Origin()))

	tip, err := db.GetTip()
	require.NoError(t, err)
	assert.True(t, tip.IsOrigin())

	for _, e := range []chain.EpochNo{1} {
		_, err := os.Stat(filepath.Join(dir, epochFilename(e)))
		assert.True(t, os.IsNotExist(err))
	}

	// the store is usable from scratch
	appendSlot(t, db, 3, 1)
	tip, err = db.GetTip()
	require.NoError(t, err)
	assert.Equal(t, chain.Block(3), tip.At)
}

func TestDeleteAfterNoop(t *testing.T) {
	db, _ := newTestDB(t)
	appendSlot(t, db, 1, 1)
	hash5, _ := appendSlot(t, db, 5, 2)
	cur := chain.TipAt(hash5, chain.Block(5), 2)

	// at the current tip: nothing happens
	require.NoError(t, db.DeleteAfter(cur))
	tip, err := db.GetTip()
	require.NoError(t, err)
	assert.Equal(t, cur, tip)

	// past the current tip: nothing happens either
	future, _ := testBlock(chain.Block(9), 3, []byte{1})
	require.NoError(t, db.DeleteAfter(chain.TipAt(future, chain.Block(9), 3)))
	tip, err = db.GetTip()
	require.NoError(t, err)
	assert.Equal(t, cur, tip)
}

func TestDeleteAfterRequiresNoIterators(t *testing.T) {
	db, _ := newTestDB(t)
	hash1, _ := appendSlot(t, db, 1, 1)
	appendSlot(t, db, 2, 2)

	it, err := db.Stream(1, 2, Slot())
	require.NoError(t, err)

	err = db.DeleteAfter(chain.TipAt(hash1, chain.Block(1), 1))
	assert.ErrorIs(t, err, ErrOpenIterators)

	require.NoError(t, it.Close())
	require.NoError(t, db.DeleteAfter(chain.TipAt(hash1, chain.Block(1), 1)))
	tip, err := db.GetTip()
	require.NoError(t, err)
	assert.Equal(t, chain.Block(1), tip.At)
}

func TestDeleteAfterEBBTip(t *testing.T) {
	db, _ := newTestDB(t)
	ebbHash, _ := appendEBB(t, db, 0, 0)
	appendSlot(t, db, 1, 1)
	appendSlot(t, db, 2, 2)

	newTip := chain.TipAt(ebbHash, chain.EBB(0), 0)
	require.NoError(t, db.DeleteAfter(newTip))

	tip, err := db.GetTip()
	require.NoError(t, err)
	assert.Equal(t, newTip, tip)

	_, found, err := db.GetEBBComponent(0, Hash())
	require.NoError(t, err)
	assert.True(t, found)
}
