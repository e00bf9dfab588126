package immutable

import (
	"encoding/binary"
	"fmt"

	"github.com/voltairelabs/chainstore/chain"
)

// AppendBlock appends a regular block. slot must advance strictly past the
// tip (an EBB tip orders at the first slot of its epoch, so the regular
// block sharing that slot is rejected and relative slot 0 stays unambiguous).
func (db *DB) AppendBlock(slot chain.SlotNo, blockNo chain.BlockNo, hash []byte, bi BinaryInfo) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.state == nil {
		return ErrDBClosed
	}
	st := db.state

	if !st.tip.IsOrigin() {
		tipSlot, err := db.tipSlot(st.tip)
		if err != nil {
			return err
		}
		if slot <= tipSlot {
			uerr := &AppendToPastError{At: chain.Block(slot), Tip: st.tip}
			db.traceUserError(uerr)
			return uerr
		}
	}

	es, err := db.einfo.RelativeSlot(slot)
	if err != nil {
		return err
	}
	if err := db.rollTo(es.Epoch); err != nil {
		return db.failWrite(err)
	}
	if err := db.appendEntry(es.Rel, chain.Block(slot), blockNo, hash, bi); err != nil {
		return db.failWrite(err)
	}
	return nil
}

// AppendEBB appends the boundary block of epoch. The epoch must lie beyond
// the current one, or be the current one while it is still empty.
func (db *DB) AppendEBB(epoch chain.EpochNo, blockNo chain.BlockNo, hash []byte, bi BinaryInfo) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.state == nil {
		return ErrDBClosed
	}
	st := db.state

	ok := epoch > st.epoch || (epoch == st.epoch && st.secondaryOffset == 0)
	if !ok {
		uerr := &AppendToPastError{At: chain.EBB(epoch), Tip: st.tip}
		db.traceUserError(uerr)
		return uerr
	}

	if err := db.rollTo(epoch); err != nil {
		return db.failWrite(err)
	}
	if err := db.appendEntry(0, chain.EBB(epoch), blockNo, hash, bi); err != nil {
		return db.failWrite(err)
	}
	return nil
}

// rollTo finishes the current epoch and every intervening one until the
// store's current epoch is target. Skipped epochs materialise with zero
// byte epoch files, empty secondaries, and fully backfilled primaries, so
// the empty slot invariant holds across the gap.
func (db *DB) rollTo(target chain.EpochNo) error {
	st := db.state
	for st.epoch < target {
		if err := db.finishEpoch(st); err != nil {
			return err
		}
		if err := db.startEpoch(st, st.epoch+1); err != nil {
			return err
		}
	}
	return nil
}

// finishEpoch pads the current primary index to its full length and closes
// the epoch's handles.
func (db *DB) finishEpoch(st *openState) error {
	size, err := db.einfo.EpochSize(st.epoch)
	if err != nil {
		return err
	}
	full := int(size) + 2
	if pad := full - len(st.primary); pad > 0 {
		if err := st.writePrimaryOffsets(repeatOffsets(uint32(st.secondaryOffset), pad)); err != nil {
			return err
		}
	}
	for _, f := range []File{st.epochFile, st.primaryFile, st.secondaryFile} {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return closeHandles(st)
}

// startEpoch creates the three files of a fresh epoch and resets the write
// state to it.
func (db *DB) startEpoch(st *openState, e chain.EpochNo) error {
	var err error
	if st.epochFile, err = db.fs.Open(epochFilename(e), MustBeNew); err != nil {
		return err
	}
	if st.primaryFile, err = db.fs.Open(primaryFilename(e), MustBeNew); err != nil {
		return err
	}
	if st.secondaryFile, err = db.fs.Open(secondaryFilename(e), MustBeNew); err != nil {
		return err
	}
	st.epoch = e
	st.epochOffset = 0
	st.secondaryOffset = 0
	st.primary = nil
	st.secondary = nil

	// version byte plus A[0] = 0
	if _, err := st.primaryFile.Write([]byte{primaryVersion}); err != nil {
		return err
	}
	if err := st.writePrimaryOffsets([]uint32{0}); err != nil {
		return err
	}
	db.tracer.Trace(EvNewEpoch{Epoch: e})
	return nil
}

// appendEntry performs the durable part of an append: block bytes, then the
// secondary entry, then the primary backfill run. The in memory state is
// committed only after every write has synced; any error leaves it at the
// previous tip (and the caller closes the database).
func (db *DB) appendEntry(rel chain.RelativeSlot, at chain.BlockOrEBB, blockNo chain.BlockNo, hash []byte, bi BinaryInfo) error {
	st := db.state

	if len(hash) != db.hashSize {
		return fmt.Errorf("%w: hash is %d bytes, codec width is %d", ErrInvalidBinary, len(hash), db.hashSize)
	}

	// nextFreeRel is the first relative slot the primary file does not yet
	// bracket.
	nextFreeRel := chain.RelativeSlot(len(st.primary) - 1)
	if rel < nextFreeRel {
		// unreachable given the append preconditions
		return fmt.Errorf("%w: relative slot %d already decided (next free %d)",
			ErrInvalidPrimaryIndex, rel, nextFreeRel)
	}

	if _, err := st.epochFile.Write(bi.Bytes); err != nil {
		return err
	}
	if err := st.epochFile.Sync(); err != nil {
		return err
	}

	entry := Entry{
		BlockOffset:  st.epochOffset,
		HeaderOffset: bi.HeaderOffset,
		HeaderSize:   bi.HeaderSize,
		Checksum:     blockChecksum(bi.Bytes),
		At:           at,
		Hash:         hash,
	}
	encoded := encodeEntry(entry, db.hashSize)
	if _, err := st.secondaryFile.Write(encoded); err != nil {
		return err
	}
	if err := st.secondaryFile.Sync(); err != nil {
		return err
	}

	// The backfill run marks the slots skipped since the last append as
	// empty (they share the new entry's offset), then the terminator
	// closes the new entry's bracket.
	run := repeatOffsets(uint32(st.secondaryOffset), int(rel-nextFreeRel))
	run = append(run, uint32(st.secondaryOffset)+uint32(len(encoded)))
	if err := st.writePrimaryOffsets(run); err != nil {
		return err
	}
	if err := st.primaryFile.Sync(); err != nil {
		return err
	}

	st.epochOffset += uint64(len(bi.Bytes))
	st.secondaryOffset += uint64(len(encoded))
	st.secondary = append(st.secondary, encoded...)
	st.tip = chain.TipAt(hash, at, blockNo)
	db.tracer.Trace(EvAppend{Tip: st.tip})
	return nil
}

// writePrimaryOffsets appends offsets to the primary file and mirrors them
// in memory.
func (st *openState) writePrimaryOffsets(offs []uint32) error {
	buf := make([]byte, primaryOffsetSize*len(offs))
	for i, off := range offs {
		binary.LittleEndian.PutUint32(buf[i*primaryOffsetSize:], off)
	}
	if _, err := st.primaryFile.Write(buf); err != nil {
		return err
	}
	st.primary = append(st.primary, offs...)
	return nil
}

func repeatOffsets(off uint32, n int) []uint32 {
	offs := make([]uint32, n)
	for i := range offs {
		offs[i] = off
	}
	return offs
}
