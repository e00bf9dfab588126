package immutable

import (
	"bytes"
	"fmt"

	"github.com/voltairelabs/chainstore/chain"
)

// GetBlockComponent looks up the regular block at slot and evaluates comp
// against it. found is false for an empty slot (and for a slot whose only
// occupant is an EBB); a slot past the tip is a ReadFutureError.
func (db *DB) GetBlockComponent(slot chain.SlotNo, comp BlockComponent) (v any, found bool, err error) {
	snap, err := db.snapshot()
	if err != nil {
		return nil, false, err
	}
	if err := db.checkNotFuture(snap, chain.Block(slot)); err != nil {
		return nil, false, err
	}
	es, err := db.einfo.RelativeSlot(slot)
	if err != nil {
		return nil, false, err
	}
	entry, blockSize, found, err := db.resolve(snap, es)
	if err != nil || !found {
		return nil, false, err
	}
	if entry.At.IsEBB() {
		return nil, false, nil
	}
	return db.evaluate(es.Epoch, entry, blockSize, comp)
}

// GetEBBComponent looks up the boundary block of epoch. found is false when
// the epoch has no EBB.
func (db *DB) GetEBBComponent(epoch chain.EpochNo, comp BlockComponent) (v any, found bool, err error) {
	snap, err := db.snapshot()
	if err != nil {
		return nil, false, err
	}
	if err := db.checkNotFuture(snap, chain.EBB(epoch)); err != nil {
		return nil, false, err
	}
	es := chain.EpochSlot{Epoch: epoch, Rel: 0}
	entry, blockSize, found, err := db.resolve(snap, es)
	if err != nil || !found {
		return nil, false, err
	}
	if !entry.At.IsEBB() {
		return nil, false, nil
	}
	return db.evaluate(epoch, entry, blockSize, comp)
}

// GetBlockOrEBBComponent looks up whatever entry occupies slot's cell and
// returns it only when its hash matches. A hash mismatch is found=false,
// not an error. At an epoch boundary the cell may hold the epoch's EBB;
// the hash decides whether that is what the caller wanted.
func (db *DB) GetBlockOrEBBComponent(slot chain.SlotNo, hash []byte, comp BlockComponent) (v any, found bool, err error) {
	snap, err := db.snapshot()
	if err != nil {
		return nil, false, err
	}
	if err := db.checkNotFuture(snap, chain.Block(slot)); err != nil {
		return nil, false, err
	}
	es, err := db.einfo.RelativeSlot(slot)
	if err != nil {
		return nil, false, err
	}
	entry, blockSize, found, err := db.resolve(snap, es)
	if err != nil || !found {
		return nil, false, err
	}
	if !bytes.Equal(entry.Hash, hash) {
		return nil, false, nil
	}
	return db.evaluate(es.Epoch, entry, blockSize, comp)
}

// checkNotFuture rejects reads addressed past the tip.
func (db *DB) checkNotFuture(snap snapshot, at chain.BlockOrEBB) error {
	reject := func() error {
		uerr := &ReadFutureError{At: at, Tip: snap.tip}
		db.traceUserError(uerr)
		return uerr
	}
	if snap.tip.IsOrigin() {
		return reject()
	}
	if at.IsEBB() {
		if at.Epoch > snap.epoch {
			return reject()
		}
		return nil
	}
	tipSlot, err := db.tipSlot(snap.tip)
	if err != nil {
		return err
	}
	if at.Slot > tipSlot {
		return reject()
	}
	return nil
}

// resolve finds the secondary entry for a cell and the size of its block.
// found is false for an empty cell.
func (db *DB) resolve(snap snapshot, es chain.EpochSlot) (Entry, uint64, bool, error) {
	pi, secondary, current, err := db.indexesFor(snap, es.Epoch)
	if err != nil {
		return Entry{}, 0, false, err
	}
	filled, off := pi.IsFilled(es.Rel)
	if !filled {
		return Entry{}, 0, false, nil
	}
	esz := entrySize(db.hashSize)
	if int(off)+esz > len(secondary) {
		return Entry{}, 0, false, fmt.Errorf("%w: epoch %d entry at %d beyond secondary of %d bytes",
			ErrInvalidPrimaryIndex, es.Epoch, off, len(secondary))
	}
	entry, err := decodeEntry(secondary[off:int(off)+esz], db.hashSize)
	if err != nil {
		return Entry{}, 0, false, err
	}

	var end uint64
	if int(off)+esz < len(secondary) {
		next, err := decodeEntry(secondary[int(off)+esz:int(off)+2*esz], db.hashSize)
		if err != nil {
			return Entry{}, 0, false, err
		}
		end = next.BlockOffset
	} else if current {
		// Bound the last block by the snapshotted write offset, not the
		// file size: an append completing after this read started must
		// stay invisible to it.
		end = snap.epochOffset
	} else {
		size, err := db.fs.Size(epochFilename(es.Epoch))
		if err != nil {
			return Entry{}, 0, false, err
		}
		end = uint64(size)
	}
	if end < entry.BlockOffset {
		return Entry{}, 0, false, fmt.Errorf("%w: epoch %d block extent [%d, %d)",
			ErrInvalidPrimaryIndex, es.Epoch, entry.BlockOffset, end)
	}
	return entry, end - entry.BlockOffset, true, nil
}

// indexesFor returns the primary index and secondary image for an epoch,
// from the snapshot for the current epoch or the cache for a past one.
// current reports which source was used.
func (db *DB) indexesFor(snap snapshot, e chain.EpochNo) (PrimaryIndex, []byte, bool, error) {
	if e == snap.epoch {
		size, err := db.einfo.EpochSize(e)
		if err != nil {
			return PrimaryIndex{}, nil, false, err
		}
		pi, err := newPrimaryIndex(size, snap.primary)
		if err != nil {
			return PrimaryIndex{}, nil, false, err
		}
		return pi, snap.secondary, true, nil
	}
	db.mu.RLock()
	cache := db.cache
	db.mu.RUnlock()
	if cache == nil {
		return PrimaryIndex{}, nil, false, ErrDBClosed
	}
	ci, err := cache.get(e)
	if err != nil {
		return PrimaryIndex{}, nil, false, err
	}
	return ci.primary, ci.secondary, false, nil
}

// evaluate runs a projection against a resolved entry, reading the epoch
// file at most once and verifying the checksum iff the raw block is wanted.
func (db *DB) evaluate(epoch chain.EpochNo, entry Entry, blockSize uint64, comp BlockComponent) (any, bool, error) {
	re := &resolvedEntry{
		entry:     entry,
		epoch:     epoch,
		blockSize: blockSize,
		readBlock: func() ([]byte, error) {
			b, err := db.readEpochRange(epoch, entry.BlockOffset, blockSize)
			if err != nil {
				return nil, err
			}
			if got := blockChecksum(b); got != entry.Checksum {
				return nil, &ChecksumError{Epoch: epoch, At: entry.At, Expected: entry.Checksum, Got: got}
			}
			return b, nil
		},
		readHeader: func() ([]byte, error) {
			off := entry.BlockOffset + uint64(entry.HeaderOffset)
			n := uint64(entry.HeaderSize)
			if uint64(entry.HeaderOffset)+n > blockSize {
				return nil, fmt.Errorf("%w: header range outside block of %d bytes",
					ErrInvalidBinary, blockSize)
			}
			return db.readEpochRange(epoch, off, n)
		},
	}
	if comp.needsRawBlock() {
		if _, err := re.blockBytes(); err != nil {
			return nil, false, err
		}
	}
	v, err := comp.evaluate(re)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// readEpochRange reads [off, off+n) from an epoch file through a fresh read
// only handle.
func (db *DB) readEpochRange(e chain.EpochNo, off, n uint64) ([]byte, error) {
	f, err := db.fs.Open(epochFilename(e), ReadOnly)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if err := readExactlyAt(f, buf, int64(off)); err != nil {
		return nil, err
	}
	return buf, nil
}
