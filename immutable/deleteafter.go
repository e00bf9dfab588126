package immutable

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/voltairelabs/chainstore/chain"
)

// ErrTipNotFound is returned by DeleteAfter when the requested tip does not
// identify an entry actually present in the store.
var ErrTipNotFound = errors.New("the requested tip is not an entry of the store")

// DeleteAfter truncates the store so newTip becomes its tip. It is a
// privileged recovery operation: the database must be open and no iterators
// may be outstanding. Truncating to a tip at or after the current one is a
// no-op.
func (db *DB) DeleteAfter(newTip chain.Tip) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.state == nil {
		return ErrDBClosed
	}
	if db.openIters > 0 {
		db.traceUserError(ErrOpenIterators)
		return ErrOpenIterators
	}
	st := db.state

	if st.tip.IsOrigin() {
		return nil
	}
	db.tracer.Trace(EvDeletingAfter{NewTip: newTip})

	if newTip.IsOrigin() {
		if err := db.wipe(); err != nil {
			return db.failWrite(err)
		}
		return nil
	}

	newES, err := db.tipEpochSlot(newTip)
	if err != nil {
		return err
	}
	curES, err := db.tipEpochSlot(st.tip)
	if err != nil {
		return err
	}
	if !epochSlotLess(newES, curES) {
		return nil
	}

	// Handles must go before files: the current epoch's triple may be
	// among the deletions.
	if err := closeHandles(st); err != nil {
		return db.failWrite(err)
	}

	epochs, err := listEpochs(db.fs)
	if err != nil {
		return db.failWrite(err)
	}
	for _, e := range epochs {
		if e > newES.Epoch {
			if err := removeEpochFiles(db.fs, e); err != nil {
				return db.failWrite(err)
			}
		}
	}

	nst, err := db.truncateEpochTo(newES, newTip)
	if err != nil {
		if errors.Is(err, ErrTipNotFound) {
			// nothing was harmed yet beyond losing the handles; reopen
			// the tip epoch as it stands
			db.traceUserError(err)
		}
		return db.failWrite(err)
	}

	db.state = nst
	db.cache.restart()
	return nil
}

// wipe removes every epoch and restarts the store empty at epoch 0.
func (db *DB) wipe() error {
	if err := closeHandles(db.state); err != nil {
		return err
	}
	epochs, err := listEpochs(db.fs)
	if err != nil {
		return err
	}
	for _, e := range epochs {
		if err := removeEpochFiles(db.fs, e); err != nil {
			return err
		}
	}
	st, err := db.freshState()
	if err != nil {
		return err
	}
	db.state = st
	db.cache.restart()
	return nil
}

// truncateEpochTo cuts the files of newES.Epoch back so the entry at newES
// is the last one, and builds the open state around it.
func (db *DB) truncateEpochTo(newES chain.EpochSlot, newTip chain.Tip) (*openState, error) {
	e := newES.Epoch
	size, err := db.einfo.EpochSize(e)
	if err != nil {
		return nil, err
	}
	raw, err := readWholeFile(db.fs, primaryFilename(e))
	if err != nil {
		return nil, err
	}
	pi, err := decodePrimaryIndex(raw, size)
	if err != nil {
		return nil, err
	}
	filled, off := pi.IsFilled(newES.Rel)
	if !filled {
		return nil, fmt.Errorf("%w: %s is empty", ErrTipNotFound, newES)
	}

	secondary, err := readWholeFile(db.fs, secondaryFilename(e))
	if err != nil {
		return nil, err
	}
	esz := entrySize(db.hashSize)
	boundary := int(off) + esz
	if boundary > len(secondary) {
		return nil, fmt.Errorf("%w: epoch %d secondary shorter than primary claims",
			ErrInvalidPrimaryIndex, e)
	}
	entry, err := decodeEntry(secondary[off:boundary], db.hashSize)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(entry.Hash, newTip.Hash) {
		return nil, fmt.Errorf("%w: hash mismatch at %s", ErrTipNotFound, newES)
	}

	// The epoch file needs cutting only when entries followed the survivor;
	// the survivor's extent then ends where the next entry began.
	if boundary < len(secondary) {
		next, err := decodeEntry(secondary[boundary:boundary+esz], db.hashSize)
		if err != nil {
			return nil, err
		}
		if err := db.fs.Truncate(epochFilename(e), int64(next.BlockOffset)); err != nil {
			return nil, err
		}
	}

	db.tracer.Trace(EvTruncating{Epoch: e, Entries: boundary / esz})
	if err := db.fs.Truncate(secondaryFilename(e), int64(boundary)); err != nil {
		return nil, err
	}
	// partial form: version byte plus A[0..rel+1]
	if err := db.fs.Truncate(primaryFilename(e), primaryHeaderSize+primaryOffsetSize*(int64(newES.Rel)+2)); err != nil {
		return nil, err
	}

	st := &openState{epoch: e}
	if st.epochFile, err = db.fs.Open(epochFilename(e), AppendExisting); err != nil {
		return nil, err
	}
	if st.primaryFile, err = db.fs.Open(primaryFilename(e), AppendExisting); err != nil {
		_ = closeHandles(st)
		return nil, err
	}
	if st.secondaryFile, err = db.fs.Open(secondaryFilename(e), AppendExisting); err != nil {
		_ = closeHandles(st)
		return nil, err
	}
	epochFileSize, err := st.epochFile.Size()
	if err != nil {
		_ = closeHandles(st)
		return nil, err
	}
	st.epochOffset = uint64(epochFileSize)
	st.secondaryOffset = uint64(boundary)
	st.primary = pi.offsets[:int(newES.Rel)+2]
	st.secondary = secondary[:boundary]
	st.tip = newTip
	return st, nil
}

func epochSlotLess(a, b chain.EpochSlot) bool {
	if a.Epoch != b.Epoch {
		return a.Epoch < b.Epoch
	}
	return a.Rel < b.Rel
}
