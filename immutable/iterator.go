package immutable

import (
	"github.com/voltairelabs/chainstore/chain"
)

// Iterator is a forward cursor over a slot range, created by Stream. It
// sees the store as it was when the stream started: entries appended during
// its lifetime are not enumerated. Close releases it and is idempotent; an
// open iterator blocks DeleteAfter.
type Iterator struct {
	db   *DB
	snap snapshot
	comp BlockComponent

	cur    chain.EpochSlot
	end    chain.EpochSlot // inclusive
	done   bool
	closed bool
}

// Stream opens an iterator over [from, to]. Both endpoints must identify
// filled cells (a boundary slot occupied by an EBB counts); otherwise an
// IteratorRangeError reports which endpoint is unusable.
func (db *DB) Stream(from, to chain.SlotNo, comp BlockComponent) (*Iterator, error) {
	snap, err := db.snapshot()
	if err != nil {
		return nil, err
	}
	if from > to {
		uerr := &IteratorRangeError{From: from, To: to}
		db.traceUserError(uerr)
		return nil, uerr
	}

	fromES, err := db.endpoint(snap, from, to, false)
	if err != nil {
		return nil, err
	}
	toES, err := db.endpoint(snap, from, to, true)
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	if db.state == nil {
		db.mu.Unlock()
		return nil, ErrDBClosed
	}
	db.openIters++
	db.mu.Unlock()

	return &Iterator{db: db, snap: snap, comp: comp, cur: fromES, end: toES}, nil
}

// endpoint validates one bound of a stream and locates its cell.
func (db *DB) endpoint(snap snapshot, from, to chain.SlotNo, isTo bool) (chain.EpochSlot, error) {
	slot := from
	if isTo {
		slot = to
	}
	missing := func() error {
		uerr := &IteratorRangeError{From: from, To: to, FromMissing: !isTo, ToMissing: isTo}
		db.traceUserError(uerr)
		return uerr
	}
	if snap.tip.IsOrigin() {
		return chain.EpochSlot{}, missing()
	}
	tipSlot, err := db.tipSlot(snap.tip)
	if err != nil {
		return chain.EpochSlot{}, err
	}
	if slot > tipSlot {
		return chain.EpochSlot{}, missing()
	}
	es, err := db.einfo.RelativeSlot(slot)
	if err != nil {
		return chain.EpochSlot{}, err
	}
	pi, _, _, err := db.indexesFor(snap, es.Epoch)
	if err != nil {
		return chain.EpochSlot{}, err
	}
	if filled, _ := pi.IsFilled(es.Rel); !filled {
		return chain.EpochSlot{}, missing()
	}
	return es, nil
}

// Next returns the projection of the next filled slot in the range.
// Exhaustion (and a closed iterator) is ok=false with a nil error.
func (it *Iterator) Next() (v any, ok bool, err error) {
	if it.closed || it.done {
		return nil, false, nil
	}
	db := it.db
	db.mu.RLock()
	closed := db.state == nil
	db.mu.RUnlock()
	if closed {
		return nil, false, ErrDBClosed
	}
	for {
		if it.cur.Epoch > it.end.Epoch {
			it.done = true
			return nil, false, nil
		}
		pi, _, _, err := db.indexesFor(it.snap, it.cur.Epoch)
		if err != nil {
			return nil, false, err
		}
		rel, found := pi.NextFilled(it.cur.Rel)
		if found && (it.cur.Epoch < it.end.Epoch || rel <= it.end.Rel) {
			es := chain.EpochSlot{Epoch: it.cur.Epoch, Rel: rel}
			entry, blockSize, ok, err := db.resolve(it.snap, es)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				// the primary said filled; disagreeing now means the
				// indices are corrupt
				return nil, false, ErrInvalidPrimaryIndex
			}
			it.advance(es)
			return db.evaluate(es.Epoch, entry, blockSize, it.comp)
		}
		// nothing further in this epoch
		it.cur = chain.EpochSlot{Epoch: it.cur.Epoch + 1, Rel: 0}
	}
}

func (it *Iterator) advance(es chain.EpochSlot) {
	if es == it.end {
		it.done = true
		return
	}
	it.cur = chain.EpochSlot{Epoch: es.Epoch, Rel: es.Rel + 1}
}

// Close releases the iterator. Idempotent.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.db.mu.Lock()
	it.db.openIters--
	it.db.mu.Unlock()
	return nil
}
