package hardfork

import (
	"sync/atomic"

	"github.com/voltairelabs/chainstore/chain"
)

// SummaryFetcher produces a fresh summary, typically by re-reading the
// ledger state.
type SummaryFetcher func() (Summary, error)

// EpochInfo adapts a Summary to the chain.EpochInfo interface the block
// store consumes. It holds the summary in a single atomic cell; when a
// query runs past the horizon it re-fetches the summary and retries once,
// surfacing the past horizon error only if the fresher summary cannot
// answer either.
type EpochInfo struct {
	summary atomic.Pointer[Summary]
	fetch   SummaryFetcher
}

// NewEpochInfo builds an adapter around fetch, performing the initial
// fetch eagerly.
func NewEpochInfo(fetch SummaryFetcher) (*EpochInfo, error) {
	s, err := fetch()
	if err != nil {
		return nil, err
	}
	ei := &EpochInfo{fetch: fetch}
	ei.summary.Store(&s)
	return ei, nil
}

// SnapshotEpochInfo builds an adapter pinned to one summary. Past horizon
// misses surface immediately; nothing is re-fetched.
func SnapshotEpochInfo(s Summary) *EpochInfo {
	ei := &EpochInfo{}
	ei.summary.Store(&s)
	return ei
}

// Summary returns the adapter's current summary.
func (ei *EpochInfo) Summary() Summary { return *ei.summary.Load() }

// retry runs q against the current summary and, on a past horizon miss,
// against a freshly fetched one.
func (ei *EpochInfo) retry(q func(Summary) error) error {
	err := q(*ei.summary.Load())
	if err == nil || !IsPastHorizon(err) || ei.fetch == nil {
		return err
	}
	fresh, ferr := ei.fetch()
	if ferr != nil {
		return ferr
	}
	ei.summary.Store(&fresh)
	return q(fresh)
}

// EpochSize implements chain.EpochInfo.
func (ei *EpochInfo) EpochSize(epoch chain.EpochNo) (uint64, error) {
	var size uint64
	err := ei.retry(func(s Summary) error {
		var qerr error
		_, size, qerr = s.EpochToSlot(epoch)
		return qerr
	})
	return size, err
}

// FirstSlot implements chain.EpochInfo.
func (ei *EpochInfo) FirstSlot(epoch chain.EpochNo) (chain.SlotNo, error) {
	var slot chain.SlotNo
	err := ei.retry(func(s Summary) error {
		var qerr error
		slot, _, qerr = s.EpochToSlot(epoch)
		return qerr
	})
	return slot, err
}

// RelativeSlot implements chain.EpochInfo.
func (ei *EpochInfo) RelativeSlot(slot chain.SlotNo) (chain.EpochSlot, error) {
	var es chain.EpochSlot
	err := ei.retry(func(s Summary) error {
		epoch, into, qerr := s.SlotToEpoch(slot)
		if qerr != nil {
			return qerr
		}
		es = chain.EpochSlot{Epoch: epoch, Rel: chain.RelativeSlot(into)}
		return nil
	})
	return es, err
}
