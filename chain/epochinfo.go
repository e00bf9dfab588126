package chain

import "errors"

var ErrEpochSizeZero = errors.New("epoch size must be strictly positive")

// EpochInfo answers the three slot arithmetic questions the store needs. The
// answers may change across hard fork transitions, so every method can fail;
// a failure means the implementation cannot yet predict the layout of the
// requested epoch (see the hardfork package for the stateful variant).
//
// Implementations must be deterministic: asking the same question twice
// returns the same answer, and epoch sizes are strictly positive.
type EpochInfo interface {
	// EpochSize returns the number of slots in epoch, including the
	// reserved relative slot 0.
	EpochSize(epoch EpochNo) (uint64, error)
	// FirstSlot returns the absolute slot of relative slot 0 of epoch.
	FirstSlot(epoch EpochNo) (SlotNo, error)
	// RelativeSlot locates an absolute slot within its epoch.
	RelativeSlot(slot SlotNo) (EpochSlot, error)
}

type fixedEpochInfo struct {
	size uint64
}

// FixedEpochInfo returns an EpochInfo for a chain whose epoch size never
// changes. Its methods never fail once constructed.
func FixedEpochInfo(size uint64) (EpochInfo, error) {
	if size == 0 {
		return nil, ErrEpochSizeZero
	}
	return &fixedEpochInfo{size: size}, nil
}

func (fi *fixedEpochInfo) EpochSize(epoch EpochNo) (uint64, error) {
	return fi.size, nil
}

func (fi *fixedEpochInfo) FirstSlot(epoch EpochNo) (SlotNo, error) {
	return SlotNo(uint64(epoch) * fi.size), nil
}

func (fi *fixedEpochInfo) RelativeSlot(slot SlotNo) (EpochSlot, error) {
	epoch := EpochNo(uint64(slot) / fi.size)
	rel := RelativeSlot(uint64(slot) % fi.size)
	return EpochSlot{Epoch: epoch, Rel: rel}, nil
}
