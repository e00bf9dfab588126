package hardfork

import (
	"errors"
	"fmt"
	"time"

	"github.com/voltairelabs/chainstore/chain"
)

// PastHorizonError reports a query the summary cannot answer: the input
// lies at or past the final era's end, or, for a wall clock time, before
// the first era's start. It carries the summary so callers
// can decide whether a fresher one would help.
type PastHorizonError struct {
	// Op names the failing query.
	Op string
	// Condition describes the failing containment check.
	Condition string
	// Summary is the summary the query ran against.
	Summary Summary
}

func (e *PastHorizonError) Error() string {
	return fmt.Sprintf("%s: past horizon: %s", e.Op, e.Condition)
}

// IsPastHorizon reports whether err is a past horizon failure.
func IsPastHorizon(err error) bool {
	var phe *PastHorizonError
	return errors.As(err, &phe)
}

// eraContainingTime finds the unique era with Start.Time <= t < End.Time.
func (s Summary) eraContainingTime(op string, t time.Time) (EraSummary, error) {
	for _, era := range s.eras {
		if !t.Before(era.Start.Time) && t.Before(era.End.Time) {
			return era, nil
		}
	}
	return EraSummary{}, &PastHorizonError{
		Op:        op,
		Condition: fmt.Sprintf("time %s outside [%s, %s)", t, s.eras[0].Start.Time, s.Horizon().Time),
		Summary:   s,
	}
}

// eraContainingSlot finds the unique era with Start.Slot <= slot < End.Slot.
func (s Summary) eraContainingSlot(op string, slot chain.SlotNo) (EraSummary, error) {
	for _, era := range s.eras {
		if slot >= era.Start.Slot && slot < era.End.Slot {
			return era, nil
		}
	}
	return EraSummary{}, &PastHorizonError{
		Op:        op,
		Condition: fmt.Sprintf("slot %d outside [%d, %d)", slot, s.eras[0].Start.Slot, s.Horizon().Slot),
		Summary:   s,
	}
}

// eraContainingEpoch finds the unique era with Start.Epoch <= e < End.Epoch.
func (s Summary) eraContainingEpoch(op string, e chain.EpochNo) (EraSummary, error) {
	for _, era := range s.eras {
		if e >= era.Start.Epoch && e < era.End.Epoch {
			return era, nil
		}
	}
	return EraSummary{}, &PastHorizonError{
		Op:        op,
		Condition: fmt.Sprintf("epoch %d outside [%d, %d)", e, s.eras[0].Start.Epoch, s.Horizon().Epoch),
		Summary:   s,
	}
}

// WallclockToSlot converts a wall clock time to the slot containing it, and
// how far into that slot the time falls.
func (s Summary) WallclockToSlot(t time.Time) (chain.SlotNo, time.Duration, error) {
	era, err := s.eraContainingTime("WallclockToSlot", t)
	if err != nil {
		return 0, 0, err
	}
	delta := t.Sub(era.Start.Time)
	slots := delta / era.Params.SlotLength
	into := delta % era.Params.SlotLength
	return era.Start.Slot + chain.SlotNo(slots), into, nil
}

// SlotToWallclock converts a slot to the wall clock time of its start, and
// the slot's length.
func (s Summary) SlotToWallclock(slot chain.SlotNo) (time.Time, time.Duration, error) {
	era, err := s.eraContainingSlot("SlotToWallclock", slot)
	if err != nil {
		return time.Time{}, 0, err
	}
	slots := uint64(slot - era.Start.Slot)
	return era.Start.Time.Add(time.Duration(slots) * era.Params.SlotLength), era.Params.SlotLength, nil
}

// SlotToEpoch converts a slot to the epoch containing it, and how many
// slots into that epoch it lies.
func (s Summary) SlotToEpoch(slot chain.SlotNo) (chain.EpochNo, uint64, error) {
	era, err := s.eraContainingSlot("SlotToEpoch", slot)
	if err != nil {
		return 0, 0, err
	}
	slots := uint64(slot - era.Start.Slot)
	return era.Start.Epoch + chain.EpochNo(slots/era.Params.EpochSize), slots % era.Params.EpochSize, nil
}

// EpochToSlot converts an epoch to its first slot, and the epoch's size.
func (s Summary) EpochToSlot(e chain.EpochNo) (chain.SlotNo, uint64, error) {
	era, err := s.eraContainingEpoch("EpochToSlot", e)
	if err != nil {
		return 0, 0, err
	}
	epochs := uint64(e - era.Start.Epoch)
	return era.Start.Slot + chain.SlotNo(epochs*era.Params.EpochSize), era.Params.EpochSize, nil
}
