package hardfork

import (
	"errors"
	"fmt"
	"time"

	"github.com/voltairelabs/chainstore/chain"
)

var (
	ErrSummaryEmpty         = errors.New("a summary must contain at least one era")
	ErrSummaryGap           = errors.New("era summaries must abut exactly")
	ErrSummaryEmptyEra      = errors.New("an era summary must span at least one epoch")
	ErrSummarySlotMismatch  = errors.New("era summary slot span disagrees with its epoch span")
	ErrSummaryTimeMismatch  = errors.New("era summary time span disagrees with its slot span")
	ErrSummaryBeforeEpoch   = errors.New("era summary ends before the safe zone lower bound")
	ErrTransitionBeforeTime = errors.New("transition epoch precedes the era it ends")
)

// Bound is a point on the chain specified jointly in all three coordinate
// systems. The coordinates are redundant; a Bound is only constructed at
// epoch boundaries where they agree.
type Bound struct {
	Time  time.Time
	Slot  chain.SlotNo
	Epoch chain.EpochNo
}

// EraSummary is one era's half open interval [Start, End) and the
// parameters ruling it.
type EraSummary struct {
	Start  Bound
	End    Bound
	Params EraParams
}

// Summary is the ordered list of era summaries a (systemStart, ledgerTip,
// shape, transitions) quadruple determines. The final entry's End is the
// horizon: the earliest point the summary cannot predict past.
type Summary struct {
	eras []EraSummary
}

// Eras returns the era summaries in order.
func (s Summary) Eras() []EraSummary { return s.eras }

// Horizon returns the summary's final, exclusive bound.
func (s Summary) Horizon() Bound { return s.eras[len(s.eras)-1].End }

// mkUpperBound advances lo to the boundary of epoch hi under params.
func mkUpperBound(params EraParams, lo Bound, hi chain.EpochNo) Bound {
	epochs := uint64(hi - lo.Epoch)
	slots := epochs * params.EpochSize
	return Bound{
		Time:  lo.Time.Add(time.Duration(slots) * params.SlotLength),
		Slot:  lo.Slot + chain.SlotNo(slots),
		Epoch: hi,
	}
}

// Summarize folds the confirmed transitions over the shape into a Summary.
// ledgerTip is the slot of the ledger's tip, nil for an empty chain; it
// only matters for the final era, whose horizon lies the safe zone past the
// tip (or past the era start, when the tip is in an earlier era).
func Summarize(systemStart time.Time, ledgerTip *chain.SlotNo, shape Shape, transitions Transitions) (Summary, error) {
	lo := Bound{Time: systemStart, Slot: 0, Epoch: 0}
	trans := transitions.epochs
	var eras []EraSummary

	for i, params := range shape.eras {
		if i < len(trans) {
			hi := trans[i]
			if hi < lo.Epoch {
				return Summary{}, fmt.Errorf("%w: transition at epoch %d, era starts at epoch %d",
					ErrTransitionBeforeTime, hi, lo.Epoch)
			}
			end := mkUpperBound(params, lo, hi)
			eras = append(eras, EraSummary{Start: lo, End: end, Params: params})
			lo = end
			continue
		}

		// Final era: the transition out of it, if any, is unconfirmed.
		// The horizon is the next epoch boundary at or after the end of
		// the safe zone.
		tipSlot := lo.Slot
		if ledgerTip != nil && *ledgerTip > tipSlot {
			tipSlot = *ledgerTip
		}
		horizonSlot := tipSlot + chain.SlotNo(params.SafeZone.FromTip)
		slots := uint64(horizonSlot - lo.Slot)
		epochs := (slots + params.EpochSize - 1) / params.EpochSize
		horizonEpoch := lo.Epoch + chain.EpochNo(epochs)
		if be := params.SafeZone.BeforeEpoch; be != nil && *be > horizonEpoch {
			horizonEpoch = *be
		}
		end := mkUpperBound(params, lo, horizonEpoch)
		eras = append(eras, EraSummary{Start: lo, End: end, Params: params})
		break
	}

	s := Summary{eras: eras}
	if err := s.Invariant(); err != nil {
		return Summary{}, err
	}
	return s, nil
}

// Invariant checks the internal consistency of the summary: eras abut, none
// but the final era is empty (a final era spanning zero epochs is
// accepted), and each era's three coordinate spans agree with its
// parameters.
func (s Summary) Invariant() error {
	if len(s.eras) == 0 {
		return ErrSummaryEmpty
	}
	for i, era := range s.eras {
		if i > 0 && s.eras[i-1].End != era.Start {
			return fmt.Errorf("%w: era %d", ErrSummaryGap, i)
		}
		if era.End.Epoch < era.Start.Epoch {
			return fmt.Errorf("%w: era %d", ErrSummaryEmptyEra, i)
		}
		if i < len(s.eras)-1 && era.End.Epoch == era.Start.Epoch {
			return fmt.Errorf("%w: era %d", ErrSummaryEmptyEra, i)
		}
		epochs := uint64(era.End.Epoch - era.Start.Epoch)
		slots := uint64(era.End.Slot - era.Start.Slot)
		if slots != epochs*era.Params.EpochSize {
			return fmt.Errorf("%w: era %d", ErrSummarySlotMismatch, i)
		}
		if era.End.Time.Sub(era.Start.Time) != time.Duration(slots)*era.Params.SlotLength {
			return fmt.Errorf("%w: era %d", ErrSummaryTimeMismatch, i)
		}
		if be := era.Params.SafeZone.BeforeEpoch; be != nil && i == len(s.eras)-1 && era.End.Epoch < *be {
			return fmt.Errorf("%w: era %d", ErrSummaryBeforeEpoch, i)
		}
	}
	return nil
}
