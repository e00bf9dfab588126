// Package hardfork computes how wall clock time, slots, and epochs relate on
// a chain whose slot length and epoch size change at era transitions. The
// chain's static era list (its shape) and the transitions confirmed so far
// are folded into a Summary: a list of closed era intervals plus one open
// ended final era whose reach is bounded by the safe zone. The four
// conversion queries answer within the summary and refuse, with a past
// horizon error, anything beyond it.
//
// The engine is value level: a Summary is immutable and safe to share. The
// EpochInfo adapter layers a refreshable summary cell on top for long lived
// consumers such as the block store.
package hardfork

import (
	"errors"
	"fmt"
	"time"

	"github.com/voltairelabs/chainstore/chain"
)

var (
	ErrShapeEmpty          = errors.New("an era shape must name at least one era")
	ErrEpochSizeZero       = errors.New("era epoch size must be strictly positive")
	ErrSlotLengthZero      = errors.New("era slot length must be strictly positive")
	ErrTooManyTransitions  = errors.New("more transitions than eras minus one")
	ErrTransitionsUnsorted = errors.New("transition epochs must be strictly increasing")
	ErrTransitionAtGenesis = errors.New("a transition cannot happen at epoch 0")
)

// SafeZone bounds how far past the ledger tip the final era's parameters may
// be extrapolated: no transition can occur within FromTip slots of the tip,
// and, when BeforeEpoch is set, none before that epoch either.
type SafeZone struct {
	FromTip     uint64
	BeforeEpoch *chain.EpochNo
}

// NoLowerBound is the SafeZone with no epoch lower bound.
func NoLowerBound(fromTip uint64) SafeZone { return SafeZone{FromTip: fromTip} }

// LowerBound is the SafeZone additionally promising no transition before
// epoch e.
func LowerBound(fromTip uint64, e chain.EpochNo) SafeZone {
	return SafeZone{FromTip: fromTip, BeforeEpoch: &e}
}

// EraParams are the constants of a single era.
type EraParams struct {
	EpochSize  uint64
	SlotLength time.Duration
	SafeZone   SafeZone
}

func (p EraParams) validate() error {
	if p.EpochSize == 0 {
		return ErrEpochSizeZero
	}
	if p.SlotLength <= 0 {
		return ErrSlotLengthZero
	}
	return nil
}

// Shape is the statically known era list of a chain, in order. The length
// is fixed at construction; transitions can never add eras.
type Shape struct {
	eras []EraParams
}

// NewShape validates and fixes an era list.
func NewShape(eras []EraParams) (Shape, error) {
	if len(eras) == 0 {
		return Shape{}, ErrShapeEmpty
	}
	for i, p := range eras {
		if err := p.validate(); err != nil {
			return Shape{}, fmt.Errorf("era %d: %w", i, err)
		}
	}
	cp := make([]EraParams, len(eras))
	copy(cp, eras)
	return Shape{eras: cp}, nil
}

// Eras returns the era parameters in order.
func (s Shape) Eras() []EraParams { return s.eras }

// Transitions is the ordered list of confirmed era transition epochs; the
// k-th entry is the epoch at which era k hands over to era k+1. At most
// len(shape)-1 transitions can ever exist.
type Transitions struct {
	epochs []chain.EpochNo
}

// NewTransitions validates transition epochs against a shape.
func NewTransitions(shape Shape, epochs []chain.EpochNo) (Transitions, error) {
	if len(epochs) > len(shape.eras)-1 {
		return Transitions{}, fmt.Errorf("%w: %d transitions for %d eras",
			ErrTooManyTransitions, len(epochs), len(shape.eras))
	}
	for i, e := range epochs {
		if e == 0 {
			return Transitions{}, ErrTransitionAtGenesis
		}
		if i > 0 && e <= epochs[i-1] {
			return Transitions{}, fmt.Errorf("%w: %d after %d", ErrTransitionsUnsorted, e, epochs[i-1])
		}
	}
	cp := make([]chain.EpochNo, len(epochs))
	copy(cp, epochs)
	return Transitions{epochs: cp}, nil
}

// NoTransitions is the transition list of a chain still in its first era.
func NoTransitions() Transitions { return Transitions{} }

// Epochs returns the confirmed transition epochs in order.
func (t Transitions) Epochs() []chain.EpochNo { return t.epochs }
