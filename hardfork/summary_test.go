package hardfork

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltairelabs/chainstore/chain"
)

func tipAt(s chain.SlotNo) *chain.SlotNo { return &s }

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func singleEraShape(t *testing.T) Shape {
	t.Helper()
	shape, err := NewShape([]EraParams{
		{EpochSize: 10, SlotLength: time.Second, SafeZone: NoLowerBound(5)},
	})
	require.NoError(t, err)
	return shape
}

func twoEraShape(t *testing.T) Shape {
	t.Helper()
	shape, err := NewShape([]EraParams{
		{EpochSize: 10, SlotLength: time.Second, SafeZone: NoLowerBound(5)},
		{EpochSize: 20, SlotLength: 2 * time.Second, SafeZone: NoLowerBound(5)},
	})
	require.NoError(t, err)
	return shape
}

func TestSummarizeSingleEra(t *testing.T) {
	s, err := Summarize(testStart, tipAt(7), singleEraShape(t), NoTransitions())
	require.NoError(t, err)

	eras := s.Eras()
	require.Len(t, eras, 1)
	end := eras[0].End
	assert.Equal(t, chain.SlotNo(20), end.Slot)
	assert.Equal(t, chain.EpochNo(2), end.Epoch)
	assert.Equal(t, testStart.Add(20*time.Second), end.Time)

	slot, into, err := s.WallclockToSlot(testStart.Add(3250 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, chain.SlotNo(3), slot)
	assert.Equal(t, 250*time.Millisecond, into)
}

func TestSummarizeTwoEras(t *testing.T) {
	trans, err := NewTransitions(twoEraShape(t), []chain.EpochNo{3})
	require.NoError(t, err)

	s, err := Summarize(testStart, tipAt(35), twoEraShape(t), trans)
	require.NoError(t, err)

	eras := s.Eras()
	require.Len(t, eras, 2)

	first := eras[0]
	assert.Equal(t, chain.SlotNo(30), first.End.Slot)
	assert.Equal(t, chain.EpochNo(3), first.End.Epoch)
	assert.Equal(t, testStart.Add(30*time.Second), first.End.Time)

	second := eras[1]
	assert.Equal(t, first.End, second.Start)
	// horizon: tip 35 + safe zone 5 = slot 40, rounded up to the next
	// epoch boundary of the 20 slot era starting at slot 30
	assert.Equal(t, chain.SlotNo(50), second.End.Slot)
	assert.Equal(t, chain.EpochNo(4), second.End.Epoch)
	assert.Equal(t, testStart.Add(30*time.Second+20*2*time.Second), second.End.Time)

	epoch, into, err := s.SlotToEpoch(45)
	require.NoError(t, err)
	assert.Equal(t, chain.EpochNo(3), epoch)
	assert.Equal(t, uint64(15), into)
}

func TestSummarizeTipInPastEra(t *testing.T) {
	// When the tip sits in a completed era, the final era's safe zone is
	// measured from its own start.
	trans, err := NewTransitions(twoEraShape(t), []chain.EpochNo{3})
	require.NoError(t, err)

	s, err := Summarize(testStart, tipAt(12), twoEraShape(t), trans)
	require.NoError(t, err)

	second := s.Eras()[1]
	assert.Equal(t, chain.SlotNo(30), second.Start.Slot)
	// horizon = 30 + 5 rounded up to the era's epoch size
	assert.Equal(t, chain.SlotNo(50), second.End.Slot)
}

func TestSummarizeEmptyChain(t *testing.T) {
	s, err := Summarize(testStart, nil, singleEraShape(t), NoTransitions())
	require.NoError(t, err)
	assert.Equal(t, chain.SlotNo(10), s.Horizon().Slot)
	assert.Equal(t, chain.EpochNo(1), s.Horizon().Epoch)
}

func TestSummarizeSafeZoneLowerBound(t *testing.T) {
	shape, err := NewShape([]EraParams{
		{EpochSize: 10, SlotLength: time.Second, SafeZone: LowerBound(5, 4)},
	})
	require.NoError(t, err)

	s, err := Summarize(testStart, tipAt(2), shape, NoTransitions())
	require.NoError(t, err)
	// without the lower bound the horizon would be epoch 1
	assert.Equal(t, chain.EpochNo(4), s.Horizon().Epoch)
	assert.Equal(t, chain.SlotNo(40), s.Horizon().Slot)
}

func TestSummarizeDeterministic(t *testing.T) {
	trans, err := NewTransitions(twoEraShape(t), []chain.EpochNo{3})
	require.NoError(t, err)

	a, err := Summarize(testStart, tipAt(35), twoEraShape(t), trans)
	require.NoError(t, err)
	b, err := Summarize(testStart, tipAt(35), twoEraShape(t), trans)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	require.NoError(t, a.Invariant())
}

func TestShapeValidation(t *testing.T) {
	_, err := NewShape(nil)
	assert.ErrorIs(t, err, ErrShapeEmpty)

	_, err = NewShape([]EraParams{{EpochSize: 0, SlotLength: time.Second}})
	assert.ErrorIs(t, err, ErrEpochSizeZero)

	_, err = NewShape([]EraParams{{EpochSize: 1, SlotLength: 0}})
	assert.ErrorIs(t, err, ErrSlotLengthZero)
}

func TestTransitionsValidation(t *testing.T) {
	shape := twoEraShape(t)

	_, err := NewTransitions(shape, []chain.EpochNo{1, 2})
	assert.ErrorIs(t, err, ErrTooManyTransitions)

	_, err = NewTransitions(shape, []chain.EpochNo{0})
	assert.ErrorIs(t, err, ErrTransitionAtGenesis)

	three, err := NewShape([]EraParams{
		{EpochSize: 10, SlotLength: time.Second, SafeZone: NoLowerBound(5)},
		{EpochSize: 20, SlotLength: 2 * time.Second, SafeZone: NoLowerBound(5)},
		{EpochSize: 30, SlotLength: 3 * time.Second, SafeZone: NoLowerBound(5)},
	})
	require.NoError(t, err)
	_, err = NewTransitions(three, []chain.EpochNo{5, 5})
	assert.ErrorIs(t, err, ErrTransitionsUnsorted)

	_, err = NewTransitions(three, []chain.EpochNo{5, 9})
	assert.NoError(t, err)
}
