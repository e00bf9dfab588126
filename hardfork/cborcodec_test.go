package hardfork

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltairelabs/chainstore/chain"
)

func TestSummaryCBORRoundTrip(t *testing.T) {
	shape, err := NewShape([]EraParams{
		{EpochSize: 10, SlotLength: time.Second, SafeZone: NoLowerBound(5)},
		{EpochSize: 20, SlotLength: 2 * time.Second, SafeZone: LowerBound(5, 4)},
	})
	require.NoError(t, err)
	trans, err := NewTransitions(shape, []chain.EpochNo{3})
	require.NoError(t, err)
	s, err := Summarize(testStart, tipAt(35), shape, trans)
	require.NoError(t, err)

	data, err := s.MarshalCBOR()
	require.NoError(t, err)

	var got Summary
	require.NoError(t, got.UnmarshalCBOR(data))
	assert.Equal(t, s.Eras(), got.Eras())

	// deterministic: encoding twice yields the same bytes
	again, err := s.MarshalCBOR()
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestSummaryCBORRejectsInvalid(t *testing.T) {
	s := twoEraSummary(t)
	data, err := s.MarshalCBOR()
	require.NoError(t, err)

	// truncated input fails the decode
	var got Summary
	assert.Error(t, got.UnmarshalCBOR(data[:len(data)-3]))

	// an empty summary fails the invariant
	empty, err := Summary{}.MarshalCBOR()
	require.NoError(t, err)
	assert.ErrorIs(t, got.UnmarshalCBOR(empty), ErrSummaryEmpty)
}
