package hardfork

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/voltairelabs/chainstore/chain"
)

// Summaries cross process boundaries: the ledger layer derives them, the
// node's stores and clients consume them. The wire form is deterministic
// CBOR so two encoders given the same summary produce identical bytes.

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort: cbor.SortCoreDeterministic,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

type boundWire struct {
	Time  time.Time `cbor:"1,keyasint"`
	Slot  uint64    `cbor:"2,keyasint"`
	Epoch uint64    `cbor:"3,keyasint"`
}

type safeZoneWire struct {
	FromTip     uint64  `cbor:"1,keyasint"`
	BeforeEpoch *uint64 `cbor:"2,keyasint,omitempty"`
}

type eraParamsWire struct {
	EpochSize  uint64       `cbor:"1,keyasint"`
	SlotLength int64        `cbor:"2,keyasint"` // nanoseconds
	SafeZone   safeZoneWire `cbor:"3,keyasint"`
}

type eraSummaryWire struct {
	Start  boundWire     `cbor:"1,keyasint"`
	End    boundWire     `cbor:"2,keyasint"`
	Params eraParamsWire `cbor:"3,keyasint"`
}

type summaryWire struct {
	Eras []eraSummaryWire `cbor:"1,keyasint"`
}

func boundToWire(b Bound) boundWire {
	return boundWire{Time: b.Time, Slot: uint64(b.Slot), Epoch: uint64(b.Epoch)}
}

func boundFromWire(w boundWire) Bound {
	return Bound{Time: w.Time, Slot: chain.SlotNo(w.Slot), Epoch: chain.EpochNo(w.Epoch)}
}

func paramsToWire(p EraParams) eraParamsWire {
	w := eraParamsWire{
		EpochSize:  p.EpochSize,
		SlotLength: int64(p.SlotLength),
		SafeZone:   safeZoneWire{FromTip: p.SafeZone.FromTip},
	}
	if be := p.SafeZone.BeforeEpoch; be != nil {
		v := uint64(*be)
		w.SafeZone.BeforeEpoch = &v
	}
	return w
}

func paramsFromWire(w eraParamsWire) EraParams {
	p := EraParams{
		EpochSize:  w.EpochSize,
		SlotLength: time.Duration(w.SlotLength),
		SafeZone:   SafeZone{FromTip: w.SafeZone.FromTip},
	}
	if be := w.SafeZone.BeforeEpoch; be != nil {
		v := chain.EpochNo(*be)
		p.SafeZone.BeforeEpoch = &v
	}
	return p
}

// MarshalCBOR encodes the summary deterministically.
func (s Summary) MarshalCBOR() ([]byte, error) {
	w := summaryWire{Eras: make([]eraSummaryWire, len(s.eras))}
	for i, era := range s.eras {
		w.Eras[i] = eraSummaryWire{
			Start:  boundToWire(era.Start),
			End:    boundToWire(era.End),
			Params: paramsToWire(era.Params),
		}
	}
	return encMode.Marshal(w)
}

// UnmarshalCBOR decodes and revalidates a summary.
func (s *Summary) UnmarshalCBOR(data []byte) error {
	var w summaryWire
	if err := decMode.Unmarshal(data, &w); err != nil {
		return err
	}
	eras := make([]EraSummary, len(w.Eras))
	for i, era := range w.Eras {
		eras[i] = EraSummary{
			Start:  boundFromWire(era.Start),
			End:    boundFromWire(era.End),
			Params: paramsFromWire(era.Params),
		}
	}
	decoded := Summary{eras: eras}
	if err := decoded.Invariant(); err != nil {
		return err
	}
	*s = decoded
	return nil
}
