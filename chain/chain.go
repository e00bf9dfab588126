// Package chain defines the coordinate types shared by the immutable block
// store and the hard fork history engine: absolute slots, epochs, positions
// within an epoch, and chain tips.
//
// The packages that consume these types never agree on how long an epoch is.
// The store partitions files by epoch, the history engine computes epoch
// boundaries from era parameters, and both sides meet at the EpochInfo
// interface defined here.
package chain

import "fmt"

// SlotNo is an absolute slot counter from genesis.
type SlotNo uint64

// EpochNo is an epoch counter from genesis.
type EpochNo uint64

// BlockNo is a block height counter from genesis.
type BlockNo uint64

// RelativeSlot is a position within an epoch, 0 <= r < epoch size. An epoch
// boundary block (EBB) always sits at relative slot 0; a regular block minted
// in the epoch's first slot would occupy the same cell, so the append rules
// forbid one once an EBB exists there (and vice versa).
type RelativeSlot uint64

// EpochSlot addresses a slot by its epoch and its position within that epoch.
type EpochSlot struct {
	Epoch EpochNo
	Rel   RelativeSlot
}

func (es EpochSlot) String() string {
	return fmt.Sprintf("(epoch %d, rel %d)", es.Epoch, es.Rel)
}

// EntryKind discriminates regular blocks from epoch boundary blocks. The
// values double as the on disk tag byte in secondary index entries.
type EntryKind uint8

const (
	KindBlock EntryKind = 0
	KindEBB   EntryKind = 1
)

// BlockOrEBB identifies an entry either by the absolute slot of a regular
// block or by the epoch of an EBB.
type BlockOrEBB struct {
	Kind  EntryKind
	Slot  SlotNo  // valid when Kind == KindBlock
	Epoch EpochNo // valid when Kind == KindEBB
}

// Block returns the coordinate of a regular block at slot.
func Block(slot SlotNo) BlockOrEBB {
	return BlockOrEBB{Kind: KindBlock, Slot: slot}
}

// EBB returns the coordinate of the boundary block of epoch.
func EBB(epoch EpochNo) BlockOrEBB {
	return BlockOrEBB{Kind: KindEBB, Epoch: epoch}
}

func (b BlockOrEBB) IsEBB() bool { return b.Kind == KindEBB }

func (b BlockOrEBB) String() string {
	if b.IsEBB() {
		return fmt.Sprintf("ebb(epoch %d)", b.Epoch)
	}
	return fmt.Sprintf("block(slot %d)", b.Slot)
}

// Tip identifies the most recently appended entry of a chain. The zero value
// is the origin tip of an empty chain.
type Tip struct {
	// Present is false only for the origin tip.
	Present bool
	Hash    []byte
	At      BlockOrEBB
	BlockNo BlockNo
}

// Origin is the tip of the empty chain.
func Origin() Tip { return Tip{} }

// TipAt builds a non origin tip.
func TipAt(hash []byte, at BlockOrEBB, blockNo BlockNo) Tip {
	return Tip{Present: true, Hash: hash, At: at, BlockNo: blockNo}
}

func (t Tip) IsOrigin() bool { return !t.Present }

func (t Tip) String() string {
	if t.IsOrigin() {
		return "origin"
	}
	return fmt.Sprintf("%s no=%d hash=%x", t.At, t.BlockNo, t.Hash)
}
