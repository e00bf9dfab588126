package immutable

import (
	"fmt"

	"github.com/voltairelabs/chainstore/chain"
)

// BlockComponent is a projection over a resolved entry. Callers describe
// what they want from a block as a small tree of projections; the store
// evaluates the tree against one secondary entry and performs at most one
// epoch file read, and only when RawBlock or RawHeader appears in the tree.
//
// The leaves are the fields of an entry; Pure and Map/Pair combine them, so
// a caller can assemble a record of exactly the parts it needs without
// paying for the rest.
type BlockComponent struct {
	kind componentKind

	pure        any
	fn          func(any) (any, error)
	inner       *BlockComponent
	left, right *BlockComponent
}

type componentKind int

const (
	compHash componentKind = iota
	compSlot
	compIsEBB
	compBlockSize
	compHeaderSize
	compRawBlock
	compRawHeader
	compPure
	compMap
	compPair
)

// Hash projects the block's hash ([]byte).
func Hash() BlockComponent { return BlockComponent{kind: compHash} }

// Slot projects the entry coordinate (chain.BlockOrEBB).
func Slot() BlockComponent { return BlockComponent{kind: compSlot} }

// IsEBB projects whether the entry is an epoch boundary block (bool).
func IsEBB() BlockComponent { return BlockComponent{kind: compIsEBB} }

// BlockSize projects the block's size in bytes (uint64).
func BlockSize() BlockComponent { return BlockComponent{kind: compBlockSize} }

// HeaderSize projects the header's size in bytes (uint16).
func HeaderSize() BlockComponent { return BlockComponent{kind: compHeaderSize} }

// RawBlock projects the full block bytes ([]byte), verified against the
// entry's checksum.
func RawBlock() BlockComponent { return BlockComponent{kind: compRawBlock} }

// RawHeader projects the header bytes ([]byte), sliced out of the block.
func RawHeader() BlockComponent { return BlockComponent{kind: compRawHeader} }

// Pure projects a constant.
func Pure(v any) BlockComponent { return BlockComponent{kind: compPure, pure: v} }

// Map post-processes the result of another projection.
func Map(f func(any) (any, error), c BlockComponent) BlockComponent {
	return BlockComponent{kind: compMap, fn: f, inner: &c}
}

// Pair evaluates two projections against the same entry and yields a
// [2]any. Map over Pair recovers full applicative composition.
func Pair(a, b BlockComponent) BlockComponent {
	return BlockComponent{kind: compPair, left: &a, right: &b}
}

// needsRawBlock reports whether evaluating c requires the full block bytes.
func (c BlockComponent) needsRawBlock() bool {
	switch c.kind {
	case compRawBlock:
		return true
	case compMap:
		return c.inner.needsRawBlock()
	case compPair:
		return c.left.needsRawBlock() || c.right.needsRawBlock()
	default:
		return false
	}
}

// resolvedEntry is a secondary entry joined with the facts only the caller
// of the lookup knows: the block's extent and lazy, at-most-once readers
// for its bytes.
type resolvedEntry struct {
	entry     Entry
	epoch     chain.EpochNo
	blockSize uint64

	// readBlock reads and checksums the full block; readHeader reads just
	// the header range, unverified. When the projection wants the raw
	// block, it is prefetched before evaluation and the header is sliced
	// out of it, keeping the evaluation to a single epoch file read.
	readBlock  func() ([]byte, error)
	readHeader func() ([]byte, error)

	block  []byte
	header []byte
}

func (r *resolvedEntry) blockBytes() ([]byte, error) {
	if r.block != nil {
		return r.block, nil
	}
	b, err := r.readBlock()
	if err != nil {
		return nil, err
	}
	r.block = b
	return b, nil
}

func (r *resolvedEntry) headerBytes() ([]byte, error) {
	if r.block != nil {
		off, sz := uint64(r.entry.HeaderOffset), uint64(r.entry.HeaderSize)
		if off+sz > uint64(len(r.block)) {
			return nil, fmt.Errorf("%w: header range [%d, %d) outside block of %d bytes",
				ErrInvalidBinary, off, off+sz, len(r.block))
		}
		return r.block[off : off+sz], nil
	}
	if r.header != nil {
		return r.header, nil
	}
	h, err := r.readHeader()
	if err != nil {
		return nil, err
	}
	r.header = h
	return h, nil
}

// evaluate runs the projection tree bottom up against r.
func (c BlockComponent) evaluate(r *resolvedEntry) (any, error) {
	switch c.kind {
	case compHash:
		return r.entry.Hash, nil
	case compSlot:
		return r.entry.At, nil
	case compIsEBB:
		return r.entry.At.IsEBB(), nil
	case compBlockSize:
		return r.blockSize, nil
	case compHeaderSize:
		return r.entry.HeaderSize, nil
	case compRawBlock:
		return r.blockBytes()
	case compRawHeader:
		return r.headerBytes()
	case compPure:
		return c.pure, nil
	case compMap:
		v, err := c.inner.evaluate(r)
		if err != nil {
			return nil, err
		}
		return c.fn(v)
	case compPair:
		l, err := c.left.evaluate(r)
		if err != nil {
			return nil, err
		}
		rt, err := c.right.evaluate(r)
		if err != nil {
			return nil, err
		}
		return [2]any{l, rt}, nil
	default:
		panic("unreachable block component kind")
	}
}
