package immutable

import "github.com/voltairelabs/chainstore/chain"

// BinaryInfo is the descriptor an append supplies alongside the opaque block
// bytes: where the header sits inside them.
type BinaryInfo struct {
	Bytes        []byte
	HeaderOffset uint16
	HeaderSize   uint16
}

// HashCodec fixes the width of block hashes. Hashes flow through the store
// as opaque fixed width byte strings; the store never computes them.
type HashCodec interface {
	Size() int
}

type fixedHashCodec int

func (c fixedHashCodec) Size() int { return int(c) }

// FixedHashCodec is a HashCodec for hashes of the given byte width.
func FixedHashCodec(size int) HashCodec { return fixedHashCodec(size) }

// ParsedBlock is one block recovered from a raw epoch file.
type ParsedBlock struct {
	// Bytes is the block payload, sliced out of the epoch file.
	Bytes        []byte
	HeaderOffset uint16
	HeaderSize   uint16
	Hash         []byte
	At           chain.BlockOrEBB
	BlockNo      chain.BlockNo
}

// BlockParser reconstructs the blocks of a raw epoch file. Validation uses
// it to recompute both indices from scratch and to find where trailing
// garbage begins.
//
// Parse returns the blocks it could decode in file order. A decode failure
// partway through is not an error: the blocks before the failure are
// returned and the caller truncates the rest. The parser must not return a
// block whose bytes extend past len(data).
type BlockParser interface {
	Parse(epoch chain.EpochNo, data []byte) ([]ParsedBlock, error)
}
