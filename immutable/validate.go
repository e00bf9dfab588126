package immutable

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/voltairelabs/chainstore/chain"
)

// validateParallelism bounds how many past epochs ValidateAllEpochs
// re-parses concurrently.
const validateParallelism = 4

// epochContent is what a thorough validation recovered from one epoch after
// repairing it on disk.
type epochContent struct {
	entries       []Entry
	rels          []chain.RelativeSlot
	lastBlockNo   chain.BlockNo
	epochFileSize uint64
	secondary     []byte
	primary       []uint32 // partial form A[0..lastRel+1], or [0] when empty
}

// validate walks the epochs newest first, truncating trailing corruption
// until a consistent prefix remains, then builds the open state for the tip
// epoch. On a fresh directory it materialises epoch 0.
func (db *DB) validate(policy ValidationPolicy) (*openState, error) {
	epochs, err := listEpochs(db.fs)
	if err != nil {
		return nil, err
	}

	// Walk downward until an epoch yields content. Everything above the
	// eventual tip is, by construction, garbage: empty epochs and file
	// triples broken beyond use are removed outright.
	tipIdx := -1
	var tip *epochContent
	for i := len(epochs) - 1; i >= 0; i-- {
		e := epochs[i]
		db.tracer.Trace(EvValidatingEpoch{Epoch: e, Thorough: true})
		content, err := db.repairEpoch(e, true)
		if err != nil {
			return nil, err
		}
		if content == nil || len(content.entries) == 0 {
			if err := removeEpochFiles(db.fs, e); err != nil {
				return nil, err
			}
			continue
		}
		tipIdx, tip = i, content
		break
	}

	if tipIdx < 0 {
		return db.freshState()
	}
	tipEpoch := epochs[tipIdx]

	// Everything below the tip must form a contiguous run of epochs.
	below := make(map[chain.EpochNo]bool, tipIdx)
	for _, e := range epochs[:tipIdx] {
		below[e] = true
	}
	for e := chain.EpochNo(0); e < tipEpoch; e++ {
		if !below[e] {
			return nil, fmt.Errorf("%w: epoch %d absent below tip epoch %d",
				ErrMissingEpochFile, e, tipEpoch)
		}
	}

	if policy == ValidateAllEpochs {
		var g errgroup.Group
		g.SetLimit(validateParallelism)
		for e := chain.EpochNo(0); e < tipEpoch; e++ {
			e := e
			g.Go(func() error {
				db.tracer.Trace(EvValidatingEpoch{Epoch: e, Thorough: true})
				_, err := db.repairEpoch(e, false)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for e := chain.EpochNo(0); e < tipEpoch; e++ {
			db.tracer.Trace(EvValidatingEpoch{Epoch: e, Thorough: false})
			ok, err := db.epochCoherent(e)
			if err != nil {
				return nil, err
			}
			if !ok {
				// fall back to a rebuild of just this epoch
				db.tracer.Trace(EvRebuildingIndex{Epoch: e})
				if _, err := db.repairEpoch(e, false); err != nil {
					return nil, err
				}
			}
		}
	}

	return db.stateFor(tipEpoch, tip)
}

// repairEpoch re-parses one epoch file and forces the on disk indices (and
// the epoch file's trailing bytes) to agree with the blocks it holds. For
// the tip epoch the primary is left in its in-progress partial form; for
// past epochs it is written full length. Returns nil content when any of
// the three files is missing and the epoch is above the tip (missing files
// below the tip are an error).
func (db *DB) repairEpoch(e chain.EpochNo, aboveTipWalk bool) (*epochContent, error) {
	for _, name := range []string{epochFilename(e), primaryFilename(e), secondaryFilename(e)} {
		ok, err := db.fs.Exists(name)
		if err != nil {
			return nil, err
		}
		if ok {
			continue
		}
		if aboveTipWalk {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrMissingEpochFile, name)
	}

	data, err := readWholeFile(db.fs, epochFilename(e))
	if err != nil {
		return nil, err
	}
	oldSecondary, err := readWholeFile(db.fs, secondaryFilename(e))
	if err != nil {
		return nil, err
	}
	oldPrimary, err := readWholeFile(db.fs, primaryFilename(e))
	if err != nil {
		return nil, err
	}

	blocks, _ := db.parser.Parse(e, data)
	blocks, err = db.checkParsedBlocks(e, blocks)
	if err != nil {
		return nil, err
	}
	blocks = db.crossCheckChecksums(e, blocks, oldSecondary)

	content, err := db.contentFromBlocks(e, blocks)
	if err != nil {
		return nil, err
	}

	// Truncate trailing bytes the surviving blocks do not account for.
	if uint64(len(data)) > content.epochFileSize {
		db.tracer.Trace(EvTruncating{Epoch: e, Entries: len(content.entries)})
		if err := db.fs.Truncate(epochFilename(e), int64(content.epochFileSize)); err != nil {
			return nil, err
		}
	}

	isTip := aboveTipWalk
	wantPrimary, err := content.primaryImage(db, e, isTip)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(oldSecondary, content.secondary) || !bytes.Equal(oldPrimary, wantPrimary) {
		db.tracer.Trace(EvRebuildingIndex{Epoch: e})
		if err := rewriteFile(db.fs, secondaryFilename(e), content.secondary); err != nil {
			return nil, err
		}
		if err := rewriteFile(db.fs, primaryFilename(e), wantPrimary); err != nil {
			return nil, err
		}
	}
	return content, nil
}

// checkParsedBlocks enforces the structural rules on the parsed blocks and
// truncates at the first violation: hashes must have the codec width, an
// EBB may appear only first and only for this epoch, regular blocks must
// belong to this epoch at strictly increasing relative slots, and nothing
// may come from the future when a wall clock slot source is configured.
func (db *DB) checkParsedBlocks(e chain.EpochNo, blocks []ParsedBlock) ([]ParsedBlock, error) {
	var curSlot chain.SlotNo
	haveCur := db.curSlot != nil
	if haveCur {
		curSlot = db.curSlot()
	}

	lastRel := int64(-1)
	for i, b := range blocks {
		if len(b.Hash) != db.hashSize {
			return blocks[:i], nil
		}
		if b.At.IsEBB() {
			if i != 0 || b.At.Epoch != e {
				return blocks[:i], nil
			}
			first, err := db.einfo.FirstSlot(e)
			if err != nil {
				return nil, err
			}
			if haveCur && first > curSlot {
				return blocks[:i], nil
			}
			lastRel = 0
			continue
		}
		es, err := db.einfo.RelativeSlot(b.At.Slot)
		if err != nil {
			return nil, err
		}
		if es.Epoch != e || int64(es.Rel) <= lastRel {
			return blocks[:i], nil
		}
		if haveCur && b.At.Slot > curSlot {
			return blocks[:i], nil
		}
		lastRel = int64(es.Rel)
	}
	return blocks, nil
}

// crossCheckChecksums compares the parsed blocks against the checksums the
// old secondary index recorded for them. Where both exist and disagree the
// block bytes rotted in place; the chain is truncated there.
func (db *DB) crossCheckChecksums(e chain.EpochNo, blocks []ParsedBlock, oldSecondary []byte) []ParsedBlock {
	old, err := decodeEntries(oldSecondary, db.hashSize)
	if err != nil {
		// old index unusable; the rebuild will replace it wholesale
		return blocks
	}
	for i, b := range blocks {
		if i >= len(old) {
			break
		}
		got := blockChecksum(b.Bytes)
		if got != old[i].Checksum {
			db.tracer.Trace(EvTruncating{Epoch: e, Entries: i})
			return blocks[:i]
		}
	}
	return blocks
}

// contentFromBlocks derives the index contents the blocks imply.
func (db *DB) contentFromBlocks(e chain.EpochNo, blocks []ParsedBlock) (*epochContent, error) {
	c := &epochContent{}
	var off uint64
	for _, b := range blocks {
		var rel chain.RelativeSlot
		if b.At.IsEBB() {
			rel = 0
		} else {
			es, err := db.einfo.RelativeSlot(b.At.Slot)
			if err != nil {
				return nil, err
			}
			rel = es.Rel
		}
		entry := Entry{
			BlockOffset:  off,
			HeaderOffset: b.HeaderOffset,
			HeaderSize:   b.HeaderSize,
			Checksum:     blockChecksum(b.Bytes),
			At:           b.At,
			Hash:         b.Hash,
		}
		c.entries = append(c.entries, entry)
		c.rels = append(c.rels, rel)
		c.secondary = append(c.secondary, encodeEntry(entry, db.hashSize)...)
		c.lastBlockNo = b.BlockNo
		off += uint64(len(b.Bytes))
	}
	c.epochFileSize = off

	esz := entrySize(db.hashSize)
	c.primary = []uint32{0}
	next := uint32(0)
	for _, rel := range c.rels {
		run := repeatOffsets(next, int(rel)+1-len(c.primary))
		c.primary = append(c.primary, run...)
		next += uint32(esz)
		c.primary = append(c.primary, next)
	}
	return c, nil
}

// primaryImage renders the primary file image: partial form for the tip
// epoch, full length for a finished one.
func (c *epochContent) primaryImage(db *DB, e chain.EpochNo, isTip bool) ([]byte, error) {
	offsets := c.primary
	if !isTip {
		size, err := db.einfo.EpochSize(e)
		if err != nil {
			return nil, err
		}
		full := int(size) + 2
		if pad := full - len(offsets); pad > 0 {
			offsets = append(append([]uint32{}, offsets...),
				repeatOffsets(offsets[len(offsets)-1], pad)...)
		}
	}
	buf := make([]byte, primaryHeaderSize+primaryOffsetSize*len(offsets))
	buf[0] = primaryVersion
	for i, off := range offsets {
		binary.LittleEndian.PutUint32(buf[primaryHeaderSize+i*primaryOffsetSize:], off)
	}
	return buf, nil
}

// epochCoherent spot checks a finished epoch without parsing its blocks:
// the primary must be full length with a valid header and monotonic
// offsets, and the secondary size must be exactly what the primary
// accounts for.
func (db *DB) epochCoherent(e chain.EpochNo) (bool, error) {
	for _, name := range []string{epochFilename(e), primaryFilename(e), secondaryFilename(e)} {
		ok, err := db.fs.Exists(name)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrMissingEpochFile, name)
		}
	}
	size, err := db.einfo.EpochSize(e)
	if err != nil {
		return false, err
	}
	psize, err := db.fs.Size(primaryFilename(e))
	if err != nil {
		return false, err
	}
	if psize != primaryFileSize(size) {
		return false, nil
	}
	raw, err := readWholeFile(db.fs, primaryFilename(e))
	if err != nil {
		return false, err
	}
	pi, err := decodePrimaryIndex(raw, size)
	if err != nil {
		return false, nil
	}
	ssize, err := db.fs.Size(secondaryFilename(e))
	if err != nil {
		return false, err
	}
	if uint32(ssize) != pi.SecondarySize() || int(ssize)%entrySize(db.hashSize) != 0 {
		return false, nil
	}
	return true, nil
}

// freshState starts a brand new store at epoch 0.
func (db *DB) freshState() (*openState, error) {
	st := &openState{}
	if err := db.startEpoch(st, 0); err != nil {
		return nil, err
	}
	st.tip = chain.Origin()
	return st, nil
}

// stateFor opens the tip epoch's handles around the content validation
// recovered.
func (db *DB) stateFor(e chain.EpochNo, c *epochContent) (*openState, error) {
	st := &openState{epoch: e}
	var err error
	if st.epochFile, err = db.fs.Open(epochFilename(e), AppendExisting); err != nil {
		return nil, err
	}
	if st.primaryFile, err = db.fs.Open(primaryFilename(e), AppendExisting); err != nil {
		_ = closeHandles(st)
		return nil, err
	}
	if st.secondaryFile, err = db.fs.Open(secondaryFilename(e), AppendExisting); err != nil {
		_ = closeHandles(st)
		return nil, err
	}
	st.epochOffset = c.epochFileSize
	st.secondaryOffset = uint64(len(c.secondary))
	st.primary = c.primary
	st.secondary = c.secondary

	last := c.entries[len(c.entries)-1]
	st.tip = chain.TipAt(last.Hash, last.At, c.lastBlockNo)
	return st, nil
}

// rewriteFile replaces a file's contents through the FS seam.
func rewriteFile(fs FS, name string, data []byte) error {
	if err := fs.Truncate(name, 0); err != nil {
		return err
	}
	f, err := fs.Open(name, AppendExisting)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
