package immutable

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/voltairelabs/chainstore/chain"
)

// Epoch numbers are rendered as 8 digit zero padded decimal, one triple of
// files per epoch, all in the store root:
//
//	00000000.epoch       raw blocks, concatenated
//	00000000.primary     version byte plus little endian u32 offsets
//	00000000.secondary   fixed width entries, one per filled slot
const (
	epochSuffix     = ".epoch"
	primarySuffix   = ".primary"
	secondarySuffix = ".secondary"

	// lockFilename guards the root against a second writer.
	lockFilename = "LOCK"
)

func epochFilename(e chain.EpochNo) string     { return fmt.Sprintf("%08d%s", e, epochSuffix) }
func primaryFilename(e chain.EpochNo) string   { return fmt.Sprintf("%08d%s", e, primarySuffix) }
func secondaryFilename(e chain.EpochNo) string { return fmt.Sprintf("%08d%s", e, secondarySuffix) }

// parseEpochFilename recovers the epoch number from any of the three file
// names. ok is false for files that are not part of the store layout.
func parseEpochFilename(name string) (e chain.EpochNo, ok bool) {
	i := strings.LastIndexByte(name, '.')
	if i != 8 {
		return 0, false
	}
	switch name[i:] {
	case epochSuffix, primarySuffix, secondarySuffix:
	default:
		return 0, false
	}
	n, err := strconv.ParseUint(name[:i], 10, 64)
	if err != nil {
		return 0, false
	}
	return chain.EpochNo(n), true
}

// listEpochs returns the sorted epoch numbers for which at least one of the
// three files exists.
func listEpochs(fs FS) ([]chain.EpochNo, error) {
	names, err := fs.List()
	if err != nil {
		return nil, err
	}
	seen := make(map[chain.EpochNo]bool)
	for _, name := range names {
		if e, ok := parseEpochFilename(name); ok {
			seen[e] = true
		}
	}
	epochs := make([]chain.EpochNo, 0, len(seen))
	for e := range seen {
		epochs = append(epochs, e)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	return epochs, nil
}

// removeEpochFiles deletes whichever of the epoch's three files exist.
func removeEpochFiles(fs FS, e chain.EpochNo) error {
	for _, name := range []string{epochFilename(e), primaryFilename(e), secondaryFilename(e)} {
		ok, err := fs.Exists(name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fs.Remove(name); err != nil {
			return err
		}
	}
	return nil
}
