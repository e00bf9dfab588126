// Package immutable implements an append only, on disk block store for a
// blockchain node. The chain is partitioned into epochs; each epoch is a
// triple of files: the raw concatenated blocks, a secondary index with one
// fixed width entry per filled slot, and a primary index mapping every
// relative slot to its secondary offset. The layout gives O(1) lookup by
// slot, O(1) empty slot detection, and a read path that touches the epoch
// file only when block bytes are actually wanted.
//
// The store is single writer, multi reader. All mutations serialise on one
// exclusive lock; reads copy a snapshot of the open state and answer from
// that copy, so a read started before an append cannot observe that
// append's bytes. After the snapshot a read takes the shared lock again
// only briefly, to reach the index cache of past epochs.
package immutable

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/voltairelabs/chainstore/chain"
)

// ValidationPolicy selects how much of the store Open re-checks.
type ValidationPolicy int

const (
	// ValidateMostRecentEpoch re-parses only the newest epoch with
	// content; earlier epochs are trusted when their primary index header
	// and sizes are coherent.
	ValidateMostRecentEpoch ValidationPolicy = iota
	// ValidateAllEpochs re-parses every epoch file and rebuilds any index
	// that does not match what the blocks imply.
	ValidateAllEpochs
)

// Options collects the tunables of Open. Construct with functional options;
// the zero values are serviceable defaults.
type Options struct {
	fs          FS
	policy      ValidationPolicy
	tracer      Tracer
	log         logger.Logger
	cacheEpochs int
	cacheExpiry time.Duration
	currentSlot func() chain.SlotNo
}

// Option mutates Options.
type Option func(*Options)

// WithFS substitutes the filesystem implementation. The default is an OS
// filesystem rooted at the directory given to Open.
func WithFS(fs FS) Option { return func(o *Options) { o.fs = fs } }

// WithValidation selects the validation policy for this open.
func WithValidation(p ValidationPolicy) Option { return func(o *Options) { o.policy = p } }

// WithTracer installs a trace event sink.
func WithTracer(t Tracer) Option { return func(o *Options) { o.tracer = t } }

// WithLogger installs the logger backing the default tracer.
func WithLogger(log logger.Logger) Option { return func(o *Options) { o.log = log } }

// WithCachePastEpochs bounds how many past epochs the index cache retains.
func WithCachePastEpochs(n int) Option { return func(o *Options) { o.cacheEpochs = n } }

// WithCacheExpiry bounds how long an unused cache entry survives.
func WithCacheExpiry(d time.Duration) Option { return func(o *Options) { o.cacheExpiry = d } }

// WithCurrentSlot provides the wall clock slot. When set, validation treats
// any block past the current slot as garbage and truncates it.
func WithCurrentSlot(fn func() chain.SlotNo) Option {
	return func(o *Options) { o.currentSlot = fn }
}

// openState is the mutable core of an open database: the current epoch's
// three file handles, the write offsets, the in memory images of the current
// epoch's indices, and the tip. Guarded by DB.mu; reads copy it.
type openState struct {
	epoch chain.EpochNo

	epochFile     File
	primaryFile   File
	secondaryFile File

	// epochOffset is the current epoch file size, the offset the next
	// block lands at.
	epochOffset uint64
	// secondaryOffset is the current secondary file size.
	secondaryOffset uint64
	// primary mirrors the offsets stored in the primary file so far,
	// A[0..n]. Appends only ever extend it.
	primary []uint32
	// secondary mirrors the secondary file. Appends only ever extend it.
	secondary []byte

	tip chain.Tip
}

// snapshot is the read side view of the open state. The slices share their
// backing arrays with openState; that is safe because appends never mutate
// already written elements.
type snapshot struct {
	epoch           chain.EpochNo
	epochOffset     uint64
	secondaryOffset uint64
	primary         []uint32
	secondary       []byte
	tip             chain.Tip
}

// DB is an open immutable database. Obtain one with Open; a DB is closed by
// Close and can be brought back with Reopen.
type DB struct {
	id       uuid.UUID
	log      logger.Logger
	tracer   Tracer
	fs       FS
	einfo    chain.EpochInfo
	hashSize int
	parser   BlockParser
	policy   ValidationPolicy
	curSlot  func() chain.SlotNo
	flk      *flock.Flock
	cache    *indexCache

	cacheEpochs int
	cacheExpiry time.Duration

	mu        sync.RWMutex
	state     *openState // nil when closed
	openIters int
}

// Open opens (creating if necessary) the store rooted at dir. einfo supplies
// the epoch arithmetic, hashes fixes the hash width, and parser re-parses
// raw epoch files during validation.
func Open(dir string, einfo chain.EpochInfo, hashes HashCodec, parser BlockParser, opts ...Option) (*DB, error) {
	o := Options{
		policy:      ValidateMostRecentEpoch,
		cacheEpochs: defaultCachePastEpochs,
		cacheExpiry: defaultCacheExpiry,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Sugar.WithServiceName("chainstore")
	}

	fs := o.fs
	if fs == nil {
		var err error
		fs, err = NewOSFS(dir)
		if err != nil {
			return nil, err
		}
	}

	id := uuid.New()
	tracer := o.tracer
	if tracer == nil {
		tracer = NewLogTracer(o.log, id)
	}

	db := &DB{
		id:          id,
		log:         o.log,
		tracer:      tracer,
		fs:          fs,
		einfo:       einfo,
		hashSize:    hashes.Size(),
		parser:      parser,
		policy:      o.policy,
		curSlot:     o.currentSlot,
		cacheEpochs: o.cacheEpochs,
		cacheExpiry: o.cacheExpiry,
	}

	flk := flock.New(filepath.Join(fs.Root(), lockFilename))
	locked, err := flk.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrDBLocked, fs.Root())
	}
	db.flk = flk

	if err := db.open(o.policy); err != nil {
		_ = flk.Unlock()
		return nil, err
	}
	return db, nil
}

// open validates the on disk state and installs the open state. Caller
// ensures db.state is nil.
func (db *DB) open(policy ValidationPolicy) error {
	st, err := db.validate(policy)
	if err != nil {
		return err
	}
	db.mu.Lock()
	db.state = st
	db.mu.Unlock()
	db.cache = newIndexCache(db.fs, db.einfo, db.hashSize, db.tracer, db.cacheEpochs, db.cacheExpiry)
	db.tracer.Trace(EvDBOpened{Tip: st.tip})
	return nil
}

// Reopen validates and reopens a closed database under the given policy.
// Reopening an open database fails with ErrDBOpen.
func (db *DB) Reopen(policy ValidationPolicy) error {
	db.mu.RLock()
	open := db.state != nil
	db.mu.RUnlock()
	if open {
		db.traceUserError(ErrDBOpen)
		return ErrDBOpen
	}
	if db.flk != nil && !db.flk.Locked() {
		locked, err := db.flk.TryLock()
		if err != nil {
			return err
		}
		if !locked {
			return fmt.Errorf("%w: %s", ErrDBLocked, db.fs.Root())
		}
	}
	db.policy = policy
	return db.open(policy)
}

// Close releases the epoch file handles, stops the cache, and drops the
// directory lock. Close is idempotent. Iterators outlive Close only in the
// sense that their Close remains callable; their Next fails.
func (db *DB) Close() error {
	db.mu.Lock()
	st := db.state
	db.state = nil
	db.mu.Unlock()

	var err error
	if st != nil {
		err = closeHandles(st)
	}
	if db.cache != nil {
		db.cache.close()
		db.cache = nil
	}
	if db.flk != nil && db.flk.Locked() {
		if uerr := db.flk.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}
	if st != nil {
		db.tracer.Trace(EvDBClosed{})
	}
	return err
}

// GetTip returns the current tip. The origin tip means the store is empty.
func (db *DB) GetTip() (chain.Tip, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.state == nil {
		return chain.Tip{}, ErrDBClosed
	}
	return db.state.tip, nil
}

// CacheStats exposes the index cache counters.
func (db *DB) CacheStats() CacheStats {
	db.mu.RLock()
	c := db.cache
	db.mu.RUnlock()
	if c == nil {
		return CacheStats{}
	}
	return c.stats()
}

// snapshot copies the open state for a read. Fails when closed.
func (db *DB) snapshot() (snapshot, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.state == nil {
		return snapshot{}, ErrDBClosed
	}
	st := db.state
	return snapshot{
		epoch:           st.epoch,
		epochOffset:     st.epochOffset,
		secondaryOffset: st.secondaryOffset,
		primary:         st.primary,
		secondary:       st.secondary,
		tip:             st.tip,
	}, nil
}

// failWrite closes the database after an unexpected error on the write
// path. The on disk state is left for the next reopen's validation.
func (db *DB) failWrite(err error) error {
	st := db.state
	db.state = nil
	if st != nil {
		_ = closeHandles(st)
	}
	if db.cache != nil {
		db.cache.close()
		db.cache = nil
	}
	db.log.Infof("immutable[%s]: closing after write error: %v", db.id, err)
	db.tracer.Trace(EvDBClosed{})
	return err
}

func (db *DB) traceUserError(err error) {
	db.tracer.Trace(EvUserError{Err: err})
}

func closeHandles(st *openState) error {
	var err error
	for _, f := range []File{st.epochFile, st.primaryFile, st.secondaryFile} {
		if f == nil {
			continue
		}
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// tipSlot is the slot ordering key of a tip: an EBB orders at the first
// slot of its epoch.
func (db *DB) tipSlot(t chain.Tip) (chain.SlotNo, error) {
	if t.IsOrigin() {
		return 0, errors.New("tipSlot of origin")
	}
	if t.At.IsEBB() {
		return db.einfo.FirstSlot(t.At.Epoch)
	}
	return t.At.Slot, nil
}

// tipEpochSlot locates a tip's cell.
func (db *DB) tipEpochSlot(t chain.Tip) (chain.EpochSlot, error) {
	if t.At.IsEBB() {
		return chain.EpochSlot{Epoch: t.At.Epoch, Rel: 0}, nil
	}
	return db.einfo.RelativeSlot(t.At.Slot)
}
