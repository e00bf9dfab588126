package immutable

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/voltairelabs/chainstore/chain"
)

const (
	defaultCachePastEpochs = 10
	defaultCacheExpiry     = 5 * time.Minute
)

// CacheStats is a snapshot of the index cache counters.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

type cachedIndexes struct {
	primary   PrimaryIndex
	secondary []byte
	lastUsed  time.Time
}

// indexCache holds the decoded primary index and the raw secondary bytes of
// past epochs. The current epoch never lives here: the open state keeps its
// own, always current, in memory copy. Entries load lazily on first read,
// concurrent loads of one epoch are collapsed, and a background worker
// expires entries that have not been used within the retention window. At
// most pastEpochs entries are retained; beyond that the least recently used
// entry is evicted on insert.
type indexCache struct {
	fs       FS
	einfo    chain.EpochInfo
	hashSize int
	tracer   Tracer

	pastEpochs int
	expiry     time.Duration

	mu      sync.Mutex
	entries map[chain.EpochNo]*cachedIndexes
	hits    uint64
	misses  uint64

	group singleflight.Group

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newIndexCache(fs FS, einfo chain.EpochInfo, hashSize int, tracer Tracer, pastEpochs int, expiry time.Duration) *indexCache {
	c := &indexCache{
		fs:         fs,
		einfo:      einfo,
		hashSize:   hashSize,
		tracer:     tracer,
		pastEpochs: pastEpochs,
		expiry:     expiry,
		entries:    make(map[chain.EpochNo]*cachedIndexes),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.expireLoop()
	return c
}

// get returns the cached indexes for a past epoch, loading them on a miss.
func (c *indexCache) get(e chain.EpochNo) (*cachedIndexes, error) {
	c.mu.Lock()
	if ci, ok := c.entries[e]; ok {
		ci.lastUsed = time.Now()
		c.hits++
		c.mu.Unlock()
		return ci, nil
	}
	c.misses++
	c.mu.Unlock()

	v, err, _ := c.group.Do(fmt.Sprintf("%d", e), func() (any, error) {
		return c.load(e)
	})
	if err != nil {
		return nil, err
	}
	ci := v.(*cachedIndexes)

	c.mu.Lock()
	ci.lastUsed = time.Now()
	c.entries[e] = ci
	c.evictOverCapLocked()
	c.mu.Unlock()
	return ci, nil
}

func (c *indexCache) load(e chain.EpochNo) (*cachedIndexes, error) {
	epochSize, err := c.einfo.EpochSize(e)
	if err != nil {
		return nil, err
	}
	primary, err := readWholeFile(c.fs, primaryFilename(e))
	if err != nil {
		return nil, err
	}
	pi, err := decodePrimaryIndex(primary, epochSize)
	if err != nil {
		return nil, fmt.Errorf("epoch %d: %w", e, err)
	}
	secondary, err := readWholeFile(c.fs, secondaryFilename(e))
	if err != nil {
		return nil, err
	}
	if uint32(len(secondary)) != pi.SecondarySize() {
		return nil, fmt.Errorf("%w: epoch %d secondary is %d bytes, primary accounts for %d",
			ErrInvalidPrimaryIndex, e, len(secondary), pi.SecondarySize())
	}
	return &cachedIndexes{primary: pi, secondary: secondary}, nil
}

// evictOverCapLocked drops least recently used entries beyond the cap.
func (c *indexCache) evictOverCapLocked() {
	for len(c.entries) > c.pastEpochs {
		var victim chain.EpochNo
		var oldest time.Time
		first := true
		for e, ci := range c.entries {
			if first || ci.lastUsed.Before(oldest) {
				victim, oldest, first = e, ci.lastUsed, false
			}
		}
		delete(c.entries, victim)
		c.tracer.Trace(EvCacheEvict{Epoch: victim})
	}
}

func (c *indexCache) expireLoop() {
	defer close(c.done)
	interval := c.expiry / 2
	if interval < time.Second {
		interval = time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-tick.C:
			c.mu.Lock()
			var expired []chain.EpochNo
			for e, ci := range c.entries {
				if now.Sub(ci.lastUsed) > c.expiry {
					expired = append(expired, e)
				}
			}
			sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
			for _, e := range expired {
				delete(c.entries, e)
				c.tracer.Trace(EvCacheEvict{Epoch: e})
			}
			c.mu.Unlock()
		}
	}
}

// restart drops every entry. DeleteAfter calls this so stale indexes for
// removed epochs cannot be served.
func (c *indexCache) restart() {
	c.mu.Lock()
	c.entries = make(map[chain.EpochNo]*cachedIndexes)
	c.mu.Unlock()
}

func (c *indexCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}
}

func (c *indexCache) close() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// readWholeFile slurps a file through the FS seam.
func readWholeFile(fs FS, name string) ([]byte, error) {
	f, err := fs.Open(name, ReadOnly)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if size == 0 {
		return buf, nil
	}
	if err := readExactlyAt(f, buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}
