package immutable

import (
	"fmt"
	"sync"

	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/google/uuid"

	"github.com/voltairelabs/chainstore/chain"
)

// Tracer receives a structured event on every nontrivial store transition.
// Implementations must be safe for concurrent use and must not block: the
// store calls Trace while holding its state lock.
type Tracer interface {
	Trace(ev Event)
}

// Event is a trace event. The concrete types below form the vocabulary.
type Event interface {
	fmt.Stringer
	traceEvent()
}

type EvDBOpened struct {
	Tip chain.Tip
}

type EvDBClosed struct{}

type EvValidatingEpoch struct {
	Epoch chain.EpochNo
	// Thorough is set when the epoch file is re-parsed rather than the
	// indices being spot checked.
	Thorough bool
}

type EvRebuildingIndex struct {
	Epoch chain.EpochNo
}

type EvTruncating struct {
	Epoch chain.EpochNo
	// Entries is the number of secondary entries surviving the truncate.
	Entries int
}

type EvNewEpoch struct {
	Epoch chain.EpochNo
}

type EvAppend struct {
	Tip chain.Tip
}

type EvDeletingAfter struct {
	NewTip chain.Tip
}

type EvCacheEvict struct {
	Epoch chain.EpochNo
}

type EvUserError struct {
	Err error
}

func (EvDBOpened) traceEvent()        {}
func (EvDBClosed) traceEvent()        {}
func (EvValidatingEpoch) traceEvent() {}
func (EvRebuildingIndex) traceEvent() {}
func (EvTruncating) traceEvent()      {}
func (EvNewEpoch) traceEvent()        {}
func (EvAppend) traceEvent()          {}
func (EvDeletingAfter) traceEvent()   {}
func (EvCacheEvict) traceEvent()      {}
func (EvUserError) traceEvent()       {}

func (e EvDBOpened) String() string { return fmt.Sprintf("db opened, tip %s", e.Tip) }
func (e EvDBClosed) String() string { return "db closed" }
func (e EvValidatingEpoch) String() string {
	return fmt.Sprintf("validating epoch %d (thorough=%t)", e.Epoch, e.Thorough)
}
func (e EvRebuildingIndex) String() string { return fmt.Sprintf("rebuilding indices for epoch %d", e.Epoch) }
func (e EvTruncating) String() string {
	return fmt.Sprintf("truncating epoch %d to %d entries", e.Epoch, e.Entries)
}
func (e EvNewEpoch) String() string { return fmt.Sprintf("starting epoch %d", e.Epoch) }
func (e EvAppend) String() string { return fmt.Sprintf("appended, tip %s", e.Tip) }
func (e EvDeletingAfter) String() string { return fmt.Sprintf("deleting after %s", e.NewTip) }
func (e EvCacheEvict) String() string { return fmt.Sprintf("evicting cached epoch %d", e.Epoch) }
func (e EvUserError) String() string { return fmt.Sprintf("user error: %v", e.Err) }

type noopTracer struct{}

func (noopTracer) Trace(Event) {}

// NoopTracer discards all events.
func NoopTracer() Tracer { return noopTracer{} }

// logTracer writes events through the process logger, stamping each with the
// store's instance id so interleaved logs from multiple stores stay
// attributable.
type logTracer struct {
	log logger.Logger
	id  uuid.UUID
}

// NewLogTracer returns a Tracer backed by log. id identifies the store
// instance in the emitted lines.
func NewLogTracer(log logger.Logger, id uuid.UUID) Tracer {
	return &logTracer{log: log, id: id}
}

func (t *logTracer) Trace(ev Event) {
	switch ev.(type) {
	case EvUserError:
		t.log.Infof("immutable[%s]: %s", t.id, ev)
	default:
		t.log.Debugf("immutable[%s]: %s", t.id, ev)
	}
}

// RecordingTracer captures events for tests.
type RecordingTracer struct {
	mu     sync.Mutex
	Events []Event
}

func (t *RecordingTracer) Trace(ev Event) {
	t.mu.Lock()
	t.Events = append(t.Events, ev)
	t.mu.Unlock()
}
