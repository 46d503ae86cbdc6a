package failure

import (
	"sync"
	"time"

	"github.com/etlite/etlite/internal/bus"
	"github.com/etlite/etlite/internal/dateutil"
	"github.com/etlite/etlite/internal/logging"
	"github.com/etlite/etlite/internal/store"
)

// Recorder consumes failure events, deduplicates them per calendar day, and
// charges each new failure against the owning run log.
type Recorder struct {
	store *store.Store

	// guards the check-then-insert sequence so concurrent consumers cannot
	// both win the dedupe race
	mu sync.Mutex

	now func() time.Time
}

// NewRecorder creates a recorder writing to the given store.
func NewRecorder(st *store.Store) *Recorder {
	return &Recorder{store: st, now: time.Now}
}

// Attach subscribes the recorder to the failure topic.
func (r *Recorder) Attach(b *bus.Bus) {
	b.Subscribe(Topic, r.Handle)
}

// Handle processes one failure event. At most one record per
// (source, mapping, sourceKey, sourceValue, day) is kept; later duplicates
// on the same day are discarded.
func (r *Recorder) Handle(ev bus.Event) {
	e := FromBusEvent(ev)
	occurredOn := dateutil.Day(r.now())

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.store.FindFailure(e.Source, e.MappingName, e.SourceKey, e.SourceValue, occurredOn)
	if err != nil {
		logging.Error("failure recorder: dedupe lookup failed: %v", err)
		return
	}
	if existing != nil {
		logging.Debug("failure recorder: duplicate failure for %s/%s %s=%s on %s, discarding",
			e.Source, e.MappingName, e.SourceKey, e.SourceValue, occurredOn.Format("2006-01-02"))
		return
	}

	record := &store.FailureRecord{
		Source:      e.Source,
		MappingName: e.MappingName,
		SourceKey:   e.SourceKey,
		SourceValue: e.SourceValue,
		OccurredOn:  occurredOn,
		Message:     e.Message,
		StackTrace:  e.StackTrace,
	}
	if err := r.store.CreateFailure(record); err != nil {
		logging.Error("failure recorder: persisting failure record: %v", err)
		return
	}

	r.chargeRunLog(e.JobID)
}

// chargeRunLog decrements the owning run log's load count (never below zero)
// and marks the run as failed.
func (r *Recorder) chargeRunLog(jobID int64) {
	if jobID == 0 {
		return
	}

	runLog, err := r.store.RunLogByID(jobID)
	if err != nil {
		logging.Error("failure recorder: loading run log %d: %v", jobID, err)
		return
	}
	if runLog == nil {
		return
	}

	if runLog.LoadCount > 0 {
		runLog.LoadCount--
	}
	runLog.Succeeded = false
	if err := r.store.UpdateRunLog(runLog); err != nil {
		logging.Error("failure recorder: updating run log %d: %v", jobID, err)
	}
}
