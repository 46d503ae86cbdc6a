package failure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etlite/etlite/internal/store"
)

func newRecorder(t *testing.T) (*Recorder, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewRecorder(st), st
}

func failureEvent(jobID int64) Event {
	return Event{
		JobID:       jobID,
		Source:      "openmrs",
		MappingName: "patients",
		SourceKey:   "location_id",
		SourceValue: "1",
		Message:     "savePerson failed",
		StackTrace:  "stack",
	}
}

func TestSameDayDuplicateSuppressed(t *testing.T) {
	r, st := newRecorder(t)

	jobID, err := st.CreateRunLog(&store.RunLog{
		Source: "openmrs", MappingName: "patients", RunOn: time.Now(),
		ExtractedCount: 10, LoadCount: 10, Succeeded: true,
	})
	require.NoError(t, err)

	ev := failureEvent(jobID).AsBusEvent()
	r.Handle(ev)
	r.Handle(ev)

	records, err := st.FailuresBetween("openmrs", "patients",
		time.Now().AddDate(0, 0, -1), time.Now().AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Len(t, records, 1)

	// only the first event decrements the load count
	runLog, err := st.RunLogByID(jobID)
	require.NoError(t, err)
	assert.Equal(t, 9, runLog.LoadCount)
	assert.False(t, runLog.Succeeded)
}

func TestNextDayProducesIndependentRecord(t *testing.T) {
	r, st := newRecorder(t)

	day := time.Date(2024, 5, 10, 9, 0, 0, 0, time.Local)
	r.now = func() time.Time { return day }
	r.Handle(failureEvent(0).AsBusEvent())

	r.now = func() time.Time { return day.AddDate(0, 0, 1) }
	r.Handle(failureEvent(0).AsBusEvent())

	records, err := st.FailuresBetween("openmrs", "patients", day.AddDate(0, 0, -1), day.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestLoadCountNeverBelowZero(t *testing.T) {
	r, st := newRecorder(t)

	jobID, err := st.CreateRunLog(&store.RunLog{
		Source: "openmrs", MappingName: "patients", RunOn: time.Now(),
		ExtractedCount: 1, LoadCount: 0, Succeeded: true,
	})
	require.NoError(t, err)

	r.Handle(failureEvent(jobID).AsBusEvent())

	runLog, err := st.RunLogByID(jobID)
	require.NoError(t, err)
	assert.Equal(t, 0, runLog.LoadCount)
	assert.False(t, runLog.Succeeded)
}

func TestUnknownRunLogStillRecordsFailure(t *testing.T) {
	r, st := newRecorder(t)

	r.Handle(failureEvent(99999).AsBusEvent())

	records, err := st.FailuresBetween("openmrs", "patients",
		time.Now().AddDate(0, 0, -1), time.Now().AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestBusEventRoundTrip(t *testing.T) {
	e := failureEvent(42)
	got := FromBusEvent(e.AsBusEvent())
	assert.Equal(t, e, got)
}
