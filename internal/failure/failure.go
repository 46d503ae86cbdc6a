// Package failure defines the per-record failure events emitted by mapping
// scripts and the consumer that persists them.
package failure

import (
	"github.com/etlite/etlite/internal/bus"
)

// Topic is the bus topic failure events are published on.
const Topic = "etl-failure"

// Event property keys.
const (
	KeyMessage     = "failure_message"
	KeyStackTrace  = "failure_stacktrace"
	KeySource      = "source"
	KeyMapping     = "mapping"
	KeySourceKey   = "sourceKey"
	KeySourceValue = "sourceValue"
	KeyJobID       = "jobId"
)

// Event describes one failed source record.
type Event struct {
	JobID       int64
	Source      string
	MappingName string
	SourceKey   string
	SourceValue string
	Message     string
	StackTrace  string
}

// AsBusEvent converts the failure into a bus event.
func (e Event) AsBusEvent() bus.Event {
	return bus.Event{
		Topic: Topic,
		Params: map[string]any{
			KeyJobID:       e.JobID,
			KeySource:      e.Source,
			KeyMapping:     e.MappingName,
			KeySourceKey:   e.SourceKey,
			KeySourceValue: e.SourceValue,
			KeyMessage:     e.Message,
			KeyStackTrace:  e.StackTrace,
		},
	}
}

// FromBusEvent reconstructs a failure event from bus properties.
// Missing or mistyped properties degrade to zero values.
func FromBusEvent(ev bus.Event) Event {
	e := Event{}
	if v, ok := ev.Params[KeyJobID].(int64); ok {
		e.JobID = v
	}
	e.Source = stringParam(ev, KeySource)
	e.MappingName = stringParam(ev, KeyMapping)
	e.SourceKey = stringParam(ev, KeySourceKey)
	e.SourceValue = stringParam(ev, KeySourceValue)
	e.Message = stringParam(ev, KeyMessage)
	e.StackTrace = stringParam(ev, KeyStackTrace)
	return e
}

func stringParam(ev bus.Event, key string) string {
	if v, ok := ev.Params[key].(string); ok {
		return v
	}
	return ""
}
