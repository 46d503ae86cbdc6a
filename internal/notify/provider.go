package notify

import (
	"time"

	"github.com/etlite/etlite/internal/store"
)

// Provider defines the notification contract for run events.
// This interface allows for different notification backends (Slack, email, etc.)
// and enables easier testing through mock implementations.
type Provider interface {
	// RunCompleted sends a notification when a run finishes, successfully
	// or with failed records.
	RunCompleted(source, mapping string, run *store.RunLog) error

	// RunFailed sends a notification when a run aborts with an error.
	RunFailed(source, mapping string, err error, duration time.Duration) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
