// Package history records issuance events. The engine appends one event
// per successful issuance; a failure to record is logged by the caller and
// never fails the renewal itself.
package history

import (
	"context"
	"time"
)

// Event is one successful issuance.
type Event struct {
	Partition string
	Name      string
	Domains   []string
	NotBefore time.Time
	NotAfter  time.Time
}

// Writer stores issuance events.
type Writer interface {
	AddIssuance(ctx context.Context, event Event) error
}

// TimeFormat renders timestamps the way the history store persists them.
func TimeFormat(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
