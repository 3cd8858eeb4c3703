// Package notifier delivers hunt and cron completion events to external
// channels. A Hunt or CronQuery names a notifier by its registered name;
// the engine looks it up in the Registry and fires a best-effort Send.
package notifier

import (
	"context"
	"time"
)

// CompletionMessage is the platform-agnostic payload fired when a hunt or
// cron query finishes (or matches, for cron). Concrete notifiers render it
// into their own wire format.
type CompletionMessage struct {
	Kind        string // "hunt" or "cron"
	ID          string
	Name        string
	UserID      string
	MatchedCount int
	SessionIDs  []string // not filled in by the hunt or cron engine
	FinishedAt  time.Time
	Error       string // non-empty if the job ended in an error state
	DeepLink    string // link back into the viewer UI, if configured
}

// Notifier delivers a CompletionMessage to one external channel. Send must
// be safe to call from the engine's background goroutine and must not block
// indefinitely; implementations should respect ctx cancellation.
type Notifier interface {
	Name() string
	Send(ctx context.Context, msg CompletionMessage) error
}
