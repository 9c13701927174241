package queue

import "time"

// State is a QueuedCommand's lifecycle position (spec.md §3).
type State string

const (
	Queued    State = "Queued"
	Executing State = "Executing"
	Completed State = "Completed"
	Failed    State = "Failed"
	Cancelled State = "Cancelled"
	TimedOut  State = "TimedOut"
)

// IsTerminal reports whether s is one of the four terminal states.
func (s State) IsTerminal() bool {
	switch s {
	case Completed, Failed, Cancelled, TimedOut:
		return true
	default:
		return false
	}
}

// Command is a QueuedCommand record (spec.md §3). Terminal state is
// monotonic: once IsTerminal() is true for a Command's State, it never
// changes again (enforced by the Queue, not by this type).
type Command struct {
	ID        string
	SessionID string
	RawText   string

	QueuedAt   time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time

	State      State
	ResultText string
	ErrorKind  string

	cancel chan struct{}
}

// Snapshot is a read-only copy of a Command, safe to hand to callers
// outside the Queue's lock.
type Snapshot struct {
	ID         string
	SessionID  string
	RawText    string
	QueuedAt   time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	State      State
	ResultText string
	ErrorKind  string
}

func (c *Command) snapshot() Snapshot {
	return Snapshot{
		ID:         c.ID,
		SessionID:  c.SessionID,
		RawText:    c.RawText,
		QueuedAt:   c.QueuedAt,
		StartedAt:  c.StartedAt,
		FinishedAt: c.FinishedAt,
		State:      c.State,
		ResultText: c.ResultText,
		ErrorKind:  c.ErrorKind,
	}
}
