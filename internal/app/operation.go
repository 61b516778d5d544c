package app

import "time"

// Invocation tracks one CLI command from start to finish. Its ID tags every
// log line the command writes.
type Invocation struct {
	ID         string
	Command    string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string // "running", "success" or "error"
	Error      string
}

// NewInvocation starts an invocation of command at now. The ID is the
// start time in compact UTC form.
func NewInvocation(command string, now time.Time) *Invocation {
	return &Invocation{
		ID:        now.UTC().Format("20060102T150405Z"),
		Command:   command,
		StartedAt: now,
		Status:    "running",
	}
}

// Finish records the outcome of the command.
func (inv *Invocation) Finish(now time.Time, err error) {
	inv.FinishedAt = now
	if err != nil {
		inv.Status = "error"
		inv.Error = err.Error()
		return
	}
	inv.Status = "success"
}

// Finished returns true once Finish has been called.
func (inv *Invocation) Finished() bool {
	return inv.Status != "running"
}

// Duration is the elapsed time of a finished invocation.
func (inv *Invocation) Duration() time.Duration {
	if !inv.Finished() {
		return 0
	}
	return inv.FinishedAt.Sub(inv.StartedAt)
}
