package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// State is a coordinator lifecycle state.
type State string

// Coordinator states. Stopped and Failed are terminal.
const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Report summarizes a finished run.
type Report struct {
	RunID      string
	State      State
	Processed  int64
	Duplicates int64
	Dropped    int64
	Errors     map[Kind]int64
	// FirstFatal is the first fatal error recorded, if any.
	FirstFatal error
	// Cancelled is true when the run ended through Cancel or its context.
	Cancelled  bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// ErrorCount returns the count recorded for kind.
func (r Report) ErrorCount(kind Kind) int64 {
	return r.Errors[kind]
}

// FirstFatalKind returns the Kind of FirstFatal or the empty Kind.
func (r Report) FirstFatalKind() Kind {
	if r.FirstFatal == nil {
		return ""
	}
	return KindOf(r.FirstFatal)
}

// Duration is the wall time between start and finish.
func (r Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// String renders a one-line human summary.
func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "state=%s processed=%d duplicates=%d dropped=%d",
		r.State, r.Processed, r.Duplicates, r.Dropped)
	for _, kind := range Kinds() {
		fmt.Fprintf(&b, " %s=%d", kind, r.Errors[kind])
	}
	if r.FirstFatal != nil {
		fmt.Fprintf(&b, " first_fatal=%q", r.FirstFatal.Error())
	}
	return b.String()
}
