package progress

import (
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/ingestd/internal/pipeline"
)

// Snapshot is a point-in-time copy of a run's counters.
type Snapshot struct {
	RunID      string
	State      pipeline.State
	Enqueued   int64
	Processed  int64
	Duplicates int64
	Dropped    int64
	Errors     map[pipeline.Kind]int64
	LastError  error
	FirstFatal error
	Cancelled  bool
	StartedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt time.Time
}

// Report converts the snapshot into the terminal report form.
func (s Snapshot) Report() pipeline.Report {
	return pipeline.Report{
		RunID:      s.RunID,
		State:      s.State,
		Processed:  s.Processed,
		Duplicates: s.Duplicates,
		Dropped:    s.Dropped,
		Errors:     maps.Clone(s.Errors),
		FirstFatal: s.FirstFatal,
		Cancelled:  s.Cancelled,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
}

// Tracker holds the counters of one run behind a single mutex. Counters only
// grow. Each mutation is mirrored to the optional Emitter after the lock is
// released.
type Tracker struct {
	runID   uuid.UUID
	emitter Emitter
	now     func() time.Time

	mu   sync.Mutex
	snap Snapshot
}

// NewTracker returns a tracker in the Idle state. emitter may be nil.
func NewTracker(runID uuid.UUID, emitter Emitter) *Tracker {
	return &Tracker{
		runID:   runID,
		emitter: emitter,
		now:     func() time.Time { return time.Now().UTC() },
		snap: Snapshot{
			RunID:  runID.String(),
			State:  pipeline.StateIdle,
			Errors: make(map[pipeline.Kind]int64),
		},
	}
}

// SetState moves the tracked state. Terminal states are sticky: once Stopped
// or Failed is recorded further calls are ignored and false is returned.
func (t *Tracker) SetState(state pipeline.State) bool {
	now := t.now()
	t.mu.Lock()
	if t.snap.State.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.snap.State = state
	t.snap.UpdatedAt = now
	var evt *Event
	switch {
	case state == pipeline.StateRunning && t.snap.StartedAt.IsZero():
		t.snap.StartedAt = now
		evt = &Event{Stage: StageRunStart}
	case state.Terminal():
		t.snap.FinishedAt = now
		stage := StageRunDone
		note := ""
		if state == pipeline.StateFailed {
			stage = StageRunError
			if t.snap.FirstFatal != nil {
				note = t.snap.FirstFatal.Error()
			}
		}
		var dur time.Duration
		if !t.snap.StartedAt.IsZero() {
			dur = now.Sub(t.snap.StartedAt)
		}
		evt = &Event{Stage: stage, Dur: dur, Note: note}
	}
	t.mu.Unlock()
	if evt != nil {
		t.emit(*evt, now)
	}
	return true
}

// MarkCancelled records that the run was asked to stop.
func (t *Tracker) MarkCancelled() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.snap.Cancelled {
		t.snap.Cancelled = true
		t.snap.Errors[pipeline.KindCancelled]++
	}
}

// AddEnqueued records n items accepted by the queue from source.
func (t *Tracker) AddEnqueued(source string, n int, bytes int64) {
	if n <= 0 {
		return
	}
	now := t.now()
	t.mu.Lock()
	t.snap.Enqueued += int64(n)
	t.snap.UpdatedAt = now
	t.mu.Unlock()
	t.emit(Event{Stage: StageFetchBatch, Source: source, Items: int64(n), Bytes: bytes}, now)
}

// AddProcessed records a successfully handled item.
func (t *Tracker) AddProcessed(item pipeline.Item, dur time.Duration) {
	now := t.now()
	t.mu.Lock()
	t.snap.Processed++
	t.snap.UpdatedAt = now
	t.mu.Unlock()
	t.emit(Event{
		Stage:  StageItemDone,
		Source: sourceLabel(item.Source),
		ItemID: item.ID,
		Items:  1,
		Bytes:  int64(len(item.Payload)),
		Dur:    dur,
	}, now)
}

// AddDuplicate records an item skipped as a duplicate.
func (t *Tracker) AddDuplicate(item pipeline.Item) {
	now := t.now()
	t.mu.Lock()
	t.snap.Duplicates++
	t.snap.UpdatedAt = now
	t.mu.Unlock()
	t.emit(Event{Stage: StageItemDuplicate, Source: sourceLabel(item.Source), ItemID: item.ID, Items: 1}, now)
}

// AddDropped records n items discarded after cancellation.
func (t *Tracker) AddDropped(n int) {
	if n <= 0 {
		return
	}
	now := t.now()
	t.mu.Lock()
	t.snap.Dropped += int64(n)
	t.snap.UpdatedAt = now
	t.mu.Unlock()
	t.emit(Event{Stage: StageItemDropped, Items: int64(n)}, now)
}

// RecordError counts err under kind and remembers it as the last error.
// Fatal kinds also set FirstFatal when it is still empty.
func (t *Tracker) RecordError(kind pipeline.Kind, source string, err error) {
	now := t.now()
	t.mu.Lock()
	t.snap.Errors[kind]++
	t.snap.UpdatedAt = now
	if err != nil {
		t.snap.LastError = err
		if kind.Fatal() && t.snap.FirstFatal == nil {
			t.snap.FirstFatal = err
		}
	}
	t.mu.Unlock()
	note := ""
	if err != nil {
		note = err.Error()
	}
	t.emit(Event{Stage: StageItemError, Source: source, Kind: kind, Note: note}, now)
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.snap
	out.Errors = maps.Clone(t.snap.Errors)
	return out
}

func (t *Tracker) emit(evt Event, ts time.Time) {
	if t.emitter == nil {
		return
	}
	evt.RunID = UUIDToBytes(t.runID)
	evt.TS = ts
	t.emitter.Emit(evt)
}

func sourceLabel(source string) string {
	if source == "" {
		return "unknown"
	}
	return source
}
