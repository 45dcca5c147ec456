package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/ingestd/internal/pipeline"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart      Stage = "RUN_START"
	StageRunDone       Stage = "RUN_DONE"
	StageRunError      Stage = "RUN_ERROR"
	StageFetchBatch    Stage = "FETCH_BATCH"
	StageItemDone      Stage = "ITEM_DONE"
	StageItemDuplicate Stage = "ITEM_DUPLICATE"
	StageItemError     Stage = "ITEM_ERROR"
	StageItemDropped   Stage = "ITEM_DROPPED"
)

// Event captures one progress delta.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the tracker.
	TS    time.Time
	Stage Stage
	// Source names the fetcher the delta belongs to, when known.
	Source string
	ItemID string
	// Items is the count delta carried by the event (batch size, dropped count).
	Items int64
	// Bytes is the payload size delta.
	Bytes int64
	// Kind classifies ITEM_ERROR events.
	Kind pipeline.Kind
	// Dur is the handler latency for items and the wall time for terminal run events.
	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageItemDropped:
	case StageFetchBatch, StageItemDone, StageItemDuplicate:
		if e.Source == "" {
			return fmt.Errorf("%s requires source", e.Stage)
		}
	case StageItemError:
		if e.Kind == "" {
			return errors.New("item error requires kind")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
