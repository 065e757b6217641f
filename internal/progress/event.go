package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart          Stage = "RUN_START"
	StageRunDone           Stage = "RUN_DONE"
	StageCollectionStart   Stage = "COLLECTION_START"
	StageCollectionSkipped Stage = "COLLECTION_SKIPPED"
	StageCollectionDone    Stage = "COLLECTION_DONE"
	StagePageDone          Stage = "PAGE_DONE"
	StageStaticDone        Stage = "STATIC_DONE"
)

// Event captures a single step of a mirror run.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Collection is the display name; empty for run-level events.
	Collection string
	// Page is the local file name for page and static events.
	Page string
	// URL is the remote address involved, if any.
	URL string
	// Outcome is the page outcome ("mirrored", "already_mirrored", "failed").
	Outcome string
	// Bytes is the size written for the page.
	Bytes int64
	// Assets counts images present for the page after the run.
	Assets int
	// AssetFailures counts images that could not be fetched.
	AssetFailures int
	// Total carries a count: pages found at COLLECTION_START, collections at RUN_START.
	Total int
	// Dur captures latency for pages and completion events.
	Dur time.Duration
	// Note carries low-volume context such as a truncated error.
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
	case StageRunStart, StageRunDone:
	case StageCollectionStart, StageCollectionSkipped, StageCollectionDone:
		if e.Collection == "" {
			return fmt.Errorf("%s requires collection", e.Stage)
		}
	case StagePageDone:
		if e.Collection == "" || e.Page == "" {
			return errors.New("page done requires collection and page")
		}
		if e.Outcome == "" {
			return errors.New("page done requires outcome")
		}
	case StageStaticDone:
		if e.Page == "" {
			return errors.New("static done requires page")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
