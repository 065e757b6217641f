package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/column-mirror/internal/mirror"
	"github.com/JakeFAU/column-mirror/internal/progress"
)

// CollectionTally holds the running counts for one collection.
type CollectionTally struct {
	Name            string `json:"name"`
	Pages           int    `json:"pages"`
	Mirrored        int    `json:"mirrored"`
	AlreadyMirrored int    `json:"already_mirrored"`
	Failed          int    `json:"failed"`
	Assets          int    `json:"assets"`
	AssetFailures   int    `json:"asset_failures"`
	Skipped         bool   `json:"skipped"`
	Done            bool   `json:"done"`
	Reason          string `json:"reason,omitempty"`
}

// Tally is a point-in-time view of the current run.
type Tally struct {
	RunID      string    `json:"run_id,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Running    bool      `json:"running"`
	Mirrored   int       `json:"mirrored"`
	Already    int       `json:"already_mirrored"`
	Failed     int       `json:"failed"`
	Static     int       `json:"static_files"`
	// StaticPresent counts static files found on disk and not fetched.
	StaticPresent int               `json:"static_files_present"`
	Collections   []CollectionTally `json:"collections"`
}

// TallySink folds progress events into an in-memory Tally.
type TallySink struct {
	mu    sync.RWMutex
	tally Tally
	index map[string]int
}

// NewTallySink returns an empty TallySink.
func NewTallySink() *TallySink {
	return &TallySink{index: make(map[string]int)}
}

// Consume folds the batch into the tally.
func (s *TallySink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.apply(evt)
	}
	return nil
}

func (s *TallySink) apply(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.tally = Tally{
			RunID:     evt.RunUUID().String(),
			StartedAt: evt.TS,
			Running:   true,
		}
		s.index = make(map[string]int)
	case progress.StageRunDone:
		s.tally.Running = false
		s.tally.FinishedAt = evt.TS
	case progress.StageCollectionStart:
		c := s.collection(evt.Collection)
		c.Pages = evt.Total
	case progress.StageCollectionSkipped:
		c := s.collection(evt.Collection)
		c.Skipped = true
		c.Reason = evt.Note
	case progress.StageCollectionDone:
		s.collection(evt.Collection).Done = true
	case progress.StagePageDone:
		c := s.collection(evt.Collection)
		c.Assets += evt.Assets
		c.AssetFailures += evt.AssetFailures
		switch evt.Outcome {
		case string(mirror.OutcomeMirrored):
			c.Mirrored++
			s.tally.Mirrored++
		case string(mirror.OutcomeAlreadyMirrored):
			c.AlreadyMirrored++
			s.tally.Already++
		case string(mirror.OutcomeFailed):
			c.Failed++
			s.tally.Failed++
		}
	case progress.StageStaticDone:
		switch evt.Outcome {
		case string(mirror.OutcomeMirrored):
			s.tally.Static++
		case string(mirror.OutcomeAlreadyMirrored):
			s.tally.StaticPresent++
		}
	}
}

func (s *TallySink) collection(name string) *CollectionTally {
	i, ok := s.index[name]
	if !ok {
		s.tally.Collections = append(s.tally.Collections, CollectionTally{Name: name})
		i = len(s.tally.Collections) - 1
		s.index[name] = i
	}
	return &s.tally.Collections[i]
}

// Snapshot returns a copy of the current tally.
func (s *TallySink) Snapshot() Tally {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.tally
	out.Collections = append([]CollectionTally(nil), s.tally.Collections...)
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *TallySink) Close(context.Context) error {
	return nil
}
