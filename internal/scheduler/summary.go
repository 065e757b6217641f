package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/column-mirror/internal/mirror"
)

// CollectionSummary tallies one collection.
type CollectionSummary struct {
	Collection      mirror.Collection
	Pages           int
	Mirrored        int
	AlreadyMirrored int
	Failed          int
	Assets          int
	AssetFailures   int
	Skipped         bool
	Err             error
}

func (c *CollectionSummary) add(res mirror.Result) {
	switch res.Outcome {
	case mirror.OutcomeMirrored:
		c.Mirrored++
	case mirror.OutcomeAlreadyMirrored:
		c.AlreadyMirrored++
	case mirror.OutcomeFailed:
		c.Failed++
	}
	c.Assets += res.Assets
	c.AssetFailures += res.AssetFailures
}

func (c CollectionSummary) String() string {
	return fmt.Sprintf("mirrored=%d already=%d failed=%d assets=%d",
		c.Mirrored, c.AlreadyMirrored, c.Failed, c.Assets)
}

// StaticSummary counts the shared static files of a run. Present files were
// already on disk and were not fetched.
type StaticSummary struct {
	Saved   int
	Present int
	Failed  int
}

// Summary tallies a whole run.
type Summary struct {
	RunID           uuid.UUID
	Collections     []CollectionSummary
	Mirrored        int
	AlreadyMirrored int
	Failed          int
	Skipped         int
	Assets          int
	StaticSaved     int
	StaticPresent   int
	StaticFailed    int
	MaxInFlight     int
	Duration        time.Duration
	Canceled        bool
}

func (s *Summary) add(c CollectionSummary) {
	s.Collections = append(s.Collections, c)
	s.Mirrored += c.Mirrored
	s.AlreadyMirrored += c.AlreadyMirrored
	s.Failed += c.Failed
	s.Assets += c.Assets
	if c.Skipped {
		s.Skipped++
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("collections=%d skipped=%d mirrored=%d already=%d failed=%d assets=%d",
		len(s.Collections), s.Skipped, s.Mirrored, s.AlreadyMirrored, s.Failed, s.Assets)
}
