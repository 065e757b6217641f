// Package scheduler drives a mirror run: it resolves each collection, fans
// its pages out to a bounded pool of workers, and paces the run politely.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/column-mirror/internal/mirror"
	"github.com/JakeFAU/column-mirror/internal/progress"
	"github.com/JakeFAU/column-mirror/internal/queue/memory"
)

// StaticDir is the shared directory for site-wide static files.
const StaticDir = "static"

const reasonLen = 60

// Config controls pool size and pacing.
type Config struct {
	// Concurrency is the number of workers per collection.
	Concurrency int
	// QueueDepth bounds the task buffer; zero means Concurrency.
	QueueDepth int
	// CollectionDelay separates two collections.
	CollectionDelay time.Duration
	// CollectionCooldown follows a collection whose listing failed.
	CollectionCooldown time.Duration
	// StaticFiles are fetched from BaseURL/static/ before the first collection.
	StaticFiles []string
	StaticDelay time.Duration
	BaseURL     string
	// OutputRoot is reported in the final progress line.
	OutputRoot string
}

// StaticSaver stores a remote file verbatim.
type StaticSaver interface {
	SaveFile(ctx context.Context, url, target string) (mirror.Outcome, error)
}

// Scheduler runs collections one after another. A Scheduler is meant for a
// single Run at a time.
type Scheduler struct {
	cfg      Config
	resolver mirror.Resolver
	pages    mirror.PageMirror
	static   StaticSaver
	clock    mirror.Clock
	emitter  progress.Emitter
	logger   *zap.Logger

	runID       [16]byte
	tracker     *visitTracker
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

// New creates a Scheduler. static and emitter may be nil.
func New(
	cfg Config,
	resolver mirror.Resolver,
	pages mirror.PageMirror,
	static StaticSaver,
	clock mirror.Clock,
	emitter progress.Emitter,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = cfg.Concurrency
	}
	if emitter == nil {
		emitter = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		resolver: resolver,
		pages:    pages,
		static:   static,
		clock:    clock,
		emitter:  emitter,
		logger:   logger,
		tracker:  newVisitTracker(),
	}
}

// MaxInFlight reports the highest number of pages mirrored at once so far.
func (s *Scheduler) MaxInFlight() int {
	return int(s.maxInFlight.Load())
}

// Run mirrors every collection in order and returns the tally. Individual
// failures never abort the run; cancellation stops new dispatches and lets
// dispatched pages finish.
func (s *Scheduler) Run(ctx context.Context, collections []mirror.Collection) Summary {
	id := uuid.New()
	s.runID = progress.UUIDToBytes(id)
	start := s.clock.Now()
	summary := Summary{RunID: id}

	s.emit(progress.Event{Stage: progress.StageRunStart, Total: len(collections)})
	s.logger.Info("mirror run starting",
		zap.Stringer("run_id", id),
		zap.Int("collections", len(collections)),
		zap.Int("concurrency", s.cfg.Concurrency),
	)

	static := s.PrefetchStatic(ctx)
	summary.StaticSaved = static.Saved
	summary.StaticPresent = static.Present
	summary.StaticFailed = static.Failed

	for i, col := range collections {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && s.cfg.CollectionDelay > 0 {
			if err := s.clock.Sleep(ctx, s.cfg.CollectionDelay); err != nil {
				break
			}
		}
		cs := s.runCollection(ctx, col)
		summary.add(cs)
	}

	summary.Canceled = ctx.Err() != nil
	summary.MaxInFlight = s.MaxInFlight()
	summary.Duration = s.clock.Now().Sub(start)
	s.emit(progress.Event{
		Stage: progress.StageRunDone,
		Dur:   summary.Duration,
		Note:  fmt.Sprintf("%s; output: %s", summary.String(), s.cfg.OutputRoot),
	})
	return summary
}

// PrefetchStatic stores the shared static files under StaticDir, pausing
// between downloads. Files already present are neither fetched nor delayed.
func (s *Scheduler) PrefetchStatic(ctx context.Context) StaticSummary {
	var sum StaticSummary
	if s.static == nil {
		return sum
	}
	fetched := false
	for _, name := range s.cfg.StaticFiles {
		if ctx.Err() != nil {
			return sum
		}
		if fetched && s.cfg.StaticDelay > 0 {
			if err := s.clock.Sleep(ctx, s.cfg.StaticDelay); err != nil {
				return sum
			}
		}
		url := s.cfg.BaseURL + StaticDir + "/" + name
		outcome, err := s.static.SaveFile(ctx, url, StaticDir+"/"+name)
		evt := progress.Event{
			Stage:   progress.StageStaticDone,
			Page:    name,
			URL:     url,
			Outcome: string(outcome),
		}
		fetched = outcome != mirror.OutcomeAlreadyMirrored
		switch {
		case err != nil:
			sum.Failed++
			evt.Note = mirror.Truncate(err.Error(), reasonLen)
		case outcome == mirror.OutcomeAlreadyMirrored:
			sum.Present++
		default:
			sum.Saved++
		}
		s.emit(evt)
	}
	return sum
}

func (s *Scheduler) runCollection(ctx context.Context, col mirror.Collection) CollectionSummary {
	cs := CollectionSummary{Collection: col}
	start := s.clock.Now()

	listing, err := s.resolver.Resolve(ctx, col)
	if err != nil {
		cs.Skipped = true
		cs.Err = err
		s.emit(progress.Event{
			Stage:      progress.StageCollectionSkipped,
			Collection: col.Name,
			URL:        listing.URL,
			Note:       mirror.Truncate(err.Error(), reasonLen),
		})
		if errors.Is(err, mirror.ErrNoPages) {
			s.logger.Info("collection has no pages", zap.String("collection", col.Name))
			return cs
		}
		s.logger.Warn("collection listing failed",
			zap.String("collection", col.Name),
			zap.String("url", listing.URL),
			zap.Error(err),
		)
		if s.cfg.CollectionCooldown > 0 {
			_ = s.clock.Sleep(ctx, s.cfg.CollectionCooldown)
		}
		return cs
	}

	cs.Pages = len(listing.Pages)
	s.emit(progress.Event{
		Stage:      progress.StageCollectionStart,
		Collection: col.Name,
		URL:        listing.URL,
		Total:      cs.Pages,
	})

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	q := memory.NewQueue(s.cfg.QueueDepth)
	for range s.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := q.Dequeue(ctx)
				if err != nil || ctx.Err() != nil {
					return
				}
				res := s.mirrorPage(ctx, task)
				mu.Lock()
				cs.add(res)
				mu.Unlock()
			}
		}()
	}

	for _, page := range listing.Pages {
		if !s.tracker.MarkIfNew(col.Dir + "/" + page.LocalName) {
			s.logger.Debug("duplicate page refused",
				zap.String("collection", col.Name),
				zap.String("page", page.LocalName),
			)
			continue
		}
		task := mirror.Task{Collection: col, Page: page, Names: listing.Names}
		if err := q.Enqueue(ctx, task); err != nil {
			break
		}
	}
	q.Close()
	wg.Wait()

	s.emit(progress.Event{
		Stage:      progress.StageCollectionDone,
		Collection: col.Name,
		Dur:        s.clock.Now().Sub(start),
		Note:       cs.String(),
	})
	return cs
}

func (s *Scheduler) mirrorPage(ctx context.Context, task mirror.Task) mirror.Result {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.maxInFlight.Load()
		if n <= peak || s.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	res := s.pages.Mirror(ctx, task)
	s.emit(progress.Event{
		Stage:         progress.StagePageDone,
		Collection:    task.Collection.Name,
		Page:          task.Page.LocalName,
		URL:           task.Page.RemoteURL,
		Outcome:       string(res.Outcome),
		Bytes:         int64(res.Bytes),
		Assets:        res.Assets,
		AssetFailures: res.AssetFailures,
		Dur:           res.Duration,
		Note:          res.Reason,
	})
	return res
}

func (s *Scheduler) emit(evt progress.Event) {
	evt.RunID = s.runID
	evt.TS = s.clock.Now()
	s.emitter.Emit(evt)
}

// visitTracker refuses a second dispatch of the same local page.
type visitTracker struct {
	seen sync.Map
}

func newVisitTracker() *visitTracker {
	return &visitTracker{}
}

// MarkIfNew stores key if it has not been seen before and returns true.
func (t *visitTracker) MarkIfNew(key string) bool {
	if key == "" {
		return false
	}
	_, loaded := t.seen.LoadOrStore(key, struct{}{})
	return !loaded
}
