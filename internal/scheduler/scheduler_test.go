package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/column-mirror/internal/clock/fake"
	"github.com/JakeFAU/column-mirror/internal/collection"
	"github.com/JakeFAU/column-mirror/internal/mirror"
	"github.com/JakeFAU/column-mirror/internal/progress"
)

type stubResolver struct {
	mu       sync.Mutex
	listings map[string]mirror.Listing
	errs     map[string]error
	calls    []string
}

func newStubResolver() *stubResolver {
	return &stubResolver{listings: map[string]mirror.Listing{}, errs: map[string]error{}}
}

func (r *stubResolver) add(name string, pages ...string) {
	col := collection.New(name)
	listing := mirror.Listing{Collection: col, URL: "https://docs.example/" + name + "/", Names: mirror.PageNameMap{}}
	for _, p := range pages {
		listing.Pages = append(listing.Pages, mirror.PageDescriptor{
			RemoteURL:  listing.URL + p + ".md",
			RemoteStem: p + ".md",
			LocalName:  p + ".html",
		})
		listing.Names[p+".html"] = p + ".html"
	}
	r.listings[name] = listing
}

func (r *stubResolver) Resolve(_ context.Context, col mirror.Collection) (mirror.Listing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, col.Name)
	if err, ok := r.errs[col.Name]; ok {
		return mirror.Listing{Collection: col}, err
	}
	return r.listings[col.Name], nil
}

func (r *stubResolver) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type stubPages struct {
	mu       sync.Mutex
	delay    time.Duration
	outcomes map[string]mirror.Outcome
	calls    []string
	active   atomic.Int64
	peak     atomic.Int64
	onMirror func(mirror.Task)
}

func (p *stubPages) Mirror(_ context.Context, task mirror.Task) mirror.Result {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	if p.onMirror != nil {
		p.onMirror(task)
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	p.calls = append(p.calls, task.Collection.Dir+"/"+task.Page.LocalName)
	outcome, ok := p.outcomes[task.Page.LocalName]
	p.mu.Unlock()
	if !ok {
		outcome = mirror.OutcomeMirrored
	}
	res := mirror.Result{Task: task, Outcome: outcome, Assets: 1}
	if outcome == mirror.OutcomeFailed {
		res.Err = errors.New("boom")
		res.Reason = "boom"
		res.Assets = 0
	}
	return res
}

func (p *stubPages) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) Invalid() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []error
	for _, evt := range e.events {
		if err := evt.Validate(); err != nil {
			out = append(out, err)
		}
	}
	return out
}

func (e *recordingEmitter) Stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}

func pageNames(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%02d", i+1)
	}
	return out
}

func newTestScheduler(cfg Config, r mirror.Resolver, p mirror.PageMirror) (*Scheduler, *fake.Clock, *recordingEmitter) {
	clk := fake.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	em := &recordingEmitter{}
	return New(cfg, r, p, nil, clk, em, nil), clk, em
}

func cols(names ...string) []mirror.Collection {
	out := make([]mirror.Collection, 0, len(names))
	for _, n := range names {
		out = append(out, collection.New(n))
	}
	return out
}

func TestRunSingleWorkerIsSequential(t *testing.T) {
	t.Parallel()

	r := newStubResolver()
	r.add("Go", pageNames(5)...)
	p := &stubPages{}
	s, _, _ := newTestScheduler(Config{Concurrency: 1}, r, p)

	summary := s.Run(context.Background(), cols("Go"))
	assert.Equal(t, 5, summary.Mirrored)
	assert.Equal(t, 1, summary.MaxInFlight)
	assert.Equal(t, int64(1), p.peak.Load())
	assert.Equal(t, []string{"Go/01.html", "Go/02.html", "Go/03.html", "Go/04.html", "Go/05.html"}, p.Calls())
}

func TestRunRespectsConcurrencyBound(t *testing.T) {
	t.Parallel()

	r := newStubResolver()
	r.add("Go", pageNames(12)...)
	p := &stubPages{delay: 20 * time.Millisecond}
	s, _, _ := newTestScheduler(Config{Concurrency: 3}, r, p)

	summary := s.Run(context.Background(), cols("Go"))
	assert.Equal(t, 12, summary.Mirrored)
	assert.LessOrEqual(t, p.peak.Load(), int64(3))
	assert.LessOrEqual(t, summary.MaxInFlight, 3)
	assert.Greater(t, summary.MaxInFlight, 1)
	assert.ElementsMatch(t, []string{
		"Go/01.html", "Go/02.html", "Go/03.html", "Go/04.html", "Go/05.html", "Go/06.html",
		"Go/07.html", "Go/08.html", "Go/09.html", "Go/10.html", "Go/11.html", "Go/12.html",
	}, p.Calls())
}

func TestRunNeverDispatchesDuplicates(t *testing.T) {
	t.Parallel()

	r := newStubResolver()
	r.add("Go", "01", "02", "01", "02", "03")
	// A second collection sanitizing to the same directory shares the files.
	r.add("Go ", "03", "04")
	p := &stubPages{delay: time.Millisecond}
	s, _, _ := newTestScheduler(Config{Concurrency: 4}, r, p)

	summary := s.Run(context.Background(), []mirror.Collection{
		collection.New("Go"),
		{Name: "Go ", Dir: "Go"},
	})
	assert.ElementsMatch(t, []string{"Go/01.html", "Go/02.html", "Go/03.html", "Go/04.html"}, p.Calls())
	assert.Equal(t, 4, summary.Mirrored)
}

func TestRunFailuresDoNotAbort(t *testing.T) {
	t.Parallel()

	r := newStubResolver()
	r.add("Go", pageNames(4)...)
	r.add("Rust", "a", "b")
	p := &stubPages{outcomes: map[string]mirror.Outcome{
		"02.html": mirror.OutcomeFailed,
		"03.html": mirror.OutcomeAlreadyMirrored,
	}}
	s, _, em := newTestScheduler(Config{Concurrency: 2}, r, p)

	summary := s.Run(context.Background(), cols("Go", "Rust"))
	assert.Equal(t, 4, summary.Mirrored)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.AlreadyMirrored)
	assert.Equal(t, 5, summary.Assets)
	require.Len(t, summary.Collections, 2)
	assert.Equal(t, 2, summary.Collections[0].Mirrored)
	assert.Equal(t, 4, summary.Collections[0].Pages)
	assert.Equal(t, "mirrored=2 already=1 failed=1 assets=3", summary.Collections[0].String())
	assert.False(t, summary.Canceled)

	assert.Empty(t, em.Invalid())
	stages := em.Stages()
	assert.Equal(t, progress.StageRunStart, stages[0])
	assert.Equal(t, progress.StageRunDone, stages[len(stages)-1])
}

func TestRunSkipsFailedListingAfterCooldown(t *testing.T) {
	t.Parallel()

	r := newStubResolver()
	r.errs["Down"] = &mirror.FetchError{URL: "u", StatusCode: 503, Attempts: 4, Retryable: true}
	r.add("Go", "01")
	p := &stubPages{}
	s, clk, em := newTestScheduler(Config{
		Concurrency:        1,
		CollectionDelay:    1500 * time.Millisecond,
		CollectionCooldown: 3 * time.Second,
	}, r, p)

	summary := s.Run(context.Background(), cols("Down", "Go"))
	assert.Equal(t, []string{"Down", "Go"}, r.Calls())
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Mirrored)
	require.Len(t, summary.Collections, 2)
	assert.True(t, summary.Collections[0].Skipped)
	var fetchErr *mirror.FetchError
	assert.ErrorAs(t, summary.Collections[0].Err, &fetchErr)

	assert.Equal(t, []time.Duration{3 * time.Second, 1500 * time.Millisecond}, clk.Sleeps())
	assert.Contains(t, em.Stages(), progress.StageCollectionSkipped)
}

func TestRunSkipsEmptyCollectionWithoutCooldown(t *testing.T) {
	t.Parallel()

	r := newStubResolver()
	r.errs["Empty"] = fmt.Errorf("resolve: %w", mirror.ErrNoPages)
	p := &stubPages{}
	s, clk, _ := newTestScheduler(Config{CollectionCooldown: 3 * time.Second}, r, p)

	summary := s.Run(context.Background(), cols("Empty"))
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, p.Calls())
	assert.Empty(t, clk.Sleeps())
}

func TestRunCancellationStopsDispatch(t *testing.T) {
	t.Parallel()

	r := newStubResolver()
	r.add("Go", pageNames(6)...)
	r.add("Rust", "a")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	p := &stubPages{onMirror: func(mirror.Task) { once.Do(cancel) }}
	s, _, _ := newTestScheduler(Config{Concurrency: 1, QueueDepth: 1}, r, p)

	summary := s.Run(ctx, cols("Go", "Rust"))
	assert.True(t, summary.Canceled)
	// The page in flight when the run was aborted still completes.
	assert.Equal(t, []string{"Go/01.html"}, p.Calls())
	assert.Equal(t, 1, summary.Mirrored)
	assert.Equal(t, []string{"Go"}, r.Calls())
}

type stubSaver struct {
	present map[string]bool
	fail    map[string]bool
	calls   []string
}

func (s *stubSaver) SaveFile(_ context.Context, url, target string) (mirror.Outcome, error) {
	s.calls = append(s.calls, url+" -> "+target)
	if s.present[target] {
		return mirror.OutcomeAlreadyMirrored, nil
	}
	if s.fail[target] {
		return mirror.OutcomeFailed, errors.New("404")
	}
	return mirror.OutcomeMirrored, nil
}

func TestPrefetchStatic(t *testing.T) {
	t.Parallel()

	saver := &stubSaver{
		present: map[string]bool{"static/index.css": true},
		fail:    map[string]bool{"static/main.js": true},
	}
	clk := fake.New(time.Unix(0, 0))
	em := &recordingEmitter{}
	s := New(Config{
		BaseURL:     "https://docs.example/",
		StaticFiles: []string{"index.css", "index.js", "main.js", "favicon.png"},
		StaticDelay: 300 * time.Millisecond,
	}, newStubResolver(), &stubPages{}, saver, clk, em, nil)

	summary := s.Run(context.Background(), nil)
	assert.Equal(t, 2, summary.StaticSaved)
	assert.Equal(t, 1, summary.StaticPresent)
	assert.Equal(t, 1, summary.StaticFailed)
	assert.Equal(t, []string{
		"https://docs.example/static/index.css -> static/index.css",
		"https://docs.example/static/index.js -> static/index.js",
		"https://docs.example/static/main.js -> static/main.js",
		"https://docs.example/static/favicon.png -> static/favicon.png",
	}, saver.calls)
	// No pause after a file that was already present.
	assert.Equal(t, []time.Duration{300 * time.Millisecond, 300 * time.Millisecond}, clk.Sleeps())
	assert.Equal(t, []progress.Stage{
		progress.StageRunStart,
		progress.StageStaticDone, progress.StageStaticDone, progress.StageStaticDone, progress.StageStaticDone,
		progress.StageRunDone,
	}, em.Stages())
}

func TestVisitTracker(t *testing.T) {
	t.Parallel()

	tr := newVisitTracker()
	assert.True(t, tr.MarkIfNew("Go/01.html"))
	assert.False(t, tr.MarkIfNew("Go/01.html"))
	assert.False(t, tr.MarkIfNew(""))
}
