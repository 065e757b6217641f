// Package worker implements the page mirror pipeline: existence check,
// politeness wait, fetch, asset capture, link rewriting and a single write.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/column-mirror/internal/markup"
	"github.com/JakeFAU/column-mirror/internal/metrics"
	"github.com/JakeFAU/column-mirror/internal/mirror"
	"github.com/JakeFAU/column-mirror/internal/rewrite"
)

// AssetDir is the per-collection directory holding page images.
const AssetDir = "assets"

const defaultReasonLen = 60

// Config controls Worker behavior.
type Config struct {
	// FetchTimeout bounds one detached fetch including its retries; zero
	// leaves the bound to the transport.
	FetchTimeout time.Duration
	// ReasonLen is the maximum rune length of a failure reason.
	ReasonLen int
}

// Worker mirrors single pages. It is safe for concurrent use as long as no
// two calls share a task.
type Worker struct {
	fetcher mirror.Fetcher
	store   mirror.Store
	gate    mirror.Gate
	clock   mirror.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker. gate may be nil.
func New(
	fetcher mirror.Fetcher,
	store mirror.Store,
	gate mirror.Gate,
	clock mirror.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.ReasonLen <= 0 {
		cfg.ReasonLen = defaultReasonLen
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		fetcher: fetcher,
		store:   store,
		gate:    gate,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// PagePath returns the store path of a task's page.
func PagePath(task mirror.Task) string {
	return path.Join(task.Collection.Dir, task.Page.LocalName)
}

// AssetPath returns the store path of an asset inside a collection.
func AssetPath(collectionDir, localName string) string {
	return path.Join(collectionDir, AssetDir, localName)
}

// Mirror runs the pipeline for one page. It never returns an error; the
// outcome and reason are reported in the Result.
func (w *Worker) Mirror(ctx context.Context, task mirror.Task) mirror.Result {
	start := w.clock.Now()
	result := mirror.Result{Task: task, Path: PagePath(task)}
	finish := func(outcome mirror.Outcome, err error) mirror.Result {
		result.Outcome = outcome
		result.Duration = w.clock.Now().Sub(start)
		if err != nil {
			result.Err = err
			result.Reason = mirror.Truncate(err.Error(), w.cfg.ReasonLen)
		}
		return result
	}

	if w.store.Exists(result.Path) {
		return finish(mirror.OutcomeAlreadyMirrored, nil)
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if w.gate != nil {
		if err := w.gate.Wait(ctx, task.Page.RemoteURL); err != nil {
			return finish(mirror.OutcomeFailed, err)
		}
	}

	// Dispatched work runs to completion even if the run is aborted. Every
	// fetch gets its own budget; writes are never bounded by one.
	resp, err := w.fetch(ctx, task.Page.RemoteURL)
	if err != nil {
		return finish(mirror.OutcomeFailed, err)
	}
	writeCtx := context.WithoutCancel(ctx)

	doc, err := markup.Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return finish(mirror.OutcomeFailed, err)
	}

	pageURL := resp.URL
	if pageURL == "" {
		pageURL = task.Page.RemoteURL
	}
	for _, asset := range rewrite.Assets(doc.Root(), pageURL) {
		if err := w.saveAsset(ctx, task.Collection.Dir, asset); err != nil {
			result.AssetFailures++
			metrics.ObserveAsset(metrics.AssetFailed)
			w.logger.Warn("asset download failed",
				zap.String("collection", task.Collection.Name),
				zap.String("page", task.Page.LocalName),
				zap.String("url", asset.URL),
				zap.Error(err),
			)
			continue
		}
		result.Assets++
	}

	rewrite.Rewrite(doc.Root(), rewrite.Context{Names: task.Names, TopLevel: true})
	out, err := doc.Bytes()
	if err != nil {
		return finish(mirror.OutcomeFailed, err)
	}
	if _, err := w.store.Write(writeCtx, result.Path, bytes.NewReader(out)); err != nil {
		return finish(mirror.OutcomeFailed, err)
	}
	result.Bytes = len(out)

	w.logger.Debug("page mirrored",
		zap.String("collection", task.Collection.Name),
		zap.String("page", task.Page.LocalName),
		zap.Int("bytes", result.Bytes),
		zap.Int("assets", result.Assets),
		zap.Int("attempts", resp.Attempts),
	)
	return finish(mirror.OutcomeMirrored, nil)
}

// SaveFile fetches url verbatim into target unless target already exists.
func (w *Worker) SaveFile(ctx context.Context, url, target string) (mirror.Outcome, error) {
	if w.store.Exists(target) {
		return mirror.OutcomeAlreadyMirrored, nil
	}
	resp, err := w.fetch(ctx, url)
	if err != nil {
		return mirror.OutcomeFailed, err
	}
	if _, err := w.store.Write(context.WithoutCancel(ctx), target, bytes.NewReader(resp.Body)); err != nil {
		return mirror.OutcomeFailed, fmt.Errorf("save %s: %w", target, err)
	}
	return mirror.OutcomeMirrored, nil
}

func (w *Worker) saveAsset(ctx context.Context, collectionDir string, asset mirror.AssetReference) error {
	target := AssetPath(collectionDir, asset.LocalName)
	if w.store.Exists(target) {
		metrics.ObserveAsset(metrics.AssetSkipped)
		return nil
	}
	resp, err := w.fetch(ctx, asset.URL)
	if err != nil {
		return err
	}
	if _, err := w.store.Write(context.WithoutCancel(ctx), target, bytes.NewReader(resp.Body)); err != nil {
		return fmt.Errorf("write asset: %w", err)
	}
	metrics.ObserveAsset(metrics.AssetSaved)
	return nil
}

// fetch runs one fetch under its own detached budget.
func (w *Worker) fetch(ctx context.Context, url string) (mirror.FetchResponse, error) {
	fetchCtx, cancel := w.detach(ctx)
	defer cancel()
	return w.fetcher.Fetch(fetchCtx, url)
}

func (w *Worker) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if w.cfg.FetchTimeout > 0 {
		return context.WithTimeout(detached, w.cfg.FetchTimeout)
	}
	return context.WithCancel(detached)
}
