// Package server assembles a mirror run from configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/column-mirror/internal/api"
	"github.com/JakeFAU/column-mirror/internal/clock/system"
	"github.com/JakeFAU/column-mirror/internal/collection"
	"github.com/JakeFAU/column-mirror/internal/config"
	collyfetcher "github.com/JakeFAU/column-mirror/internal/fetcher/colly"
	"github.com/JakeFAU/column-mirror/internal/metrics"
	"github.com/JakeFAU/column-mirror/internal/mirror"
	"github.com/JakeFAU/column-mirror/internal/policy/ratelimit"
	"github.com/JakeFAU/column-mirror/internal/progress"
	progresssinks "github.com/JakeFAU/column-mirror/internal/progress/sinks"
	"github.com/JakeFAU/column-mirror/internal/resolver"
	"github.com/JakeFAU/column-mirror/internal/scheduler"
	"github.com/JakeFAU/column-mirror/internal/storage/local"
	"github.com/JakeFAU/column-mirror/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Options overrides process-wide dependencies. Zero values select the OS
// filesystem, the wall clock, and the default Prometheus registry.
type Options struct {
	FS         afero.Fs
	Clock      mirror.Clock
	Registerer prometheus.Registerer
}

// App contains the dependencies of one mirror run.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	collections []mirror.Collection
	scheduler   *scheduler.Scheduler
	progressHub *progress.Hub
	tally       *progresssinks.TallySink
	apiServer   *api.Server
}

// Build reads the collection list and wires the run. A missing or unreadable
// list file is returned before anything touches the network.
func Build(cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	logger.Info("creating application",
		zap.String("base_url", cfg.Site.BaseURL),
		zap.String("list_file", cfg.Input.ListFile),
		zap.String("output_root", cfg.Output.Root),
		zap.Int("concurrency", cfg.Crawler.Concurrency),
	)

	collections, err := collection.Load(opts.FS, cfg.Input.ListFile)
	if err != nil {
		return nil, err
	}
	logger.Info("collections loaded", zap.Int("count", len(collections)))

	app := &App{cfg: cfg, logger: logger, collections: collections}

	store, err := local.New(local.Config{BaseDir: cfg.Output.Root}, opts.FS)
	if err != nil {
		return nil, fmt.Errorf("mirror store init failed: %w", err)
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgents:     cfg.HTTP.UserAgents,
		Timeout:        cfg.HTTP.Timeout,
		MaxRetries:     cfg.HTTP.MaxRetries,
		BackoffInitial: cfg.HTTP.BackoffInitial,
		BackoffMax:     cfg.HTTP.BackoffMax,
		InsecureTLS:    cfg.HTTP.InsecureTLS,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
	}, opts.Clock, logger.Named("fetcher"))

	res, err := resolver.New(resolver.Config{
		BaseURL:    cfg.Site.BaseURL,
		ColumnPath: cfg.Site.ColumnPath,
	}, fetcher, logger.Named("resolver"))
	if err != nil {
		return nil, fmt.Errorf("resolver init failed: %w", err)
	}

	gate := ratelimit.New(ratelimit.Config{
		DelayMin:          cfg.Crawler.DelayMin,
		DelayMax:          cfg.Crawler.DelayMax,
		RequestsPerSecond: cfg.Crawler.RequestsPerSecond,
		Burst:             cfg.Crawler.Burst,
	}, opts.Clock)

	pageWorker := worker.New(fetcher, store, gate, opts.Clock, worker.Config{
		FetchTimeout: fetchBudget(cfg.HTTP),
	}, logger.Named("worker"))

	if err := app.setupProgress(opts.Registerer); err != nil {
		return nil, err
	}

	app.scheduler = scheduler.New(scheduler.Config{
		Concurrency:        cfg.Crawler.Concurrency,
		QueueDepth:         cfg.Crawler.QueueDepth,
		CollectionDelay:    cfg.Crawler.CollectionDelay,
		CollectionCooldown: cfg.Crawler.CollectionCooldown,
		StaticFiles:        cfg.Site.StaticFiles,
		StaticDelay:        cfg.Crawler.StaticDelay,
		BaseURL:            cfg.Site.BaseURL,
		OutputRoot:         cfg.Output.Root,
	}, res, pageWorker, pageWorker, opts.Clock, app.progressHub, logger.Named("scheduler"))

	if cfg.Server.Port > 0 {
		app.apiServer = api.NewServer(app.tally, logger.Named("api"))
	}
	return app, nil
}

func (a *App) setupProgress(reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	a.tally = progresssinks.NewTallySink()
	a.progressHub = progress.NewHub(
		progress.Config{Logger: a.logger.Named("progress_hub")},
		progresssinks.NewLogSink(a.logger.Named("progress")),
		promSink,
		a.tally,
	)
	return nil
}

// Collections returns the names read from the list file.
func (a *App) Collections() []mirror.Collection {
	return a.collections
}

// Tally returns the live run tally.
func (a *App) Tally() progresssinks.Tally {
	return a.tally.Snapshot()
}

// Run mirrors every collection and blocks until the run finishes or ctx is
// canceled and dispatched pages have drained. The status server, when
// enabled, lives exactly as long as Run.
func (a *App) Run(ctx context.Context) (scheduler.Summary, error) {
	srv, err := a.startStatusServer()
	if err != nil {
		a.closeProgress()
		return scheduler.Summary{}, err
	}

	summary := a.scheduler.Run(ctx, a.collections)
	a.closeProgress()

	if a.cfg.Metrics.Textfile != "" {
		if err := metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
			a.logger.Warn("metrics textfile export failed", zap.Error(err))
		} else {
			a.logger.Info("metrics textfile written", zap.String("path", a.cfg.Metrics.Textfile))
		}
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete", zap.Stringer("summary", summary))
	return summary, nil
}

func (a *App) startStatusServer() (*http.Server, error) {
	if a.apiServer == nil {
		return nil, nil
	}
	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("status server listen failed: %w", err)
	}
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
		}
	}()
	return srv, nil
}

func (a *App) closeProgress() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.progressHub.Close(ctx); err != nil {
		a.logger.Warn("progress hub close failed", zap.Error(err))
	}
}

// fetchBudget bounds one detached fetch: every attempt may use the full
// timeout and every retry may wait up to the backoff cap.
func fetchBudget(cfg config.HTTPConfig) time.Duration {
	attempts := time.Duration(cfg.MaxRetries + 1)
	backoff := cfg.BackoffMax
	if backoff <= 0 {
		backoff = cfg.BackoffInitial << cfg.MaxRetries
	}
	return attempts*cfg.Timeout + time.Duration(cfg.MaxRetries)*backoff
}
