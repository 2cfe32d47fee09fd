package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/deepfreeze/deepfreeze/internal/cluster"
	"github.com/deepfreeze/deepfreeze/internal/config"
	"github.com/deepfreeze/deepfreeze/internal/metadata"
	"github.com/deepfreeze/deepfreeze/internal/metrics"
	"github.com/deepfreeze/deepfreeze/internal/storage"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

// Options tune an Engine beyond what the configuration file holds.
type Options struct {
	DryRun bool
	Logger *slog.Logger
	Clock  types.Clock
	IDs    types.IDGenerator
}

// Deps are the collaborators an Engine drives. New builds them from the
// configuration; tests pass fakes to NewWithDeps.
type Deps struct {
	Store    metadata.Store
	Provider storage.Provider
	Cluster  cluster.Cluster
	Metrics  *metrics.Collector
}

// Engine runs one deepfreeze command against the configured store,
// provider and cluster.
type Engine struct {
	config  *config.Configuration
	logger  *slog.Logger
	metrics *metrics.Collector

	store    metadata.Store
	provider storage.Provider
	cluster  cluster.Cluster

	clock  types.Clock
	ids    types.IDGenerator
	dryRun bool

	closers []func() error
}

// New validates cfg and builds every collaborator from it.
func New(ctx context.Context, cfg *config.Configuration, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:        true,
		PushgatewayURL: cfg.Metrics.PushgatewayURL,
		Job:            cfg.Metrics.Job,
		Textfile:       cfg.Metrics.Textfile,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create metrics collector")
	}

	b := &builder{cfg: cfg, logger: logger}
	deps := Deps{Metrics: collector}
	if deps.Store, err = b.store(ctx); err != nil {
		b.close()
		return nil, err
	}
	if deps.Provider, err = b.provider(ctx); err != nil {
		_ = deps.Store.Close()
		b.close()
		return nil, err
	}
	if deps.Cluster, err = b.cluster(); err != nil {
		_ = deps.Store.Close()
		b.close()
		return nil, err
	}

	e := NewWithDeps(cfg, deps, opts)
	e.closers = b.closers
	if err := e.store.Init(ctx); err != nil {
		_ = e.Close(ctx)
		return nil, err
	}
	return e, nil
}

// NewWithDeps assembles an Engine around existing collaborators. Adapter
// calls are instrumented when deps.Metrics is set.
func NewWithDeps(cfg *config.Configuration, deps Deps, opts Options) *Engine {
	e := &Engine{
		config:   cfg,
		logger:   opts.Logger,
		metrics:  deps.Metrics,
		store:    deps.Store,
		provider: deps.Provider,
		cluster:  deps.Cluster,
		clock:    opts.Clock,
		ids:      opts.IDs,
		dryRun:   opts.DryRun,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.clock == nil {
		e.clock = types.SystemClock{}
	}
	if e.ids == nil {
		e.ids = types.UUIDGenerator{}
	}
	if e.metrics == nil {
		e.metrics, _ = metrics.NewCollector(&metrics.Config{Enabled: false})
	}
	e.provider = storage.Instrument(e.provider, e.metrics.ProviderObserver())
	e.cluster = cluster.Instrument(e.cluster, e.metrics.ClusterObserver())
	return e
}

// DryRun reports whether mutating calls are suppressed.
func (e *Engine) DryRun() bool { return e.dryRun }

// Close flushes metrics and releases connections.
func (e *Engine) Close(ctx context.Context) error {
	var first error
	if err := e.metrics.Flush(ctx); err != nil {
		e.logger.Warn("Failed to flush metrics", "error", err)
		first = err
	}
	if err := e.store.Close(); err != nil && first == nil {
		first = err
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// run records the command outcome and refreshes the state gauges.
func (e *Engine) run(ctx context.Context, command string, fn func() error) error {
	start := time.Now()
	log := e.logger.With("command", command, "dry_run", e.dryRun)
	log.Debug("Command started")

	err := fn()
	e.metrics.RecordCommand(command, time.Since(start), err)
	e.refreshGauges(ctx)

	if err != nil {
		log.Error("Command failed", "error", err, "code", errors.CodeOf(err), "duration", time.Since(start))
		return err
	}
	log.Info("Command finished", "duration", time.Since(start))
	return nil
}

func (e *Engine) refreshGauges(ctx context.Context) {
	repos, err := e.store.ListRepositories(ctx, metadata.RepositoryFilter{})
	if err != nil {
		e.logger.Debug("Skipping repository gauges", "error", err)
		return
	}
	counts := map[string]int{}
	for _, r := range repos {
		counts[string(r.Status)]++
	}
	e.metrics.SetRepositories(counts)

	reqs, err := e.store.ListThawRequests(ctx, metadata.ThawFilter{})
	if err != nil {
		e.logger.Debug("Skipping thaw request gauges", "error", err)
		return
	}
	counts = map[string]int{}
	for _, t := range reqs {
		counts[string(t.Status)]++
	}
	e.metrics.SetThawRequests(counts)
}

// settings loads the persisted settings written by setup.
func (e *Engine) settings(ctx context.Context) (types.Settings, error) {
	s, err := e.store.GetSettings(ctx)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return types.Settings{}, errors.NewError(errors.ErrCodeInvalidState, "deepfreeze is not set up; run setup first").
			WithComponent("engine")
	}
	if err != nil {
		return types.Settings{}, err
	}
	if s.Provider != string(e.provider.Kind()) {
		return types.Settings{}, errors.Newf(errors.ErrCodeConfiguration,
			"configured provider %s does not match provider %s recorded at setup", e.provider.Kind(), s.Provider).
			WithComponent("engine")
	}
	return *s, nil
}
