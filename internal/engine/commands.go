package engine

import (
	"context"

	"github.com/deepfreeze/deepfreeze/internal/cleanup"
	"github.com/deepfreeze/deepfreeze/internal/metadata"
	"github.com/deepfreeze/deepfreeze/internal/reconcile"
	"github.com/deepfreeze/deepfreeze/internal/rotation"
	"github.com/deepfreeze/deepfreeze/internal/status"
	"github.com/deepfreeze/deepfreeze/internal/thaw"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

func (e *Engine) rotator(settings types.Settings) *rotation.Rotator {
	return rotation.New(e.store, e.provider, e.cluster, settings,
		rotation.WithClock(e.clock),
		rotation.WithIDs(e.ids),
		rotation.WithLogger(e.logger.With("component", "rotation")),
		rotation.WithDryRun(e.dryRun),
		rotation.WithRebindAttempts(e.config.Deepfreeze.RebindMaxAttempts))
}

func (e *Engine) orchestrator(settings types.Settings) *thaw.Orchestrator {
	return thaw.New(e.store, e.provider, e.cluster, settings,
		thaw.WithClock(e.clock),
		thaw.WithIDs(e.ids),
		thaw.WithLogger(e.logger.With("component", "thaw")),
		thaw.WithDryRun(e.dryRun))
}

// Setup creates the first repository and persists the settings derived
// from the configuration.
func (e *Engine) Setup(ctx context.Context, period rotation.Period) (*rotation.SetupResult, error) {
	var res *rotation.SetupResult
	err := e.run(ctx, "setup", func() error {
		settings := e.config.Settings()
		var err error
		res, err = e.rotator(settings).Setup(ctx, period)
		return err
	})
	return res, err
}

// Status reports settings, repositories, thaw requests, containers and
// managed ILM policies.
func (e *Engine) Status(ctx context.Context) (*status.Report, error) {
	var report *status.Report
	err := e.run(ctx, "status", func() error {
		settings, err := e.settings(ctx)
		if err != nil {
			return err
		}
		report, err = status.NewReporter(e.store, e.provider, e.cluster, e.clock, e.logger).Report(ctx, &settings)
		return err
	})
	return report, err
}

// Rotate replaces the active repository. keep overrides the persisted
// keep_count when set.
func (e *Engine) Rotate(ctx context.Context, keep *int, period rotation.Period) (*rotation.Result, error) {
	var res *rotation.Result
	err := e.run(ctx, "rotate", func() error {
		settings, err := e.settings(ctx)
		if err != nil {
			return err
		}
		res, err = e.rotator(settings).Rotate(ctx, rotation.Request{Keep: keep, Period: period})
		return err
	})
	return res, err
}

// Thaw starts restores for every retired repository overlapping req.Range.
func (e *Engine) Thaw(ctx context.Context, req thaw.Request) ([]thaw.Outcome, error) {
	var out []thaw.Outcome
	err := e.run(ctx, "thaw", func() error {
		settings, err := e.settings(ctx)
		if err != nil {
			return err
		}
		out, err = e.orchestrator(settings).Thaw(ctx, req)
		return err
	})
	return out, err
}

// CheckStatus polls one thaw request, or every open one when id is empty.
func (e *Engine) CheckStatus(ctx context.Context, id string) ([]*thaw.Check, error) {
	var checks []*thaw.Check
	err := e.run(ctx, "thaw_check_status", func() error {
		settings, err := e.settings(ctx)
		if err != nil {
			return err
		}
		o := e.orchestrator(settings)
		if id == "" {
			checks, err = o.CheckAll(ctx)
			return err
		}
		check, err := o.CheckStatus(ctx, id)
		if check != nil {
			checks = append(checks, check)
		}
		return err
	})
	return checks, err
}

// ListThaws returns thaw requests with their repository names. Failed and
// refrozen requests are included only with includeClosed.
func (e *Engine) ListThaws(ctx context.Context, includeClosed bool) ([]status.ThawEntry, error) {
	var entries []status.ThawEntry
	err := e.run(ctx, "thaw_list", func() error {
		settings, err := e.settings(ctx)
		if err != nil {
			return err
		}
		reqs, err := e.orchestrator(settings).List(ctx, includeClosed)
		if err != nil {
			return err
		}
		repos, err := e.store.ListRepositories(ctx, metadata.RepositoryFilter{})
		if err != nil {
			return err
		}
		names := make(map[string]string, len(repos))
		for _, r := range repos {
			names[r.ID] = r.Name
		}
		metadata.SortThawRequests(reqs)
		entries = status.Entries(reqs, names, e.clock.Now())
		return nil
	})
	return entries, err
}

// Refreeze refreezes one completed thaw request, or all of them when id
// is empty.
func (e *Engine) Refreeze(ctx context.Context, id string) ([]*types.ThawRequest, error) {
	var out []*types.ThawRequest
	err := e.run(ctx, "refreeze", func() error {
		settings, err := e.settings(ctx)
		if err != nil {
			return err
		}
		o := e.orchestrator(settings)
		if id == "" {
			out, err = o.RefreezeAll(ctx)
			return err
		}
		t, err := o.Refreeze(ctx, id)
		if t != nil {
			out = append(out, t)
		}
		return err
	})
	return out, err
}

// Cleanup prunes refrozen thaw requests and records of deleted containers.
func (e *Engine) Cleanup(ctx context.Context, retentionDays *int) (*cleanup.Result, error) {
	var res *cleanup.Result
	err := e.run(ctx, "cleanup", func() error {
		settings, err := e.settings(ctx)
		if err != nil {
			return err
		}
		res, err = cleanup.New(e.store, e.provider, settings,
			cleanup.WithClock(e.clock),
			cleanup.WithLogger(e.logger.With("component", "cleanup")),
			cleanup.WithDryRun(e.dryRun)).
			Run(ctx, cleanup.Request{RetentionDays: retentionDays})
		return err
	})
	return res, err
}

// RepairMetadata scans for drift and, unless in dry-run mode, corrects
// it. Uncorrected findings are returned as DRIFT_DETECTED.
func (e *Engine) RepairMetadata(ctx context.Context) (*reconcile.Report, error) {
	var report *reconcile.Report
	err := e.run(ctx, "repair_metadata", func() error {
		settings, err := e.settings(ctx)
		if err != nil {
			return err
		}
		report, err = reconcile.New(e.store, e.provider, e.cluster, settings,
			reconcile.WithClock(e.clock),
			reconcile.WithIDs(e.ids),
			reconcile.WithLogger(e.logger.With("component", "reconcile")),
			reconcile.WithDryRun(e.dryRun),
			reconcile.WithRebindAttempts(e.config.Deepfreeze.RebindMaxAttempts)).
			Scan(ctx)
		if report != nil {
			counts := map[string]int{}
			for _, c := range reconcile.Classes {
				counts[string(c)] = report.Count(c)
			}
			e.metrics.SetDriftFindings(counts)
		}
		if err != nil {
			return err
		}
		return report.Err()
	})
	return report, err
}
