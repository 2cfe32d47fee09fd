package rotation

import (
	"context"
	"strings"

	"github.com/deepfreeze/deepfreeze/internal/cluster"
	"github.com/deepfreeze/deepfreeze/internal/metadata"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

// SetupResult reports what setup did or would do.
type SetupResult struct {
	Target     Target            `json:"target"`
	Policy     string            `json:"policy"`
	Template   string            `json:"template,omitempty"`
	Repository *types.Repository `json:"repository,omitempty"`
	Resumed    bool              `json:"resumed"`
	DryRun     bool              `json:"dry_run"`
}

// Setup creates the first repository and its container, installs the ILM
// policy pointing at it and persists the settings. It refuses to run
// against an installation that already has settings.
func (r *Rotator) Setup(ctx context.Context, period Period) (*SetupResult, error) {
	now := r.clock.Now()

	if _, err := r.store.GetSettings(ctx); err == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidState, "deepfreeze is already set up").
			WithComponent("setup")
	} else if !errors.HasCode(err, errors.ErrCodeNotFound) {
		return nil, err
	}

	if _, err := metadata.Active(ctx, r.store); err == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidState, "an active repository is already recorded; run repair-metadata").
			WithComponent("setup")
	}

	repo, resumed, err := r.resumable(ctx)
	if err != nil {
		return nil, err
	}

	result := &SetupResult{
		Policy:   r.settings.ILMPolicyName,
		Template: r.settings.IndexTemplateName,
		Resumed:  resumed,
		DryRun:   r.dryRun,
	}
	if repo != nil {
		result.Target = Target{Name: repo.Name, Container: repo.Container, BasePath: repo.BasePath}
	} else {
		suffix, err := firstSuffix(r.settings, now, period)
		if err != nil {
			return nil, err
		}
		result.Target = targetFor(r.settings, suffix)
	}

	if r.dryRun {
		r.logger.Info("Dry run: setup planned",
			"repository", result.Target.Name,
			"container", result.Target.Container,
			"policy", result.Policy)
		return result, nil
	}

	if repo == nil {
		repo = r.newRepository(result.Target, now)
		if err := r.store.CreateRepository(ctx, repo); err != nil {
			return nil, err
		}
	}
	if err := r.provision(ctx, repo); err != nil {
		return nil, err
	}
	if err := r.installPolicy(ctx, repo.Name); err != nil {
		return nil, err
	}

	repo.Status = types.RepositoryActive
	if err := r.store.CommitRotation(ctx, metadata.RotationCommit{
		Activated: repo,
		Bindings:  []types.ILMPolicyBinding{{PolicyName: r.settings.ILMPolicyName, CurrentRepositoryID: repo.ID}},
	}); err != nil {
		return nil, err
	}

	settings := r.settings
	if err := r.store.SaveSettings(ctx, &settings); err != nil {
		return nil, err
	}

	r.logger.Info("Deepfreeze set up",
		"repository", repo.Name,
		"container", repo.Container,
		"policy", r.settings.ILMPolicyName)
	result.Repository = repo
	return result, nil
}

// installPolicy points the configured ILM policy at repo. A policy without
// searchable_snapshot actions is replaced by the default one. Actions on
// repositories outside the managed prefix are never touched, so a policy
// that only references such repositories is rejected. The policy is then
// attached to the index template.
func (r *Rotator) installPolicy(ctx context.Context, repo string) error {
	policies, err := r.cluster.ListPolicies(ctx)
	if err != nil {
		return err
	}
	var existing *cluster.Policy
	for i := range policies {
		if policies[i].Name == r.settings.ILMPolicyName && len(policies[i].Repositories) > 0 {
			existing = &policies[i]
			break
		}
	}

	if existing == nil {
		err = r.cluster.PutILMPolicy(ctx, r.settings.ILMPolicyName, repo)
	} else {
		prefix := r.settings.RepoNamePrefix + "-"
		var managed []string
		for _, name := range existing.Repositories {
			if strings.HasPrefix(name, prefix) {
				managed = append(managed, name)
			}
		}
		if len(managed) == 0 {
			return errors.Newf(errors.ErrCodeInvalidState,
				"ILM policy %s only targets repositories outside %s*", existing.Name, prefix).
				WithComponent("setup").
				WithEntity(existing.Name)
		}
		err = cluster.RebindWithRetry(ctx, r.cluster, existing.Name, managed, repo, r.rebindAttempts, r.logger)
	}
	if err != nil {
		return err
	}

	if r.settings.IndexTemplateName == "" {
		return nil
	}
	return r.cluster.AttachPolicyToTemplate(ctx, r.settings.IndexTemplateName, r.settings.ILMPolicyName)
}
