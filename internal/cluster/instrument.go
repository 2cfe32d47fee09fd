package cluster

import "context"

// Observer is notified after every cluster call.
type Observer func(operation string, err error)

type instrumented struct {
	next    Cluster
	observe Observer
}

// Instrument wraps c so that every call is reported to observe.
func Instrument(c Cluster, observe Observer) Cluster {
	if observe == nil {
		return c
	}
	return &instrumented{next: c, observe: observe}
}

func (i *instrumented) EnsureRepository(ctx context.Context, spec RepositorySpec) error {
	err := i.next.EnsureRepository(ctx, spec)
	i.observe("ensure_repository", err)
	return err
}

func (i *instrumented) UnmountRepository(ctx context.Context, name string) error {
	err := i.next.UnmountRepository(ctx, name)
	i.observe("unmount_repository", err)
	return err
}

func (i *instrumented) ListRepositories(ctx context.Context) ([]RepositoryInfo, error) {
	repos, err := i.next.ListRepositories(ctx)
	i.observe("list_repositories", err)
	return repos, err
}

func (i *instrumented) ListIndicesUsing(ctx context.Context, repo string) ([]string, error) {
	indices, err := i.next.ListIndicesUsing(ctx, repo)
	i.observe("list_indices_using", err)
	return indices, err
}

func (i *instrumented) ListPolicies(ctx context.Context) ([]Policy, error) {
	policies, err := i.next.ListPolicies(ctx)
	i.observe("list_policies", err)
	return policies, err
}

func (i *instrumented) RebindILMPolicy(ctx context.Context, policy string, from []string, repo string) error {
	err := i.next.RebindILMPolicy(ctx, policy, from, repo)
	i.observe("rebind_ilm_policy", err)
	return err
}

func (i *instrumented) PutILMPolicy(ctx context.Context, policy, repo string) error {
	err := i.next.PutILMPolicy(ctx, policy, repo)
	i.observe("put_ilm_policy", err)
	return err
}

func (i *instrumented) AttachPolicyToTemplate(ctx context.Context, template, policy string) error {
	err := i.next.AttachPolicyToTemplate(ctx, template, policy)
	i.observe("attach_policy_to_template", err)
	return err
}
