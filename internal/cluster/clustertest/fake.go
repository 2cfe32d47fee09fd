// Package clustertest provides an in-memory cluster.Cluster for tests.
package clustertest

import (
	"context"
	"sort"
	"sync"

	"github.com/deepfreeze/deepfreeze/internal/cluster"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
)

type policy struct {
	version int64
	repos   []string
}

// Fake is a thread-safe in-memory cluster. Policies reference repositories
// through a list of searchable_snapshot targets.
type Fake struct {
	mu        sync.Mutex
	repos     map[string]cluster.RepositoryInfo
	inUse     map[string]bool
	indices   map[string][]string
	policies  map[string]*policy
	templates map[string]string
	errs      map[string]error
	// conflicts is the number of upcoming rebinds that fail with
	// CONCURRENT_MODIFICATION.
	conflicts int
	calls     []string
}

var _ cluster.Cluster = (*Fake)(nil)

// New creates an empty fake cluster.
func New() *Fake {
	return &Fake{
		repos:     map[string]cluster.RepositoryInfo{},
		inUse:     map[string]bool{},
		indices:   map[string][]string{},
		policies:  map[string]*policy{},
		templates: map[string]string{},
		errs:      map[string]error{},
	}
}

// AddRepository registers a repository directly.
func (f *Fake) AddRepository(info cluster.RepositoryInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos[info.Name] = info
}

// RemoveRepository drops a repository out of band.
func (f *Fake) RemoveRepository(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.repos, name)
}

// SetInUse makes unmounting name fail with REPOSITORY_IN_USE.
func (f *Fake) SetInUse(name string, inUse bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inUse[name] = inUse
}

// AddIndices mounts indices from repo.
func (f *Fake) AddIndices(repo string, indices ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indices[repo] = append(f.indices[repo], indices...)
}

// AddPolicy creates a policy referencing repos.
func (f *Fake) AddPolicy(name string, repos ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies[name] = &policy{version: 1, repos: append([]string(nil), repos...)}
}

// AddTemplate creates an index template with no policy.
func (f *Fake) AddTemplate(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates[name] = ""
}

// Template returns the policy attached to an index template.
func (f *Fake) Template(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.templates[name]
	return p, ok
}

// FailOn makes every call to op return err. A nil err clears it.
func (f *Fake) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// ConflictNext makes the next n rebinds fail with CONCURRENT_MODIFICATION.
func (f *Fake) ConflictNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflicts = n
}

// HasRepository reports whether name is registered.
func (f *Fake) HasRepository(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.repos[name]
	return ok
}

// PolicyRepositories returns the repositories a policy references.
func (f *Fake) PolicyRepositories(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.policies[name]; ok {
		return append([]string(nil), p.repos...)
	}
	return nil
}

// Count returns how many times op was called.
func (f *Fake) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

// MutatingCalls returns how many calls could have changed cluster state.
func (f *Fake) MutatingCalls() int {
	return f.Count("ensure_repository") + f.Count("unmount_repository") +
		f.Count("rebind_ilm_policy") + f.Count("put_ilm_policy") + f.Count("attach_policy_to_template")
}

// Reset clears the recorded calls.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *Fake) begin(op string) error {
	f.calls = append(f.calls, op)
	return f.errs[op]
}

// EnsureRepository implements cluster.Cluster
func (f *Fake) EnsureRepository(_ context.Context, spec cluster.RepositorySpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ensure_repository"); err != nil {
		return err
	}
	if existing, ok := f.repos[spec.Name]; ok {
		if existing.Container != spec.Container || existing.BasePath != spec.BasePath {
			return errors.Newf(errors.ErrCodeRepositoryConflict, "repository %s already maps to %s/%s",
				spec.Name, existing.Container, existing.BasePath).WithEntity(spec.Name)
		}
		return nil
	}
	f.repos[spec.Name] = cluster.RepositoryInfo{
		Name:      spec.Name,
		Type:      spec.Type,
		Container: spec.Container,
		BasePath:  spec.BasePath,
	}
	return nil
}

// UnmountRepository implements cluster.Cluster
func (f *Fake) UnmountRepository(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("unmount_repository"); err != nil {
		return err
	}
	if f.inUse[name] {
		return errors.Newf(errors.ErrCodeRepositoryInUse, "repository %s is in use", name).
			WithEntity(name).
			WithExternalCode("illegal_argument_exception")
	}
	delete(f.repos, name)
	return nil
}

// ListRepositories implements cluster.Cluster
func (f *Fake) ListRepositories(_ context.Context) ([]cluster.RepositoryInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("list_repositories"); err != nil {
		return nil, err
	}
	out := make([]cluster.RepositoryInfo, 0, len(f.repos))
	for _, r := range f.repos {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListIndicesUsing implements cluster.Cluster
func (f *Fake) ListIndicesUsing(_ context.Context, repo string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("list_indices_using"); err != nil {
		return nil, err
	}
	out := append([]string(nil), f.indices[repo]...)
	sort.Strings(out)
	return out, nil
}

// ListPolicies implements cluster.Cluster
func (f *Fake) ListPolicies(_ context.Context) ([]cluster.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("list_policies"); err != nil {
		return nil, err
	}
	out := make([]cluster.Policy, 0, len(f.policies))
	for name, p := range f.policies {
		out = append(out, cluster.Policy{Name: name, Version: p.version, Repositories: append([]string(nil), p.repos...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RebindILMPolicy implements cluster.Cluster
func (f *Fake) RebindILMPolicy(_ context.Context, name string, from []string, repo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("rebind_ilm_policy"); err != nil {
		return err
	}
	p, ok := f.policies[name]
	if !ok {
		return errors.Newf(errors.ErrCodePolicyNotFound, "ILM policy %s not found", name).WithEntity(name)
	}
	if f.conflicts > 0 {
		f.conflicts--
		p.version++
		return errors.Newf(errors.ErrCodeConcurrentModification, "policy %s changed during rebind", name).WithEntity(name)
	}
	moved := map[string]bool{}
	for _, r := range from {
		moved[r] = true
	}
	seen := map[string]bool{}
	out := p.repos[:0]
	changed := false
	for _, r := range p.repos {
		if moved[r] && r != repo {
			r = repo
			changed = true
		}
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	p.repos = out
	if changed {
		p.version++
	}
	return nil
}

// PutILMPolicy implements cluster.Cluster
func (f *Fake) PutILMPolicy(_ context.Context, name, repo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("put_ilm_policy"); err != nil {
		return err
	}
	version := int64(1)
	if p, ok := f.policies[name]; ok {
		version = p.version + 1
	}
	f.policies[name] = &policy{version: version, repos: []string{repo}}
	return nil
}

// AttachPolicyToTemplate implements cluster.Cluster
func (f *Fake) AttachPolicyToTemplate(_ context.Context, template, policyName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("attach_policy_to_template"); err != nil {
		return err
	}
	if _, ok := f.templates[template]; !ok {
		return errors.Newf(errors.ErrCodeNotFound, "index template %s not found", template).WithEntity(template)
	}
	f.templates[template] = policyName
	return nil
}
