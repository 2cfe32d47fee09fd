// Package memstore is an in-process metadata.Store. It backs tests and the
// "memory" metadata backend used for dry runs against a scratch state.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/deepfreeze/deepfreeze/internal/metadata"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

// Store is a mutex-guarded map store. Entities are copied on the way in
// and out so callers never share memory with the store.
type Store struct {
	mu       sync.RWMutex
	settings *types.Settings
	repos    map[string]types.Repository
	thaws    map[string]types.ThawRequest
	bindings map[string]types.ILMPolicyBinding
}

var _ metadata.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		repos:    map[string]types.Repository{},
		thaws:    map[string]types.ThawRequest{},
		bindings: map[string]types.ILMPolicyBinding{},
	}
}

// Init is a no-op
func (s *Store) Init(context.Context) error { return nil }

// Close is a no-op
func (s *Store) Close() error { return nil }

func (s *Store) GetSettings(context.Context) (*types.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.settings == nil {
		return nil, metadata.NotFound("settings", "settings")
	}
	cp := *s.settings
	return &cp, nil
}

func (s *Store) SaveSettings(_ context.Context, settings *types.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *settings
	s.settings = &cp
	return nil
}

func (s *Store) CreateRepository(_ context.Context, r *types.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.repos {
		if existing.Name == r.Name {
			return metadata.NameConflict(r.Name)
		}
	}
	if _, ok := s.repos[r.ID]; ok {
		return metadata.NameConflict(r.Name)
	}
	r.Version = 1
	s.repos[r.ID] = *r
	return nil
}

func (s *Store) checkRepository(r *types.Repository) error {
	stored, ok := s.repos[r.ID]
	if !ok {
		return metadata.NotFound("repository", r.ID)
	}
	if stored.Version != r.Version {
		return metadata.VersionConflict("repository", r.ID, r.Version)
	}
	return nil
}

func (s *Store) UpdateRepository(_ context.Context, r *types.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRepository(r); err != nil {
		return err
	}
	r.Version++
	s.repos[r.ID] = *r
	return nil
}

func (s *Store) GetRepository(_ context.Context, id string) (*types.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.repos[id]
	if !ok {
		return nil, metadata.NotFound("repository", id)
	}
	return &r, nil
}

func (s *Store) GetRepositoryByName(_ context.Context, name string) (*types.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.repos {
		if r.Name == name {
			cp := r
			return &cp, nil
		}
	}
	return nil, metadata.NotFound("repository", name)
}

func (s *Store) ListRepositories(_ context.Context, filter metadata.RepositoryFilter) ([]*types.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Repository
	for _, r := range s.repos {
		cp := r
		if filter.Match(&cp) {
			out = append(out, &cp)
		}
	}
	metadata.SortRepositories(out)
	return out, nil
}

func (s *Store) DeleteRepository(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repos[id]; !ok {
		return metadata.NotFound("repository", id)
	}
	delete(s.repos, id)
	return nil
}

func (s *Store) CreateThawRequest(_ context.Context, t *types.ThawRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.thaws[t.ID]; ok {
		return metadata.VersionConflict("thaw request", t.ID, 0)
	}
	t.Version = 1
	s.thaws[t.ID] = *t
	return nil
}

func (s *Store) UpdateThawRequest(_ context.Context, t *types.ThawRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.thaws[t.ID]
	if !ok {
		return metadata.NotFound("thaw request", t.ID)
	}
	if stored.Version != t.Version {
		return metadata.VersionConflict("thaw request", t.ID, t.Version)
	}
	t.Version++
	s.thaws[t.ID] = *t
	return nil
}

func (s *Store) GetThawRequest(_ context.Context, id string) (*types.ThawRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.thaws[id]
	if !ok {
		return nil, metadata.NotFound("thaw request", id)
	}
	return &t, nil
}

func (s *Store) ListThawRequests(_ context.Context, filter metadata.ThawFilter) ([]*types.ThawRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.ThawRequest
	for _, t := range s.thaws {
		cp := t
		if filter.Match(&cp) {
			out = append(out, &cp)
		}
	}
	metadata.SortThawRequests(out)
	return out, nil
}

func (s *Store) DeleteThawRequest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.thaws[id]; !ok {
		return metadata.NotFound("thaw request", id)
	}
	delete(s.thaws, id)
	return nil
}

func (s *Store) ListPolicyBindings(context.Context) ([]types.ILMPolicyBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ILMPolicyBinding, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyName < out[j].PolicyName })
	return out, nil
}

func (s *Store) SavePolicyBinding(_ context.Context, b types.ILMPolicyBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[b.PolicyName] = b
	return nil
}

func (s *Store) DeletePolicyBinding(_ context.Context, policyName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, policyName)
	return nil
}

// CommitRotation validates every version before applying any write.
func (s *Store) CommitRotation(_ context.Context, c metadata.RotationCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRepository(c.Activated); err != nil {
		return err
	}
	if c.Retired != nil {
		if err := s.checkRepository(c.Retired); err != nil {
			return err
		}
	}
	c.Activated.Version++
	s.repos[c.Activated.ID] = *c.Activated
	if c.Retired != nil {
		c.Retired.Version++
		s.repos[c.Retired.ID] = *c.Retired
	}
	for _, b := range c.Bindings {
		s.bindings[b.PolicyName] = b
	}
	return nil
}
