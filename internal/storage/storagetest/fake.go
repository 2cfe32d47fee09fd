// Package storagetest provides an in-memory storage.Provider for tests.
package storagetest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/deepfreeze/deepfreeze/internal/storage"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
)

// ArchiveClass is the class the fake uses for archived containers.
const ArchiveClass = "GLACIER"

type restorePhase int

const (
	phaseNone restorePhase = iota
	phasePending
	phasePartial
	phaseReady
)

type container struct {
	class   string
	empty   bool
	restore restorePhase
}

// Call records one provider invocation.
type Call struct {
	Op  string
	Ref string
}

// Fake is a thread-safe in-memory storage.Provider. Each container holds a
// single logical object set whose class and restore phase are tracked.
type Fake struct {
	mu         sync.Mutex
	kind       storage.Kind
	containers map[string]*container
	foreign    map[string]bool
	errs       map[string]error
	calls      []Call
}

var _ storage.Provider = (*Fake)(nil)

// New creates an empty fake of the given kind.
func New(kind storage.Kind) *Fake {
	if kind == "" {
		kind = storage.KindAWS
	}
	return &Fake{
		kind:       kind,
		containers: map[string]*container{},
		foreign:    map[string]bool{},
		errs:       map[string]error{},
	}
}

// AddContainer seeds a container holding objects in class.
func (f *Fake) AddContainer(name, class string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[name] = &container{class: class}
}

// AddEmptyContainer seeds a container with no objects.
func (f *Fake) AddEmptyContainer(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[name] = &container{class: ArchiveClass, empty: true}
}

// AddForeign marks a container name as owned by someone else.
func (f *Fake) AddForeign(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.foreign[name] = true
}

// RemoveContainer deletes a container out of band.
func (f *Fake) RemoveContainer(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, name)
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

// CompleteRestore marks the restore of a container as finished.
func (f *Fake) CompleteRestore(name string) { f.setPhase(name, phaseReady) }

// PartialRestore marks the restore of a container as partly available.
func (f *Fake) PartialRestore(name string) { f.setPhase(name, phasePartial) }

// ExpireRestore drops a restored copy, as if it expired.
func (f *Fake) ExpireRestore(name string) { f.setPhase(name, phaseNone) }

func (f *Fake) setPhase(name string, phase restorePhase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[name]; ok {
		c.restore = phase
	}
}

// Class returns the class a container's objects are in.
func (f *Fake) Class(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[name]; ok {
		return c.class
	}
	return ""
}

// Has reports whether the container exists.
func (f *Fake) Has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[name]
	return ok
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many times op was called.
func (f *Fake) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// MutatingCalls returns how many calls could have changed provider state.
func (f *Fake) MutatingCalls() int {
	return f.Count("create_container") + f.Count("set_storage_class") +
		f.Count("initiate_restore") + f.Count("refreeze")
}

// Reset clears the recorded calls.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *Fake) begin(op, ref string) error {
	f.calls = append(f.calls, Call{Op: op, Ref: ref})
	if err, ok := f.errs[op]; ok {
		return err
	}
	return nil
}

func (f *Fake) missing(op, ref string) error {
	return storage.ProviderError(f.kind, op, ref, "NoSuchContainer", errors.Newf(errors.ErrCodeNotFound, "container %s not found", ref))
}

// Kind returns the configured kind.
func (f *Fake) Kind() storage.Kind { return f.kind }

// CreateContainer implements storage.Provider
func (f *Fake) CreateContainer(_ context.Context, spec storage.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("create_container", spec.Name); err != nil {
		return "", err
	}
	if f.foreign[spec.Name] {
		return "", storage.ProviderError(f.kind, "create_container", spec.Name, "BucketAlreadyExists",
			errors.Newf(errors.ErrCodeProvider, "container %s is owned by another account", spec.Name))
	}
	if _, ok := f.containers[spec.Name]; !ok {
		class := spec.StorageClass
		if class == "" {
			class = "STANDARD"
		}
		f.containers[spec.Name] = &container{class: class}
	}
	return spec.Name, nil
}

// ContainerExists implements storage.Provider
func (f *Fake) ContainerExists(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("container_exists", ref); err != nil {
		return false, err
	}
	_, ok := f.containers[ref]
	return ok, nil
}

// ListContainers implements storage.Provider
func (f *Fake) ListContainers(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("list_containers", prefix); err != nil {
		return nil, err
	}
	var names []string
	for n := range f.containers {
		if strings.HasPrefix(n, prefix) {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}

// SetStorageClass implements storage.Provider
func (f *Fake) SetStorageClass(_ context.Context, ref, _, class string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("set_storage_class", ref); err != nil {
		return err
	}
	c, ok := f.containers[ref]
	if !ok {
		return f.missing("set_storage_class", ref)
	}
	if class == "" {
		class = ArchiveClass
	}
	c.class = class
	return nil
}

// InitiateRestore implements storage.Provider
func (f *Fake) InitiateRestore(_ context.Context, ref string, scope storage.RestoreScope) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("initiate_restore", ref); err != nil {
		return "", err
	}
	c, ok := f.containers[ref]
	if !ok {
		return "", f.missing("initiate_restore", ref)
	}
	if c.empty || c.class != ArchiveClass {
		return "", storage.RestoreUnavailable(f.kind, ref, "", "nothing archived under "+scope.BasePath)
	}
	if c.restore == phaseNone {
		c.restore = phasePending
	}
	return storage.FormatJobRef(f.kind, ref, scope.BasePath), nil
}

// PollRestore implements storage.Provider
func (f *Fake) PollRestore(_ context.Context, jobRef string) (storage.RestoreStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("poll_restore", jobRef); err != nil {
		return storage.RestoreStatus{}, err
	}
	ref, _, err := storage.ParseJobRef(f.kind, jobRef)
	if err != nil {
		return storage.RestoreStatus{}, err
	}
	c, ok := f.containers[ref]
	if !ok {
		return storage.RestoreStatus{}, f.missing("poll_restore", ref)
	}
	switch c.restore {
	case phasePending:
		return storage.Summarize(2, 0, 2, 0), nil
	case phasePartial:
		return storage.Summarize(2, 1, 1, 0), nil
	case phaseReady:
		return storage.Summarize(2, 2, 0, 0), nil
	default:
		return storage.Summarize(2, 0, 0, 2), nil
	}
}

// Refreeze implements storage.Provider
func (f *Fake) Refreeze(_ context.Context, ref, _, class string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("refreeze", ref); err != nil {
		return err
	}
	c, ok := f.containers[ref]
	if !ok {
		return f.missing("refreeze", ref)
	}
	if class == "" {
		class = ArchiveClass
	}
	c.class = class
	c.restore = phaseNone
	return nil
}
