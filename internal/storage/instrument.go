package storage

import (
	"context"
)

// Observer is notified after every provider call.
type Observer func(kind Kind, operation string, err error)

type instrumented struct {
	next    Provider
	observe Observer
}

// Instrument wraps p so that every call is reported to observe.
func Instrument(p Provider, observe Observer) Provider {
	if observe == nil {
		return p
	}
	return &instrumented{next: p, observe: observe}
}

func (i *instrumented) done(op string, err error) {
	i.observe(i.next.Kind(), op, err)
}

func (i *instrumented) Kind() Kind { return i.next.Kind() }

func (i *instrumented) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	ref, err := i.next.CreateContainer(ctx, spec)
	i.done("create_container", err)
	return ref, err
}

func (i *instrumented) ContainerExists(ctx context.Context, ref string) (bool, error) {
	ok, err := i.next.ContainerExists(ctx, ref)
	i.done("container_exists", err)
	return ok, err
}

func (i *instrumented) ListContainers(ctx context.Context, prefix string) ([]string, error) {
	refs, err := i.next.ListContainers(ctx, prefix)
	i.done("list_containers", err)
	return refs, err
}

func (i *instrumented) SetStorageClass(ctx context.Context, ref, basePath, class string) error {
	err := i.next.SetStorageClass(ctx, ref, basePath, class)
	i.done("set_storage_class", err)
	return err
}

func (i *instrumented) InitiateRestore(ctx context.Context, ref string, scope RestoreScope) (string, error) {
	job, err := i.next.InitiateRestore(ctx, ref, scope)
	i.done("initiate_restore", err)
	return job, err
}

func (i *instrumented) PollRestore(ctx context.Context, jobRef string) (RestoreStatus, error) {
	st, err := i.next.PollRestore(ctx, jobRef)
	i.done("poll_restore", err)
	return st, err
}

func (i *instrumented) Refreeze(ctx context.Context, ref, basePath, class string) error {
	err := i.next.Refreeze(ctx, ref, basePath, class)
	i.done("refreeze", err)
	return err
}
