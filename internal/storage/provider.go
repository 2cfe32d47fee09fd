// Package storage defines the object-storage provider contract shared by the
// AWS, Azure and GCP adapters.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepfreeze/deepfreeze/pkg/errors"
)

// Kind identifies a provider variant.
type Kind string

const (
	KindAWS   Kind = "aws"
	KindAzure Kind = "azure"
	KindGCP   Kind = "gcp"
)

// RestoreState is the coarse outcome of a restore poll.
type RestoreState string

const (
	RestorePending RestoreState = "pending"
	RestoreReady   RestoreState = "ready"
	RestoreFailed  RestoreState = "failed"
)

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name         string
	Region       string
	ACL          string
	StorageClass string
}

// RestoreScope selects the objects to restore and how.
type RestoreScope struct {
	BasePath string
	Days     int
	Tier     string
}

// RestoreStatus summarises the objects under a restore job.
type RestoreStatus struct {
	State    RestoreState `json:"state"`
	Total    int          `json:"total"`
	Restored int          `json:"restored"`
	Pending  int          `json:"pending"`
	Failed   int          `json:"failed"`
}

// Progressing reports whether some but not all objects are available.
func (s RestoreStatus) Progressing() bool {
	return s.State == RestorePending && s.Restored > 0
}

// Summarize derives State from the object counts. Objects that were never
// restored (or whose restored copy already expired) count as Failed; the
// job stays pending while anything is still in flight.
func Summarize(total, restored, pending, failed int) RestoreStatus {
	s := RestoreStatus{Total: total, Restored: restored, Pending: pending, Failed: failed}
	switch {
	case pending > 0:
		s.State = RestorePending
	case failed > 0:
		s.State = RestoreFailed
	default:
		s.State = RestoreReady
	}
	return s
}

// Provider is the capability surface deepfreeze needs from object storage.
// Polling never issues a restore.
type Provider interface {
	Kind() Kind
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	ContainerExists(ctx context.Context, ref string) (bool, error)
	ListContainers(ctx context.Context, prefix string) ([]string, error)
	SetStorageClass(ctx context.Context, ref, basePath, class string) error
	InitiateRestore(ctx context.Context, ref string, scope RestoreScope) (string, error)
	PollRestore(ctx context.Context, jobRef string) (RestoreStatus, error)
	Refreeze(ctx context.Context, ref, basePath, class string) error
}

// FormatJobRef encodes a restore job as kind://container/prefix.
func FormatJobRef(kind Kind, container, basePath string) string {
	return fmt.Sprintf("%s://%s/%s", kind, container, strings.Trim(basePath, "/"))
}

// ParseJobRef decodes a job reference produced by FormatJobRef and checks
// that it belongs to want.
func ParseJobRef(want Kind, jobRef string) (container, basePath string, err error) {
	kind, rest, ok := strings.Cut(jobRef, "://")
	if !ok || rest == "" {
		return "", "", errors.Newf(errors.ErrCodeProvider, "malformed restore job reference %q", jobRef)
	}
	if Kind(kind) != want {
		return "", "", errors.Newf(errors.ErrCodeProvider, "restore job %q belongs to provider %s, not %s", jobRef, kind, want)
	}
	container, basePath, _ = strings.Cut(rest, "/")
	if container == "" {
		return "", "", errors.Newf(errors.ErrCodeProvider, "restore job reference %q has no container", jobRef)
	}
	return container, basePath, nil
}

// ObjectPrefix turns a base path into a listing prefix.
func ObjectPrefix(basePath string) string {
	p := strings.Trim(basePath, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// ProviderError builds the error adapters return for a failed provider call.
func ProviderError(kind Kind, operation, entity, externalCode string, cause error) *errors.DeepfreezeError {
	return errors.Wrap(cause, errors.ErrCodeProvider, operation+" failed").
		WithComponent(string(kind)).
		WithOperation(operation).
		WithEntity(entity).
		WithExternalCode(externalCode)
}

// RestoreUnavailable builds the error returned when nothing under a scope
// can be restored from an archive tier.
func RestoreUnavailable(kind Kind, entity, externalCode, reason string) *errors.DeepfreezeError {
	return errors.NewError(errors.ErrCodeRestoreUnavailable, reason).
		WithComponent(string(kind)).
		WithOperation("initiate_restore").
		WithEntity(entity).
		WithExternalCode(externalCode)
}
