// Package gcs implements the storage provider on Google Cloud Storage.
//
// ARCHIVE objects in GCS are readable without a restore step, but Elasticsearch
// snapshot repositories still expect the hot storage classes, so a restore
// rewrites objects to STANDARD and a refreeze rewrites them back to ARCHIVE.
// Rewrites complete synchronously; a poll only has to look at classes.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"google.golang.org/api/googleapi"

	"github.com/deepfreeze/deepfreeze/internal/storage"
)

// Storage classes
const (
	ClassStandard = "STANDARD"
	ClassNearline = "NEARLINE"
	ClassColdline = "COLDLINE"
	ClassArchive  = "ARCHIVE"
)

// Config represents Google Cloud Storage settings
type Config struct {
	ProjectID       string
	CredentialsFile string
	Location        string
	Endpoint        string
}

// Provider implements storage.Provider on Google Cloud Storage
type Provider struct {
	client api
	config *Config
	logger *slog.Logger
}

var _ storage.Provider = (*Provider)(nil)

// NewProvider creates a GCS provider
func NewProvider(ctx context.Context, cfg *Config, logger *slog.Logger) (*Provider, error) {
	if cfg == nil || cfg.ProjectID == "" {
		return nil, fmt.Errorf("gcp project_id is required")
	}
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newProvider(client, cfg, logger), nil
}

func newProvider(client api, cfg *Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{client: client, config: cfg, logger: logger.With("provider", storage.KindGCP)}
}

// Close releases the underlying client.
func (p *Provider) Close() error {
	if c, ok := p.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Kind returns storage.KindGCP
func (p *Provider) Kind() storage.Kind { return storage.KindGCP }

// CreateContainer creates a bucket. A conflict on a bucket this project can
// already read is treated as success.
func (p *Provider) CreateContainer(ctx context.Context, spec storage.ContainerSpec) (string, error) {
	location := spec.Region
	if location == "" {
		location = p.config.Location
	}
	err := p.client.CreateBucket(ctx, spec.Name, location, MapClass(spec.StorageClass))
	if err == nil {
		p.logger.Info("Created bucket", "bucket", spec.Name, "location", location)
		return spec.Name, nil
	}
	if statusCode(err) == http.StatusConflict {
		if ok, existsErr := p.client.BucketExists(ctx, spec.Name); existsErr == nil && ok {
			p.logger.Info("Bucket already exists", "bucket", spec.Name)
			return spec.Name, nil
		}
	}
	return "", p.translateError(err, "create_container", spec.Name)
}

// ContainerExists reports whether the bucket exists
func (p *Provider) ContainerExists(ctx context.Context, ref string) (bool, error) {
	ok, err := p.client.BucketExists(ctx, ref)
	if err != nil {
		return false, p.translateError(err, "container_exists", ref)
	}
	return ok, nil
}

// ListContainers lists project buckets whose names start with prefix
func (p *Provider) ListContainers(ctx context.Context, prefix string) ([]string, error) {
	names, err := p.client.ListBuckets(ctx, prefix)
	if err != nil {
		return nil, p.translateError(err, "list_containers", prefix)
	}
	return names, nil
}

// SetStorageClass rewrites objects under basePath into the mapped class.
// An empty class means ARCHIVE.
func (p *Provider) SetStorageClass(ctx context.Context, ref, basePath, class string) error {
	target := ClassArchive
	if class != "" {
		target = MapClass(class)
	}
	_, err := p.rewriteAll(ctx, "set_storage_class", ref, basePath, target)
	return err
}

// InitiateRestore rewrites every ARCHIVE object under scope.BasePath to STANDARD.
func (p *Provider) InitiateRestore(ctx context.Context, ref string, scope storage.RestoreScope) (string, error) {
	objects, err := p.client.ListObjects(ctx, ref, storage.ObjectPrefix(scope.BasePath))
	if err != nil {
		return "", p.translateError(err, "initiate_restore", ref)
	}
	if len(objects) == 0 {
		return "", storage.RestoreUnavailable(storage.KindGCP, ref, "", "no objects under "+scope.BasePath)
	}

	var archived int
	for _, o := range objects {
		if o.StorageClass == ClassArchive {
			archived++
		}
	}
	if archived == 0 {
		return "", storage.RestoreUnavailable(storage.KindGCP, ref, "", "objects are not in the ARCHIVE class")
	}

	moved, err := p.rewriteAll(ctx, "initiate_restore", ref, scope.BasePath, ClassStandard)
	if err != nil {
		return "", err
	}
	p.logger.Info("Restore initiated",
		"bucket", ref,
		"base_path", scope.BasePath,
		"objects", len(objects),
		"rewritten", moved)
	return storage.FormatJobRef(storage.KindGCP, ref, scope.BasePath), nil
}

// PollRestore counts objects still in ARCHIVE as failed
func (p *Provider) PollRestore(ctx context.Context, jobRef string) (storage.RestoreStatus, error) {
	ref, basePath, err := storage.ParseJobRef(storage.KindGCP, jobRef)
	if err != nil {
		return storage.RestoreStatus{}, err
	}
	objects, err := p.client.ListObjects(ctx, ref, storage.ObjectPrefix(basePath))
	if err != nil {
		return storage.RestoreStatus{}, p.translateError(err, "poll_restore", ref)
	}
	var restored, failed int
	for _, o := range objects {
		if o.StorageClass == ClassArchive {
			failed++
		} else {
			restored++
		}
	}
	return storage.Summarize(len(objects), restored, 0, failed), nil
}

// Refreeze rewrites objects back to ARCHIVE
func (p *Provider) Refreeze(ctx context.Context, ref, basePath, class string) error {
	target := ClassArchive
	if class != "" {
		target = MapClass(class)
	}
	_, err := p.rewriteAll(ctx, "refreeze", ref, basePath, target)
	return err
}

func (p *Provider) rewriteAll(ctx context.Context, op, ref, basePath, class string) (int, error) {
	objects, err := p.client.ListObjects(ctx, ref, storage.ObjectPrefix(basePath))
	if err != nil {
		return 0, p.translateError(err, op, ref)
	}
	var moved int
	for _, o := range objects {
		if o.StorageClass == class {
			continue
		}
		if err := p.client.Rewrite(ctx, ref, o.Name, class); err != nil {
			return moved, p.translateError(err, op, ref+"/"+o.Name)
		}
		moved++
	}
	p.logger.Debug("Objects rewritten", "bucket", ref, "base_path", basePath, "class", class, "moved", moved)
	return moved, nil
}

func (p *Provider) translateError(err error, operation, entity string) error {
	code := ""
	if sc := statusCode(err); sc != 0 {
		code = strconv.Itoa(sc)
	}
	return storage.ProviderError(storage.KindGCP, operation, entity, code, err)
}

func statusCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// MapClass maps a storage class name to a GCS storage class.
func MapClass(class string) string {
	switch strings.ToUpper(class) {
	case "ARCHIVE", "GLACIER", "DEEP_ARCHIVE":
		return ClassArchive
	case "NEARLINE", "COOL", "STANDARD_IA", "ONEZONE_IA", "GLACIER_IR":
		return ClassNearline
	case "COLDLINE", "COLD":
		return ClassColdline
	default:
		return ClassStandard
	}
}
