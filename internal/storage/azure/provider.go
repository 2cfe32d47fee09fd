// Package azure implements the storage provider on Azure Blob Storage.
// Archive-tier blobs are rehydrated in place to Hot and returned to Archive
// on refreeze; Azure has no temporary restored copy.
package azure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/deepfreeze/deepfreeze/internal/storage"
)

// Config represents Azure Blob Storage settings
type Config struct {
	AccountName       string
	AccountKey        string
	ConnectionString  string
	ServiceURL        string
	RehydratePriority string
}

func (c *Config) serviceURL() string {
	if c.ServiceURL != "" {
		return c.ServiceURL
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net/", c.AccountName)
}

// Provider implements storage.Provider on Azure Blob Storage
type Provider struct {
	client api
	config *Config
	logger *slog.Logger
}

var _ storage.Provider = (*Provider)(nil)

// NewProvider creates an Azure provider
func NewProvider(cfg *Config, logger *slog.Logger) (*Provider, error) {
	if cfg == nil || (cfg.AccountName == "" && cfg.ConnectionString == "") {
		return nil, fmt.Errorf("azure account_name or connection_string is required")
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return newProvider(client, cfg, logger), nil
}

func newProvider(client api, cfg *Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{client: client, config: cfg, logger: logger.With("provider", storage.KindAzure)}
}

// Kind returns storage.KindAzure
func (p *Provider) Kind() storage.Kind { return storage.KindAzure }

// CreateContainer creates a container. Container names share the account
// namespace, so an existing container is treated as ours.
func (p *Provider) CreateContainer(ctx context.Context, spec storage.ContainerSpec) (string, error) {
	if strings.Contains(spec.Name, "_") {
		return "", storage.ProviderError(storage.KindAzure, "create_container", spec.Name, "InvalidResourceName",
			fmt.Errorf("container names cannot contain underscores"))
	}
	err := p.client.CreateContainer(ctx, spec.Name, publicAccess(spec.ACL))
	if err != nil {
		if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
			p.logger.Info("Container already exists", "container", spec.Name)
			return spec.Name, nil
		}
		return "", p.translateError(err, "create_container", spec.Name)
	}
	p.logger.Info("Created container", "container", spec.Name)
	return spec.Name, nil
}

// ContainerExists reports whether the container exists
func (p *Provider) ContainerExists(ctx context.Context, ref string) (bool, error) {
	ok, err := p.client.ContainerExists(ctx, ref)
	if err != nil {
		return false, p.translateError(err, "container_exists", ref)
	}
	return ok, nil
}

// ListContainers lists containers whose names start with prefix
func (p *Provider) ListContainers(ctx context.Context, prefix string) ([]string, error) {
	names, err := p.client.ListContainers(ctx, prefix)
	if err != nil {
		return nil, p.translateError(err, "list_containers", prefix)
	}
	return names, nil
}

// SetStorageClass moves every blob under basePath to the tier mapped from
// class, or Archive when class is empty. Blobs already in that tier are
// skipped.
func (p *Provider) SetStorageClass(ctx context.Context, ref, basePath, class string) error {
	return p.setTierAll(ctx, "set_storage_class", ref, basePath, targetTier(class))
}

// InitiateRestore rehydrates every Archive blob under scope.BasePath to Hot.
func (p *Provider) InitiateRestore(ctx context.Context, ref string, scope storage.RestoreScope) (string, error) {
	blobs, err := p.client.ListBlobs(ctx, ref, storage.ObjectPrefix(scope.BasePath))
	if err != nil {
		return "", p.translateError(err, "initiate_restore", ref)
	}
	if len(blobs) == 0 {
		return "", storage.RestoreUnavailable(storage.KindAzure, ref, "", "no blobs under "+scope.BasePath)
	}

	priority := RehydratePriority(scope.Tier)
	if p.config != nil && p.config.RehydratePriority != "" {
		priority = blob.RehydratePriority(p.config.RehydratePriority)
	}
	var archived, rehydrating, requested int
	for _, b := range blobs {
		if b.Tier != blob.AccessTierArchive {
			continue
		}
		archived++
		if isRehydrating(b.ArchiveStatus) {
			rehydrating++
			continue
		}
		if err := p.client.SetTier(ctx, ref, b.Name, blob.AccessTierHot, &priority); err != nil {
			if bloberror.HasCode(err, bloberror.BlobBeingRehydrated) {
				continue
			}
			return "", p.translateError(err, "initiate_restore", ref+"/"+b.Name)
		}
		requested++
	}
	if archived == 0 {
		return "", storage.RestoreUnavailable(storage.KindAzure, ref, "", "blobs are not in the Archive tier")
	}

	p.logger.Info("Rehydration initiated",
		"container", ref,
		"base_path", scope.BasePath,
		"blobs", len(blobs),
		"archived", archived,
		"already_rehydrating", rehydrating,
		"requested", requested,
		"priority", priority)
	return storage.FormatJobRef(storage.KindAzure, ref, scope.BasePath), nil
}

// PollRestore reports rehydration progress from blob tier and archive status
func (p *Provider) PollRestore(ctx context.Context, jobRef string) (storage.RestoreStatus, error) {
	ref, basePath, err := storage.ParseJobRef(storage.KindAzure, jobRef)
	if err != nil {
		return storage.RestoreStatus{}, err
	}
	blobs, err := p.client.ListBlobs(ctx, ref, storage.ObjectPrefix(basePath))
	if err != nil {
		return storage.RestoreStatus{}, p.translateError(err, "poll_restore", ref)
	}

	var restored, pending, failed int
	for _, b := range blobs {
		switch {
		case b.Tier != blob.AccessTierArchive:
			restored++
		case isRehydrating(b.ArchiveStatus):
			pending++
		default:
			failed++
		}
	}
	return storage.Summarize(len(blobs), restored, pending, failed), nil
}

// Refreeze moves blobs back to the archive tier
func (p *Provider) Refreeze(ctx context.Context, ref, basePath, class string) error {
	return p.setTierAll(ctx, "refreeze", ref, basePath, targetTier(class))
}

func targetTier(class string) blob.AccessTier {
	if class == "" {
		return blob.AccessTierArchive
	}
	return MapTier(class)
}

func (p *Provider) setTierAll(ctx context.Context, op, ref, basePath string, tier blob.AccessTier) error {
	blobs, err := p.client.ListBlobs(ctx, ref, storage.ObjectPrefix(basePath))
	if err != nil {
		return p.translateError(err, op, ref)
	}
	var moved int
	for _, b := range blobs {
		if b.Tier == tier {
			continue
		}
		if isRehydrating(b.ArchiveStatus) {
			p.logger.Warn("Skipping blob being rehydrated", "container", ref, "blob", b.Name)
			continue
		}
		if err := p.client.SetTier(ctx, ref, b.Name, tier, nil); err != nil {
			return p.translateError(err, op, ref+"/"+b.Name)
		}
		moved++
	}
	p.logger.Info("Tier applied", "container", ref, "base_path", basePath, "tier", tier, "moved", moved)
	return nil
}

func (p *Provider) translateError(err error, operation, entity string) error {
	var respErr *azcore.ResponseError
	code := ""
	if errors.As(err, &respErr) {
		code = respErr.ErrorCode
	}
	if operation == "initiate_restore" && bloberror.HasCode(err, bloberror.BlobArchived) {
		return storage.RestoreUnavailable(storage.KindAzure, entity, code, "blob cannot be rehydrated").WithCause(err)
	}
	return storage.ProviderError(storage.KindAzure, operation, entity, code, err)
}

// MapTier maps a storage class name to an Azure access tier.
func MapTier(class string) blob.AccessTier {
	switch strings.ToUpper(class) {
	case "ARCHIVE", "GLACIER", "DEEP_ARCHIVE":
		return blob.AccessTierArchive
	case "COOL", "STANDARD_IA", "ONEZONE_IA", "GLACIER_IR":
		return blob.AccessTierCool
	case "COLD":
		return blob.AccessTierCold
	default:
		return blob.AccessTierHot
	}
}

// RehydratePriority maps a retrieval tier to an Azure rehydrate priority.
// Azure has no bulk priority.
func RehydratePriority(retrievalTier string) blob.RehydratePriority {
	if strings.EqualFold(retrievalTier, "Expedited") {
		return blob.RehydratePriorityHigh
	}
	return blob.RehydratePriorityStandard
}

func isRehydrating(s blob.ArchiveStatus) bool {
	return strings.HasPrefix(string(s), "rehydrate-pending-to-")
}

func publicAccess(acl string) *container.PublicAccessType {
	switch acl {
	case "public-read":
		return to.Ptr(container.PublicAccessTypeBlob)
	case "public-read-write":
		return to.Ptr(container.PublicAccessTypeContainer)
	default:
		return nil
	}
}
