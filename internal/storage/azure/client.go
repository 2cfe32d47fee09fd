package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// blobInfo is the part of a listed blob the provider looks at.
type blobInfo struct {
	Name          string
	Tier          blob.AccessTier
	ArchiveStatus blob.ArchiveStatus
}

// api is the Blob Storage surface the provider uses.
type api interface {
	CreateContainer(ctx context.Context, name string, access *container.PublicAccessType) error
	ContainerExists(ctx context.Context, name string) (bool, error)
	ListContainers(ctx context.Context, prefix string) ([]string, error)
	ListBlobs(ctx context.Context, containerName, prefix string) ([]blobInfo, error)
	SetTier(ctx context.Context, containerName, blobName string, tier blob.AccessTier, priority *blob.RehydratePriority) error
}

type sdkClient struct {
	client *azblob.Client
}

// newClient authenticates with a connection string, a shared key or the
// default Azure credential chain, in that order of preference.
func newClient(cfg *Config) (*sdkClient, error) {
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case cfg.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.AccountKey != "":
		cred, credErr := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("invalid shared key credential: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(cfg.serviceURL(), cred, nil)
	default:
		cred, credErr := azidentity.NewDefaultAzureCredential(nil)
		if credErr != nil {
			return nil, fmt.Errorf("failed to load Azure credentials: %w", credErr)
		}
		client, err = azblob.NewClient(cfg.serviceURL(), cred, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure blob client: %w", err)
	}
	return &sdkClient{client: client}, nil
}

func (c *sdkClient) CreateContainer(ctx context.Context, name string, access *container.PublicAccessType) error {
	_, err := c.client.CreateContainer(ctx, name, &azblob.CreateContainerOptions{Access: access})
	return err
}

func (c *sdkClient) ContainerExists(ctx context.Context, name string) (bool, error) {
	_, err := c.client.ServiceClient().NewContainerClient(name).GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if bloberror.HasCode(err, bloberror.ContainerNotFound) {
		return false, nil
	}
	return false, err
}

func (c *sdkClient) ListContainers(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	pager := c.client.NewListContainersPager(&azblob.ListContainersOptions{Prefix: to.Ptr(prefix)})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.ContainerItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	return names, nil
}

func (c *sdkClient) ListBlobs(ctx context.Context, containerName, prefix string) ([]blobInfo, error) {
	var blobs []blobInfo
	pager := c.client.NewListBlobsFlatPager(containerName, &azblob.ListBlobsFlatOptions{Prefix: to.Ptr(prefix)})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			info := blobInfo{Name: *item.Name}
			if props := item.Properties; props != nil {
				if props.AccessTier != nil {
					info.Tier = *props.AccessTier
				}
				if props.ArchiveStatus != nil {
					info.ArchiveStatus = *props.ArchiveStatus
				}
			}
			blobs = append(blobs, info)
		}
	}
	return blobs, nil
}

func (c *sdkClient) SetTier(ctx context.Context, containerName, blobName string, tier blob.AccessTier, priority *blob.RehydratePriority) error {
	client := c.client.ServiceClient().NewContainerClient(containerName).NewBlobClient(blobName)
	_, err := client.SetTier(ctx, tier, &blob.SetTierOptions{RehydratePriority: priority})
	return err
}
