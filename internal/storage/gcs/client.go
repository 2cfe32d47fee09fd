package gcs

import (
	"context"
	"errors"
	"fmt"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type objectInfo struct {
	Name         string
	StorageClass string
}

// api is the Cloud Storage surface the provider uses.
type api interface {
	CreateBucket(ctx context.Context, name, location, class string) error
	BucketExists(ctx context.Context, name string) (bool, error)
	ListBuckets(ctx context.Context, prefix string) ([]string, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]objectInfo, error)
	Rewrite(ctx context.Context, bucket, object, class string) error
}

type sdkClient struct {
	client    *gcs.Client
	projectID string
}

func newClient(ctx context.Context, cfg *Config) (*sdkClient, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &sdkClient{client: client, projectID: cfg.ProjectID}, nil
}

func (c *sdkClient) Close() error { return c.client.Close() }

func (c *sdkClient) CreateBucket(ctx context.Context, name, location, class string) error {
	return c.client.Bucket(name).Create(ctx, c.projectID, &gcs.BucketAttrs{
		Location:     location,
		StorageClass: class,
	})
}

func (c *sdkClient) BucketExists(ctx context.Context, name string) (bool, error) {
	_, err := c.client.Bucket(name).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gcs.ErrBucketNotExist) {
		return false, nil
	}
	return false, err
}

func (c *sdkClient) ListBuckets(ctx context.Context, prefix string) ([]string, error) {
	it := c.client.Buckets(ctx, c.projectID)
	it.Prefix = prefix
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
}

func (c *sdkClient) ListObjects(ctx context.Context, bucket, prefix string) ([]objectInfo, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var objects []objectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return objects, nil
		}
		if err != nil {
			return nil, err
		}
		objects = append(objects, objectInfo{Name: attrs.Name, StorageClass: attrs.StorageClass})
	}
}

// Rewrite copies an object onto itself with a new storage class.
func (c *sdkClient) Rewrite(ctx context.Context, bucket, object, class string) error {
	obj := c.client.Bucket(bucket).Object(object)
	copier := obj.CopierFrom(obj)
	copier.StorageClass = class
	_, err := copier.Run(ctx)
	return err
}
