package s3

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/deepfreeze/deepfreeze/internal/storage"
)

type objectState int

const (
	stateOnline objectState = iota
	stateArchived
	stateRestoring
	stateRestored
)

// Provider implements storage.Provider on Amazon S3 and Glacier
type Provider struct {
	client api
	config *Config
	logger *slog.Logger
}

var _ storage.Provider = (*Provider)(nil)

// NewProvider creates an S3 provider
func NewProvider(ctx context.Context, cfg *Config, logger *slog.Logger) (*Provider, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	cfg.applyDefaults()

	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newProvider(client, cfg, logger), nil
}

func newProvider(client api, cfg *Config, logger *slog.Logger) *Provider {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		client: client,
		config: cfg,
		logger: logger.With("provider", storage.KindAWS),
	}
}

// Kind returns storage.KindAWS
func (p *Provider) Kind() storage.Kind { return storage.KindAWS }

// CreateContainer creates a bucket. A bucket already owned by the caller
// is accepted so an interrupted rotation can resume.
func (p *Provider) CreateContainer(ctx context.Context, spec storage.ContainerSpec) (string, error) {
	input := &s3.CreateBucketInput{Bucket: aws.String(spec.Name)}
	if acl := s3types.BucketCannedACL(spec.ACL); spec.ACL != "" && isBucketACL(acl) {
		input.ACL = acl
	}
	region := spec.Region
	if region == "" {
		region = p.config.Region
	}
	if region != "" && region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(region),
		}
	}

	if _, err := p.client.CreateBucket(ctx, input); err != nil {
		if isErrorType[*s3types.BucketAlreadyOwnedByYou](err) {
			p.logger.Info("Bucket already exists and is owned by us", "bucket", spec.Name)
			return spec.Name, nil
		}
		return "", p.translateError(err, "create_container", spec.Name)
	}

	p.logger.Info("Created bucket", "bucket", spec.Name, "region", region)
	return spec.Name, nil
}

// ContainerExists reports whether the bucket exists
func (p *Provider) ContainerExists(ctx context.Context, ref string) (bool, error) {
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(ref)})
	if err == nil {
		return true, nil
	}
	if isErrorType[*s3types.NotFound](err) || isErrorType[*s3types.NoSuchBucket](err) {
		return false, nil
	}
	if code := apiErrorCode(err); code == "NotFound" || code == "NoSuchBucket" {
		return false, nil
	}
	return false, p.translateError(err, "container_exists", ref)
}

// ListContainers lists buckets whose names start with prefix
func (p *Provider) ListContainers(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	paginator := s3.NewListBucketsPaginator(p.client, &s3.ListBucketsInput{Prefix: aws.String(prefix)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, p.translateError(err, "list_containers", prefix)
		}
		for _, b := range page.Buckets {
			name := aws.ToString(b.Name)
			if strings.HasPrefix(name, prefix) {
				names = append(names, name)
			}
		}
	}
	return names, nil
}

// SetStorageClass rewrites every object under basePath into class. Objects
// already in class are skipped. An empty class means the archive class.
func (p *Provider) SetStorageClass(ctx context.Context, ref, basePath, class string) error {
	tier := p.tierOrArchive(class)
	var moved int
	err := p.walk(ctx, ref, basePath, func(obj s3types.Object) error {
		if objectClass(obj.StorageClass) == tier {
			return nil
		}
		if err := p.copyInPlace(ctx, ref, aws.ToString(obj.Key), tier); err != nil {
			return p.translateError(err, "set_storage_class", ref+"/"+aws.ToString(obj.Key))
		}
		moved++
		return nil
	})
	if err != nil {
		return err
	}
	p.logger.Info("Storage class applied", "bucket", ref, "base_path", basePath, "class", tier, "moved", moved)
	return nil
}

// InitiateRestore requests a temporary restored copy of every archived
// object under scope.BasePath. Objects already restored or restoring are
// left alone.
func (p *Provider) InitiateRestore(ctx context.Context, ref string, scope storage.RestoreScope) (string, error) {
	days := int32(scope.Days)
	if days <= 0 {
		days = 1
	}
	tier := scope.Tier
	if tier == "" {
		tier = string(s3types.TierStandard)
	}

	var total, archived, requested int
	err := p.walk(ctx, ref, scope.BasePath, func(obj s3types.Object) error {
		total++
		if !RequiresRestore(objectClass(obj.StorageClass)) {
			return nil
		}
		archived++
		state, err := p.objectState(ctx, ref, obj)
		if err != nil {
			return err
		}
		if state != stateArchived {
			return nil
		}

		key := aws.ToString(obj.Key)
		_, err = p.client.RestoreObject(ctx, &s3.RestoreObjectInput{
			Bucket: aws.String(ref),
			Key:    aws.String(key),
			RestoreRequest: &s3types.RestoreRequest{
				Days:                 aws.Int32(days),
				GlacierJobParameters: &s3types.GlacierJobParameters{Tier: s3types.Tier(tier)},
			},
		})
		if err != nil {
			if apiErrorCode(err) == "RestoreAlreadyInProgress" {
				return nil
			}
			return p.translateError(err, "initiate_restore", ref+"/"+key)
		}
		requested++
		return nil
	})
	if err != nil {
		return "", err
	}

	if total == 0 {
		return "", storage.RestoreUnavailable(storage.KindAWS, ref, "", "no objects under "+scope.BasePath)
	}
	if archived == 0 {
		return "", storage.RestoreUnavailable(storage.KindAWS, ref, "", "objects are not in a restorable archive tier")
	}

	p.logger.Info("Restore initiated",
		"bucket", ref,
		"base_path", scope.BasePath,
		"objects", total,
		"archived", archived,
		"requested", requested,
		"days", days,
		"tier", tier)
	return storage.FormatJobRef(storage.KindAWS, ref, scope.BasePath), nil
}

// PollRestore derives restore progress from object metadata only
func (p *Provider) PollRestore(ctx context.Context, jobRef string) (storage.RestoreStatus, error) {
	bucket, basePath, err := storage.ParseJobRef(storage.KindAWS, jobRef)
	if err != nil {
		return storage.RestoreStatus{}, err
	}

	var total, restored, pending, failed int
	err = p.walk(ctx, bucket, basePath, func(obj s3types.Object) error {
		total++
		state, err := p.objectState(ctx, bucket, obj)
		if err != nil {
			return err
		}
		switch state {
		case stateOnline, stateRestored:
			restored++
		case stateRestoring:
			pending++
		default:
			failed++
		}
		return nil
	})
	if err != nil {
		return storage.RestoreStatus{}, err
	}

	status := storage.Summarize(total, restored, pending, failed)
	p.logger.Debug("Restore polled", "job", jobRef, "state", status.State,
		"total", total, "restored", restored, "pending", pending, "failed", failed)
	return status, nil
}

// Refreeze copies restored or online objects back into the archive class,
// dropping any temporary restored copy. Objects already archived are skipped.
func (p *Provider) Refreeze(ctx context.Context, ref, basePath, class string) error {
	tier := p.tierOrArchive(class)
	var moved int
	err := p.walk(ctx, ref, basePath, func(obj s3types.Object) error {
		key := aws.ToString(obj.Key)
		if objectClass(obj.StorageClass) == tier {
			if !RequiresRestore(tier) {
				return nil
			}
			state, err := p.objectState(ctx, ref, obj)
			if err != nil {
				return err
			}
			if state == stateArchived {
				return nil
			}
			if state == stateRestoring {
				p.logger.Warn("Skipping object with restore in progress", "bucket", ref, "key", key)
				return nil
			}
		}
		if err := p.copyInPlace(ctx, ref, key, tier); err != nil {
			return p.translateError(err, "refreeze", ref+"/"+key)
		}
		moved++
		return nil
	})
	if err != nil {
		return err
	}
	p.logger.Info("Refrozen", "bucket", ref, "base_path", basePath, "class", tier, "moved", moved)
	return nil
}

func (p *Provider) tierOrArchive(class string) string {
	if class == "" {
		return NormalizeTier(p.config.ArchiveClass)
	}
	return NormalizeTier(class)
}

func (p *Provider) walk(ctx context.Context, bucket, basePath string, fn func(s3types.Object) error) error {
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket:                   aws.String(bucket),
		Prefix:                   aws.String(storage.ObjectPrefix(basePath)),
		OptionalObjectAttributes: []s3types.OptionalObjectAttributes{s3types.OptionalObjectAttributesRestoreStatus},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return p.translateError(err, "list_objects", bucket)
		}
		for _, obj := range page.Contents {
			if err := fn(obj); err != nil {
				return err
			}
		}
	}
	return nil
}

// objectState classifies an object. The restore status comes from the
// listing when the endpoint supports it, otherwise from the Restore header.
func (p *Provider) objectState(ctx context.Context, bucket string, obj s3types.Object) (objectState, error) {
	if !RequiresRestore(objectClass(obj.StorageClass)) {
		return stateOnline, nil
	}
	if rs := obj.RestoreStatus; rs != nil {
		if aws.ToBool(rs.IsRestoreInProgress) {
			return stateRestoring, nil
		}
		if rs.RestoreExpiryDate != nil {
			return stateRestored, nil
		}
	}

	key := aws.ToString(obj.Key)
	head, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return stateArchived, p.translateError(err, "poll_restore", bucket+"/"+key)
	}
	ongoing, _, ok := parseRestoreHeader(aws.ToString(head.Restore))
	switch {
	case !ok:
		return stateArchived, nil
	case ongoing:
		return stateRestoring, nil
	default:
		return stateRestored, nil
	}
}

func (p *Provider) copyInPlace(ctx context.Context, bucket, key, tier string) error {
	_, err := p.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(url.PathEscape(bucket + "/" + key)),
		StorageClass:      ConvertTierToStorageClass(tier),
		MetadataDirective: s3types.MetadataDirectiveCopy,
	})
	return err
}

func (p *Provider) translateError(err error, operation, entity string) error {
	code := apiErrorCode(err)
	if code == "InvalidObjectState" && operation == "initiate_restore" {
		return storage.RestoreUnavailable(storage.KindAWS, entity, code, "object is not in a restorable state").WithCause(err)
	}
	return storage.ProviderError(storage.KindAWS, operation, entity, code, err)
}

// parseRestoreHeader parses the x-amz-restore header, e.g.
// ongoing-request="false", expiry-date="Fri, 21 Dec 2012 00:00:00 GMT".
func parseRestoreHeader(h string) (ongoing bool, expiry time.Time, ok bool) {
	if h == "" {
		return false, time.Time{}, false
	}
	ongoing = strings.Contains(h, `ongoing-request="true"`)
	if _, rest, found := strings.Cut(h, `expiry-date="`); found {
		if v, _, found := strings.Cut(rest, `"`); found {
			expiry, _ = time.Parse(time.RFC1123, v)
		}
	}
	return ongoing, expiry, true
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isBucketACL(acl s3types.BucketCannedACL) bool {
	for _, v := range acl.Values() {
		if v == acl {
			return true
		}
	}
	return false
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// String describes the provider for logs
func (p *Provider) String() string {
	return fmt.Sprintf("s3(region=%s endpoint=%s)", p.config.Region, p.config.Endpoint)
}
