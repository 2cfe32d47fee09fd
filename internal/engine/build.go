package engine

import (
	"context"
	"io"
	"log/slog"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/deepfreeze/deepfreeze/internal/cluster"
	"github.com/deepfreeze/deepfreeze/internal/cluster/es"
	"github.com/deepfreeze/deepfreeze/internal/config"
	"github.com/deepfreeze/deepfreeze/internal/metadata"
	"github.com/deepfreeze/deepfreeze/internal/metadata/esstore"
	"github.com/deepfreeze/deepfreeze/internal/metadata/memstore"
	"github.com/deepfreeze/deepfreeze/internal/metadata/pgstore"
	"github.com/deepfreeze/deepfreeze/internal/storage"
	"github.com/deepfreeze/deepfreeze/internal/storage/azure"
	"github.com/deepfreeze/deepfreeze/internal/storage/gcs"
	"github.com/deepfreeze/deepfreeze/internal/storage/s3"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
)

// builder constructs collaborators from configuration, sharing one
// Elasticsearch client between the cluster adapter and the status index.
type builder struct {
	cfg     *config.Configuration
	logger  *slog.Logger
	es      *elasticsearch.Client
	closers []func() error
}

func (b *builder) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func (b *builder) elasticsearch() (*elasticsearch.Client, error) {
	if b.es != nil {
		return b.es, nil
	}
	c := b.cfg.Elasticsearch
	client, err := es.NewClient(es.Config{
		Addresses:      c.Addresses,
		Username:       c.Username,
		Password:       c.Password,
		APIKey:         c.APIKey,
		CloudID:        c.CloudID,
		CACert:         c.CACert,
		RequestTimeout: c.RequestTimeout,
		MaxRetries:     c.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	b.es = client
	return client, nil
}

func (b *builder) store(ctx context.Context) (metadata.Store, error) {
	m := b.cfg.Metadata
	switch m.Backend {
	case "memory":
		b.logger.Warn("Using the in-memory metadata store; nothing will be persisted")
		return memstore.New(), nil
	case "postgres":
		return pgstore.Connect(ctx, pgstore.Config{DSN: m.Postgres.DSN, MaxConns: m.Postgres.MaxConns}, b.logger)
	case "elasticsearch", "":
		client, err := b.elasticsearch()
		if err != nil {
			return nil, err
		}
		return esstore.New(client, m.StatusIndex, b.logger), nil
	default:
		return nil, errors.Newf(errors.ErrCodeConfiguration, "unknown metadata backend %q", m.Backend)
	}
}

func (b *builder) provider(ctx context.Context) (storage.Provider, error) {
	p := b.cfg.Provider
	var (
		provider storage.Provider
		err      error
	)
	switch storage.Kind(p.Kind) {
	case storage.KindAWS:
		provider, err = s3.NewProvider(ctx, &s3.Config{
			Region:          p.AWS.Region,
			Endpoint:        p.AWS.Endpoint,
			AccessKeyID:     p.AWS.AccessKeyID,
			SecretAccessKey: p.AWS.SecretAccessKey,
			SessionToken:    p.AWS.SessionToken,
			ForcePathStyle:  p.AWS.ForcePathStyle,
			MaxRetries:      p.AWS.MaxRetries,
			RequestTimeout:  p.RequestTimeout,
			ArchiveClass:    p.AWS.ArchiveClass,
		}, b.logger)
	case storage.KindAzure:
		provider, err = azure.NewProvider(&azure.Config{
			AccountName:       p.Azure.AccountName,
			AccountKey:        p.Azure.AccountKey,
			ConnectionString:  p.Azure.ConnectionString,
			ServiceURL:        p.Azure.ServiceURL,
			RehydratePriority: p.Azure.RehydratePriority,
		}, b.logger)
	case storage.KindGCP:
		provider, err = gcs.NewProvider(ctx, &gcs.Config{
			ProjectID:       p.GCP.ProjectID,
			CredentialsFile: p.GCP.CredentialsFile,
			Location:        p.GCP.Location,
			Endpoint:        p.GCP.Endpoint,
		}, b.logger)
	default:
		return nil, errors.Newf(errors.ErrCodeConfiguration, "unknown provider %q", p.Kind)
	}
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeInternal {
			return nil, errors.Wrap(err, errors.ErrCodeConfiguration, "failed to create storage provider").
				WithContext("provider", p.Kind)
		}
		return nil, err
	}
	if c, ok := provider.(io.Closer); ok {
		b.closers = append(b.closers, c.Close)
	}
	return provider, nil
}

func (b *builder) cluster() (cluster.Cluster, error) {
	client, err := b.elasticsearch()
	if err != nil {
		return nil, err
	}
	return es.New(client, b.logger), nil
}
