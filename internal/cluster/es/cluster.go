package es

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/deepfreeze/deepfreeze/internal/cluster"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
)

const repositorySetting = "index.store.snapshot.repository_name"

// Cluster implements cluster.Cluster on Elasticsearch
type Cluster struct {
	es     *elasticsearch.Client
	logger *slog.Logger
}

var _ cluster.Cluster = (*Cluster)(nil)

// New wraps an Elasticsearch client
func New(client *elasticsearch.Client, logger *slog.Logger) *Cluster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cluster{es: client, logger: logger.With("component", "cluster")}
}

type repositoryBody struct {
	Type     string                 `json:"type"`
	Settings map[string]interface{} `json:"settings"`
}

func (r repositoryBody) info(name string) cluster.RepositoryInfo {
	info := cluster.RepositoryInfo{Name: name, Type: r.Type}
	info.Container = setting(r.Settings, "bucket")
	if info.Container == "" {
		info.Container = setting(r.Settings, "container")
	}
	info.BasePath = setting(r.Settings, "base_path")
	return info
}

func setting(settings map[string]interface{}, key string) string {
	if v, ok := settings[key].(string); ok {
		return v
	}
	return ""
}

// EnsureRepository registers the repository, or verifies that an existing
// registration points at the same container and base path.
func (c *Cluster) EnsureRepository(ctx context.Context, spec cluster.RepositorySpec) error {
	var repos map[string]repositoryBody
	get := c.es.Snapshot.GetRepository
	res, err := get(get.WithContext(ctx), get.WithRepository(spec.Name))
	err = Do(res, err, &repos)
	switch {
	case err == nil:
		existing := repos[spec.Name].info(spec.Name)
		if existing.Type != spec.Type || existing.Container != spec.Container || existing.BasePath != spec.BasePath {
			return errors.Newf(errors.ErrCodeRepositoryConflict,
				"repository %s already maps to %s:%s/%s", spec.Name, existing.Type, existing.Container, existing.BasePath).
				WithComponent("elasticsearch").
				WithOperation("ensure_repository").
				WithEntity(spec.Name)
		}
		c.logger.Debug("Repository already registered", "repository", spec.Name)
		return nil
	case IsNotFound(err):
	default:
		return Translate(err, "ensure_repository", spec.Name)
	}

	settings := map[string]interface{}{"base_path": spec.BasePath}
	if spec.Type == "azure" {
		settings["container"] = spec.Container
	} else {
		settings["bucket"] = spec.Container
	}
	if spec.Type == "s3" {
		if spec.CannedACL != "" {
			settings["canned_acl"] = spec.CannedACL
		}
		if spec.StorageClass != "" {
			settings["storage_class"] = spec.StorageClass
		}
	}
	body, err := json.Marshal(repositoryBody{Type: spec.Type, Settings: settings})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to encode repository")
	}
	create := c.es.Snapshot.CreateRepository
	res, err = create(spec.Name, bytes.NewReader(body), create.WithContext(ctx))
	if err := Do(res, err, nil); err != nil {
		return Translate(err, "ensure_repository", spec.Name)
	}
	c.logger.Info("Registered repository", "repository", spec.Name, "container", spec.Container, "base_path", spec.BasePath)
	return nil
}

// UnmountRepository removes the repository registration. Snapshot data in the
// container is untouched. Unmounting a missing repository succeeds.
func (c *Cluster) UnmountRepository(ctx context.Context, name string) error {
	del := c.es.Snapshot.DeleteRepository
	res, err := del([]string{name}, del.WithContext(ctx))
	if err := Do(res, err, nil); err != nil {
		if IsNotFound(err) {
			c.logger.Debug("Repository already unmounted", "repository", name)
			return nil
		}
		return Translate(err, "unmount_repository", name)
	}
	c.logger.Info("Unmounted repository", "repository", name)
	return nil
}

// ListRepositories returns every registered repository sorted by name
func (c *Cluster) ListRepositories(ctx context.Context) ([]cluster.RepositoryInfo, error) {
	var repos map[string]repositoryBody
	get := c.es.Snapshot.GetRepository
	res, err := get(get.WithContext(ctx))
	if err := Do(res, err, &repos); err != nil {
		return nil, Translate(err, "list_repositories", "")
	}
	out := make([]cluster.RepositoryInfo, 0, len(repos))
	for name, body := range repos {
		out = append(out, body.info(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListIndicesUsing returns the searchable snapshot indices mounted from repo
func (c *Cluster) ListIndicesUsing(ctx context.Context, repo string) ([]string, error) {
	var settings map[string]struct {
		Settings map[string]interface{} `json:"settings"`
	}
	gs := c.es.Indices.GetSettings
	res, err := gs(
		gs.WithContext(ctx),
		gs.WithIndex("*"),
		gs.WithName(repositorySetting),
		gs.WithFlatSettings(true),
		gs.WithExpandWildcards("all"),
	)
	if err := Do(res, err, &settings); err != nil {
		return nil, Translate(err, "list_indices_using", repo)
	}
	var indices []string
	for index, body := range settings {
		if setting(body.Settings, repositorySetting) == repo {
			indices = append(indices, index)
		}
	}
	sort.Strings(indices)
	return indices, nil
}
