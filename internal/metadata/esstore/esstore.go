// Package esstore keeps deepfreeze metadata as documents in an
// Elasticsearch status index, next to the data it describes.
//
// Every document carries a doctype field. Repository names are made unique
// by a companion name document created with op_type=create, and updates use
// external versioning so a stale writer gets a 409.
package esstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/deepfreeze/deepfreeze/internal/cluster/es"
	"github.com/deepfreeze/deepfreeze/internal/metadata"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

// DefaultIndex is the status index name
const DefaultIndex = "deepfreeze-status"

const (
	docSettings       = "settings"
	docRepository     = "repository"
	docRepositoryName = "repository_name"
	docThawRequest    = "thaw_request"
	docPolicyBinding  = "policy_binding"

	maxResults = 10000
)

const indexMapping = `{
  "mappings": {
    "properties": {
      "doctype": {"type": "keyword"}
    }
  }
}`

type document struct {
	Doctype       string                  `json:"doctype"`
	Settings      *types.Settings         `json:"settings,omitempty"`
	Repository    *types.Repository       `json:"repository,omitempty"`
	Name          string                  `json:"name,omitempty"`
	ThawRequest   *types.ThawRequest      `json:"thaw_request,omitempty"`
	PolicyBinding *types.ILMPolicyBinding `json:"policy_binding,omitempty"`
}

// Store implements metadata.Store on an Elasticsearch index
type Store struct {
	es     *elasticsearch.Client
	index  string
	logger *slog.Logger
}

var _ metadata.Store = (*Store)(nil)

// New creates a store on index
func New(client *elasticsearch.Client, index string, logger *slog.Logger) *Store {
	if index == "" {
		index = DefaultIndex
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{es: client, index: index, logger: logger.With("component", "metadata")}
}

func repositoryID(id string) string   { return "repository:" + id }
func repositoryName(n string) string  { return "repository-name:" + n }
func thawRequestID(id string) string  { return "thaw-request:" + id }
func policyBindingID(n string) string { return "policy-binding:" + n }

// Init creates the status index when it is missing
func (s *Store) Init(ctx context.Context) error {
	exists := s.es.Indices.Exists
	res, err := exists([]string{s.index}, exists.WithContext(ctx))
	err = es.Do(res, err, nil)
	if err == nil {
		return nil
	}
	if !es.IsNotFound(err) {
		return metadata.StoreError(err, "init", s.index)
	}
	create := s.es.Indices.Create
	res, err = create(s.index, create.WithContext(ctx), create.WithBody(bytes.NewReader([]byte(indexMapping))))
	if err := es.Do(res, err, nil); err != nil {
		var apiErr *es.APIError
		if errors.As(err, &apiErr) && apiErr.Type == "resource_already_exists_exception" {
			return nil
		}
		return metadata.StoreError(err, "init", s.index)
	}
	s.logger.Info("Created status index", "index", s.index)
	return nil
}

// Close is a no-op; the client has no resources to release
func (s *Store) Close() error { return nil }

type writeMode int

const (
	overwrite writeMode = iota
	createOnly
	versioned
)

func (s *Store) put(ctx context.Context, id string, doc document, mode writeMode, version int64) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to encode metadata document")
	}
	idx := s.es.Index
	opts := []func(*esapi.IndexRequest){
		idx.WithContext(ctx),
		idx.WithDocumentID(id),
		idx.WithRefresh("wait_for"),
	}
	switch mode {
	case createOnly:
		opts = append(opts, idx.WithOpType("create"))
	case versioned:
		opts = append(opts, idx.WithVersion(int(version)), idx.WithVersionType("external"))
	}
	res, err := idx(s.index, bytes.NewReader(body), opts...)
	return es.Do(res, err, nil)
}

func (s *Store) get(ctx context.Context, id string) (*document, int64, error) {
	var resp struct {
		Found   bool     `json:"found"`
		Version int64    `json:"_version"`
		Source  document `json:"_source"`
	}
	get := s.es.Get
	res, err := get(s.index, id, get.WithContext(ctx))
	if err := es.Do(res, err, &resp); err != nil {
		return nil, 0, err
	}
	if !resp.Found {
		return nil, 0, &es.APIError{Status: http.StatusNotFound, Type: "not_found", Reason: id}
	}
	return &resp.Source, resp.Version, nil
}

func (s *Store) delete(ctx context.Context, id string) error {
	del := s.es.Delete
	res, err := del(s.index, id, del.WithContext(ctx), del.WithRefresh("wait_for"))
	return es.Do(res, err, nil)
}

func (s *Store) search(ctx context.Context, doctype string) ([]document, error) {
	query := map[string]interface{}{
		"size":  maxResults,
		"query": map[string]interface{}{"term": map[string]interface{}{"doctype": doctype}},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to encode search")
	}
	var resp struct {
		Hits struct {
			Hits []struct {
				Source document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	search := s.es.Search
	res, err := search(
		search.WithContext(ctx),
		search.WithIndex(s.index),
		search.WithBody(bytes.NewReader(body)),
	)
	if err := es.Do(res, err, &resp); err != nil {
		return nil, err
	}
	docs := make([]document, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		docs = append(docs, h.Source)
	}
	return docs, nil
}

func isConflict(err error) bool {
	var apiErr *es.APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

func (s *Store) GetSettings(ctx context.Context) (*types.Settings, error) {
	doc, _, err := s.get(ctx, docSettings)
	if err != nil {
		if es.IsNotFound(err) {
			return nil, metadata.NotFound("settings", docSettings)
		}
		return nil, metadata.StoreError(err, "get_settings", docSettings)
	}
	if doc.Settings == nil {
		return nil, metadata.NotFound("settings", docSettings)
	}
	return doc.Settings, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings *types.Settings) error {
	if err := s.put(ctx, docSettings, document{Doctype: docSettings, Settings: settings}, overwrite, 0); err != nil {
		return metadata.StoreError(err, "save_settings", docSettings)
	}
	return nil
}

func (s *Store) CreateRepository(ctx context.Context, r *types.Repository) error {
	nameDoc := document{Doctype: docRepositoryName, Name: r.Name}
	if err := s.put(ctx, repositoryName(r.Name), nameDoc, createOnly, 0); err != nil {
		if isConflict(err) {
			return metadata.NameConflict(r.Name)
		}
		return metadata.StoreError(err, "create_repository", r.Name)
	}
	r.Version = 1
	if err := s.put(ctx, repositoryID(r.ID), document{Doctype: docRepository, Repository: r}, versioned, r.Version); err != nil {
		r.Version = 0
		if delErr := s.delete(ctx, repositoryName(r.Name)); delErr != nil {
			s.logger.Warn("Failed to release repository name", "repository", r.Name, "error", delErr)
		}
		if isConflict(err) {
			return metadata.NameConflict(r.Name)
		}
		return metadata.StoreError(err, "create_repository", r.ID)
	}
	return nil
}

func (s *Store) loadRepository(ctx context.Context, id string) (*types.Repository, int64, error) {
	doc, version, err := s.get(ctx, repositoryID(id))
	if err != nil {
		if es.IsNotFound(err) {
			return nil, 0, metadata.NotFound("repository", id)
		}
		return nil, 0, metadata.StoreError(err, "get_repository", id)
	}
	if doc.Repository == nil {
		return nil, 0, metadata.NotFound("repository", id)
	}
	return doc.Repository, version, nil
}

func (s *Store) checkRepository(ctx context.Context, r *types.Repository) error {
	stored, _, err := s.loadRepository(ctx, r.ID)
	if err != nil {
		return err
	}
	if stored.Version != r.Version {
		return metadata.VersionConflict("repository", r.ID, r.Version)
	}
	return nil
}

func (s *Store) writeRepository(ctx context.Context, r *types.Repository) error {
	next := *r
	next.Version++
	if err := s.put(ctx, repositoryID(r.ID), document{Doctype: docRepository, Repository: &next}, versioned, next.Version); err != nil {
		if isConflict(err) {
			return metadata.VersionConflict("repository", r.ID, r.Version)
		}
		return metadata.StoreError(err, "update_repository", r.ID)
	}
	r.Version = next.Version
	return nil
}

func (s *Store) UpdateRepository(ctx context.Context, r *types.Repository) error {
	if err := s.checkRepository(ctx, r); err != nil {
		return err
	}
	return s.writeRepository(ctx, r)
}

func (s *Store) GetRepository(ctx context.Context, id string) (*types.Repository, error) {
	r, _, err := s.loadRepository(ctx, id)
	return r, err
}

func (s *Store) GetRepositoryByName(ctx context.Context, name string) (*types.Repository, error) {
	repos, err := s.ListRepositories(ctx, metadata.RepositoryFilter{})
	if err != nil {
		return nil, err
	}
	for _, r := range repos {
		if r.Name == name {
			return r, nil
		}
	}
	return nil, metadata.NotFound("repository", name)
}

func (s *Store) ListRepositories(ctx context.Context, filter metadata.RepositoryFilter) ([]*types.Repository, error) {
	docs, err := s.search(ctx, docRepository)
	if err != nil {
		return nil, metadata.StoreError(err, "list_repositories", "")
	}
	var out []*types.Repository
	for _, d := range docs {
		if d.Repository != nil && filter.Match(d.Repository) {
			out = append(out, d.Repository)
		}
	}
	metadata.SortRepositories(out)
	return out, nil
}

func (s *Store) DeleteRepository(ctx context.Context, id string) error {
	r, _, err := s.loadRepository(ctx, id)
	if err != nil {
		return err
	}
	if err := s.delete(ctx, repositoryID(id)); err != nil {
		return metadata.StoreError(err, "delete_repository", id)
	}
	if err := s.delete(ctx, repositoryName(r.Name)); err != nil && !es.IsNotFound(err) {
		return metadata.StoreError(err, "delete_repository", r.Name)
	}
	return nil
}

func (s *Store) CreateThawRequest(ctx context.Context, t *types.ThawRequest) error {
	t.Version = 1
	if err := s.put(ctx, thawRequestID(t.ID), document{Doctype: docThawRequest, ThawRequest: t}, createOnly, 0); err != nil {
		t.Version = 0
		if isConflict(err) {
			return metadata.VersionConflict("thaw request", t.ID, 0)
		}
		return metadata.StoreError(err, "create_thaw_request", t.ID)
	}
	return nil
}

func (s *Store) UpdateThawRequest(ctx context.Context, t *types.ThawRequest) error {
	stored, err := s.GetThawRequest(ctx, t.ID)
	if err != nil {
		return err
	}
	if stored.Version != t.Version {
		return metadata.VersionConflict("thaw request", t.ID, t.Version)
	}
	next := *t
	next.Version++
	if err := s.put(ctx, thawRequestID(t.ID), document{Doctype: docThawRequest, ThawRequest: &next}, versioned, next.Version); err != nil {
		if isConflict(err) {
			return metadata.VersionConflict("thaw request", t.ID, t.Version)
		}
		return metadata.StoreError(err, "update_thaw_request", t.ID)
	}
	t.Version = next.Version
	return nil
}

func (s *Store) GetThawRequest(ctx context.Context, id string) (*types.ThawRequest, error) {
	doc, _, err := s.get(ctx, thawRequestID(id))
	if err != nil {
		if es.IsNotFound(err) {
			return nil, metadata.NotFound("thaw request", id)
		}
		return nil, metadata.StoreError(err, "get_thaw_request", id)
	}
	if doc.ThawRequest == nil {
		return nil, metadata.NotFound("thaw request", id)
	}
	return doc.ThawRequest, nil
}

func (s *Store) ListThawRequests(ctx context.Context, filter metadata.ThawFilter) ([]*types.ThawRequest, error) {
	docs, err := s.search(ctx, docThawRequest)
	if err != nil {
		return nil, metadata.StoreError(err, "list_thaw_requests", "")
	}
	var out []*types.ThawRequest
	for _, d := range docs {
		if d.ThawRequest != nil && filter.Match(d.ThawRequest) {
			out = append(out, d.ThawRequest)
		}
	}
	metadata.SortThawRequests(out)
	return out, nil
}

func (s *Store) DeleteThawRequest(ctx context.Context, id string) error {
	if err := s.delete(ctx, thawRequestID(id)); err != nil {
		if es.IsNotFound(err) {
			return metadata.NotFound("thaw request", id)
		}
		return metadata.StoreError(err, "delete_thaw_request", id)
	}
	return nil
}

func (s *Store) ListPolicyBindings(ctx context.Context) ([]types.ILMPolicyBinding, error) {
	docs, err := s.search(ctx, docPolicyBinding)
	if err != nil {
		return nil, metadata.StoreError(err, "list_policy_bindings", "")
	}
	out := make([]types.ILMPolicyBinding, 0, len(docs))
	for _, d := range docs {
		if d.PolicyBinding != nil {
			out = append(out, *d.PolicyBinding)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyName < out[j].PolicyName })
	return out, nil
}

func (s *Store) SavePolicyBinding(ctx context.Context, b types.ILMPolicyBinding) error {
	if err := s.put(ctx, policyBindingID(b.PolicyName), document{Doctype: docPolicyBinding, PolicyBinding: &b}, overwrite, 0); err != nil {
		return metadata.StoreError(err, "save_policy_binding", b.PolicyName)
	}
	return nil
}

func (s *Store) DeletePolicyBinding(ctx context.Context, policyName string) error {
	if err := s.delete(ctx, policyBindingID(policyName)); err != nil && !es.IsNotFound(err) {
		return metadata.StoreError(err, "delete_policy_binding", policyName)
	}
	return nil
}

// CommitRotation checks every version up front, then writes the activated
// repository, the retired one and the bindings in that order. Elasticsearch
// has no multi-document transaction; a failure part way leaves a
// provisioning or doubly-active state that the next rotate or
// repair-metadata run resolves.
func (s *Store) CommitRotation(ctx context.Context, c metadata.RotationCommit) error {
	if err := s.checkRepository(ctx, c.Activated); err != nil {
		return err
	}
	if c.Retired != nil {
		if err := s.checkRepository(ctx, c.Retired); err != nil {
			return err
		}
	}
	if err := s.writeRepository(ctx, c.Activated); err != nil {
		return err
	}
	if c.Retired != nil {
		if err := s.writeRepository(ctx, c.Retired); err != nil {
			return fmt.Errorf("rotation partially committed: %w", err)
		}
	}
	for _, b := range c.Bindings {
		if err := s.SavePolicyBinding(ctx, b); err != nil {
			return fmt.Errorf("rotation partially committed: %w", err)
		}
	}
	return nil
}
