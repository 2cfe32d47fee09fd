package es

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepfreeze/deepfreeze/internal/cluster"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
)

// fakeES speaks the subset of the Elasticsearch REST API the adapter uses.
type fakeES struct {
	mu        sync.Mutex
	repos     map[string]repositoryBody
	inUse     map[string]bool
	policies  map[string]*policyEnvelope
	templates map[string]map[string]interface{}
	indices   map[string]string // index -> repository
	// racePolicy bumps the version an extra time on PUT, simulating a
	// concurrent writer.
	racePolicy bool
	puts       []string
}

func newFakeES() *fakeES {
	return &fakeES{
		repos:     map[string]repositoryBody{},
		inUse:     map[string]bool{},
		policies:  map[string]*policyEnvelope{},
		templates: map[string]map[string]interface{}{},
		indices:   map[string]string{},
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func esError(w http.ResponseWriter, status int, typ, reason string) {
	writeJSON(w, status, map[string]interface{}{
		"error":  map[string]interface{}{"type": typ, "reason": reason},
		"status": status,
	})
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	switch {
	case parts[0] == "_snapshot":
		f.snapshot(w, r, parts)
	case parts[0] == "_ilm" && len(parts) >= 2 && parts[1] == "policy":
		f.ilm(w, r, parts)
	case parts[0] == "_index_template":
		f.template(w, r, parts)
	case len(parts) >= 2 && parts[1] == "_settings":
		out := map[string]interface{}{}
		for index, repo := range f.indices {
			out[index] = map[string]interface{}{"settings": map[string]interface{}{repositorySetting: repo}}
		}
		writeJSON(w, http.StatusOK, out)
	default:
		esError(w, http.StatusBadRequest, "illegal_argument_exception", "unexpected path "+r.URL.Path)
	}
}

func (f *fakeES) snapshot(w http.ResponseWriter, r *http.Request, parts []string) {
	name := ""
	if len(parts) > 1 {
		name = parts[1]
	}
	switch r.Method {
	case http.MethodGet:
		if name == "" {
			writeJSON(w, http.StatusOK, f.repos)
			return
		}
		repo, ok := f.repos[name]
		if !ok {
			esError(w, http.StatusNotFound, "repository_missing_exception", "["+name+"] missing")
			return
		}
		writeJSON(w, http.StatusOK, map[string]repositoryBody{name: repo})
	case http.MethodPut, http.MethodPost:
		var body repositoryBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.repos[name] = body
		writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
	case http.MethodDelete:
		if _, ok := f.repos[name]; !ok {
			esError(w, http.StatusNotFound, "repository_missing_exception", "["+name+"] missing")
			return
		}
		if f.inUse[name] {
			esError(w, http.StatusBadRequest, "illegal_argument_exception",
				"trying to modify or unregister repository ["+name+"] that is currently used")
			return
		}
		delete(f.repos, name)
		writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
	}
}

func (f *fakeES) ilm(w http.ResponseWriter, r *http.Request, parts []string) {
	name := ""
	if len(parts) > 2 {
		name = parts[2]
	}
	switch r.Method {
	case http.MethodGet:
		if name == "" {
			writeJSON(w, http.StatusOK, f.policies)
			return
		}
		p, ok := f.policies[name]
		if !ok {
			esError(w, http.StatusNotFound, "resource_not_found_exception", "Lifecycle policy not found: "+name)
			return
		}
		writeJSON(w, http.StatusOK, map[string]*policyEnvelope{name: p})
	case http.MethodPut:
		var body struct {
			Policy map[string]interface{} `json:"policy"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.puts = append(f.puts, name)
		version := int64(1)
		if p, ok := f.policies[name]; ok {
			version = p.Version + 1
		}
		if f.racePolicy {
			version++
		}
		f.policies[name] = &policyEnvelope{Version: version, Policy: body.Policy}
		writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
	}
}

func (f *fakeES) template(w http.ResponseWriter, r *http.Request, parts []string) {
	name := parts[1]
	switch r.Method {
	case http.MethodGet:
		t, ok := f.templates[name]
		if !ok {
			esError(w, http.StatusNotFound, "resource_not_found_exception", "index template matching ["+name+"] not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"index_templates": []interface{}{map[string]interface{}{"name": name, "index_template": t}},
		})
	case http.MethodPut, http.MethodPost:
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.templates[name] = body
		writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
	}
}

func (f *fakeES) addPolicy(name string, version int64, repo string) {
	f.policies[name] = &policyEnvelope{Version: version, Policy: DefaultPolicy(repo)}
}

func newTestCluster(t *testing.T) (*Cluster, *fakeES) {
	t.Helper()
	fake := newFakeES()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return New(client, nil), fake
}

func TestEnsureRepository(t *testing.T) {
	c, fake := newTestCluster(t)
	ctx := context.Background()
	spec := cluster.RepositorySpec{
		Name:         "deepfreeze-000002",
		Type:         "s3",
		Container:    "deepfreeze-000002",
		BasePath:     "snapshots",
		CannedACL:    "private",
		StorageClass: "intelligent_tiering",
	}

	require.NoError(t, c.EnsureRepository(ctx, spec))
	require.Contains(t, fake.repos, "deepfreeze-000002")
	assert.Equal(t, "s3", fake.repos["deepfreeze-000002"].Type)
	assert.Equal(t, "deepfreeze-000002", fake.repos["deepfreeze-000002"].Settings["bucket"])
	assert.Equal(t, "private", fake.repos["deepfreeze-000002"].Settings["canned_acl"])

	// verifying an identical registration is a no-op
	require.NoError(t, c.EnsureRepository(ctx, spec))

	other := spec
	other.Container = "somewhere-else"
	err := c.EnsureRepository(ctx, other)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeRepositoryConflict))
}

func TestEnsureAzureRepository(t *testing.T) {
	c, fake := newTestCluster(t)
	require.NoError(t, c.EnsureRepository(context.Background(), cluster.RepositorySpec{
		Name: "df-1", Type: "azure", Container: "df-1", BasePath: "snapshots", CannedACL: "private",
	}))
	settings := fake.repos["df-1"].Settings
	assert.Equal(t, "df-1", settings["container"])
	assert.NotContains(t, settings, "bucket")
	assert.NotContains(t, settings, "canned_acl")
}

func TestUnmountRepository(t *testing.T) {
	c, fake := newTestCluster(t)
	ctx := context.Background()
	fake.repos["r1"] = repositoryBody{Type: "s3", Settings: map[string]interface{}{"bucket": "b1"}}
	fake.repos["busy"] = repositoryBody{Type: "s3", Settings: map[string]interface{}{"bucket": "b2"}}
	fake.inUse["busy"] = true

	require.NoError(t, c.UnmountRepository(ctx, "r1"))
	assert.NotContains(t, fake.repos, "r1")
	require.NoError(t, c.UnmountRepository(ctx, "r1"), "unmounting twice succeeds")

	err := c.UnmountRepository(ctx, "busy")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeRepositoryInUse))
	assert.Equal(t, "illegal_argument_exception", errors.ExternalCodeOf(err))
}

func TestListRepositoriesAndIndices(t *testing.T) {
	c, fake := newTestCluster(t)
	ctx := context.Background()
	fake.repos["b"] = repositoryBody{Type: "s3", Settings: map[string]interface{}{"bucket": "bkt-b", "base_path": "snapshots"}}
	fake.repos["a"] = repositoryBody{Type: "azure", Settings: map[string]interface{}{"container": "ctr-a"}}
	fake.indices["restored-logs-1"] = "a"
	fake.indices["restored-logs-2"] = "b"
	fake.indices["partial-logs-3"] = "a"

	repos, err := c.ListRepositories(ctx)
	require.NoError(t, err)
	require.Len(t, repos, 2)
	assert.Equal(t, cluster.RepositoryInfo{Name: "a", Type: "azure", Container: "ctr-a"}, repos[0])
	assert.Equal(t, cluster.RepositoryInfo{Name: "b", Type: "s3", Container: "bkt-b", BasePath: "snapshots"}, repos[1])

	indices, err := c.ListIndicesUsing(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"partial-logs-3", "restored-logs-1"}, indices)
}

func TestRebindILMPolicy(t *testing.T) {
	c, fake := newTestCluster(t)
	ctx := context.Background()
	fake.addPolicy("logs", 4, "deepfreeze-000001")

	require.NoError(t, c.RebindILMPolicy(ctx, "logs", []string{"deepfreeze-000001"}, "deepfreeze-000002"))
	assert.Equal(t, int64(5), fake.policies["logs"].Version)
	assert.Equal(t, []string{"deepfreeze-000002"}, referencedRepositories(fake.policies["logs"].Policy))

	// already bound: no write
	require.NoError(t, c.RebindILMPolicy(ctx, "logs", []string{"deepfreeze-000001"}, "deepfreeze-000002"))
	assert.Len(t, fake.puts, 1)

	policies, err := c.ListPolicies(ctx)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.True(t, policies[0].References("deepfreeze-000002"))
	assert.Equal(t, int64(5), policies[0].Version)
}

func TestRebindILMPolicyLeavesForeignRepositories(t *testing.T) {
	c, fake := newTestCluster(t)
	ctx := context.Background()
	fake.addPolicy("logs", 2, "deepfreeze-000001")
	phases := child(fake.policies["logs"].Policy, "phases")
	child(child(child(phases, "cold"), "actions"), "searchable_snapshot")["snapshot_repository"] = "found-snapshots"

	require.NoError(t, c.RebindILMPolicy(ctx, "logs", []string{"deepfreeze-000001"}, "deepfreeze-000002"))
	assert.Equal(t, []string{"found-snapshots", "deepfreeze-000002"}, referencedRepositories(fake.policies["logs"].Policy))

	// nothing left on a source repository: no write
	require.NoError(t, c.RebindILMPolicy(ctx, "logs", []string{"deepfreeze-000001"}, "deepfreeze-000003"))
	assert.Len(t, fake.puts, 1)
	assert.Equal(t, int64(3), fake.policies["logs"].Version)
}

func TestRebindILMPolicyErrors(t *testing.T) {
	c, fake := newTestCluster(t)
	ctx := context.Background()

	err := c.RebindILMPolicy(ctx, "missing", []string{"old"}, "r")
	assert.True(t, errors.HasCode(err, errors.ErrCodePolicyNotFound))

	fake.addPolicy("logs", 1, "old")
	fake.racePolicy = true
	err = c.RebindILMPolicy(ctx, "logs", []string{"old"}, "new")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConcurrentModification))
}

func TestRebindWithRetryRecovers(t *testing.T) {
	c, fake := newTestCluster(t)
	fake.addPolicy("logs", 1, "old")
	fake.racePolicy = true

	// the first attempt loses the race; the second finds the policy bound
	err := cluster.RebindWithRetry(context.Background(), c, "logs", []string{"old"}, "new", 3, nil)
	require.NoError(t, err)
	assert.Len(t, fake.puts, 1)
}

func TestPutPolicyAndAttachTemplate(t *testing.T) {
	c, fake := newTestCluster(t)
	ctx := context.Background()
	fake.templates["logs"] = map[string]interface{}{
		"index_patterns": []interface{}{"logs-*"},
		"template": map[string]interface{}{
			"settings": map[string]interface{}{"index.lifecycle.name": "stale"},
		},
	}

	require.NoError(t, c.PutILMPolicy(ctx, "deepfreeze-ilm-policy", "deepfreeze-000001"))
	require.Contains(t, fake.policies, "deepfreeze-ilm-policy")
	assert.Equal(t, []string{"deepfreeze-000001"}, referencedRepositories(fake.policies["deepfreeze-ilm-policy"].Policy))

	require.NoError(t, c.AttachPolicyToTemplate(ctx, "logs", "deepfreeze-ilm-policy"))
	settings := fake.templates["logs"]["template"].(map[string]interface{})["settings"].(map[string]interface{})
	assert.NotContains(t, settings, "index.lifecycle.name")
	lifecycle := settings["index"].(map[string]interface{})["lifecycle"].(map[string]interface{})
	assert.Equal(t, "deepfreeze-ilm-policy", lifecycle["name"])

	err := c.AttachPolicyToTemplate(ctx, "missing", "p")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestRewritePolicy(t *testing.T) {
	policy := DefaultPolicy("old")
	policy["phases"].(map[string]interface{})["cold"].(map[string]interface{})["actions"] = map[string]interface{}{
		"searchable_snapshot": map[string]interface{}{"snapshot_repository": "older"},
	}
	assert.Equal(t, []string{"older", "old"}, referencedRepositories(policy))
	assert.True(t, rewritePolicy(policy, []string{"old"}, "new"))
	assert.Equal(t, []string{"older", "new"}, referencedRepositories(policy))
	assert.False(t, rewritePolicy(policy, []string{"old"}, "new"))
	assert.True(t, rewritePolicy(policy, []string{"old", "older"}, "new"))
	assert.Equal(t, []string{"new"}, referencedRepositories(policy))
}
