package es

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"

	"github.com/deepfreeze/deepfreeze/internal/cluster"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
)

type policyEnvelope struct {
	Version int64                  `json:"version"`
	Policy  map[string]interface{} `json:"policy"`
}

// snapshotActions returns every searchable_snapshot action in a policy body.
func snapshotActions(policy map[string]interface{}) []map[string]interface{} {
	phases, _ := policy["phases"].(map[string]interface{})
	names := make([]string, 0, len(phases))
	for name := range phases {
		names = append(names, name)
	}
	sort.Strings(names)

	var actions []map[string]interface{}
	for _, name := range names {
		phase, _ := phases[name].(map[string]interface{})
		acts, _ := phase["actions"].(map[string]interface{})
		if ss, ok := acts["searchable_snapshot"].(map[string]interface{}); ok {
			actions = append(actions, ss)
		}
	}
	return actions
}

func referencedRepositories(policy map[string]interface{}) []string {
	seen := map[string]bool{}
	var repos []string
	for _, ss := range snapshotActions(policy) {
		if r := setting(ss, "snapshot_repository"); r != "" && !seen[r] {
			seen[r] = true
			repos = append(repos, r)
		}
	}
	return repos
}

// rewritePolicy points the searchable_snapshot actions targeting one of
// from at repo and reports whether anything changed.
func rewritePolicy(policy map[string]interface{}, from []string, repo string) bool {
	changed := false
	for _, ss := range snapshotActions(policy) {
		current := setting(ss, "snapshot_repository")
		if current == repo || !contains(from, current) {
			continue
		}
		ss["snapshot_repository"] = repo
		changed = true
	}
	return changed
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// DefaultPolicy is the tiering policy created at setup: hot with rollover,
// cold after 7 days, frozen on the deepfreeze repository after 30 days,
// delete after a year while keeping the snapshot.
func DefaultPolicy(repo string) map[string]interface{} {
	return map[string]interface{}{
		"phases": map[string]interface{}{
			"hot": map[string]interface{}{
				"min_age": "0ms",
				"actions": map[string]interface{}{
					"rollover": map[string]interface{}{
						"max_primary_shard_size": "45gb",
						"max_age":                "7d",
					},
				},
			},
			"cold": map[string]interface{}{
				"min_age": "7d",
				"actions": map[string]interface{}{},
			},
			"frozen": map[string]interface{}{
				"min_age": "30d",
				"actions": map[string]interface{}{
					"searchable_snapshot": map[string]interface{}{
						"snapshot_repository": repo,
					},
				},
			},
			"delete": map[string]interface{}{
				"min_age": "365d",
				"actions": map[string]interface{}{
					"delete": map[string]interface{}{
						"delete_searchable_snapshot": false,
					},
				},
			},
		},
	}
}

func (c *Cluster) getPolicy(ctx context.Context, name string) (policyEnvelope, error) {
	var policies map[string]policyEnvelope
	get := c.es.ILM.GetLifecycle
	res, err := get(get.WithContext(ctx), get.WithPolicy(name))
	if err := Do(res, err, &policies); err != nil {
		if IsNotFound(err) {
			return policyEnvelope{}, errors.Newf(errors.ErrCodePolicyNotFound, "ILM policy %s not found", name).
				WithComponent("elasticsearch").
				WithOperation("get_policy").
				WithEntity(name).
				WithCause(err)
		}
		return policyEnvelope{}, Translate(err, "get_policy", name)
	}
	env, ok := policies[name]
	if !ok {
		return policyEnvelope{}, errors.Newf(errors.ErrCodePolicyNotFound, "ILM policy %s not found", name).
			WithEntity(name)
	}
	return env, nil
}

func (c *Cluster) putPolicy(ctx context.Context, name string, policy map[string]interface{}) error {
	body, err := json.Marshal(map[string]interface{}{"policy": policy})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to encode policy")
	}
	put := c.es.ILM.PutLifecycle
	res, err := put(name, put.WithContext(ctx), put.WithBody(bytes.NewReader(body)))
	if err := Do(res, err, nil); err != nil {
		return Translate(err, "put_policy", name)
	}
	return nil
}

// ListPolicies returns every ILM policy with the repositories it references
func (c *Cluster) ListPolicies(ctx context.Context) ([]cluster.Policy, error) {
	var policies map[string]policyEnvelope
	get := c.es.ILM.GetLifecycle
	res, err := get(get.WithContext(ctx))
	if err := Do(res, err, &policies); err != nil {
		return nil, Translate(err, "list_policies", "")
	}
	out := make([]cluster.Policy, 0, len(policies))
	for name, env := range policies {
		out = append(out, cluster.Policy{
			Name:         name,
			Version:      env.Version,
			Repositories: referencedRepositories(env.Policy),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RebindILMPolicy points the searchable_snapshot actions of policy that
// target one of from at repo. Actions on any other repository are left
// alone. ILM has no conditional write, so the version is re-read after the
// PUT; anything other than exactly one bump means another writer raced us
// and the caller must re-fetch.
func (c *Cluster) RebindILMPolicy(ctx context.Context, name string, from []string, repo string) error {
	env, err := c.getPolicy(ctx, name)
	if err != nil {
		return err
	}
	if !rewritePolicy(env.Policy, from, repo) {
		c.logger.Debug("Policy already bound", "policy", name, "repository", repo)
		return nil
	}
	if err := c.putPolicy(ctx, name, env.Policy); err != nil {
		return err
	}
	after, err := c.getPolicy(ctx, name)
	if err != nil {
		return err
	}
	if after.Version != env.Version+1 {
		return errors.Newf(errors.ErrCodeConcurrentModification,
			"policy %s moved from version %d to %d during rebind", name, env.Version, after.Version).
			WithComponent("elasticsearch").
			WithOperation("rebind_ilm_policy").
			WithEntity(name)
	}
	c.logger.Info("Rebound policy", "policy", name, "repository", repo, "version", after.Version)
	return nil
}

// PutILMPolicy creates or replaces policy with the default tiering policy
// targeting repo.
func (c *Cluster) PutILMPolicy(ctx context.Context, name, repo string) error {
	if err := c.putPolicy(ctx, name, DefaultPolicy(repo)); err != nil {
		return err
	}
	c.logger.Info("Created policy", "policy", name, "repository", repo)
	return nil
}

// AttachPolicyToTemplate sets index.lifecycle.name on a composable index
// template.
func (c *Cluster) AttachPolicyToTemplate(ctx context.Context, template, policy string) error {
	var resp struct {
		IndexTemplates []struct {
			Name          string                 `json:"name"`
			IndexTemplate map[string]interface{} `json:"index_template"`
		} `json:"index_templates"`
	}
	get := c.es.Indices.GetIndexTemplate
	res, err := get(get.WithContext(ctx), get.WithName(template))
	if err := Do(res, err, &resp); err != nil {
		return Translate(err, "attach_policy", template)
	}
	if len(resp.IndexTemplates) == 0 {
		return errors.Newf(errors.ErrCodeNotFound, "index template %s not found", template).WithEntity(template)
	}

	body := resp.IndexTemplates[0].IndexTemplate
	tmpl := child(body, "template")
	settings := child(tmpl, "settings")
	delete(settings, "index.lifecycle.name")
	child(child(settings, "index"), "lifecycle")["name"] = policy

	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to encode index template")
	}
	put := c.es.Indices.PutIndexTemplate
	res, err = put(template, bytes.NewReader(raw), put.WithContext(ctx))
	if err := Do(res, err, nil); err != nil {
		return Translate(err, "attach_policy", template)
	}
	c.logger.Info("Attached policy to index template", "template", template, "policy", policy)
	return nil
}

func child(m map[string]interface{}, key string) map[string]interface{} {
	if c, ok := m[key].(map[string]interface{}); ok {
		return c
	}
	c := map[string]interface{}{}
	m[key] = c
	return c
}
