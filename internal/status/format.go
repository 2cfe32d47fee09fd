package status

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/juju/ansiterm"

	"github.com/deepfreeze/deepfreeze/pkg/types"
)

func tabWriter(w io.Writer) *ansiterm.TabWriter {
	return ansiterm.NewTabWriter(w, 0, 1, 2, ' ', 0)
}

func day(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02")
}

// WriteTabular renders the report as aligned sections.
func (r *Report) WriteTabular(w io.Writer) error {
	tw := tabWriter(w)
	print := func(values ...string) {
		fmt.Fprintln(tw, strings.Join(values, "\t"))
	}

	if s := r.Settings; s != nil {
		print("SETTING", "VALUE")
		print("provider", s.Provider)
		print("rotate_by", string(s.RotateBy))
		print("style", string(s.RotationStyle))
		print("keep", fmt.Sprint(s.KeepCount))
		print("repo_name_prefix", s.RepoNamePrefix)
		print("bucket_name_prefix", s.BucketNamePrefix)
		print("base_path_prefix", s.BasePathPrefix)
		print("storage_class", s.StorageClass)
		print("ilm_policy_name", s.ILMPolicyName)
		print("refrozen_retention_days", fmt.Sprint(s.RefrozenRetentionDays))
		print("")
	}

	print("REPOSITORY", "STATUS", "MOUNTED", "CONTAINER", "BASE PATH", "START", "END")
	for _, repo := range r.Repositories {
		start := repo.StartDate
		print(repo.Name, string(repo.Status), fmt.Sprint(repo.Mounted), repo.Container, repo.BasePath, day(&start), day(repo.EndDate))
	}
	print("")

	if err := writeThaws(tw, r.ThawRequests); err != nil {
		return err
	}
	print("")

	print("POLICY", "REPOSITORIES")
	for _, p := range r.Policies {
		print(p.Name, strings.Join(p.Repositories, ","))
	}
	print("")

	print("CONTAINER")
	for _, c := range r.Containers {
		print(c)
	}
	return tw.Flush()
}

// WriteThaws renders thaw requests as a table.
func WriteThaws(w io.Writer, entries []ThawEntry) error {
	tw := tabWriter(w)
	if err := writeThaws(tw, entries); err != nil {
		return err
	}
	return tw.Flush()
}

func writeThaws(tw io.Writer, entries []ThawEntry) error {
	if _, err := fmt.Fprintln(tw, "THAW REQUEST\tREPOSITORY\tSTATUS\tRANGE\tEXPIRES\tNOTE"); err != nil {
		return err
	}
	for _, e := range entries {
		note := e.FailureReason
		if e.Expired {
			note = "expired, refreeze or clean up"
		}
		start, end := e.StartDate, e.EndDate
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s..%s\t%s\t%s\n",
			e.ID, e.Repository, e.Status, day(&start), day(&end), day(e.ExpiresAt), note); err != nil {
			return err
		}
	}
	return nil
}

// Entries wraps bare thaw requests for rendering.
func Entries(reqs []*types.ThawRequest, names map[string]string, now time.Time) []ThawEntry {
	out := make([]ThawEntry, 0, len(reqs))
	for _, t := range reqs {
		out = append(out, ThawEntry{ThawRequest: t, Repository: names[t.RepositoryID], Expired: t.IsExpired(now)})
	}
	return out
}
