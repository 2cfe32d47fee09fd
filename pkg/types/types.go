package types

import (
	"time"
)

// RepositoryStatus is the lifecycle state of a managed snapshot repository.
type RepositoryStatus string

const (
	// RepositoryProvisioning marks a repository whose rotation has been
	// decided but not yet committed.
	RepositoryProvisioning RepositoryStatus = "provisioning"
	RepositoryActive       RepositoryStatus = "active"
	RepositoryRetired      RepositoryStatus = "retired"
	RepositoryThawing      RepositoryStatus = "thawing"
	RepositoryThawed       RepositoryStatus = "thawed"
	RepositoryRefreezing   RepositoryStatus = "refreezing"
)

var repositoryTransitions = map[RepositoryStatus][]RepositoryStatus{
	RepositoryProvisioning: {RepositoryActive},
	RepositoryActive:       {RepositoryRetired},
	RepositoryRetired:      {RepositoryThawing},
	RepositoryThawing:      {RepositoryThawed, RepositoryRetired},
	RepositoryThawed:       {RepositoryRefreezing},
	RepositoryRefreezing:   {RepositoryRetired},
}

// CanTransition reports whether from → to is a permitted status change.
func (s RepositoryStatus) CanTransition(to RepositoryStatus) bool {
	for _, allowed := range repositoryTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s RepositoryStatus) Valid() bool {
	_, ok := repositoryTransitions[s]
	return ok
}

// Repository is one snapshot repository and its backing container.
type Repository struct {
	ID           string           `json:"id" yaml:"id"`
	Name         string           `json:"name" yaml:"name"`
	Container    string           `json:"container" yaml:"container"`
	BasePath     string           `json:"base_path" yaml:"base_path"`
	Provider     string           `json:"provider" yaml:"provider"`
	StorageClass string           `json:"storage_class" yaml:"storage_class"`
	Status       RepositoryStatus `json:"status" yaml:"status"`
	Mounted      bool             `json:"mounted" yaml:"mounted"`
	CreatedAt    time.Time        `json:"created_at" yaml:"created_at"`
	StartDate    time.Time        `json:"start_date" yaml:"start_date"`
	EndDate      *time.Time       `json:"end_date,omitempty" yaml:"end_date,omitempty"`

	// UnmountRequestedAt records the intent to unmount before the cluster call.
	UnmountRequestedAt *time.Time `json:"unmount_requested_at,omitempty" yaml:"unmount_requested_at,omitempty"`

	Version int64 `json:"version" yaml:"version"`
}

// CanTransition reports whether the repository may move to status to.
func (r *Repository) CanTransition(to RepositoryStatus) bool {
	return r.Status.CanTransition(to)
}

// Range returns the time range covered by the repository. An open-ended
// repository extends to until.
func (r *Repository) Range(until time.Time) DateRange {
	end := until
	if r.EndDate != nil {
		end = *r.EndDate
	}
	return DateRange{Start: r.StartDate, End: end}
}

// ThawStatus is the lifecycle state of a thaw request.
type ThawStatus string

const (
	ThawPending    ThawStatus = "pending"
	ThawInProgress ThawStatus = "in_progress"
	ThawCompleted  ThawStatus = "completed"
	ThawFailed     ThawStatus = "failed"
	ThawRefrozen   ThawStatus = "refrozen"
)

// ThawRequest tracks one provider-side restore of one repository.
type ThawRequest struct {
	ID             string     `json:"id" yaml:"id"`
	RepositoryID   string     `json:"repository_id" yaml:"repository_id"`
	RequestedAt    time.Time  `json:"requested_at" yaml:"requested_at"`
	StartDate      time.Time  `json:"start_date" yaml:"start_date"`
	EndDate        time.Time  `json:"end_date" yaml:"end_date"`
	Status         ThawStatus `json:"status" yaml:"status"`
	ProviderJobRef string     `json:"provider_job_ref,omitempty" yaml:"provider_job_ref,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	RefrozenAt     *time.Time `json:"refrozen_at,omitempty" yaml:"refrozen_at,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`
	Version        int64      `json:"version" yaml:"version"`
}

// IsTerminal reports whether the request can no longer change.
func (t *ThawRequest) IsTerminal() bool {
	return t.Status == ThawFailed || t.Status == ThawRefrozen
}

// IsOpen reports whether the request still holds its repository: any
// non-terminal state, completed-unrefrozen included.
func (t *ThawRequest) IsOpen() bool {
	return !t.IsTerminal()
}

// IsExpired reports whether a completed request has outlived its retention.
func (t *ThawRequest) IsExpired(now time.Time) bool {
	return t.Status == ThawCompleted && t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// ILMPolicyBinding records which repository a lifecycle policy should target.
type ILMPolicyBinding struct {
	PolicyName          string `json:"policy_name" yaml:"policy_name"`
	CurrentRepositoryID string `json:"current_repository_id" yaml:"current_repository_id"`
}

// RotationStyle selects how repository names are suffixed.
type RotationStyle string

const (
	StyleOneUp RotationStyle = "oneup"
	StyleDate  RotationStyle = "date"
)

// RotateBy selects whether rotation creates a new container or a new path.
type RotateBy string

const (
	RotateByBucket RotateBy = "bucket"
	RotateByPath   RotateBy = "path"
)

// Settings are the persisted, read-only parameters of a deepfreeze
// installation. They are fixed at setup.
type Settings struct {
	KeepCount             int           `json:"keep_count" yaml:"keep_count"`
	RotationStyle         RotationStyle `json:"rotation_style" yaml:"rotation_style"`
	RotateBy              RotateBy      `json:"rotate_by" yaml:"rotate_by"`
	RefrozenRetentionDays int           `json:"refrozen_retention_days" yaml:"refrozen_retention_days"`
	RepoNamePrefix        string        `json:"repo_name_prefix" yaml:"repo_name_prefix"`
	BucketNamePrefix      string        `json:"bucket_name_prefix" yaml:"bucket_name_prefix"`
	BasePathPrefix        string        `json:"base_path_prefix" yaml:"base_path_prefix"`
	Provider              string        `json:"provider" yaml:"provider"`
	Region                string        `json:"region,omitempty" yaml:"region,omitempty"`
	StorageClass          string        `json:"storage_class" yaml:"storage_class"`
	CannedACL             string        `json:"canned_acl" yaml:"canned_acl"`
	ILMPolicyName         string        `json:"ilm_policy_name" yaml:"ilm_policy_name"`
	IndexTemplateName     string        `json:"index_template_name,omitempty" yaml:"index_template_name,omitempty"`
	RestoreDays           int           `json:"restore_days" yaml:"restore_days"`
	RetrievalTier         string        `json:"retrieval_tier" yaml:"retrieval_tier"`
}

// DateRange is an inclusive time interval.
type DateRange struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

// Overlaps reports whether r and o share at least one instant.
func (r DateRange) Overlaps(o DateRange) bool {
	return !r.Start.After(o.End) && !o.Start.After(r.End)
}

// Valid reports whether the range is non-empty.
func (r DateRange) Valid() bool {
	return !r.Start.IsZero() && !r.End.IsZero() && !r.End.Before(r.Start)
}
