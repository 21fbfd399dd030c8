package models

import (
	"time"
)

// MergeStep names a state of the merge state machine.
type MergeStep string

const (
	MergeStepValidating            MergeStep = "validating"
	MergeStepReconcilingReferences MergeStep = "reconciling_references"
	MergeStepRewritingSnapshots    MergeStep = "rewriting_snapshots"
	MergeStepDeletingDeprecated    MergeStep = "deleting_deprecated"
	MergeStepPersistingCanonical   MergeStep = "persisting_canonical"
	MergeStepDone                  MergeStep = "done"
	MergeStepFailed                MergeStep = "failed"
)

// MergeRequest is the input to a merge.
type MergeRequest struct {
	ResourceType ResourceType `json:"resource_type" validate:"required,oneof=person participant event category group room"`
	CandidateIDs []int64      `json:"candidate_ids" validate:"required,min=2,dive,gt=0"`
	Discriminant *string      `json:"discriminant,omitempty"`
}

// MergeStats counts the writes a merge performed.
type MergeStats struct {
	ReferencesRepointed  int64 `json:"references_repointed"`
	LinksRepointed       int   `json:"links_repointed"`
	LinksDeleted         int   `json:"links_deleted"`
	AssignmentsRepointed int   `json:"assignments_repointed"`
	AssignmentsDeleted   int   `json:"assignments_deleted"`
	SnapshotsScanned     int   `json:"snapshots_scanned"`
	SnapshotsRewritten   int   `json:"snapshots_rewritten"`
	DeprecatedDeleted    int   `json:"deprecated_deleted"`
}

// MergeResult reports the outcome of a merge. FailedStep is set only when Success is false.
type MergeResult struct {
	ResourceType  ResourceType   `json:"resource_type"`
	CanonicalID   int64          `json:"canonical_id"`
	DeprecatedIDs []int64        `json:"deprecated_ids"`
	Success       bool           `json:"success"`
	FailedStep    *MergeStep     `json:"failed_step,omitempty"`
	Message       string         `json:"message,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
	MergedFields  map[string]any `json:"merged_fields,omitempty"`
	Stats         MergeStats     `json:"stats"`
	DryRun        bool           `json:"dry_run,omitempty"`
}

// MergeAuditLog records a merge attempt.
type MergeAuditLog struct {
	ID            string     `json:"id" db:"id"`
	ResourceType  string     `json:"resource_type" db:"resource_type"`
	CanonicalID   int64      `json:"canonical_id" db:"canonical_id"`
	DeprecatedIDs []int64    `json:"deprecated_ids" db:"-"`
	Success       bool       `json:"success" db:"success"`
	FailedStep    *string    `json:"failed_step,omitempty" db:"failed_step"`
	Message       *string    `json:"message,omitempty" db:"message"`
	Warnings      []string   `json:"warnings,omitempty" db:"-"`
	Stats         MergeStats `json:"stats" db:"-"`
	PerformedBy   *string    `json:"performed_by,omitempty" db:"performed_by"`
	RequestID     *string    `json:"request_id,omitempty" db:"request_id"`
	PerformedAt   time.Time  `json:"performed_at" db:"performed_at"`
}
