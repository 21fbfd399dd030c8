package merging

import (
	"context"
	"sort"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// AssignmentPlan is the full set of writes needed to deduplicate one assignment table.
type AssignmentPlan struct {
	Table    models.AssignmentTable
	Deletes  []int64
	Repoints []Repoint
}

func (p AssignmentPlan) Empty() bool {
	return len(p.Deletes) == 0 && len(p.Repoints) == 0
}

type assignmentKey struct {
	context int64
	other   int64
}

// PlanAssignments groups candidate rows by (context, other participant) and
// keeps at most one row per group:
//   - groups holding only canonical rows are left alone
//   - removed rows are dropped whenever the group is touched by a deprecated row
//   - of the remaining active rows the latest modified wins, ties going to the higher row ID
//   - the winner is repointed to the canonical ID with its timestamp unchanged
func PlanAssignments(mc *MergeContext, table models.AssignmentTable, records []models.AssignmentRecord) AssignmentPlan {
	plan := AssignmentPlan{Table: table}

	groups := make(map[assignmentKey][]models.AssignmentRecord)
	keys := []assignmentKey{}
	for _, record := range records {
		if !mc.IsCandidate(record.ResourceID) {
			continue
		}
		key := assignmentKey{context: record.ContextID, other: record.OtherID}
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], record)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].context != keys[j].context {
			return keys[i].context < keys[j].context
		}
		return keys[i].other < keys[j].other
	})

	for _, key := range keys {
		group := groups[key]
		sort.Slice(group, func(i, j int) bool {
			if !group[i].Modified.Equal(group[j].Modified) {
				return group[i].Modified.Before(group[j].Modified)
			}
			return group[i].ID < group[j].ID
		})

		touched := false
		for _, record := range group {
			if mc.IsDeprecated(record.ResourceID) {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}

		var survivor *models.AssignmentRecord
		for i := len(group) - 1; i >= 0; i-- {
			if !group[i].Removed() {
				survivor = &group[i]
				break
			}
		}

		for _, record := range group {
			if survivor != nil && record.ID == survivor.ID {
				continue
			}
			plan.Deletes = append(plan.Deletes, record.ID)
		}

		if survivor != nil && survivor.ResourceID != mc.CanonicalID {
			plan.Repoints = append(plan.Repoints, Repoint{RowID: survivor.ID, From: survivor.ResourceID, To: mc.CanonicalID})
		}
	}

	return plan
}

// AssignmentDeduplicator keeps at most one live assignment per key after a merge.
type AssignmentDeduplicator struct {
	store  AssignmentStore
	logger ectologger.Logger
}

func NewAssignmentDeduplicator(store AssignmentStore, logger ectologger.Logger) *AssignmentDeduplicator {
	return &AssignmentDeduplicator{store: store, logger: logger}
}

// Deduplicate applies deletes before repoints. A failed write is returned
// immediately and earlier writes stay applied.
func (d *AssignmentDeduplicator) Deduplicate(ctx context.Context, mc *MergeContext, table models.AssignmentTable) (AssignmentPlan, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.AssignmentDeduplicator.Deduplicate")
	defer span.End()

	records, err := d.store.ListAssignments(ctx, table, mc.CandidateIDs())
	if err != nil {
		return AssignmentPlan{Table: table}, err
	}

	plan := PlanAssignments(mc, table, records)
	if plan.Empty() {
		return plan, nil
	}

	if len(plan.Deletes) > 0 {
		if err := d.store.DeleteAssignments(ctx, table, plan.Deletes); err != nil {
			return plan, err
		}
	}
	for _, repoint := range plan.Repoints {
		if err := d.store.RepointAssignment(ctx, table, repoint.RowID, repoint.To); err != nil {
			return plan, err
		}
	}

	d.logger.WithContext(ctx).WithFields(map[string]any{
		"table":     table.String(),
		"deleted":   len(plan.Deletes),
		"repointed": len(plan.Repoints),
	}).Debug("deduplicated assignments")

	return plan, nil
}
