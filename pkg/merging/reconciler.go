package merging

import (
	"context"
	"sort"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// LinkPlan is the full set of writes needed to collapse one link table onto the canonical ID.
type LinkPlan struct {
	Table    models.LinkTable
	Deletes  []int64
	Repoints []Repoint
}

func (p LinkPlan) Empty() bool {
	return len(p.Deletes) == 0 && len(p.Repoints) == 0
}

// PlanLinks decides, per other-entity ID, which deprecated links to drop and
// which single link to move onto the canonical ID.
func PlanLinks(mc *MergeContext, table models.LinkTable, links []models.AssociationLink) LinkPlan {
	plan := LinkPlan{Table: table}

	byOther := make(map[int64][]models.AssociationLink)
	others := []int64{}
	for _, link := range links {
		if !mc.IsCandidate(link.ResourceID) {
			continue
		}
		if _, ok := byOther[link.OtherID]; !ok {
			others = append(others, link.OtherID)
		}
		byOther[link.OtherID] = append(byOther[link.OtherID], link)
	}
	sort.Slice(others, func(i, j int) bool { return others[i] < others[j] })

	for _, other := range others {
		group := byOther[other]
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })

		canonicalLinked := false
		var deprecated []models.AssociationLink
		for _, link := range group {
			if link.ResourceID == mc.CanonicalID {
				canonicalLinked = true
				continue
			}
			deprecated = append(deprecated, link)
		}
		if len(deprecated) == 0 {
			continue
		}

		if !canonicalLinked {
			keep := deprecated[0]
			plan.Repoints = append(plan.Repoints, Repoint{RowID: keep.ID, From: keep.ResourceID, To: mc.CanonicalID})
			deprecated = deprecated[1:]
		}
		for _, link := range deprecated {
			plan.Deletes = append(plan.Deletes, link.ID)
		}
	}

	return plan
}

// AssociationReconciler collapses many-to-many links onto the canonical ID.
type AssociationReconciler struct {
	store  LinkStore
	logger ectologger.Logger
}

func NewAssociationReconciler(store LinkStore, logger ectologger.Logger) *AssociationReconciler {
	return &AssociationReconciler{store: store, logger: logger}
}

// Reconcile reads every link touching the candidate set, then applies deletes
// before repoints so the unique pair constraint holds after every write.
// Writes already applied are not reverted when a later one fails.
func (r *AssociationReconciler) Reconcile(ctx context.Context, mc *MergeContext, table models.LinkTable) (LinkPlan, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.AssociationReconciler.Reconcile")
	defer span.End()

	links, err := r.store.ListLinks(ctx, table, mc.CandidateIDs())
	if err != nil {
		return LinkPlan{Table: table}, err
	}

	plan := PlanLinks(mc, table, links)
	if plan.Empty() {
		return plan, nil
	}

	if len(plan.Deletes) > 0 {
		if err := r.store.DeleteLinks(ctx, table, plan.Deletes); err != nil {
			return plan, err
		}
	}
	for _, repoint := range plan.Repoints {
		if err := r.store.RepointLink(ctx, table, repoint.RowID, repoint.To); err != nil {
			return plan, err
		}
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"table":     table.String(),
		"deleted":   len(plan.Deletes),
		"repointed": len(plan.Repoints),
	}).Debug("reconciled association links")

	return plan, nil
}
