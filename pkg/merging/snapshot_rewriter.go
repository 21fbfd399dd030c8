package merging

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/snapshot"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const defaultSnapshotPageSize = 100

// RewriteLeafLists replaces deprecated IDs in the named per-participant list
// with a single canonical entry. Lists without a deprecated ID are untouched.
func RewriteLeafLists(s snapshot.Snapshot, list string, canonicalID int64, deprecatedIDs []int64) bool {
	deprecated := idSet(deprecatedIDs)
	changed := false

	for _, occurrence := range s {
		for _, assignment := range occurrence {
			if assignment == nil {
				continue
			}
			ids := assignment.List(list)
			if ids == nil || !containsAny(*ids, deprecated) {
				continue
			}

			rewritten := make(snapshot.IDList, 0, len(*ids))
			hasCanonical := false
			for _, id := range *ids {
				if _, ok := deprecated[id]; ok {
					continue
				}
				if id == canonicalID {
					hasCanonical = true
				}
				rewritten = append(rewritten, id)
			}
			if !hasCanonical {
				rewritten = append(rewritten, canonicalID)
			}

			*ids = rewritten
			changed = true
		}
	}

	return changed
}

// RewriteParticipantKeys collapses candidate keys of each occurrence into one
// canonical entry. When several candidates are keyed on the same occurrence
// the entry under the highest-numbered key wins and the others are dropped.
func RewriteParticipantKeys(s snapshot.Snapshot, canonicalID int64, deprecatedIDs []int64) bool {
	changed := false

	for _, occurrence := range s {
		winner := int64(0)
		found := false
		for _, id := range deprecatedIDs {
			if _, ok := occurrence[id]; !ok {
				continue
			}
			found = true
			if id > winner {
				winner = id
			}
		}
		if !found {
			continue
		}
		if _, ok := occurrence[canonicalID]; ok && canonicalID > winner {
			winner = canonicalID
		}

		entry := occurrence[winner]
		for _, id := range deprecatedIDs {
			delete(occurrence, id)
		}
		occurrence[canonicalID] = entry
		changed = true
	}

	return changed
}

func idSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func containsAny(ids snapshot.IDList, set map[int64]struct{}) bool {
	for _, id := range ids {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

// SnapshotRewriter rewrites stored schedule snapshots after a merge.
type SnapshotRewriter struct {
	store    SnapshotStore
	logger   ectologger.Logger
	pageSize int
}

func NewSnapshotRewriter(store SnapshotStore, logger ectologger.Logger, pageSize int) *SnapshotRewriter {
	if pageSize <= 0 {
		pageSize = defaultSnapshotPageSize
	}
	return &SnapshotRewriter{store: store, logger: logger, pageSize: pageSize}
}

// Rewrite decodes one serialized snapshot, rewrites it for the merge and
// re-encodes it. When nothing references a deprecated ID the input bytes are
// returned as they were with changed=false.
func (r *SnapshotRewriter) Rewrite(raw []byte, mc *MergeContext) ([]byte, bool, error) {
	if mc.Kind.Snapshot == models.SnapshotModeNone || mc.Kind.Snapshot == "" {
		return raw, false, nil
	}

	s, err := snapshot.Decode(raw)
	if err != nil {
		return raw, false, err
	}

	var changed bool
	switch mc.Kind.Snapshot {
	case models.SnapshotModeLeaf:
		changed = RewriteLeafLists(s, mc.Kind.SnapshotList, mc.CanonicalID, mc.DeprecatedIDs)
	case models.SnapshotModeKeyed:
		changed = RewriteParticipantKeys(s, mc.CanonicalID, mc.DeprecatedIDs)
	default:
		return raw, false, fmt.Errorf("unsupported snapshot mode %q", mc.Kind.Snapshot)
	}
	if !changed {
		return raw, false, nil
	}

	encoded, err := snapshot.Encode(s)
	if err != nil {
		return raw, false, err
	}
	return encoded, true, nil
}

// RewriteAll pages through every stored snapshot and persists only the changed ones.
func (r *SnapshotRewriter) RewriteAll(ctx context.Context, mc *MergeContext) (scanned int, rewritten int, err error) {
	ctx, span := tracing.StartSpan(ctx, "merging.SnapshotRewriter.RewriteAll")
	defer span.End()

	if mc.Kind.Snapshot == models.SnapshotModeNone || mc.Kind.Snapshot == "" {
		return 0, 0, nil
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"resource_type": mc.Kind.Type,
		"canonical_id":  mc.CanonicalID,
	})

	afterID := int64(0)
	for {
		page, err := r.store.ListSnapshots(ctx, afterID, r.pageSize)
		if err != nil {
			return scanned, rewritten, err
		}
		if len(page) == 0 {
			break
		}

		for _, stored := range page {
			scanned++
			updated, changed, err := r.Rewrite(stored.Schedule, mc)
			if err != nil {
				log.WithError(err).Errorf("failed to rewrite snapshot %d", stored.ID)
				return scanned, rewritten, fmt.Errorf("snapshot %d: %w", stored.ID, err)
			}
			if !changed {
				continue
			}
			if err := r.store.SaveSnapshot(ctx, stored.ID, updated); err != nil {
				return scanned, rewritten, err
			}
			rewritten++
		}

		afterID = page[len(page)-1].ID
		if len(page) < r.pageSize {
			break
		}
	}

	log.WithFields(map[string]any{
		"scanned":   scanned,
		"rewritten": rewritten,
	}).Info("rewrote schedule snapshots")

	return scanned, rewritten, nil
}
