package merging

import (
	"context"
	"sort"
	"strings"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// NormalizeCandidates collapses duplicate IDs and sorts the set ascending.
func NormalizeCandidates(ids []int64) ([]int64, error) {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return nil, NewConfigurationError("invalid candidate id %d", id)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) < 2 {
		return nil, NewConfigurationError("a merge needs at least two distinct candidates, got %d", len(out))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// SelectCanonical splits loaded candidate rows into the canonical ID and the
// deprecated IDs. Kinds without a discriminant column keep the lowest ID;
// kinds with one keep the single row whose value matches discriminant.
// It performs no I/O and returns the same split for the same input.
func SelectCanonical(kind models.ResourceKind, rows []models.ResourceRow, discriminant *string) (int64, []int64, error) {
	if len(rows) < 2 {
		return 0, nil, NewConfigurationError("a merge needs at least two candidates, got %d", len(rows))
	}

	sorted := make([]models.ResourceRow, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	ids := ectolinq.Map(sorted, func(row models.ResourceRow) int64 { return row.ID })

	if kind.DiscriminantColumn == "" {
		if discriminant != nil {
			return 0, nil, NewConfigurationError("%s merges do not take a discriminant", kind.Type)
		}
		return ids[0], ids[1:], nil
	}

	if discriminant == nil || strings.TrimSpace(*discriminant) == "" {
		return 0, nil, NewConfigurationError("%s merges require a %s discriminant", kind.Type, kind.DiscriminantColumn)
	}

	want := normalizeDiscriminant(*discriminant)
	matches := ectolinq.Filter(sorted, func(row models.ResourceRow) bool {
		return row.Discriminant != nil && normalizeDiscriminant(*row.Discriminant) == want
	})

	switch len(matches) {
	case 0:
		return 0, nil, NewConfigurationError("no candidate has %s %q", kind.DiscriminantColumn, *discriminant)
	case 1:
	default:
		return 0, nil, NewConfigurationError("%d candidates have %s %q, the discriminant is ambiguous", len(matches), kind.DiscriminantColumn, *discriminant)
	}

	canonical := matches[0].ID
	deprecated := ectolinq.Filter(ids, func(id int64) bool { return id != canonical })
	return canonical, deprecated, nil
}

func normalizeDiscriminant(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Resolver loads candidate rows and builds the MergeContext.
type Resolver struct {
	store  ResourceStore
	logger ectologger.Logger
}

func NewResolver(store ResourceStore, logger ectologger.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Resolve reads the candidate rows and picks the canonical ID. It never writes.
func (r *Resolver) Resolve(ctx context.Context, kind models.ResourceKind, candidateIDs []int64, discriminant *string) (*MergeContext, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Resolver.Resolve")
	defer span.End()

	ids, err := NormalizeCandidates(candidateIDs)
	if err != nil {
		return nil, err
	}

	rows, err := r.store.GetCandidates(ctx, kind, ids)
	if err != nil {
		return nil, err
	}

	found := ectolinq.Map(rows, func(row models.ResourceRow) int64 { return row.ID })
	missing := ectolinq.Filter(ids, func(id int64) bool { return !ectolinq.Contains(found, id) })
	if len(missing) > 0 {
		return nil, NewConfigurationError("%s candidates not found: %v", kind.Type, missing)
	}

	canonical, deprecated, err := SelectCanonical(kind, rows, discriminant)
	if err != nil {
		return nil, err
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"resource_type":  kind.Type,
		"canonical_id":   canonical,
		"deprecated_ids": deprecated,
	}).Debug("resolved merge candidates")

	return &MergeContext{
		Kind:          kind,
		CanonicalID:   canonical,
		DeprecatedIDs: deprecated,
		Rows:          rows,
	}, nil
}
