package merging

import (
	"sort"

	"github.com/Ramsey-B/clover/pkg/models"
)

// MergeContext is the resolved state of one merge, passed explicitly to every component.
type MergeContext struct {
	Kind          models.ResourceKind
	CanonicalID   int64
	DeprecatedIDs []int64
	// Rows are the candidate rows as loaded during validation, in ascending ID order.
	Rows []models.ResourceRow
}

// CandidateIDs returns canonical and deprecated IDs in ascending order.
func (m *MergeContext) CandidateIDs() []int64 {
	ids := make([]int64, 0, len(m.DeprecatedIDs)+1)
	ids = append(ids, m.CanonicalID)
	ids = append(ids, m.DeprecatedIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *MergeContext) IsDeprecated(id int64) bool {
	for _, d := range m.DeprecatedIDs {
		if d == id {
			return true
		}
	}
	return false
}

func (m *MergeContext) IsCandidate(id int64) bool {
	return id == m.CanonicalID || m.IsDeprecated(id)
}

// Repoint moves one dependent row from a deprecated resource to the canonical one.
type Repoint struct {
	RowID int64
	From  int64
	To    int64
}
