package merging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/clover/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

var errStore = errors.New("store unavailable")

// memoryStore is an in-memory implementation of every store the engine uses.
// Operations listed in failOn return errStore.
type memoryStore struct {
	mu          sync.Mutex
	resources   map[string]map[int64]models.ResourceRow
	references  map[string]map[int64]int64 // fk -> row id -> referenced id
	links       map[string][]models.AssociationLink
	assignments map[string][]models.AssignmentRecord
	snapshots   []models.StoredSnapshot
	audit       []*models.MergeAuditLog
	saved       []int64
	failOn      map[string]bool
	calls       []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		resources:   make(map[string]map[int64]models.ResourceRow),
		references:  make(map[string]map[int64]int64),
		links:       make(map[string][]models.AssociationLink),
		assignments: make(map[string][]models.AssignmentRecord),
		failOn:      make(map[string]bool),
	}
}

func (s *memoryStore) call(op string) error {
	s.calls = append(s.calls, op)
	if s.failOn[op] {
		return errStore
	}
	return nil
}

func (s *memoryStore) addResource(table string, row models.ResourceRow) {
	if s.resources[table] == nil {
		s.resources[table] = make(map[int64]models.ResourceRow)
	}
	if row.Fields == nil {
		row.Fields = map[string]any{}
	}
	s.resources[table][row.ID] = row
}

func (s *memoryStore) GetCandidates(_ context.Context, kind models.ResourceKind, ids []int64) ([]models.ResourceRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("GetCandidates"); err != nil {
		return nil, err
	}
	var rows []models.ResourceRow
	for _, id := range ids {
		if row, ok := s.resources[kind.Table][id]; ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (s *memoryStore) UpdateFields(_ context.Context, kind models.ResourceKind, id int64, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("UpdateFields"); err != nil {
		return err
	}
	row, ok := s.resources[kind.Table][id]
	if !ok {
		return fmt.Errorf("%s %d not found", kind.Table, id)
	}
	for k, v := range fields {
		row.Fields[k] = v
	}
	return nil
}

func (s *memoryStore) Delete(_ context.Context, kind models.ResourceKind, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call(fmt.Sprintf("Delete:%d", id)); err != nil {
		return err
	}
	delete(s.resources[kind.Table], id)
	return nil
}

func (s *memoryStore) Repoint(_ context.Context, fk models.ForeignKey, canonicalID int64, deprecatedIDs []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("Repoint:" + fk.String()); err != nil {
		return 0, err
	}
	var n int64
	for rowID, ref := range s.references[fk.String()] {
		for _, d := range deprecatedIDs {
			if ref == d {
				s.references[fk.String()][rowID] = canonicalID
				n++
			}
		}
	}
	return n, nil
}

func (s *memoryStore) ListLinks(_ context.Context, table models.LinkTable, resourceIDs []int64) ([]models.AssociationLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ListLinks:" + table.String()); err != nil {
		return nil, err
	}
	var out []models.AssociationLink
	for _, link := range s.links[table.String()] {
		if containsID(resourceIDs, link.ResourceID) {
			out = append(out, link)
		}
	}
	return out, nil
}

func (s *memoryStore) DeleteLinks(_ context.Context, table models.LinkTable, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("DeleteLinks:" + table.String()); err != nil {
		return err
	}
	var kept []models.AssociationLink
	for _, link := range s.links[table.String()] {
		if !containsID(ids, link.ID) {
			kept = append(kept, link)
		}
	}
	s.links[table.String()] = kept
	return nil
}

func (s *memoryStore) RepointLink(_ context.Context, table models.LinkTable, id int64, resourceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("RepointLink:" + table.String()); err != nil {
		return err
	}
	links := s.links[table.String()]
	for i := range links {
		if links[i].ID == id {
			continue
		}
		if links[i].ResourceID == resourceID && links[i].OtherID == otherOf(links, id) {
			return fmt.Errorf("unique violation on %s", table)
		}
	}
	for i := range links {
		if links[i].ID == id {
			links[i].ResourceID = resourceID
		}
	}
	return nil
}

func otherOf(links []models.AssociationLink, id int64) int64 {
	for _, link := range links {
		if link.ID == id {
			return link.OtherID
		}
	}
	return 0
}

func (s *memoryStore) ListAssignments(_ context.Context, table models.AssignmentTable, resourceIDs []int64) ([]models.AssignmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ListAssignments:" + table.String()); err != nil {
		return nil, err
	}
	var out []models.AssignmentRecord
	for _, record := range s.assignments[table.String()] {
		if containsID(resourceIDs, record.ResourceID) {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *memoryStore) DeleteAssignments(_ context.Context, table models.AssignmentTable, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("DeleteAssignments:" + table.String()); err != nil {
		return err
	}
	var kept []models.AssignmentRecord
	for _, record := range s.assignments[table.String()] {
		if !containsID(ids, record.ID) {
			kept = append(kept, record)
		}
	}
	s.assignments[table.String()] = kept
	return nil
}

func (s *memoryStore) RepointAssignment(_ context.Context, table models.AssignmentTable, id int64, resourceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("RepointAssignment:" + table.String()); err != nil {
		return err
	}
	records := s.assignments[table.String()]
	var target *models.AssignmentRecord
	for i := range records {
		if records[i].ID == id {
			target = &records[i]
		}
	}
	if target == nil {
		return fmt.Errorf("assignment %d not found", id)
	}
	for _, r := range records {
		if r.ID != id && r.ContextID == target.ContextID && r.OtherID == target.OtherID && r.ResourceID == resourceID {
			return fmt.Errorf("unique violation on %s", table)
		}
	}
	target.ResourceID = resourceID
	return nil
}

func (s *memoryStore) ListSnapshots(_ context.Context, afterID int64, limit int) ([]models.StoredSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ListSnapshots"); err != nil {
		return nil, err
	}
	sort.Slice(s.snapshots, func(i, j int) bool { return s.snapshots[i].ID < s.snapshots[j].ID })
	var out []models.StoredSnapshot
	for _, snap := range s.snapshots {
		if snap.ID > afterID && len(out) < limit {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *memoryStore) SaveSnapshot(_ context.Context, id int64, schedule []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("SaveSnapshot"); err != nil {
		return err
	}
	for i := range s.snapshots {
		if s.snapshots[i].ID == id {
			s.snapshots[i].Schedule = schedule
		}
	}
	s.saved = append(s.saved, id)
	return nil
}

func (s *memoryStore) Record(_ context.Context, entry *models.MergeAuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("Record"); err != nil {
		return err
	}
	s.audit = append(s.audit, entry)
	return nil
}

func (s *memoryStore) snapshot(id int64) string {
	for _, snap := range s.snapshots {
		if snap.ID == id {
			return string(snap.Schedule)
		}
	}
	return ""
}

func (s *memoryStore) stores() Stores {
	return Stores{
		Resources:   s,
		References:  s,
		Links:       s,
		Assignments: s,
		Snapshots:   s,
		Audit:       s,
	}
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func mustKind(t models.ResourceType) models.ResourceKind {
	kind, ok := models.LookupKind(t)
	if !ok {
		panic("unknown kind " + string(t))
	}
	return kind
}

func strPtr(s string) *string {
	return &s
}
