package models

import (
	"fmt"
	"sort"
	"strings"
)

// ResourceType names a mergeable resource kind.
type ResourceType string

const (
	ResourceTypePerson      ResourceType = "person"
	ResourceTypeParticipant ResourceType = "participant"
	ResourceTypeEvent       ResourceType = "event"
	ResourceTypeCategory    ResourceType = "category"
	ResourceTypeGroup       ResourceType = "group"
	ResourceTypeRoom        ResourceType = "room"
)

// AggregationRule declares how a scalar column is combined across a candidate set.
type AggregationRule string

const (
	// AggregationOr is true if any candidate is true. NULL counts as the field default.
	AggregationOr AggregationRule = "or"
	// AggregationMinTime keeps the earliest timestamp.
	AggregationMinTime AggregationRule = "min_time"
	// AggregationMaxTime keeps the latest timestamp.
	AggregationMaxTime AggregationRule = "max_time"
	// AggregationMaxInt keeps the largest integer.
	AggregationMaxInt AggregationRule = "max_int"
	// AggregationPreferCanonical keeps the canonical value unless it is empty.
	AggregationPreferCanonical AggregationRule = "prefer_canonical"
	// AggregationPreferDomain keeps an address in the configured institutional domain when one exists.
	AggregationPreferDomain AggregationRule = "prefer_domain"
)

// SnapshotMode selects how stored schedule snapshots reference a resource kind.
type SnapshotMode string

const (
	SnapshotModeNone SnapshotMode = "none"
	// SnapshotModeKeyed means the resource ID is the participant key inside each occurrence.
	SnapshotModeKeyed SnapshotMode = "keyed"
	// SnapshotModeLeaf means the resource ID appears in a per-participant ID list.
	SnapshotModeLeaf SnapshotMode = "leaf"
)

// FieldRule binds a column to its aggregation rule.
type FieldRule struct {
	Column string
	Rule   AggregationRule
	// Default is used in place of NULL for AggregationOr.
	Default bool
}

// ForeignKey is a plain column in another table pointing at the resource.
type ForeignKey struct {
	Table  string
	Column string
}

func (f ForeignKey) String() string {
	return f.Table + "." + f.Column
}

// LinkTable describes a many-to-many join table with a unique (ResourceColumn, OtherColumn) pair.
type LinkTable struct {
	Table          string
	ResourceColumn string
	OtherColumn    string
}

func (l LinkTable) String() string {
	return fmt.Sprintf("%s(%s,%s)", l.Table, l.ResourceColumn, l.OtherColumn)
}

// AssignmentTable describes a time-qualified table keyed by (ContextColumn, OtherColumn, ResourceColumn).
// OtherColumn is empty when the resource is the only participant leg.
type AssignmentTable struct {
	Table          string
	ContextColumn  string
	OtherColumn    string
	ResourceColumn string
}

func (a AssignmentTable) String() string {
	if a.OtherColumn == "" {
		return fmt.Sprintf("%s(%s,%s)", a.Table, a.ContextColumn, a.ResourceColumn)
	}
	return fmt.Sprintf("%s(%s,%s,%s)", a.Table, a.ContextColumn, a.OtherColumn, a.ResourceColumn)
}

// ResourceKind carries everything the merge engine needs to know about one resource type.
type ResourceKind struct {
	Type               ResourceType
	Table              string
	DiscriminantColumn string
	References         []ForeignKey
	Links              []LinkTable
	Assignments        []AssignmentTable
	Fields             []FieldRule
	Snapshot           SnapshotMode
	// SnapshotList is the per-participant list holding this kind in leaf mode.
	SnapshotList string
}

// Columns returns the scalar columns loaded for every candidate row.
func (k ResourceKind) Columns() []string {
	columns := []string{"id"}
	if k.DiscriminantColumn != "" {
		columns = append(columns, k.DiscriminantColumn)
	}
	for _, f := range k.Fields {
		columns = append(columns, f.Column)
	}
	return columns
}

var organizationLink = func(column string) LinkTable {
	return LinkTable{Table: "associations", ResourceColumn: column, OtherColumn: "organization_id"}
}

var kinds = map[ResourceType]ResourceKind{
	ResourceTypePerson: {
		Type:  ResourceTypePerson,
		Table: "persons",
		Links: []LinkTable{
			organizationLink("person_id"),
			{Table: "event_coordinators", ResourceColumn: "person_id", OtherColumn: "event_id"},
		},
		Assignments: []AssignmentTable{
			{Table: "instance_persons", ContextColumn: "instance_id", ResourceColumn: "person_id"},
			{Table: "instance_groups", ContextColumn: "instance_id", OtherColumn: "group_id", ResourceColumn: "person_id"},
			{Table: "instance_rooms", ContextColumn: "instance_id", OtherColumn: "room_id", ResourceColumn: "person_id"},
		},
		Fields: []FieldRule{
			{Column: "active", Rule: AggregationOr},
			{Column: "suppress", Rule: AggregationOr},
			{Column: "public", Rule: AggregationOr},
			{Column: "title", Rule: AggregationPreferCanonical},
			{Column: "email", Rule: AggregationPreferDomain},
		},
		Snapshot: SnapshotModeKeyed,
	},
	ResourceTypeParticipant: {
		Type:               ResourceTypeParticipant,
		Table:              "participants",
		DiscriminantColumn: "email",
		Links: []LinkTable{
			{Table: "course_participants", ResourceColumn: "participant_id", OtherColumn: "course_id"},
		},
		Assignments: []AssignmentTable{
			{Table: "instance_participants", ContextColumn: "instance_id", ResourceColumn: "participant_id"},
		},
		Fields: []FieldRule{
			{Column: "notify", Rule: AggregationOr},
			{Column: "created", Rule: AggregationMinTime},
			{Column: "last_seen", Rule: AggregationMaxTime},
			{Column: "forename", Rule: AggregationPreferCanonical},
			{Column: "surname", Rule: AggregationPreferCanonical},
		},
		Snapshot: SnapshotModeNone,
	},
	ResourceTypeEvent: {
		Type:       ResourceTypeEvent,
		Table:      "events",
		References: []ForeignKey{{Table: "instances", Column: "event_id"}},
		Links: []LinkTable{
			organizationLink("event_id"),
			{Table: "event_coordinators", ResourceColumn: "event_id", OtherColumn: "person_id"},
		},
		Fields: []FieldRule{
			{Column: "preparatory", Rule: AggregationOr},
			{Column: "suppress", Rule: AggregationOr, Default: true},
		},
		Snapshot: SnapshotModeNone,
	},
	ResourceTypeCategory: {
		Type:       ResourceTypeCategory,
		Table:      "categories",
		References: []ForeignKey{{Table: "groups", Column: "category_id"}},
		Links:      []LinkTable{organizationLink("category_id")},
		Fields: []FieldRule{
			{Column: "active", Rule: AggregationOr},
			{Column: "suppress", Rule: AggregationOr},
		},
		Snapshot: SnapshotModeNone,
	},
	ResourceTypeGroup: {
		Type:  ResourceTypeGroup,
		Table: "groups",
		Links: []LinkTable{organizationLink("group_id")},
		Assignments: []AssignmentTable{
			{Table: "instance_groups", ContextColumn: "instance_id", OtherColumn: "person_id", ResourceColumn: "group_id"},
		},
		Fields: []FieldRule{
			{Column: "active", Rule: AggregationOr},
			{Column: "suppress", Rule: AggregationOr},
		},
		Snapshot:     SnapshotModeLeaf,
		SnapshotList: "groups",
	},
	ResourceTypeRoom: {
		Type:       ResourceTypeRoom,
		Table:      "rooms",
		References: []ForeignKey{{Table: "monitors", Column: "room_id"}},
		Assignments: []AssignmentTable{
			{Table: "instance_rooms", ContextColumn: "instance_id", OtherColumn: "person_id", ResourceColumn: "room_id"},
		},
		Fields: []FieldRule{
			{Column: "active", Rule: AggregationOr, Default: true},
			{Column: "effective_capacity", Rule: AggregationMaxInt},
			{Column: "max_capacity", Rule: AggregationMaxInt},
		},
		Snapshot:     SnapshotModeLeaf,
		SnapshotList: "rooms",
	},
}

// LookupKind returns the descriptor for a resource type.
func LookupKind(t ResourceType) (ResourceKind, bool) {
	kind, ok := kinds[t]
	return kind, ok
}

// ParseResourceType accepts a resource type name case-insensitively.
func ParseResourceType(s string) (ResourceType, error) {
	t := ResourceType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := kinds[t]; !ok {
		return "", fmt.Errorf("unknown resource type %q (expected one of %s)", s, strings.Join(ResourceTypeNames(), ", "))
	}
	return t, nil
}

func ResourceTypeNames() []string {
	names := make([]string, 0, len(kinds))
	for t := range kinds {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return names
}
