package models

import "time"

// Assignment lifecycle markers stored in the delta column.
const (
	DeltaNone    = ""
	DeltaNew     = "new"
	DeltaChanged = "changed"
	DeltaRemoved = "removed"
)

// ResourceRow is one candidate row with the columns its kind declares.
type ResourceRow struct {
	ID           int64
	Discriminant *string
	Fields       map[string]any
}

type AssociationLink struct {
	ID         int64 `db:"id"`
	ResourceID int64 `db:"resource_id"`
	OtherID    int64 `db:"other_id"`
}

type AssignmentRecord struct {
	ID         int64     `db:"id"`
	ContextID  int64     `db:"context_id"`
	OtherID    int64     `db:"other_id"`
	ResourceID int64     `db:"resource_id"`
	Delta      string    `db:"delta"`
	Modified   time.Time `db:"modified"`
}

func (a AssignmentRecord) Removed() bool {
	return a.Delta == DeltaRemoved
}

// StoredSnapshot is a serialized schedule state as persisted.
type StoredSnapshot struct {
	ID       int64  `db:"id"`
	Schedule []byte `db:"schedule"`
}
