package merging

import (
	"context"
	"database/sql"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
)

// ResourceStore reads and writes rows of the resource table itself.
type ResourceStore interface {
	GetCandidates(ctx context.Context, kind models.ResourceKind, ids []int64) ([]models.ResourceRow, error)
	UpdateFields(ctx context.Context, kind models.ResourceKind, id int64, fields map[string]any) error
	Delete(ctx context.Context, kind models.ResourceKind, id int64) error
}

// ReferenceStore repoints plain foreign key columns.
type ReferenceStore interface {
	Repoint(ctx context.Context, fk models.ForeignKey, canonicalID int64, deprecatedIDs []int64) (int64, error)
}

type LinkStore interface {
	ListLinks(ctx context.Context, table models.LinkTable, resourceIDs []int64) ([]models.AssociationLink, error)
	DeleteLinks(ctx context.Context, table models.LinkTable, ids []int64) error
	RepointLink(ctx context.Context, table models.LinkTable, id int64, resourceID int64) error
}

type AssignmentStore interface {
	ListAssignments(ctx context.Context, table models.AssignmentTable, resourceIDs []int64) ([]models.AssignmentRecord, error)
	DeleteAssignments(ctx context.Context, table models.AssignmentTable, ids []int64) error
	RepointAssignment(ctx context.Context, table models.AssignmentTable, id int64, resourceID int64) error
}

// SnapshotStore pages through stored schedules in ascending ID order.
type SnapshotStore interface {
	ListSnapshots(ctx context.Context, afterID int64, limit int) ([]models.StoredSnapshot, error)
	SaveSnapshot(ctx context.Context, id int64, schedule []byte) error
}

type AuditStore interface {
	Record(ctx context.Context, entry *models.MergeAuditLog) error
}

// Locker serializes merges of one resource type across processes.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(context.Context) error, err error)
}

type EventPublisher interface {
	PublishMerged(ctx context.Context, result models.MergeResult) error
}

// Transactor opens a transaction carried on the returned context.
type Transactor interface {
	GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error)
}

// Stores groups the persistence collaborators the engine needs.
type Stores struct {
	Resources   ResourceStore
	References  ReferenceStore
	Links       LinkStore
	Assignments AssignmentStore
	Snapshots   SnapshotStore
	Audit       AuditStore
}
