package mergeaudit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const table = "merge_audit_log"

// Repository persists one row per merge attempt.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type auditRow struct {
	models.MergeAuditLog
	DeprecatedIDs database.JSONB[[]int64]           `db:"deprecated_ids"`
	Warnings      database.JSONB[[]string]          `db:"warnings"`
	Stats         database.JSONB[models.MergeStats] `db:"stats"`
}

func (a auditRow) toModel() models.MergeAuditLog {
	entry := a.MergeAuditLog
	entry.DeprecatedIDs = a.DeprecatedIDs.Data
	entry.Warnings = a.Warnings.Data
	entry.Stats = a.Stats.Data
	return entry
}

var columns = []string{
	"id", "resource_type", "canonical_id", "deprecated_ids", "success", "failed_step",
	"message", "warnings", "stats", "performed_by", "request_id", "performed_at",
}

// Record writes on the pool rather than the transaction carried by ctx so a
// rolled back merge still leaves its audit row.
func (r *Repository) Record(ctx context.Context, entry *models.MergeAuditLog) error {
	ctx, span := tracing.StartSpan(ctx, "mergeaudit.Repository.Record")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = time.Now().UTC()
	}

	deprecated := entry.DeprecatedIDs
	if deprecated == nil {
		deprecated = []int64{}
	}
	warnings := entry.Warnings
	if warnings == nil {
		warnings = []string{}
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(table)
	sb.Cols(columns...)
	sb.Values(
		entry.ID, entry.ResourceType, entry.CanonicalID, database.NewJSONB(deprecated), entry.Success, entry.FailedStep,
		entry.Message, database.NewJSONB(warnings), database.NewJSONB(entry.Stats), entry.PerformedBy, entry.RequestID, entry.PerformedAt,
	)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("id", entry.ID).Error("Failed to record merge audit log")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record merge audit log")
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*models.MergeAuditLog, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeaudit.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var row auditRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("merge %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).WithField("id", id).Error("Failed to get merge audit log")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get merge audit log")
	}

	entry := row.toModel()
	return &entry, nil
}

// List returns the most recent merges, optionally filtered by resource type.
func (r *Repository) List(ctx context.Context, resourceType models.ResourceType, limit int) ([]models.MergeAuditLog, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeaudit.Repository.List")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	if resourceType != "" {
		sb.Where(sb.Equal("resource_type", string(resourceType)))
	}
	sb.OrderBy("performed_at").Desc()
	sb.Limit(limit)

	query, args := sb.Build()
	var rows []auditRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list merge audit logs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merge audit logs")
	}

	entries := make([]models.MergeAuditLog, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toModel())
	}
	return entries, nil
}
