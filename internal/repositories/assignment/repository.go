package assignment

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Repository handles time-qualified assignment tables (instance_persons, instance_groups, ...).
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

func (r *Repository) ListAssignments(ctx context.Context, table models.AssignmentTable, resourceIDs []int64) ([]models.AssignmentRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "assignment.Repository.ListAssignments")
	defer span.End()

	other := "0 AS other_id"
	if table.OtherColumn != "" {
		other = fmt.Sprintf("%s AS other_id", table.OtherColumn)
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(
		"id",
		sb.As(table.ContextColumn, "context_id"),
		other,
		sb.As(table.ResourceColumn, "resource_id"),
		"COALESCE(delta, '') AS delta",
		"modified",
	)
	sb.From(table.Table)
	sb.Where(sb.In(table.ResourceColumn, sqlbuilder.Flatten(resourceIDs)...))
	sb.OrderBy("id")

	query, args := sb.Build()
	var records []models.AssignmentRecord
	if err := database.GetExecutor(ctx, r.db).SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("table", table.String()).Error("Failed to list assignments")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to list %s assignments", table.Table))
	}
	return records, nil
}

func (r *Repository) DeleteAssignments(ctx context.Context, table models.AssignmentTable, ids []int64) error {
	ctx, span := tracing.StartSpan(ctx, "assignment.Repository.DeleteAssignments")
	defer span.End()

	if len(ids) == 0 {
		return nil
	}

	sb := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	sb.DeleteFrom(table.Table)
	sb.Where(sb.In("id", sqlbuilder.Flatten(ids)...))

	query, args := sb.Build()
	if _, err := database.GetExecutor(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table": table.String(), "ids": ids}).Error("Failed to delete assignments")
		return httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to delete %s assignments", table.Table))
	}
	return nil
}

// RepointAssignment moves the surviving assignment onto resourceID. The modified timestamp is left untouched.
func (r *Repository) RepointAssignment(ctx context.Context, table models.AssignmentTable, id int64, resourceID int64) error {
	ctx, span := tracing.StartSpan(ctx, "assignment.Repository.RepointAssignment")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(table.Table)
	sb.Set(sb.Assign(table.ResourceColumn, resourceID))
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	result, err := database.GetExecutor(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table": table.String(), "id": id}).Error("Failed to repoint assignment")
		if database.IsUniqueViolation(err) {
			return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("%s assignment %d collides on repoint to %d", table.Table, id, resourceID))
		}
		return httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to repoint %s assignment %d", table.Table, id))
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("%s assignment %d not found", table.Table, id))
	}
	return nil
}
