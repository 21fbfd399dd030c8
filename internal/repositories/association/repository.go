package association

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

// Repository handles many-to-many link tables such as associations and event_coordinators.
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

// ListLinks returns the links held by any of resourceIDs, ordered by id.
func (r *Repository) ListLinks(ctx context.Context, table models.LinkTable, resourceIDs []int64) ([]models.AssociationLink, error) {
	ctx, span := tracing.StartSpan(ctx, "association.Repository.ListLinks")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", sb.As(table.ResourceColumn, "resource_id"), sb.As(table.OtherColumn, "other_id"))
	sb.From(table.Table)
	sb.Where(sb.In(table.ResourceColumn, sqlbuilder.Flatten(resourceIDs)...))
	sb.OrderBy("id")

	query, args := sb.Build()
	var links []models.AssociationLink
	if err := database.GetExecutor(ctx, r.db).SelectContext(ctx, &links, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("table", table.String()).Error("Failed to list links")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to list %s links", table.Table))
	}
	return links, nil
}

func (r *Repository) DeleteLinks(ctx context.Context, table models.LinkTable, ids []int64) error {
	ctx, span := tracing.StartSpan(ctx, "association.Repository.DeleteLinks")
	defer span.End()

	if len(ids) == 0 {
		return nil
	}

	sb := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	sb.DeleteFrom(table.Table)
	sb.Where(sb.In("id", sqlbuilder.Flatten(ids)...))

	query, args := sb.Build()
	if _, err := database.GetExecutor(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table": table.String(), "ids": ids}).Error("Failed to delete links")
		return httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to delete %s links", table.Table))
	}
	return nil
}

// RepointLink moves one link onto resourceID. A unique violation surfaces as a 409.
func (r *Repository) RepointLink(ctx context.Context, table models.LinkTable, id int64, resourceID int64) error {
	ctx, span := tracing.StartSpan(ctx, "association.Repository.RepointLink")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(table.Table)
	sb.Set(sb.Assign(table.ResourceColumn, resourceID))
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	result, err := database.GetExecutor(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table": table.String(), "id": id}).Error("Failed to repoint link")
		if database.IsUniqueViolation(err) {
			return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("%s link %d already exists for %d", table.Table, id, resourceID))
		}
		return httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to repoint %s link %d", table.Table, id))
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("%s link %d not found", table.Table, id))
	}
	return nil
}
