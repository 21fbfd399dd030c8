package schedule

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

const table = "schedules"

// Repository pages through stored schedule snapshots.
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

// ListSnapshots returns up to limit snapshots with id greater than afterID in ascending id order.
func (r *Repository) ListSnapshots(ctx context.Context, afterID int64, limit int) ([]models.StoredSnapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "schedule.Repository.ListSnapshots")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "schedule")
	sb.From(table)
	sb.Where(
		sb.GreaterThan("id", afterID),
		sb.IsNotNull("schedule"),
	)
	sb.OrderBy("id")
	sb.Limit(limit)

	query, args := sb.Build()
	var snapshots []models.StoredSnapshot
	if err := database.GetExecutor(ctx, r.db).SelectContext(ctx, &snapshots, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("after_id", afterID).Error("Failed to list schedule snapshots")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list schedule snapshots")
	}
	return snapshots, nil
}

func (r *Repository) SaveSnapshot(ctx context.Context, id int64, schedule []byte) error {
	ctx, span := tracing.StartSpan(ctx, "schedule.Repository.SaveSnapshot")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(table)
	// lib/pq sends []byte as bytea, so the document goes over the wire as text.
	sb.Set(sb.Assign("schedule", string(schedule)))
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	result, err := database.GetExecutor(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("id", id).Error("Failed to save schedule snapshot")
		return httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to save schedule %d", id))
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("schedule %d not found", id))
	}
	return nil
}
