package resource

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Repository reads and writes rows of the mergeable resource tables.
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

// GetCandidates loads the id, discriminant and aggregated columns of each requested row.
// Rows that do not exist are simply absent from the result.
func (r *Repository) GetCandidates(ctx context.Context, kind models.ResourceKind, ids []int64) ([]models.ResourceRow, error) {
	ctx, span := tracing.StartSpan(ctx, "resource.Repository.GetCandidates")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(kind.Columns()...)
	sb.From(kind.Table)
	sb.Where(sb.In("id", sqlbuilder.Flatten(ids)...))
	sb.OrderBy("id")

	query, args := sb.Build()
	rows, err := database.GetExecutor(ctx, r.db).QueryxContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("table", kind.Table).Error("Failed to load merge candidates")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to load %s candidates", kind.Table))
	}
	defer rows.Close()

	var out []models.ResourceRow
	for rows.Next() {
		values := make(map[string]any)
		if err := rows.MapScan(values); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("table", kind.Table).Error("Failed to scan merge candidate")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to load %s candidates", kind.Table))
		}

		row, err := toResourceRow(kind, values)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("table", kind.Table).Error("Unexpected merge candidate row")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("table", kind.Table).Error("Failed to iterate merge candidates")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to load %s candidates", kind.Table))
	}

	return out, nil
}

// UpdateFields writes the merged column values onto one row.
func (r *Repository) UpdateFields(ctx context.Context, kind models.ResourceKind, id int64, fields map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "resource.Repository.UpdateFields")
	defer span.End()

	if len(fields) == 0 {
		return nil
	}

	columns := make([]string, 0, len(fields))
	for column := range fields {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(kind.Table)
	for _, column := range columns {
		sb.SetMore(sb.Assign(column, fields[column]))
	}
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	result, err := database.GetExecutor(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table": kind.Table, "id": id}).Error("Failed to update merged fields")
		return httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to update %s %d", kind.Table, id))
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("%s %d not found", kind.Table, id))
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, kind models.ResourceKind, id int64) error {
	ctx, span := tracing.StartSpan(ctx, "resource.Repository.Delete")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	sb.DeleteFrom(kind.Table)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	result, err := database.GetExecutor(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table": kind.Table, "id": id}).Error("Failed to delete resource")
		return httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to delete %s %d", kind.Table, id))
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("%s %d not found", kind.Table, id))
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"table": kind.Table, "id": id}).Info("Deleted resource")
	return nil
}

func toResourceRow(kind models.ResourceKind, values map[string]any) (models.ResourceRow, error) {
	id, ok := values["id"].(int64)
	if !ok {
		return models.ResourceRow{}, fmt.Errorf("%s row has non-integer id %T", kind.Table, values["id"])
	}

	row := models.ResourceRow{ID: id, Fields: make(map[string]any, len(kind.Fields))}
	if kind.DiscriminantColumn != "" {
		switch v := values[kind.DiscriminantColumn].(type) {
		case string:
			row.Discriminant = &v
		case []byte:
			s := string(v)
			row.Discriminant = &s
		}
	}

	for _, field := range kind.Fields {
		value := values[field.Column]
		if b, ok := value.([]byte); ok {
			value = string(b)
		}
		row.Fields[field.Column] = value
	}
	return row, nil
}
