package reference

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

// Repository repoints plain foreign key columns that refer to a resource.
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

// Repoint moves every row referencing a deprecated ID onto canonicalID and returns the number of rows changed.
func (r *Repository) Repoint(ctx context.Context, fk models.ForeignKey, canonicalID int64, deprecatedIDs []int64) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "reference.Repository.Repoint")
	defer span.End()

	if len(deprecatedIDs) == 0 {
		return 0, nil
	}

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(fk.Table)
	sb.Set(sb.Assign(fk.Column, canonicalID))
	sb.Where(sb.In(fk.Column, sqlbuilder.Flatten(deprecatedIDs)...))

	query, args := sb.Build()
	result, err := database.GetExecutor(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("reference", fk.String()).Error("Failed to repoint references")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to repoint %s", fk))
	}

	affected, _ := result.RowsAffected()
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"reference":    fk.String(),
		"canonical_id": canonicalID,
		"rows":         affected,
	}).Debug("Repointed references")
	return affected, nil
}
