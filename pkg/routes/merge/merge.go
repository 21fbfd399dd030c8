package merge

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var validate = validator.New()

const defaultListLimit = 50

type Merger interface {
	Merge(ctx context.Context, req models.MergeRequest) (models.MergeResult, error)
	Preview(ctx context.Context, req models.MergeRequest) (models.MergeResult, error)
}

type AuditReader interface {
	Get(ctx context.Context, id string) (*models.MergeAuditLog, error)
	List(ctx context.Context, resourceType models.ResourceType, limit int) ([]models.MergeAuditLog, error)
}

type Handler struct {
	merger Merger
	audits AuditReader
}

func NewHandler(merger Merger, audits AuditReader) *Handler {
	return &Handler{
		merger: merger,
		audits: audits,
	}
}

// Register registers merge routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("", h.Merge)
	g.POST("/preview", h.Preview)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
}

func bindRequest(c echo.Context) (models.MergeRequest, error) {
	var req models.MergeRequest
	if err := c.Bind(&req); err != nil {
		return req, httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return req, httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return req, nil
}

type httpErrorer interface {
	ToHTTPError() *httperror.HTTPError
}

// statusFor maps a merge outcome onto a response code. The result body is
// returned in every case so callers can read failed_step.
func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var he httpErrorer
	if errors.As(err, &he) {
		return httperror.GetStatusCode(he.ToHTTPError())
	}
	return http.StatusInternalServerError
}

// Merge runs a merge and returns its MergeResult
func (h *Handler) Merge(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "merge_handler.Merge")
	defer span.End()

	req, err := bindRequest(c)
	if err != nil {
		return err
	}

	result, err := h.merger.Merge(ctx, req)
	return c.JSON(statusFor(err), result)
}

// Preview reports what a merge would do without writing
func (h *Handler) Preview(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "merge_handler.Preview")
	defer span.End()

	req, err := bindRequest(c)
	if err != nil {
		return err
	}

	result, err := h.merger.Preview(ctx, req)
	return c.JSON(statusFor(err), result)
}

// List returns recent merge audit entries
func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "merge_handler.List")
	defer span.End()

	var resourceType models.ResourceType
	if raw := c.QueryParam("resource_type"); raw != "" {
		parsed, err := models.ParseResourceType(raw)
		if err != nil {
			return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		resourceType = parsed
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 1 {
		limit = defaultListLimit
	}

	entries, err := h.audits.List(ctx, resourceType, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

// Get returns one merge audit entry
func (h *Handler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "merge_handler.Get")
	defer span.End()

	entry, err := h.audits.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}
