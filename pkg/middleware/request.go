// Package middleware holds the echo middleware shared by the clover API.
package middleware

import (
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/context"
)

const (
	// HeaderOperator identifies the staff member triggering a merge.
	HeaderOperator = "X-Operator"
	// HeaderMergeID lets a caller choose the audit id of the merge it submits.
	HeaderMergeID = "X-Merge-Id"
)

// Context copies the request id, operator and merge id headers onto the request context.
// A merge id that is not a UUID is ignored and the engine generates one.
func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := req.Context()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)
			ctx = context.SetRequestID(ctx, requestID)

			if operator := req.Header.Get(HeaderOperator); operator != "" {
				ctx = context.SetOperator(ctx, operator)
			}
			if mergeID, err := uuid.Parse(req.Header.Get(HeaderMergeID)); err == nil {
				ctx = context.SetMergeID(ctx, mergeID.String())
				c.Response().Header().Set(HeaderMergeID, mergeID.String())
			}

			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

// Logger writes one line per request. Server errors log at error level and client errors at warn.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}

			ctx := c.Request().Context()
			status := c.Response().Status
			log := logger.WithContext(ctx).WithFields(map[string]any{
				"request_id":  context.GetRequestID(ctx),
				"operator":    context.GetOperator(ctx),
				"method":      c.Request().Method,
				"route":       c.Path(),
				"status":      status,
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes_out":   c.Response().Size,
			})

			switch {
			case status >= http.StatusInternalServerError:
				log.Error("request failed")
			case status >= http.StatusBadRequest:
				log.Warn("request rejected")
			default:
				log.Info("request handled")
			}
			return nil
		}
	}
}
