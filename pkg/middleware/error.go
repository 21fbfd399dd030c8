package middleware

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

type ErrorResponse struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	MergeID   string         `json:"merge_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// statusAndMessage maps httperror and echo errors to their status. Anything else is a 500 with a generic message.
func statusAndMessage(err error) (int, string, map[string]any) {
	if httperror.IsHTTPError(err) {
		he := httperror.ToHTTPError(err)
		return httperror.GetStatusCode(err), he.Error(), he.Meta
	}
	if he, ok := err.(*echo.HTTPError); ok {
		if msg, ok := he.Message.(string); ok {
			return he.Code, msg, nil
		}
		return he.Code, http.StatusText(he.Code), nil
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), nil
}

func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		status, message, meta := statusAndMessage(err)

		log := logger.WithContext(ctx).WithError(err).WithField("status", status)
		if status >= http.StatusInternalServerError {
			log.Error("api is returning an error")
		} else {
			log.Warn("api is rejecting the request")
		}

		if c.Response().Committed {
			return
		}
		_ = c.JSON(status, ErrorResponse{
			Message:   message,
			RequestID: context.GetRequestID(ctx),
			MergeID:   context.GetMergeID(ctx),
			TraceID:   tracing.GetTraceID(ctx),
			Meta:      meta,
		})
	}
}
