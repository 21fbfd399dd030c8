package merging

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Ramsey-B/clover/pkg/models"
)

// ConfigurationError rejects a merge before any write.
type ConfigurationError struct {
	Message string
}

func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	return e.Message
}

func (e *ConfigurationError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusBadRequest, e.Message)
}

func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// StepError names the merge step and sub-operation that failed.
type StepError struct {
	Step      models.MergeStep
	Operation string
	Err       error
}

func NewStepError(step models.MergeStep, operation string, err error) *StepError {
	return &StepError{Step: step, Operation: operation, Err: err}
}

func (e *StepError) Error() string {
	if e.Operation == "" {
		return fmt.Sprintf("step '%s': %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step '%s' -> %s: %v", e.Step, e.Operation, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ToHTTPError reports a conflict: the candidate set was valid but the store refused a write.
func (e *StepError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusConflict, e.Error()).
		AddMetaValue("step", string(e.Step)).
		AddMetaValue("operation", e.Operation)
}
