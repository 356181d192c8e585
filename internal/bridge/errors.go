package bridge

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agentworkforce/platformbridge/internal/platform"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrNotAuthorized   = errors.New("not authorized")
	ErrInvalidInput    = errors.New("invalid input")
	ErrValidation      = errors.New("validation failed")
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrInvalidState    = errors.New("invalid task state transition")
)

// ValidationError aggregates every violation found, keyed by field.
type ValidationError struct {
	Fields map[string][]string
}

func NewValidationError() *ValidationError {
	return &ValidationError{Fields: map[string][]string{}}
}

// ValidationMessage builds an error that is not tied to a single field.
func ValidationMessage(format string, args ...any) *ValidationError {
	v := NewValidationError()
	v.Add("message", fmt.Sprintf(format, args...))
	return v
}

func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = map[string][]string{}
	}
	for _, existing := range e.Fields[field] {
		if existing == message {
			return
		}
	}
	e.Fields[field] = append(e.Fields[field], message)
}

func (e *ValidationError) Empty() bool {
	return e == nil || len(e.Fields) == 0
}

// OrNil returns nil when nothing was recorded.
func (e *ValidationError) OrNil() error {
	if e.Empty() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, strings.Join(e.Fields[field], "; ")))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IsNotFound covers both local misses and platform 404s.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, platform.ErrNotFound)
}

// errorDetail renders err for storage on a task.
func errorDetail(err error) map[string]any {
	var perr *platform.Error
	if errors.As(err, &perr) {
		return perr.Detail()
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		fields := make(map[string]any, len(verr.Fields))
		for k, v := range verr.Fields {
			fields[k] = v
		}
		return map[string]any{"kind": "validation", "fields": fields}
	}
	var missing *platform.MissingRequestIDError
	if errors.As(err, &missing) {
		return map[string]any{"kind": "validation", "message": missing.Error(), "content": missing.Content}
	}
	return map[string]any{"kind": "error", "message": err.Error()}
}
