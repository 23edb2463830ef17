package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/envgraph/pkg/datatypes"
)

// ErrorKind classifies an engine error.
type ErrorKind string

const (
	// ErrorKindSchema is a structural problem: bad shape, unknown type or
	// resolver, incompatible decorators, cycles.
	ErrorKindSchema ErrorKind = "schema"

	// ErrorKindResolution is an evaluation failure: a failed command, an
	// invalid dependency.
	ErrorKindResolution ErrorKind = "resolution"

	// ErrorKindCoercion means a raw value could not be converted to the
	// item's data type.
	ErrorKindCoercion ErrorKind = "coercion"

	// ErrorKindValidation is a rule violation on a coerced value.
	ErrorKindValidation ErrorKind = "validation"

	// ErrorKindEmptyRequired is a validation error for a required item that
	// resolved to an empty value.
	ErrorKindEmptyRequired ErrorKind = "empty_required"

	// ErrorKindLoading means a data source could not be read or parsed.
	ErrorKindLoading ErrorKind = "loading"

	// ErrorKindExecution is a failure in a root decorator's side effect.
	ErrorKindExecution ErrorKind = "execution"
)

// Severity separates blocking errors from warnings.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Error is a classified engine error with item and source context.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Severity is error unless explicitly downgraded.
	Severity Severity `json:"severity"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Key is the item key the error is attached to, if any.
	Key string `json:"key,omitempty"`

	// Source is the label of the data source involved, if any.
	Source string `json:"source,omitempty"`

	// Line is the 1-indexed line in Source, 0 when unknown.
	Line int `json:"line,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	if e.Source != "" {
		if e.Line > 0 {
			fmt.Fprintf(&sb, " (%s:%d)", e.Source, e.Line)
		} else {
			fmt.Fprintf(&sb, " (%s)", e.Source)
		}
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// IsWarning reports whether the error is non-blocking.
func (e *Error) IsWarning() bool {
	return e.Severity == SeverityWarning
}

// KindName returns the error kind as a metric label.
func (e *Error) KindName() string {
	return string(e.Kind)
}

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Severity: SeverityError, Message: message, Err: err}
}

// NewSchemaError creates a new schema error.
func NewSchemaError(message string, err error) *Error {
	return newError(ErrorKindSchema, message, err)
}

// NewResolutionError creates a new resolution error.
func NewResolutionError(message string, err error) *Error {
	return newError(ErrorKindResolution, message, err)
}

// NewCoercionError creates a new coercion error.
func NewCoercionError(message string, err error) *Error {
	return newError(ErrorKindCoercion, message, err)
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *Error {
	return newError(ErrorKindValidation, message, err)
}

// NewEmptyRequiredError creates the error for a required item with no value.
func NewEmptyRequiredError(key string) *Error {
	return newError(ErrorKindEmptyRequired, "value is required but is currently empty", nil).WithKey(key)
}

// NewLoadingError creates a new loading error.
func NewLoadingError(message string, err error) *Error {
	return newError(ErrorKindLoading, message, err)
}

// NewExecutionError creates a new execution error.
func NewExecutionError(message string, err error) *Error {
	return newError(ErrorKindExecution, message, err)
}

// WithKey adds item context to an error.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// WithSource adds source location context to an error.
func (e *Error) WithSource(label string, line int) *Error {
	e.Source = label
	e.Line = line
	return e
}

// AsWarning downgrades the error to a warning.
func (e *Error) AsWarning() *Error {
	e.Severity = SeverityWarning
	return e
}

// asError classifies err with kind unless it already is an *Error.
func asError(kind ErrorKind, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	out := newError(kind, err.Error(), nil)
	if datatypes.IsWarning(err) {
		out.AsWarning()
	}
	return out
}

func schemaErrorf(format string, args ...interface{}) *Error {
	return NewSchemaError(fmt.Sprintf(format, args...), nil)
}

func resolutionErrorf(format string, args ...interface{}) *Error {
	return NewResolutionError(fmt.Sprintf(format, args...), nil)
}

func kindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsSchemaError returns true if the error is a schema error.
func IsSchemaError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindSchema
}

// IsResolutionError returns true if the error is a resolution error.
func IsResolutionError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindResolution
}

// IsCoercionError returns true if the error is a coercion error.
func IsCoercionError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindCoercion
}

// IsValidationError returns true for validation errors, including empty
// required values.
func IsValidationError(err error) bool {
	k, ok := kindOf(err)
	return ok && (k == ErrorKindValidation || k == ErrorKindEmptyRequired)
}

// IsEmptyRequiredError returns true if a required item resolved empty.
func IsEmptyRequiredError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindEmptyRequired
}

// IsWarning returns true if the error is a warning-level engine error or a
// warning-level data type issue.
func IsWarning(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.IsWarning()
	}
	return datatypes.IsWarning(err)
}
