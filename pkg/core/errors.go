package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a UserError.
type ErrorKind string

// ErrorKind constants for the user-facing error taxonomy.
const (
	KindJoinResolution      ErrorKind = "join_resolution"
	KindMemberResolution    ErrorKind = "member_resolution"
	KindMultiStageCycle     ErrorKind = "multi_stage_cycle"
	KindGranularityConflict ErrorKind = "granularity_conflict"
	KindSubqueryContract    ErrorKind = "subquery_contract"
	KindIdentifierLength    ErrorKind = "identifier_length"
	KindQuery               ErrorKind = "query"
)

// UserError is an error caused by the query or the model rather than by the
// compiler itself. Callers can surface its message verbatim.
type UserError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *UserError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *UserError) Unwrap() error { return e.Cause }

func newUserError(kind ErrorKind, format string, args ...any) *UserError {
	return &UserError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewJoinResolutionError reports an ambiguous, impossible or looping join path.
func NewJoinResolutionError(format string, args ...any) *UserError {
	return newUserError(KindJoinResolution, format, args...)
}

// NewMemberResolutionError reports an unknown member or a malformed filter.
func NewMemberResolutionError(format string, args ...any) *UserError {
	return newUserError(KindMemberResolution, format, args...)
}

// NewMultiStageCycleError reports a dependency cycle among multi-stage members.
func NewMultiStageCycleError(format string, args ...any) *UserError {
	return newUserError(KindMultiStageCycle, format, args...)
}

// NewGranularityConflictError reports incompatible granularity options.
func NewGranularityConflictError(format string, args ...any) *UserError {
	return newUserError(KindGranularityConflict, format, args...)
}

// NewSubqueryContractError reports a sub_query dimension that cannot be compiled.
func NewSubqueryContractError(format string, args ...any) *UserError {
	return newUserError(KindSubqueryContract, format, args...)
}

// NewIdentifierLengthError reports an alias longer than the dialect allows.
func NewIdentifierLengthError(format string, args ...any) *UserError {
	return newUserError(KindIdentifierLength, format, args...)
}

// NewQueryError reports any other invalid query input.
func NewQueryError(format string, args ...any) *UserError {
	return newUserError(KindQuery, format, args...)
}

// IsUserError reports whether err (or anything it wraps) is a UserError.
func IsUserError(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}

// ErrorKindOf returns the kind of the first UserError in err's chain.
func ErrorKindOf(err error) (ErrorKind, bool) {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue.Kind, true
	}
	return "", false
}

// ModelCompileError collects every problem found while compiling a model.
// A model carrying one cannot be queried.
type ModelCompileError struct {
	Messages []string
}

func (e *ModelCompileError) Error() string {
	if len(e.Messages) == 1 {
		return "model compile error: " + e.Messages[0]
	}
	return fmt.Sprintf("model compile errors (%d):\n  %s", len(e.Messages), strings.Join(e.Messages, "\n  "))
}

// ErrorReporter accumulates compile messages under a context prefix, e.g.
// "orders cube: Duplicate property parsing status".
type ErrorReporter struct {
	context  string
	messages *[]string
}

// NewErrorReporter creates an empty reporter.
func NewErrorReporter() *ErrorReporter {
	return &ErrorReporter{messages: &[]string{}}
}

// InContext returns a reporter that prefixes messages with ctx and shares
// storage with its parent.
func (r *ErrorReporter) InContext(ctx string) *ErrorReporter {
	if r.context != "" {
		ctx = r.context + " > " + ctx
	}
	return &ErrorReporter{context: ctx, messages: r.messages}
}

// Errorf records a message.
func (r *ErrorReporter) Errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if r.context != "" {
		msg = r.context + ": " + msg
	}
	*r.messages = append(*r.messages, msg)
}

// HasErrors reports whether anything was recorded.
func (r *ErrorReporter) HasErrors() bool {
	return len(*r.messages) > 0
}

// Err returns a ModelCompileError with every recorded message, or nil.
func (r *ErrorReporter) Err() error {
	if !r.HasErrors() {
		return nil
	}
	msgs := make([]string, len(*r.messages))
	copy(msgs, *r.messages)
	return &ModelCompileError{Messages: msgs}
}
