package template

import "fmt"

// Stage names the step that rejected a template.
type Stage string

// Template stages.
const (
	StageLex    Stage = "lex"
	StageParse  Stage = "parse"
	StageRender Stage = "render"
)

// Error reports a malformed or unrenderable member SQL template.
type Error struct {
	Stage Stage
	Pos   Position
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	loc := fmt.Sprintf("%d:%d", e.Pos.Line, e.Pos.Column)
	if e.Pos.File != "" {
		loc = e.Pos.File + ":" + loc
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", loc, e.Msg, e.Cause)
	}
	return loc + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

func errorf(stage Stage, pos Position, format string, args ...any) *Error {
	return &Error{Stage: stage, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
