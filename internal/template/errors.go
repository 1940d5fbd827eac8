package template

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownFunction = errors.New("unknown function")
	ErrArity           = errors.New("wrong number of arguments")
	ErrSubstringRange  = errors.New("substring index out of range")
	ErrNotRenderable   = errors.New("value cannot be rendered")
)

// CompileError reports a syntax problem at a byte offset of the source.
type CompileError struct {
	Pos int
	Msg string
	Err error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile template at offset %d: %s", e.Pos, e.Msg)
}

func (e *CompileError) Unwrap() error { return e.Err }

// RenderError reports a failure while evaluating a compiled template.
type RenderError struct {
	Pos int
	Err error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render template at offset %d: %v", e.Pos, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

func compileErrorf(pos int, format string, args ...any) error {
	return &CompileError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
