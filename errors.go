// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// ErrKind classifies why an operation failed, mirroring the taxonomy a
// build engine needs to tell "retry might help" from "never will."
type ErrKind int

const (
	// ErrBuild is an ordinary recipe/build failure: a compiler error, a
	// missing source file, a failed test. Expected, not a bug.
	ErrBuild ErrKind = iota
	// ErrIO is a filesystem or other I/O failure outside the recipe
	// itself (can't stat a target, can't write state).
	ErrIO
	// ErrProcess is a failure to start or wait for a child process.
	ErrProcess
	// ErrCancellation means the run was cancelled (context done, or a
	// sibling failure triggered a keep-going abort).
	ErrCancellation
	// ErrLogic is an internal invariant violation: a bug in the engine
	// itself. These should never be handled, only reported.
	ErrLogic
)

func (k ErrKind) String() string {
	switch k {
	case ErrBuild:
		return "build"
	case ErrIO:
		return "io"
	case ErrProcess:
		return "process"
	case ErrCancellation:
		return "cancellation"
	case ErrLogic:
		return "logic"
	default:
		return "unknown"
	}
}

// EngineError wraps an ErrKind, the target it concerns (if any), and an
// underlying cause, with a captured stack trace via go-errors/errors for
// ErrLogic cases where a postmortem matters.
type EngineError struct {
	Kind   ErrKind
	Target string
	Cause  error
	stack  *goerrors.Error
}

func (e *EngineError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Target, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *EngineError) Unwrap() error { return e.Cause }

// StackTrace returns the formatted Go stack captured when this error was
// constructed. Most useful for ErrLogic.
func (e *EngineError) StackTrace() string {
	if e.stack == nil {
		return ""
	}
	return string(e.stack.Stack())
}

// WrapErr builds an *EngineError of the given kind around cause,
// capturing a stack trace. Use at the boundary where a raw error (os.*,
// exec.*) first enters engine code.
func WrapErr(kind ErrKind, target string, cause error) *EngineError {
	if cause == nil {
		return nil
	}
	return &EngineError{Kind: kind, Target: target, Cause: cause, stack: goerrors.Wrap(cause, 1)}
}

// IsCancellation reports whether err is (or wraps) an ErrCancellation.
func IsCancellation(err error) bool {
	var ee *EngineError
	for err != nil {
		if e, ok := err.(*EngineError); ok {
			ee = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ee != nil && ee.Kind == ErrCancellation
}

// Promote converts a recovered *Failure (see diag.go) into the
// EngineError that crosses a meta-operation boundary: Engine.Perform
// (engine.go) calls it on the *Failure it recovers from a fail() panic.
func Promote(f *Failure) *EngineError {
	if f == nil {
		return nil
	}
	return &EngineError{Kind: ErrBuild, Target: f.Loc.Path, Cause: f, stack: f.err}
}
