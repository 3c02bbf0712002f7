// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	goerrors "github.com/go-errors/errors"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Level is a diagnostic severity, lowest to highest.
type Level int

const (
	LevelText Level = iota
	LevelTrace
	LevelInfo
	LevelWarn
	LevelError
	LevelFail
)

func (l Level) String() string {
	switch l {
	case LevelText:
		return "text"
	case LevelTrace:
		return "trace"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Location is a shallow, cheap-to-pass source position: a path reference
// plus a line and column. The zero value means "no location."
type Location struct {
	Path   string
	Line   int
	Column int
}

func (l Location) String() string {
	if l.Path == "" {
		return ""
	}
	if l.Line == 0 {
		return l.Path
	}
	if l.Column == 0 {
		return fmt.Sprintf("%s:%d", l.Path, l.Line)
	}
	return fmt.Sprintf("%s:%d:%d", l.Path, l.Line, l.Column)
}

// frame is one entry of the per-goroutine diagnostic-frame stack: a
// location plus a human description, appended as an info line whenever a
// fail happens while the frame is live.
type frame struct {
	loc  Location
	desc string
}

type frameStackKey struct{}

// WithFrame pushes a diagnostic frame onto the stack carried by ctx, and
// returns a context with it installed. Any record (and especially any
// fail) emitted against the returned context while the frame is live gets
// an extra info line describing this call site.
func WithFrame(ctx context.Context, loc Location, desc string) context.Context {
	prev, _ := ctx.Value(frameStackKey{}).([]frame)
	next := make([]frame, len(prev)+1)
	copy(next, prev)
	next[len(prev)] = frame{loc: loc, desc: desc}
	return context.WithValue(ctx, frameStackKey{}, next)
}

func frameStack(ctx context.Context) []frame {
	fs, _ := ctx.Value(frameStackKey{}).([]frame)
	return fs
}

// Failure is the distinguished sentinel `fail` throws (as a Go panic
// value). It carries a location, message, and — via go-errors/errors — a
// captured stack trace for postmortem use.
type Failure struct {
	Loc     Location
	Message string
	err     *goerrors.Error
}

func (f *Failure) Error() string {
	if f.Loc.Path != "" {
		return fmt.Sprintf("%s: %s", f.Loc, f.Message)
	}
	return f.Message
}

// Unwrap exposes the captured stack-trace error for errors.As/errors.Is.
func (f *Failure) Unwrap() error { return f.err }

// StackTrace returns the formatted Go stack captured at the point of fail.
func (f *Failure) StackTrace() string { return string(f.err.Stack()) }

// Diag is the scoped diagnostics facility: thread-safe record emission, a
// verbosity-gated trace level, and the terminal fail() that panics a
// *Failure for the nearest meta-operation boundary to recover.
type Diag struct {
	mu        sync.Mutex
	out       io.Writer
	verbosity int // 0-6
	runID     string
}

// NewDiag constructs a Diag writing to w (or os.Stderr if nil), colorized
// when w is a terminal, at the given verbosity (0-6, per spec §6.4).
func NewDiag(w io.Writer, verbosity int) *Diag {
	if w == nil {
		w = os.Stderr
	}
	return &Diag{out: w, verbosity: verbosity, runID: newRunID()}
}

// logger builds a fresh logrus entry bound to this Diag's stream. logrus
// is used purely as the leveled-record formatter/writer backend; the
// stream lock below is what actually makes emission atomic with respect
// to other records, matching spec §7's "each emitted record is
// serialized atomically."
func (d *Diag) logger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(d.out)
	l.SetLevel(logrus.TraceLevel)
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    color.NoColor,
	})
	return l
}

func (d *Diag) fields(ctx context.Context, loc Location) logrus.Fields {
	f := logrus.Fields{"run": d.runID}
	if loc.Path != "" {
		f["loc"] = loc.String()
	}
	for i, fr := range frameStack(ctx) {
		f[fmt.Sprintf("frame.%d", i)] = fmt.Sprintf("%s: %s", fr.loc, fr.desc)
	}
	return f
}

func (d *Diag) emit(ctx context.Context, level Level, loc Location, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry := d.logger().WithFields(d.fields(ctx, loc))
	switch level {
	case LevelText:
		entry.Trace(msg)
	case LevelTrace:
		entry.Debug(msg)
	case LevelInfo:
		entry.Info(msg)
	case LevelWarn:
		entry.Warn(msg)
	case LevelError, LevelFail:
		entry.Error(msg)
	}
}

// Text emits a bare, undecorated line (no level prefix beyond the
// formatter's own).
func (d *Diag) Text(ctx context.Context, msg string) { d.emit(ctx, LevelText, Location{}, msg) }

// Trace emits a trace-level line, gated by verbosity: the line is shown
// only when bucket is at most the Diag's verbosity (0-6).
func (d *Diag) Trace(ctx context.Context, bucket int, loc Location, format string, args ...any) {
	if bucket > d.verbosity {
		return
	}
	d.emit(ctx, LevelTrace, loc, fmt.Sprintf(format, args...))
}

// Info emits an info-level line.
func (d *Diag) Info(ctx context.Context, loc Location, format string, args ...any) {
	d.emit(ctx, LevelInfo, loc, fmt.Sprintf(format, args...))
}

// Warn emits a warn-level line. Warnings never abort (spec §7).
func (d *Diag) Warn(ctx context.Context, loc Location, format string, args ...any) {
	d.emit(ctx, LevelWarn, loc, fmt.Sprintf(format, args...))
}

// Error emits an error-level line without terminating.
func (d *Diag) Error(ctx context.Context, loc Location, format string, args ...any) {
	d.emit(ctx, LevelError, loc, fmt.Sprintf(format, args...))
}

// Fail emits an error-level record, one extra info line per live
// diagnostic frame describing its call site, then panics a *Failure that
// only a meta-operation boundary (engine.Perform) is expected to recover.
func (d *Diag) Fail(ctx context.Context, loc Location, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.emit(ctx, LevelError, loc, msg)
	for _, fr := range frameStack(ctx) {
		d.emit(ctx, LevelInfo, fr.loc, "while "+fr.desc)
	}
	panic(&Failure{Loc: loc, Message: msg, err: goerrors.Wrap(fmt.Errorf("%s", msg), 1)})
}

// Recover turns a panicking *Failure into a returned error; any other
// panic value is re-panicked (spec §7's Logic error: assertion failures
// abort rather than being swallowed here).
func Recover(errp *error) {
	if r := recover(); r != nil {
		if f, ok := r.(*Failure); ok {
			*errp = f
			return
		}
		panic(r)
	}
}

// newRunID produces a short per-invocation identifier threaded into
// trace records so concurrent engine runs (as happen in tests) don't
// interleave confusingly in logs.
func newRunID() string {
	return uuid.NewString()[:8]
}
