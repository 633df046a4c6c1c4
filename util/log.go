// util/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

// Logger provides a simple logging system with a few different log levels;
// debugging and verbose output may both be suppressed independently.
// Records are handed to an slog.Handler, so the same calls produce
// colored console output or JSON depending on how the Logger was made.
type Logger struct {
	h       slog.Handler
	verbose bool
	debug   bool
	nErrors *atomic.Int64
}

// LogOptions selects the output format and verbosity of a Logger.
type LogOptions struct {
	// Format is "json" or "text"; anything else uses tint's console
	// handler.
	Format  string
	Verbose bool
	Debug   bool
}

// NewLogger returns a Logger that writes colored console output to
// stderr.
func NewLogger(verbose, debug bool) *Logger {
	return NewLoggerTo(os.Stderr, LogOptions{Verbose: verbose, Debug: debug})
}

// NewLoggerTo returns a Logger that writes to w using the given options.
func NewLoggerTo(w io.Writer, opts LogOptions) *Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	var h slog.Handler
	switch opts.Format {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, AddSource: true})
	case "text":
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level, AddSource: true})
	default:
		h = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			AddSource:  true,
		})
	}

	return &Logger{
		h:       h,
		verbose: opts.Verbose || opts.Debug,
		debug:   opts.Debug,
		nErrors: new(atomic.Int64),
	}
}

// With returns a Logger that adds the given key/value pairs to every
// record. The error count is shared with the parent.
func (l *Logger) With(args ...any) *Logger {
	if l == nil {
		return nil
	}
	nl := *l
	nl.h = slog.New(l.h).With(args...).Handler()
	return &nl
}

// Slog returns an *slog.Logger that writes through the same handler.
func (l *Logger) Slog() *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return slog.New(l.h)
}

// NErrors returns the number of errors reported via Error, Fatal, and the
// Check functions.
func (l *Logger) NErrors() int {
	if l == nil {
		return 0
	}
	return int(l.nErrors.Load())
}

func (l *Logger) Print(f string, args ...interface{}) {
	l.log(slog.LevelInfo, f, args...)
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l == nil || !l.debug {
		return
	}
	l.log(slog.LevelDebug, f, args...)
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l == nil || !l.verbose {
		return
	}
	l.log(slog.LevelInfo, f, args...)
}

func (l *Logger) Warning(f string, args ...interface{}) {
	l.log(slog.LevelWarn, f, args...)
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l != nil {
		l.nErrors.Add(1)
	}
	l.log(slog.LevelError, f, args...)
}

func (l *Logger) Fatal(f string, args ...interface{}) {
	if l != nil {
		l.nErrors.Add(1)
	}
	l.log(slog.LevelError, f, args...)
	exit(1)
}

// Checks the provided condition and prints a fatal error if it's false.
// The record includes the source file and line number where the check
// failed.  An optional message specified with printf-style formatting may
// be provided to print with the error message.
func (l *Logger) Check(v bool, msg ...interface{}) {
	if v {
		return
	}

	if l != nil {
		l.nErrors.Add(1)
	}
	if len(msg) == 0 {
		l.log(slog.LevelError, "Check failed")
	} else {
		l.log(slog.LevelError, msg[0].(string), msg[1:]...)
	}
	exit(1)
}

// Similar to Check, CheckError prints a fatal error if the given error is
// non-nil.  It also takes an optional format string.
func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}

	if l != nil {
		l.nErrors.Add(1)
	}
	if len(msg) == 0 {
		l.log(slog.LevelError, "Error: %+v", err)
	} else {
		l.log(slog.LevelError, msg[0].(string), msg[1:]...)
	}
	exit(1)
}

var exit = os.Exit

func (l *Logger) log(level slog.Level, f string, args ...interface{}) {
	msg := strings.TrimSuffix(fmt.Sprintf(f, args...), "\n")
	if l == nil {
		fmt.Fprintln(os.Stderr, msg)
		return
	}

	ctx := context.Background()
	if !l.h.Enabled(ctx, level) {
		return
	}

	// Skip runtime.Callers, log, and the exported method so the record
	// points at our caller.
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	_ = l.h.Handle(ctx, r)
}
