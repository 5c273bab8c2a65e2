/*
NAME
  logging.go

DESCRIPTION
  Package logging defines the Logger contract threaded through every engine's
  Config, along with a file-backed implementation built on a rotating writer.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package logging provides the Logger interface used by every engine
// (smp, avdtp, sdp) to report diagnostics, plus a rotating file-backed
// implementation and a no-op implementation for tests.
package logging

import (
	"fmt"
	"io"
	"log"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Log levels, lowest to highest severity.
const (
	Debug int8 = iota
	Info
	Warning
	Error
	Fatal
)

// Logger is the contract every engine depends on for diagnostics. It is
// intentionally narrow: SetLevel controls the minimum level that Log will
// emit, and Log accepts a message plus an even number of key/value params,
// mirroring the shape revid.Config threads through the av pipeline.
type Logger interface {
	SetLevel(level int8)
	Log(level int8, message string, params ...interface{})
}

// levelName returns a short human-readable name for level.
func levelName(level int8) string {
	switch level {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// FileLogger logs to a lumberjack-rotated file, one line per call.
type FileLogger struct {
	mu    sync.Mutex
	level int8
	out   *log.Logger
	roll  *lumberjack.Logger
}

// NewFileLogger returns a Logger that rotates path according to maxSizeMB,
// maxBackups and maxAgeDays (zero means lumberjack's own defaults).
func NewFileLogger(path string, maxSizeMB, maxBackups, maxAgeDays int) *FileLogger {
	roll := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	return &FileLogger{level: Info, out: log.New(roll, "", log.LstdFlags|log.Lmicroseconds), roll: roll}
}

// SetLevel sets the minimum level that will be logged.
func (f *FileLogger) SetLevel(level int8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.level = level
}

// Log writes message if level is at or above the configured minimum level.
func (f *FileLogger) Log(level int8, message string, params ...interface{}) {
	f.mu.Lock()
	min := f.level
	f.mu.Unlock()
	if level < min {
		return
	}
	f.out.Println(format(level, message, params...))
}

// Close flushes and closes the underlying rotated file.
func (f *FileLogger) Close() error { return f.roll.Close() }

func format(level int8, message string, params ...interface{}) string {
	s := fmt.Sprintf("[%s] %s", levelName(level), message)
	for i := 0; i+1 < len(params); i += 2 {
		s += fmt.Sprintf(" %v=%v", params[i], params[i+1])
	}
	return s
}

// Discard is a Logger that drops everything. Useful as a default when no
// Logger is configured.
type discard struct{}

func (discard) SetLevel(int8)                            {}
func (discard) Log(int8, string, ...interface{})          {}

// Discard is the package-level no-op Logger.
var Discard Logger = discard{}

// Writer adapts an io.Writer into a Logger at a fixed level, useful for
// wiring an arbitrary sink (e.g. os.Stderr) without rotation.
type Writer struct {
	mu    sync.Mutex
	level int8
	w     io.Writer
}

// NewWriter returns a Logger that writes formatted lines to w.
func NewWriter(w io.Writer) *Writer { return &Writer{level: Info, w: w} }

func (w *Writer) SetLevel(level int8) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.level = level
}

func (w *Writer) Log(level int8, message string, params ...interface{}) {
	w.mu.Lock()
	min := w.level
	w.mu.Unlock()
	if level < min {
		return
	}
	fmt.Fprintln(w.w, format(level, message, params...))
}
