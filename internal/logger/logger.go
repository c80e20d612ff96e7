// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger wraps log/slog with the severity scale and output formats
// used throughout the core, and wires log-file rotation via lumberjack for
// long-running mounts.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, given their own names since slog's default level names
// don't distinguish the trace-vs-debug split this codebase makes.
const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
)

// Format selects the handler's output encoding.
type Format int

const (
	TextFormat Format = iota
	JSONFormat
)

// Config controls where and how log output is written.
type Config struct {
	Format Format
	Level  slog.Level

	// Path, if non-empty, directs output to a rotated log file instead of
	// os.Stderr.
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds a *slog.Logger per cfg. A zero Config logs text at Info level
// to stderr.
func New(cfg Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.Path != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    nonZero(cfg.MaxSizeMB, 100),
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
	}

	opts := &slog.HandlerOptions{
		Level: cfg.Level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(levelName(lvl))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == JSONFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func levelName(l slog.Level) string {
	switch {
	case l <= LevelTrace:
		return "TRACE"
	case l < LevelInfo:
		return "DEBUG"
	case l < LevelWarning:
		return "INFO"
	case l < LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

func nonZero(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// Trace logs at LevelTrace, below slog's built-in Debug, for the very
// high-volume per-operation tracing this core emits in its hot paths.
func Trace(ctx context.Context, l *slog.Logger, msg string, args ...any) {
	l.Log(ctx, LevelTrace, msg, args...)
}

// Warning logs at LevelWarning, spelled out rather than slog's "WARN" to
// match this codebase's log line vocabulary.
func Warning(ctx context.Context, l *slog.Logger, msg string, args ...any) {
	l.Log(ctx, LevelWarning, msg, args...)
}
