// Package hlog provides the structured loggers used by the fuzzing tools.
// Binaries meant for terminals keep the text handler; server deployments
// switch to JSON output that Cloud Logging understands.
package hlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"runtime"
	"time"
)

var (
	textLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		AddSource: true,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.SourceKey {
				// We want to log the base name of the file, not the full path.
				if src, ok := attr.Value.Any().(*slog.Source); ok {
					src.File = path.Base(src.File)
				}
			}
			return attr
		},
	}))
	jsonLogger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		AddSource: true,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			// Use special fields recognized by Cloud Logging.
			// https://cloud.google.com/logging/docs/agent/logging/configuration#special-fields
			if attr.Key == slog.MessageKey {
				attr.Key = "message"
			}
			if attr.Key == slog.LevelKey {
				attr.Key = "severity"
			}
			if attr.Key == slog.SourceKey {
				if src, ok := attr.Value.Any().(*slog.Source); ok {
					attr.Key = "logging.googleapis.com/sourceLocation"
					src.File = path.Base(src.File)
				}
			}
			return attr
		},
	}))
	L = textLogger
)

func UseJSONLogger() {
	L = jsonLogger
}

func UseTextLogger() {
	L = textLogger
}

func logf(level slog.Level, format string, args ...any) {
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // skip [Callers, logf, caller]
	r := slog.NewRecord(time.Now(), level, fmt.Sprintf(format, args...), pcs[0])
	_ = L.Handler().Handle(context.Background(), r)
}

func Debugf(format string, args ...any) {
	if !L.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	logf(slog.LevelDebug, format, args...)
}

func Infof(format string, args ...any) {
	if !L.Enabled(context.Background(), slog.LevelInfo) {
		return
	}
	logf(slog.LevelInfo, format, args...)
}

func Errorf(format string, args ...any) {
	if !L.Enabled(context.Background(), slog.LevelError) {
		return
	}
	logf(slog.LevelError, format, args...)
}

// Fatalf logs like Errorf and then exits the process.
func Fatalf(format string, args ...any) {
	logf(slog.LevelError, format, args...)
	os.Exit(1)
}
