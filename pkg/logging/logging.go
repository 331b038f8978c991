package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	slogctx "github.com/veqryn/slog-context"
	"gitlab.com/tozd/go/errors"
)

// Setup installs a context-aware slog logger writing to stderr and returns a
// context carrying it. Colorized output when stderr is a terminal, JSON
// otherwise.
func Setup(ctx context.Context, level slog.Level) context.Context {
	return SetupToWriter(ctx, os.Stderr, level, wantColor(os.Stderr))
}

// SetupToWriter is Setup with an explicit destination and color choice.
func SetupToWriter(ctx context.Context, w io.Writer, level slog.Level, color bool) context.Context {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			return formatErrorStacks(groups, a)
		},
	}

	var handler slog.Handler
	if color {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05.000",
			AddSource:  true,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				return formatErrorStacks(groups, a)
			},
		})
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(slogctx.NewHandler(handler, &slogctx.HandlerOptions{}))
	slog.SetDefault(logger)

	return slogctx.NewCtx(ctx, logger)
}

func wantColor(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func packageName(frame runtime.Frame) string {
	lastSlash := strings.LastIndex(frame.Function, "/")
	if lastSlash == -1 {
		return ""
	}
	almost := frame.Function[:lastSlash]
	remaining := frame.Function[lastSlash+1:]
	firstDot := strings.Index(remaining, ".")
	if firstDot == -1 {
		return ""
	}
	return almost + "/" + remaining[:firstDot]
}

// formatErrorStacks expands stack-carrying errors into a group holding the
// origin frame, so log lines point at where the error was created rather
// than where it was logged.
func formatErrorStacks(groups []string, a slog.Attr) slog.Attr {
	if a.Key != "error" {
		return a
	}
	err, ok := a.Value.Any().(error)
	if !ok {
		return a
	}
	terr, ok := err.(errors.E)
	if !ok {
		return a
	}
	frames := runtime.CallersFrames(terr.StackTrace())
	frame, _ := frames.Next()
	pkg := packageName(frame)
	a.Value = slog.GroupValue(
		slog.Any("error", err),
		slog.String("func", strings.TrimPrefix(frame.Function, pkg+".")),
		slog.String("file", filepath.Base(frame.File)+":"+strconv.Itoa(frame.Line)),
	)
	return a
}
