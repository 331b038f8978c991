// Package tlog wires the process logger into tests so log lines land in the
// per-test output instead of the shared stderr stream.
package tlog

import (
	"context"
	"log/slog"
	"testing"

	slogctx "github.com/veqryn/slog-context"

	"github.com/VHSgunzo/memfd-exec/pkg/logging"
)

// SetupForTest returns the test's context with a debug-level logger writing
// through t.Log. Reuses an already-installed logger when the context carries
// one.
func SetupForTest(t testing.TB) context.Context {
	return SetupForTestWithContext(t, t.Context())
}

func SetupForTestWithContext(t testing.TB, ctx context.Context) context.Context {
	if slogctx.FromCtx(ctx) != slog.Default() {
		return ctx
	}
	return logging.SetupToWriter(ctx, &testWriter{t: t}, slog.LevelDebug, false)
}

type testWriter struct {
	t testing.TB
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
