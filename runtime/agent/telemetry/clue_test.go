package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/clue/log"
)

func TestClueLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	ctx := log.Context(context.Background(), log.WithOutput(&buf), log.WithFormat(log.FormatJSON))
	logger := NewClueLogger()

	logger.Info(ctx, "run started", "run_id", "r-1", "iteration", 0)
	logger.Warn(ctx, "tool blocked", "tool", "edit")
	logger.Error(ctx, "llm failed", "err", errors.New("unavailable"))

	out := buf.String()
	require.Contains(t, out, `"msg":"run started"`)
	require.Contains(t, out, `"run_id":"r-1"`)
	require.Contains(t, out, `"tool":"edit"`)
	require.Contains(t, out, "unavailable")
}
