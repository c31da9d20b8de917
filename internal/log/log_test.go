package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/privacyscore/scanner/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(true, &buf)

	ctx := log.ContextAttrs(t.Context(), slog.Int64("group_id", 7))
	child := log.ContextAttrs(ctx, slog.String("test", "fingerprinting"))
	logger.DebugContext(child, "unit done")
	logger.InfoContext(ctx, "group done")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))

	require.Equal(t, "unit done", first["msg"])
	require.EqualValues(t, 7, first["group_id"])
	require.Equal(t, "fingerprinting", first["test"])

	require.EqualValues(t, 7, second["group_id"])
	require.NotContains(t, second, "test")
}

func TestNewLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(false, &buf)
	logger.Debug("hidden")
	require.Zero(t, buf.Len())
	logger.Info("shown")
	require.Contains(t, buf.String(), "shown")
}
