package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/CZERTAINLY/Boxworker/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, slog.LevelDebug, "json")

	parent := log.ContextAttrs(t.Context(), slog.String("worker_id", "nmap.1"))
	child := log.ContextAttrs(parent, slog.String("job_id", "42"))

	logger.InfoContext(child, "job claimed")
	logger.InfoContext(parent, "no job")

	dec := json.NewDecoder(&buf)
	var first, second map[string]any
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))

	require.Equal(t, "job claimed", first["msg"])
	require.Equal(t, "nmap.1", first["worker_id"])
	require.Equal(t, "42", first["job_id"])

	require.Equal(t, "nmap.1", second["worker_id"])
	require.NotContains(t, second, "job_id")
}

func TestLevel(t *testing.T) {
	t.Parallel()
	require.Equal(t, slog.LevelDebug, log.Level("debug"))
	require.Equal(t, slog.LevelWarn, log.Level("WARN"))
	require.Equal(t, slog.LevelError, log.Level("error"))
	require.Equal(t, slog.LevelInfo, log.Level("chatty"))

	var buf bytes.Buffer
	logger := log.New(&buf, log.Level("warn"), "text")
	logger.Info("hidden")
	require.Zero(t, buf.Len())
	logger.Warn("shown")
	require.Contains(t, buf.String(), "msg=shown")
}
