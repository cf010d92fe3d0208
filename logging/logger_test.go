package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedLogger(level LogLevel) (*WeaveLogger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := NewLogger(&LoggerConfig{Level: level, Format: "json", Output: buf, Component: "test"})
	return logger, buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLevel("debug"))
	assert.Equal(t, LogLevelWarn, ParseLevel("warn"))
	assert.Equal(t, LogLevelWarn, ParseLevel("warning"))
	assert.Equal(t, LogLevelError, ParseLevel("error"))
	assert.Equal(t, LogLevelInfo, ParseLevel("anything else"))
}

func TestLevelFiltering(t *testing.T) {
	logger, buf := newBufferedLogger(LogLevelWarn)

	logger.Info("not visible")
	assert.Zero(t, buf.Len())

	logger.Warn("visible")
	entry := lastEntry(t, buf)
	assert.Equal(t, "visible", entry["msg"])
	assert.Equal(t, "test", entry["component"])
}

func TestContextualCloning(t *testing.T) {
	logger, buf := newBufferedLogger(LogLevelInfo)

	scoped := logger.WithComponent("dispatch").WithSession("sess-1").WithTask("task-1")
	scoped.Info("scoped entry")

	entry := lastEntry(t, buf)
	assert.Equal(t, "dispatch", entry["component"])
	assert.Equal(t, "sess-1", entry["session_id"])
	assert.Equal(t, "task-1", entry["task_id"])

	// The original logger is untouched.
	buf.Reset()
	logger.Info("plain entry")
	entry = lastEntry(t, buf)
	assert.Equal(t, "test", entry["component"])
	assert.NotContains(t, entry, "session_id")
}

func TestLogModelCall(t *testing.T) {
	logger, buf := newBufferedLogger(LogLevelInfo)

	logger.LogModelCall("mock-model", 2, 120*time.Millisecond, false, nil)
	entry := lastEntry(t, buf)
	assert.Equal(t, "Model call completed", entry["msg"])
	assert.Equal(t, "mock-model", entry["model"])
	assert.Equal(t, float64(2), entry["attempts"])

	buf.Reset()
	logger.LogModelCall("mock-model", 4, time.Second, true, errors.New("boom"))
	entry = lastEntry(t, buf)
	assert.Equal(t, "Model call failed", entry["msg"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLogAccess(t *testing.T) {
	logger, buf := newBufferedLogger(LogLevelInfo)

	logger.LogAccess("POST", "/api/chat", "req-1", 200, 512, 30*time.Millisecond, `{"message":"hi"}`)
	entry := lastEntry(t, buf)
	assert.Equal(t, "Request handled", entry["msg"])
	assert.Equal(t, "POST", entry["method"])
	assert.Equal(t, "/api/chat", entry["path"])
	assert.Equal(t, float64(200), entry["status"])
	assert.Equal(t, `{"message":"hi"}`, entry["body_excerpt"])
}

func TestNoOpLoggerIsSilent(t *testing.T) {
	var l Logger = NoOpLogger{}
	l.Debug("a")
	l.Info("b")
	l.Warn("c")
	l.Error("d")
}
