package log

import (
	"testing"

	kratoslog "github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedAdapter(t *testing.T) (kratoslog.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewKratosAdapter(zap.New(core)), logs
}

// Test that key/value pairs map to zap fields at the right level.
func TestKratosAdapter_Log(t *testing.T) {
	adapter, logs := newObservedAdapter(t)

	err := adapter.Log(kratoslog.LevelWarn, "msg", "circuit opened", "failure_count", 5)
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)

	fields := entries[0].ContextMap()
	assert.Equal(t, "circuit opened", fields["msg"])
	assert.Equal(t, int64(5), fields["failure_count"])
}

// Test that string values are sanitized by key while non-strings pass
// through.
func TestKratosAdapter_Sanitizes(t *testing.T) {
	adapter, logs := newObservedAdapter(t)

	err := adapter.Log(kratoslog.LevelInfo,
		"api_key", "sk-abcdef1234567890",
		"identifier", "client-abcdef",
		"count", 3,
	)
	require.NoError(t, err)

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "sk-a***********7890", fields["api_key"])
	assert.Equal(t, "client-a...", fields["identifier"])
	assert.Equal(t, int64(3), fields["count"])
}

// Test that an odd trailing key and empty calls are tolerated.
func TestKratosAdapter_MalformedInput(t *testing.T) {
	adapter, logs := newObservedAdapter(t)

	require.NoError(t, adapter.Log(kratoslog.LevelInfo))
	require.NoError(t, adapter.Log(kratoslog.LevelInfo, "dangling"))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].ContextMap())
}

// Test the domain-tagged helper methods stamp a type field.
func TestLogHelper_TypeTags(t *testing.T) {
	adapter, logs := newObservedAdapter(t)
	helper := NewLogHelper(adapter)

	helper.Request("GET", "/api/v1/quotes", 200, 12)
	helper.RateLimit("request rejected", "identifier", "client-abcdef")

	entries := logs.All()
	require.Len(t, entries, 2)

	req := entries[0].ContextMap()
	assert.Equal(t, "request", req["type"])
	assert.Equal(t, "GET /api/v1/quotes - 200 (12ms)", req["msg"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "rate_limit", entries[1].ContextMap()["type"])
}
