package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newBufferedZap 返回写入内存缓冲区的 JSON zap logger
func newBufferedZap(level zapcore.Level) (*zap.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zapcore.EncoderConfig{
			MessageKey:  "msg",
			LevelKey:    "level",
			EncodeLevel: zapcore.LowercaseLevelEncoder,
		}),
		zapcore.AddSync(buf),
		level,
	)
	return zap.New(core), buf
}

// lines 解析缓冲区中的每一行 JSON 日志
func lines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := map[string]interface{}{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestKratosAdapter_EmptyKeyvals(t *testing.T) {
	z, buf := newBufferedZap(zapcore.DebugLevel)
	adapter := NewKratosAdapter(z)

	assert.NoError(t, adapter.Log(log.LevelInfo))
	assert.Empty(t, buf.String())
}

func TestKratosAdapter_MessageKeyBecomesMessage(t *testing.T) {
	z, buf := newBufferedZap(zapcore.DebugLevel)
	helper := log.NewHelper(NewKratosAdapter(z))

	helper.Infow("msg", "session refreshed", "user_id", "u-1", "attempts", 2)

	entries := lines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "session refreshed", entries[0]["msg"])
	assert.Equal(t, "u-1", entries[0]["user_id"])
	assert.Equal(t, float64(2), entries[0]["attempts"])
}

func TestKratosAdapter_Levels(t *testing.T) {
	z, buf := newBufferedZap(zapcore.DebugLevel)
	adapter := NewKratosAdapter(z)

	levels := map[log.Level]string{
		log.LevelDebug: "debug",
		log.LevelInfo:  "info",
		log.LevelWarn:  "warn",
		log.LevelError: "error",
	}
	for level, want := range levels {
		buf.Reset()
		require.NoError(t, adapter.Log(level, "msg", "hello"))
		entries := lines(t, buf)
		require.Len(t, entries, 1)
		assert.Equal(t, want, entries[0]["level"])
	}
}

func TestKratosAdapter_UnknownLevelLogsInfo(t *testing.T) {
	z, buf := newBufferedZap(zapcore.DebugLevel)
	adapter := NewKratosAdapter(z)

	require.NoError(t, adapter.Log(log.Level(99), "msg", "odd level"))
	entries := lines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "info", entries[0]["level"])
}

func TestKratosAdapter_OddKeyvals(t *testing.T) {
	z, buf := newBufferedZap(zapcore.DebugLevel)
	adapter := NewKratosAdapter(z)

	require.NoError(t, adapter.Log(log.LevelInfo, "msg", "unpaired", "dangling"))
	entries := lines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "KEYVALS UNPAIRED", entries[0]["dangling"])
}

func TestKratosAdapter_SanitizesSensitiveValues(t *testing.T) {
	z, buf := newBufferedZap(zapcore.DebugLevel)
	adapter := NewKratosAdapter(z)

	require.NoError(t, adapter.Log(log.LevelInfo,
		"msg", "login",
		"refresh_token", "rt-1234567890abcdef",
		"email", "alice@example.com",
		"category", "auth.login",
	))

	entries := lines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "rt-1***********cdef", entries[0]["refresh_token"])
	assert.Equal(t, "ali***@example.com", entries[0]["email"])
	assert.Equal(t, "auth.login", entries[0]["category"])
}

func TestKratosAdapter_ErrorValues(t *testing.T) {
	z, buf := newBufferedZap(zapcore.DebugLevel)
	adapter := NewKratosAdapter(z)

	require.NoError(t, adapter.Log(log.LevelWarn, "msg", "failed", "error", errors.New("connection reset")))
	entries := lines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "connection reset", entries[0]["error"])
}

func TestKratosAdapter_WithModule(t *testing.T) {
	z, buf := newBufferedZap(zapcore.InfoLevel)
	helper := log.NewHelper(log.With(NewKratosAdapter(z), "module", "biz/session"))

	helper.Debugw("msg", "hidden")
	helper.Warnw("msg", "visible")

	entries := lines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "visible", entries[0]["msg"])
	assert.Equal(t, "biz/session", entries[0]["module"])
}
