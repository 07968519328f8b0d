package log

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateRequestID(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9a-z]{10}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateRequestID()
		assert.Regexp(t, pattern, id)
		seen[id] = true
	}
	assert.Greater(t, len(seen), 95)
}

func TestRequestContext(t *testing.T) {
	ctx := WithRequestContext(context.Background(), "abc", "POST", "/v1/session/refresh")

	assert.Equal(t, "abc", GetRequestID(ctx))
	reqCtx := GetRequestContext(ctx)
	assert.Equal(t, "POST", reqCtx.Method)
	assert.Equal(t, "/v1/session/refresh", reqCtx.Path)
	assert.False(t, reqCtx.StartTime.IsZero())
	assert.GreaterOrEqual(t, GetElapsedTime(ctx), int64(0))

	SetUserID(ctx, "u-9")
	assert.Equal(t, "u-9", GetRequestContext(ctx).UserID)

	SetMetadata(ctx, "outcome", "degraded")
	v, ok := GetMetadata(ctx, "outcome")
	assert.True(t, ok)
	assert.Equal(t, "degraded", v)
}

func TestRequestContext_Missing(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "unknown", GetRequestID(ctx))
	assert.Equal(t, int64(0), GetElapsedTime(ctx))
	_, ok := GetMetadata(ctx, "anything")
	assert.False(t, ok)
}
