package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()

	_, ok := RequestID(ctx)
	assert.False(t, ok)

	ctx = WithRequestID(ctx, "req-123")
	id, ok := RequestID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "req-123", id)

	// 空值视同缺失
	_, ok = RequestID(WithRequestID(context.Background(), ""))
	assert.False(t, ok)
}

func TestTaskRoundTrip(t *testing.T) {
	ctx := WithTask(context.Background(), "illustration")
	task, ok := Task(ctx)
	assert.True(t, ok)
	assert.Equal(t, "illustration", task)
}
