package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	taskKey      contextKey = "task"
)

// WithRequestID 设置本次生成的关联 ID
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID 获取关联 ID
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithTask 设置当前任务名（用于日志与上游请求标注）
func WithTask(ctx context.Context, task string) context.Context {
	return context.WithValue(ctx, taskKey, task)
}

// Task 获取当前任务名
func Task(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(taskKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
