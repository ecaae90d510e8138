package providers

import "encoding/json"

// marshalWithExtra 序列化请求体并把透传扩展键并入顶层。
// 结构化字段优先：与已有顶层键同名的透传键被丢弃，避免覆盖适配器
// 自身构造的字段。
func marshalWithExtra(body any, extra map[string]any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return payload, nil
	}

	var merged map[string]any
	if err := json.Unmarshal(payload, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, exists := merged[k]; exists {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}
