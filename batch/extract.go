package batch

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ExtractedItem 从批量结果中解出的一张图像。Key 为空表示该结果形状
// 不携带关联 ID，只能按提交顺序对回。
type ExtractedItem struct {
	Key   string
	Image []byte
}

// ExtractResults 解析批量结果负载。结果有两种投递形状：与提交顺序对齐
// 的内联 JSON 数组，或每行一个结果、借嵌入元数据对回关联 ID 的 JSONL
// 文件。两种形状共用同一条目解码路径。
func ExtractResults(raw []byte) ([]ExtractedItem, error) {
	entries, err := splitEntries(raw)
	if err != nil {
		return nil, err
	}
	items := make([]ExtractedItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, decodeEntry(entry))
	}
	return items, nil
}

// splitEntries 把负载拆成逐条结果：JSON 数组或 JSONL 行
func splitEntries(raw []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, fmt.Errorf("failed to parse inline results array: %w", err)
		}
		return arr, nil
	}

	var entries []json.RawMessage
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 1024*1024), 64*1024*1024) // 单行可含整张 base64 图
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		entries = append(entries, json.RawMessage(append([]byte(nil), line...)))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan result lines: %w", err)
	}
	return entries, nil
}

// resultEntry 单条结果的包装层。关联 ID 可能出现在 key、custom_id 或
// metadata.key，取第一个非空者。
type resultEntry struct {
	Key      string `json:"key,omitempty"`
	CustomID string `json:"custom_id,omitempty"`
	Metadata struct {
		Key string `json:"key,omitempty"`
	} `json:"metadata"`
	Response json.RawMessage `json:"response"`
}

func (e *resultEntry) correlationKey() string {
	if e.Key != "" {
		return e.Key
	}
	if e.CustomID != "" {
		return e.CustomID
	}
	return e.Metadata.Key
}

// decodeEntry 解出一条结果的关联 ID 与首张内联图像
func decodeEntry(raw json.RawMessage) ExtractedItem {
	var entry resultEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return ExtractedItem{}
	}
	body := entry.Response
	if len(body) == 0 {
		// 有些形状不带包装层，整条就是响应本体
		body = raw
	}
	return ExtractedItem{
		Key:   entry.correlationKey(),
		Image: extractInlineImage(body),
	}
}

// extractInlineImage 沿 candidates→content→parts→inlineData 下钻取出
// 首个可解码的 base64 图像负载
func extractInlineImage(response json.RawMessage) []byte {
	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					InlineData *struct {
						Data string `json:"data"`
					} `json:"inlineData,omitempty"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(response, &resp); err != nil {
		return nil
	}
	for _, candidate := range resp.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				continue
			}
			return raw
		}
	}
	return nil
}
