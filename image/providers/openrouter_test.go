package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/config"
	"github.com/BaSui01/imageflow/image"
	"github.com/BaSui01/imageflow/types"
)

func openRouterTestAdapter(serverURL string) *OpenRouterAdapter {
	a := NewOpenRouterAdapter(config.OpenRouterConfig{
		BaseURL: serverURL,
		Model:   "google/gemini-3-pro-image-preview",
		Timeout: 5 * time.Second,
	}, zap.NewNop())
	return a
}

func orImageBody(payloads ...[]byte) string {
	images := make([]map[string]any, 0, len(payloads))
	for _, p := range payloads {
		images = append(images, map[string]any{
			"type":      "image_url",
			"image_url": map[string]string{"url": "data:image/png;base64," + base64.StdEncoding.EncodeToString(p)},
		})
	}
	body := map[string]any{
		"id": "gen-abc",
		"choices": []map[string]any{{
			"message": map[string]any{"content": "", "images": images},
		}},
	}
	raw, _ := json.Marshal(body)
	return string(raw)
}

func TestOpenRouterGenerateDecodesDataURLs(t *testing.T) {
	var captured orRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer or-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(orImageBody([]byte("img-bytes"))))
	}))
	defer srv.Close()

	adapter := openRouterTestAdapter(srv.URL)
	result, err := adapter.Generate(context.Background(),
		image.ModelCatalogEntry{Provider: "openrouter", Model: "google/gemini-3-pro-image-preview"},
		&image.Request{Prompt: "a fox", APIKey: "or-key"})

	require.NoError(t, err)
	require.Len(t, result.Images, 1)
	assert.Equal(t, []byte("img-bytes"), result.Images[0])
	assert.Equal(t, "gen-abc", result.RequestID)
	assert.Equal(t, []string{"image", "text"}, captured.Modalities)
}

func TestOpenRouterGenerateMergesExtraIntoBody(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(orImageBody([]byte("out"))))
	}))
	defer srv.Close()

	adapter := openRouterTestAdapter(srv.URL)
	_, err := adapter.Generate(context.Background(),
		image.ModelCatalogEntry{Provider: "openrouter", Model: "m"},
		&image.Request{
			Prompt: "x",
			APIKey: "k",
			Extensions: image.Extensions{Extra: map[string]any{
				"provider": map[string]any{"order": []any{"google-vertex"}},
				"model":    "bogus", // 不得覆盖结构化字段
			}},
		})

	require.NoError(t, err)
	assert.Contains(t, captured, "provider")
	assert.Equal(t, "m", captured["model"])
}

// 参考图以 base64 data URL 嵌入结构化内容数组
func TestOpenRouterMultimodalPayloadShape(t *testing.T) {
	var rawBody json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rawBody))
		w.Write([]byte(orImageBody([]byte("out"))))
	}))
	defer srv.Close()

	adapter := openRouterTestAdapter(srv.URL)
	_, err := adapter.Generate(context.Background(),
		image.ModelCatalogEntry{Provider: "openrouter", Model: "m"},
		&image.Request{
			Prompt:          "continue",
			ReferenceImages: [][]byte{[]byte("ref-1")},
			APIKey:          "k",
		})
	require.NoError(t, err)

	var parsed struct {
		Messages []struct {
			Content []struct {
				Type     string `json:"type"`
				Text     string `json:"text"`
				ImageURL *struct {
					URL string `json:"url"`
				} `json:"image_url"`
			} `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rawBody, &parsed))
	require.Len(t, parsed.Messages, 1)
	content := parsed.Messages[0].Content
	require.Len(t, content, 2)
	assert.Equal(t, "text", content[0].Type)
	require.NotNil(t, content[1].ImageURL)
	assert.Contains(t, content[1].ImageURL.URL, "data:image/png;base64,")
}

// 网关以 4xx 拒绝多模态负载形状：降级为纯文本重试一次
func TestOpenRouterFallsBackToTextOnlyOnShapeRejection(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body struct {
			Messages []struct {
				Content json.RawMessage `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Messages, 1)

		// 内容为数组（多模态）→ 拒绝；为字符串（纯文本）→ 成功
		if body.Messages[0].Content[0] == '[' {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"multimodal content not supported for this model"}}`))
			return
		}
		w.Write([]byte(orImageBody([]byte("fallback-img"))))
	}))
	defer srv.Close()

	adapter := openRouterTestAdapter(srv.URL)
	result, err := adapter.Generate(context.Background(),
		image.ModelCatalogEntry{Provider: "openrouter", Model: "m"},
		&image.Request{
			Prompt:          "x",
			ReferenceImages: [][]byte{[]byte("ref")},
			APIKey:          "k",
		})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, result.Images, 1)
	assert.Equal(t, []byte("fallback-img"), result.Images[0])
}

// 纯文本降级也失败：返回首次（多模态）的错误
func TestOpenRouterSurfacesErrorWhenFallbackAlsoFails(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad payload"}}`))
	}))
	defer srv.Close()

	adapter := openRouterTestAdapter(srv.URL)
	_, err := adapter.Generate(context.Background(),
		image.ModelCatalogEntry{Provider: "openrouter", Model: "m"},
		&image.Request{Prompt: "x", ReferenceImages: [][]byte{[]byte("r")}, APIKey: "k"})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

// 鉴权/限流类 4xx 不触发降级重试
func TestOpenRouterNoFallbackOnAuthOrRateLimit(t *testing.T) {
	for _, tc := range []struct {
		name   string
		status int
		body   string
		code   types.ErrorCode
	}{
		{"unauthorized", 401, `{"error":{"message":"bad key"}}`, types.ErrUnauthorized},
		{"rate limited", 429, `{"error":{"message":"slow down"}}`, types.ErrRateLimited},
	} {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			adapter := openRouterTestAdapter(srv.URL)
			_, err := adapter.Generate(context.Background(),
				image.ModelCatalogEntry{Provider: "openrouter", Model: "m"},
				&image.Request{Prompt: "x", ReferenceImages: [][]byte{[]byte("r")}, APIKey: "k"})

			require.Error(t, err)
			assert.Equal(t, 1, calls)
			assert.True(t, types.IsCode(err, tc.code))
		})
	}
}

func TestDecodeDataURL(t *testing.T) {
	raw, ok := decodeDataURL("data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("hello")))
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), raw)

	_, ok = decodeDataURL("https://example.com/image.png")
	assert.False(t, ok)

	_, ok = decodeDataURL("data:image/png;base64,%%%")
	assert.False(t, ok)
}
