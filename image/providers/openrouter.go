package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/imageflow/config"
	"github.com/BaSui01/imageflow/image"
	"github.com/BaSui01/imageflow/internal/ctxkeys"
	"github.com/BaSui01/imageflow/types"
)

// OpenRouterAdapter implements the aggregator-gateway path: image generation
// through an OpenAI-compatible chat/completions endpoint. Reference images
// are embedded as base64 data URLs inside a structured content array.
//
// Payload state machine: try the multimodal payload first; if the gateway
// rejects the payload *shape* (4xx), retry once with a plain-text-only
// payload; surface the final error if that also fails.
type OpenRouterAdapter struct {
	cfg     config.OpenRouterConfig
	client  *http.Client
	logger  *zap.Logger
	limiter *rate.Limiter // 对网关的礼貌性节流，独立于调用方的滑动窗口
}

// NewOpenRouterAdapter creates an aggregator-gateway adapter.
func NewOpenRouterAdapter(cfg config.OpenRouterConfig, logger *zap.Logger) *OpenRouterAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api"
	}
	if cfg.Model == "" {
		cfg.Model = "google/gemini-3-pro-image-preview"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenRouterAdapter{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
	}
}

func (a *OpenRouterAdapter) Name() string { return "openrouter" }

type orContentPart struct {
	Type     string      `json:"type"` // "text" | "image_url"
	Text     string      `json:"text,omitempty"`
	ImageURL *orImageURL `json:"image_url,omitempty"`
}

type orImageURL struct {
	URL string `json:"url"`
}

type orMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string 或 []orContentPart
}

type orRequest struct {
	Model      string      `json:"model"`
	Messages   []orMessage `json:"messages"`
	Modalities []string    `json:"modalities,omitempty"`
	Route      string      `json:"route,omitempty"`
	Transforms []string    `json:"transforms,omitempty"`
}

type orResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Images  []struct {
				Type     string     `json:"type"`
				ImageURL orImageURL `json:"image_url"`
			} `json:"images,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
}

// Generate 先尝试多模态负载；网关以 4xx 拒绝负载形状时降级为纯文本重试一次。
func (a *OpenRouterAdapter) Generate(ctx context.Context, entry image.ModelCatalogEntry, req *image.Request) (*image.ImageResult, error) {
	model := entry.Model
	if model == "" {
		model = a.cfg.Model
	}

	result, err := a.call(ctx, model, req, true)
	if err == nil {
		return result, nil
	}

	// 仅当多模态内容确实存在、且被 4xx 拒绝时才值得降级重试
	if len(req.ReferenceImages) > 0 && isShapeRejection(err) {
		a.logger.Warn("gateway rejected multimodal payload, retrying text-only",
			zap.String("model", model), zap.Error(err))
		if result, retryErr := a.call(ctx, model, req, false); retryErr == nil {
			return result, nil
		}
		// 降级也失败：返回首次（多模态）的错误
	}
	return nil, err
}

// isShapeRejection 判定错误是否为负载形状被拒（非鉴权、非限流的 4xx）
func isShapeRejection(err error) bool {
	var te *types.Error
	if !errors.As(err, &te) {
		return false
	}
	switch te.Code {
	case types.ErrInvalidRequest, types.ErrPayloadRejected:
		return true
	}
	return te.HTTPStatus >= 400 && te.HTTPStatus < 500 &&
		te.Code != types.ErrUnauthorized &&
		te.Code != types.ErrForbidden &&
		te.Code != types.ErrRateLimited &&
		te.Code != types.ErrQuotaExceeded &&
		te.Code != types.ErrCooldown
}

func (a *OpenRouterAdapter) call(ctx context.Context, model string, req *image.Request, multimodal bool) (*image.ImageResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	prompt := req.Prompt
	if req.AspectRatio != "" {
		// 网关不暴露结构化宽高比字段，附加到提示词
		prompt = fmt.Sprintf("%s\n\nAspect ratio: %s", prompt, req.AspectRatio)
	}

	msg := orMessage{Role: "user", Content: prompt}
	if multimodal && len(req.ReferenceImages) > 0 {
		parts := make([]orContentPart, 0, len(req.ReferenceImages)+1)
		parts = append(parts, orContentPart{Type: "text", Text: prompt})
		for _, ref := range req.ReferenceImages {
			parts = append(parts, orContentPart{
				Type: "image_url",
				ImageURL: &orImageURL{
					URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(ref),
				},
			})
		}
		msg.Content = parts
	}

	body := orRequest{
		Model:      model,
		Messages:   []orMessage{msg},
		Modalities: []string{"image", "text"},
	}
	if ext := req.Extensions.OpenRouter; ext != nil {
		body.Route = ext.Route
		body.Transforms = ext.Transforms
	}

	payload, err := marshalWithExtra(body, req.Extensions.Extra)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to encode request").WithCause(err)
	}

	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to create request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	if id, ok := ctxkeys.RequestID(ctx); ok {
		httpReq.Header.Set("X-Request-ID", id)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewError(types.ErrUpstreamError, "openrouter request failed").
			WithCause(err).WithProvider(a.Name()).WithModel(model).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, classifyHTTPError(resp.StatusCode, resp.Header, errBody, a.Name()).WithModel(model)
	}

	var oResp orResponse
	if err := json.NewDecoder(resp.Body).Decode(&oResp); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "failed to decode openrouter response").
			WithCause(err).WithProvider(a.Name()).WithModel(model).WithRetryable(true)
	}

	var images [][]byte
	for _, choice := range oResp.Choices {
		for _, img := range choice.Message.Images {
			raw, ok := decodeDataURL(img.ImageURL.URL)
			if !ok {
				a.logger.Warn("skipping undecodable image payload", zap.String("model", model))
				continue
			}
			images = append(images, raw)
		}
	}

	if len(images) == 0 {
		return nil, types.NewError(types.ErrEmptyResult, "openrouter returned no image data").
			WithProvider(a.Name()).WithModel(model).WithRetryable(true)
	}

	return &image.ImageResult{
		Images:    images,
		Provider:  a.Name(),
		Model:     model,
		RequestID: oResp.ID,
	}, nil
}

// decodeDataURL 解码 data:image/...;base64,xxx 形式的内联图像
func decodeDataURL(url string) ([]byte, bool) {
	idx := strings.Index(url, ";base64,")
	if idx < 0 || !strings.HasPrefix(url, "data:") {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(url[idx+len(";base64,"):])
	if err != nil {
		return nil, false
	}
	return raw, true
}
