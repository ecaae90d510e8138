package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/config"
	"github.com/BaSui01/imageflow/image"
	"github.com/BaSui01/imageflow/internal/ctxkeys"
	"github.com/BaSui01/imageflow/types"
)

// GeminiAdapter implements direct-vendor image generation against the
// Gemini generateContent endpoint. One synchronous call per request; image
// bytes arrive inline as base64 payloads nested under
// candidates→content→parts→inlineData.
type GeminiAdapter struct {
	cfg    config.GeminiConfig
	client *http.Client
	logger *zap.Logger
}

// NewGeminiAdapter creates a Gemini image adapter.
func NewGeminiAdapter(cfg config.GeminiConfig, logger *zap.Logger) *GeminiAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-3-pro-image-preview"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (a *GeminiAdapter) Name() string { return "gemini" }

type geminiInline struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string        `json:"text,omitempty"`
	InlineData *geminiInline `json:"inlineData,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type geminiGenConfig struct {
	ResponseModalities []string           `json:"responseModalities,omitempty"`
	CandidateCount     int                `json:"candidateCount,omitempty"`
	Seed               *int64             `json:"seed,omitempty"`
	ImageConfig        *geminiImageConfig `json:"imageConfig,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text       string        `json:"text,omitempty"`
				InlineData *geminiInline `json:"inlineData,omitempty"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason,omitempty"`
	} `json:"candidates"`
	ResponseID string `json:"responseId,omitempty"`
}

// Generate 执行一次 generateContent 调用并提取内联图像。
func (a *GeminiAdapter) Generate(ctx context.Context, entry image.ModelCatalogEntry, req *image.Request) (*image.ImageResult, error) {
	model := entry.Model
	if model == "" {
		model = a.cfg.Model
	}

	parts := make([]geminiPart, 0, len(req.ReferenceImages)+1)
	// 参考图在前、提示词在后，与编辑式调用保持一致
	for _, ref := range req.ReferenceImages {
		parts = append(parts, geminiPart{
			InlineData: &geminiInline{
				MimeType: "image/png",
				Data:     base64.StdEncoding.EncodeToString(ref),
			},
		})
	}
	parts = append(parts, geminiPart{Text: req.Prompt})

	genCfg := &geminiGenConfig{
		ResponseModalities: []string{"IMAGE"},
		Seed:               req.Seed,
	}
	if req.Count > 1 {
		genCfg.CandidateCount = req.Count
	}
	if req.AspectRatio != "" || req.Size != "" {
		genCfg.ImageConfig = &geminiImageConfig{
			AspectRatio: req.AspectRatio,
			ImageSize:   req.Size,
		}
	}
	if ext := req.Extensions.Gemini; ext != nil && len(ext.ResponseModalities) > 0 {
		genCfg.ResponseModalities = ext.ResponseModalities
	}

	body := geminiRequest{
		Contents:         []geminiContent{{Parts: parts, Role: "user"}},
		GenerationConfig: genCfg,
	}

	payload, err := marshalWithExtra(body, req.Extensions.Extra)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to encode request").WithCause(err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", a.cfg.BaseURL, model, req.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to create request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if id, ok := ctxkeys.RequestID(ctx); ok {
		httpReq.Header.Set("X-Request-ID", id)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewError(types.ErrUpstreamError, "gemini request failed").
			WithCause(err).WithProvider(a.Name()).WithModel(model).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, classifyHTTPError(resp.StatusCode, resp.Header, errBody, a.Name()).WithModel(model)
	}

	var gResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gResp); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "failed to decode gemini response").
			WithCause(err).WithProvider(a.Name()).WithModel(model).WithRetryable(true)
	}

	var images [][]byte
	for _, candidate := range gResp.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				a.logger.Warn("skipping undecodable inline image",
					zap.String("model", model), zap.Error(err))
				continue
			}
			images = append(images, raw)
		}
	}

	if len(images) == 0 {
		msg := "gemini returned no image data"
		if len(gResp.Candidates) > 0 && gResp.Candidates[0].FinishReason != "" {
			msg = fmt.Sprintf("gemini returned no image data (finishReason=%s)", gResp.Candidates[0].FinishReason)
			if gResp.Candidates[0].FinishReason == "SAFETY" || gResp.Candidates[0].FinishReason == "PROHIBITED_CONTENT" {
				return nil, types.NewError(types.ErrContentFiltered, msg).
					WithProvider(a.Name()).WithModel(model)
			}
		}
		return nil, types.NewError(types.ErrEmptyResult, msg).
			WithProvider(a.Name()).WithModel(model).WithRetryable(true)
	}

	return &image.ImageResult{
		Images:    images,
		Provider:  a.Name(),
		Model:     model,
		RequestID: gResp.ResponseID,
	}, nil
}
