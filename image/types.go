// 包 image 提供任务到模型的解析与供应商适配器的统一类型.
package image

import (
	"context"
)

// ImageTaskOptions 代表一次图像生成调用的完整输入。每次调用不可变。
type ImageTaskOptions struct {
	// 任务名，如 "illustration"、"cover"
	Task string `json:"task"`
	// 正向提示词
	Prompt string `json:"prompt"`
	// 宽高比，如 "16:9"（可选）
	AspectRatio string `json:"aspect_ratio,omitempty"`
	// 尺寸，如 "1024x1024"（可选）
	Size string `json:"size,omitempty"`
	// 随机种子（可选，nil 表示未指定）
	Seed *int64 `json:"seed,omitempty"`
	// 反向提示词（可选）
	NegativePrompt string `json:"negative_prompt,omitempty"`
	// 请求图像数量，0 视为 1
	Count int `json:"count,omitempty"`
	// 参考图（原始字节，用于连续性链式生成）
	ReferenceImages [][]byte `json:"-"`
	// 各适配器专属扩展选项
	Extensions Extensions `json:"extensions,omitempty"`
}

// Extensions 按适配器分组的扩展选项。
// 每个字段只被对应的适配器读取；Extra 为向前兼容的透传字段，
// 适配器将其并入请求体顶层。
type Extensions struct {
	Gemini     *GeminiExtensions     `json:"gemini,omitempty"`
	OpenRouter *OpenRouterExtensions `json:"openrouter,omitempty"`
	// Extra 向前兼容透传：键值对并入供应商请求体顶层，
	// 与适配器自身构造的顶层字段同名时被丢弃
	Extra map[string]any `json:"extra,omitempty"`
}

// GeminiExtensions 直连 Gemini 的扩展选项
type GeminiExtensions struct {
	ResponseModalities []string `json:"response_modalities,omitempty"`
	PersonGeneration   string   `json:"person_generation,omitempty"`
}

// OpenRouterExtensions 聚合网关的扩展选项
type OpenRouterExtensions struct {
	// 路由偏好，如 "fallback"
	Route string `json:"route,omitempty"`
	// 请求变换，如 ["middle-out"]
	Transforms []string `json:"transforms,omitempty"`
}

// ImageResult 代表一次成功生成的结果
type ImageResult struct {
	// 有序图像字节缓冲
	Images [][]byte `json:"-"`
	// 供应商标识
	Provider string `json:"provider"`
	// 模型标识
	Model string `json:"model"`
	// 供应商返回的请求 ID（可选）
	RequestID string `json:"request_id,omitempty"`
	// 自由格式元数据
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ModelCatalogEntry 描述一个候选模型及其能力标志。
// 能力标志驱动选项归一化：不支持的字段在委派给适配器前被丢弃。
type ModelCatalogEntry struct {
	Provider                string
	Model                   string
	SupportsAspectRatio     bool
	SupportsSize            bool
	SupportsSeed            bool
	SupportsNegativePrompt  bool
	SupportsReferenceImages bool
}

// Request 是已按模型能力归一化、可直接交给适配器的请求。
type Request struct {
	Prompt          string
	AspectRatio     string
	Size            string
	Seed            *int64
	NegativePrompt  string
	Count           int
	ReferenceImages [][]byte
	Extensions      Extensions

	// APIKey 租约提供的凭据，仅本次调用有效
	APIKey string
}

// Adapter 将归一化请求转换为供应商专属的网络调用。
type Adapter interface {
	// Generate 执行一次生成调用并提取图像字节。
	Generate(ctx context.Context, entry ModelCatalogEntry, req *Request) (*ImageResult, error)

	// Name 返回适配器名称。
	Name() string
}
