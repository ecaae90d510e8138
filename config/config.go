// =============================================================================
// 📦 ImageFlow 配置结构
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("imageflow.yaml").
//	    WithEnvPrefix("IMAGEFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config 是 imageflow 的完整配置结构
type Config struct {
	// Paths 状态文件布局（keyring、健康缓存、租约目录等）
	Paths PathsConfig `yaml:"paths" env:"PATHS"`

	// Pools 凭据池配置，按池名（如 "script"、"image"）分区
	Pools map[string]PoolConfig `yaml:"pools" env:"-"`

	// Tasks 任务到分级的映射
	Tasks map[string]TaskConfig `yaml:"tasks" env:"-"`

	// Tiers 分级名到有序候选模型列表的映射
	Tiers map[string][]TierModelConfig `yaml:"tiers" env:"-"`

	// Providers 各图像供应商配置
	Providers ProvidersConfig `yaml:"providers" env:"PROVIDERS"`

	// RateLimit 滑动窗口限流配置
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`

	// Retry 重试编排配置
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// Lease 租约配置
	Lease LeaseConfig `yaml:"lease" env:"LEASE"`

	// Batch 批量作业配置
	Batch BatchConfig `yaml:"batch" env:"BATCH"`

	// History 生成历史审计存储（gorm/sqlite）
	History HistoryConfig `yaml:"history" env:"HISTORY"`

	// Cache 结果缓存（Redis，可选）
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// PathsConfig 状态文件布局。所有路径相对 Root 解析（绝对路径原样使用）。
type PathsConfig struct {
	// 状态根目录
	Root string `yaml:"root" env:"ROOT"`
	// keyring 文本文件（每行一个凭据）
	Keyring string `yaml:"keyring" env:"KEYRING"`
	// 凭据健康状态 JSON
	HealthFile string `yaml:"health_file" env:"HEALTH_FILE"`
	// 租约文件目录
	LeaseDir string `yaml:"lease_dir" env:"LEASE_DIR"`
	// 批量作业清单目录
	ManifestDir string `yaml:"manifest_dir" env:"MANIFEST_DIR"`
	// 生成图像输出目录
	OutputDir string `yaml:"output_dir" env:"OUTPUT_DIR"`
}

// PoolConfig 单个凭据池的来源配置。
// 候选顺序: PrimaryEnv 指向的环境变量 → Keys 内联列表 → keyring 文件，去重保序。
type PoolConfig struct {
	// 主凭据所在环境变量名
	PrimaryEnv string `yaml:"primary_env"`
	// 内联凭据列表
	Keys []string `yaml:"keys"`
	// 是否允许重试已标记 exhausted 的凭据
	RecheckExhausted bool `yaml:"recheck_exhausted"`
}

// TaskConfig 任务配置：分级名 + 任务级默认选项
type TaskConfig struct {
	// 分级名称（有序候选模型列表的名字）
	Tier string `yaml:"tier"`
	// 默认宽高比，如 "16:9"
	AspectRatio string `yaml:"aspect_ratio"`
	// 默认尺寸，如 "1024x1024"
	Size string `yaml:"size"`
	// 默认反向提示词
	NegativePrompt string `yaml:"negative_prompt"`
}

// TierModelConfig 分级中的单个候选模型及其能力标志。
// 能力标志决定选项归一化时哪些字段被保留、哪些被丢弃。
type TierModelConfig struct {
	// 供应商: gemini | openrouter
	Provider string `yaml:"provider"`
	// 模型标识
	Model string `yaml:"model"`
	// 是否支持宽高比
	AspectRatio bool `yaml:"aspect_ratio"`
	// 是否支持尺寸
	Size bool `yaml:"size"`
	// 是否支持随机种子
	Seed bool `yaml:"seed"`
	// 是否支持反向提示词
	NegativePrompt bool `yaml:"negative_prompt"`
	// 是否支持参考图
	ReferenceImages bool `yaml:"reference_images"`
}

// ProvidersConfig 供应商配置
type ProvidersConfig struct {
	Gemini     GeminiConfig     `yaml:"gemini" env:"GEMINI"`
	OpenRouter OpenRouterConfig `yaml:"openrouter" env:"OPENROUTER"`
}

// GeminiConfig 直连 Google Gemini 图像生成
type GeminiConfig struct {
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	Model   string        `yaml:"model" env:"MODEL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// Pool 此供应商取凭据的密钥池名
	Pool string `yaml:"pool" env:"POOL"`
}

// OpenRouterConfig 聚合网关（OpenAI 兼容 chat completions）
type OpenRouterConfig struct {
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	Model   string        `yaml:"model" env:"MODEL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// Pool 此供应商取凭据的密钥池名
	Pool string `yaml:"pool" env:"POOL"`
}

// RateLimitConfig 滑动窗口限流
type RateLimitConfig struct {
	// 窗口内最大调用数
	MaxPerWindow int `yaml:"max_per_window" env:"MAX_PER_WINDOW"`
	// 窗口长度
	Window time.Duration `yaml:"window" env:"WINDOW"`
}

// RetryConfig 重试编排
type RetryConfig struct {
	// 单次调用最大尝试次数
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// 初始退避延迟
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	// 最大退避延迟
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// 退避倍增因子
	Multiplier float64 `yaml:"multiplier" env:"MULTIPLIER"`
	// 连续限流失败阈值，达到后判定配额耗尽
	RateLimitThreshold int `yaml:"rate_limit_threshold" env:"RATE_LIMIT_THRESHOLD"`
	// 单次冷却等待上限
	CooldownCap time.Duration `yaml:"cooldown_cap" env:"COOLDOWN_CAP"`
	// 整个运行期的累计冷却预算
	CooldownBudget time.Duration `yaml:"cooldown_budget" env:"COOLDOWN_BUDGET"`
}

// LeaseConfig 凭据租约
type LeaseConfig struct {
	// 默认租约时长
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// 获取租约后是否立即探活
	Preflight bool `yaml:"preflight" env:"PREFLIGHT"`
	// 远端租约过期判定的时钟偏移宽限
	SkewGrace time.Duration `yaml:"skew_grace" env:"SKEW_GRACE"`
}

// BatchConfig 批量作业
type BatchConfig struct {
	// 轮询间隔
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// 已存在输出视为有效的最小字节数
	MinOutputBytes int64 `yaml:"min_output_bytes" env:"MIN_OUTPUT_BYTES"`
	// 缺图时报错（true）还是降级为占位图（false）
	Strict bool `yaml:"strict" env:"STRICT"`
}

// HistoryConfig 生成历史审计
type HistoryConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// sqlite DSN，默认 <root>/history.db
	DSN string `yaml:"dsn" env:"DSN"`
}

// CacheConfig 结果缓存
type CacheConfig struct {
	Enabled bool          `yaml:"enabled" env:"ENABLED"`
	Addr    string        `yaml:"addr" env:"ADDR"`
	DB      int           `yaml:"db" env:"DB"`
	TTL     time.Duration `yaml:"ttl" env:"TTL"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Paths.Root == "" {
		errs = append(errs, "paths.root is required")
	}
	if c.RateLimit.MaxPerWindow <= 0 {
		errs = append(errs, "rate_limit.max_per_window must be positive")
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, "rate_limit.window must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.max_attempts must be positive")
	}
	if c.Retry.RateLimitThreshold <= 0 {
		errs = append(errs, "retry.rate_limit_threshold must be positive")
	}
	if c.Retry.Multiplier < 1.0 {
		errs = append(errs, "retry.multiplier must be >= 1.0")
	}
	if c.Lease.TTL <= 0 {
		errs = append(errs, "lease.ttl must be positive")
	}
	if c.Batch.PollInterval <= 0 {
		errs = append(errs, "batch.poll_interval must be positive")
	}
	for name, task := range c.Tasks {
		if task.Tier == "" {
			errs = append(errs, fmt.Sprintf("tasks.%s.tier is required", name))
		} else if len(c.Tiers) > 0 {
			if _, ok := c.Tiers[task.Tier]; !ok {
				errs = append(errs, fmt.Sprintf("tasks.%s references undefined tier %q", name, task.Tier))
			}
		}
	}
	for tier, models := range c.Tiers {
		if len(models) == 0 {
			errs = append(errs, fmt.Sprintf("tiers.%s has no candidate models", tier))
		}
		for i, m := range models {
			if m.Provider == "" || m.Model == "" {
				errs = append(errs, fmt.Sprintf("tiers.%s[%d] requires provider and model", tier, i))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
