package config

import "time"

// DefaultConfig 返回带合理默认值的配置
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			Root:        ".imageflow",
			Keyring:     "keyring.txt",
			HealthFile:  "key_health.json",
			LeaseDir:    "leases",
			ManifestDir: "batches",
			OutputDir:   "output",
		},
		Pools: map[string]PoolConfig{
			"image":      {PrimaryEnv: "GEMINI_API_KEY", RecheckExhausted: true},
			"openrouter": {PrimaryEnv: "OPENROUTER_API_KEY", RecheckExhausted: true},
		},
		Tasks: map[string]TaskConfig{
			"illustration": {Tier: "standard", AspectRatio: "16:9"},
		},
		Tiers: map[string][]TierModelConfig{
			"standard": {
				{
					Provider:        "gemini",
					Model:           "gemini-3-pro-image-preview",
					AspectRatio:     true,
					Size:            true,
					Seed:            true,
					NegativePrompt:  false,
					ReferenceImages: true,
				},
				{
					Provider:        "openrouter",
					Model:           "google/gemini-3-pro-image-preview",
					AspectRatio:     true,
					Size:            false,
					Seed:            false,
					NegativePrompt:  false,
					ReferenceImages: true,
				},
			},
		},
		Providers: ProvidersConfig{
			Gemini: GeminiConfig{
				BaseURL: "https://generativelanguage.googleapis.com",
				Model:   "gemini-3-pro-image-preview",
				Timeout: 120 * time.Second,
				Pool:    "image",
			},
			OpenRouter: OpenRouterConfig{
				BaseURL: "https://openrouter.ai/api",
				Model:   "google/gemini-3-pro-image-preview",
				Timeout: 120 * time.Second,
				Pool:    "openrouter",
			},
		},
		RateLimit: RateLimitConfig{
			MaxPerWindow: 8,
			Window:       60 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:        4,
			InitialDelay:       2 * time.Second,
			MaxDelay:           60 * time.Second,
			Multiplier:         2.0,
			RateLimitThreshold: 5,
			CooldownCap:        90 * time.Second,
			CooldownBudget:     15 * time.Minute,
		},
		Lease: LeaseConfig{
			TTL:       10 * time.Minute,
			Preflight: false,
			SkewGrace: 30 * time.Second,
		},
		Batch: BatchConfig{
			PollInterval:   30 * time.Second,
			MinOutputBytes: 1024,
			Strict:         false,
		},
		History: HistoryConfig{Enabled: false},
		Cache:   CacheConfig{Enabled: false, TTL: 1 * time.Hour},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "imageflow",
			SampleRate:  1.0,
		},
	}
}
