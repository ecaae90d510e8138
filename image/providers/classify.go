package providers

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/imageflow/types"
)

// 错误分类顺序：供应商结构化错误码 → HTTP 状态码 → 文本签名回退表。
// 文本匹配天然脆弱，回退表带版本号，供应商措辞变化时整表更新。

// signatureTableVersion 文本签名回退表版本
const signatureTableVersion = "2026-08"

// dailyQuotaSignatures 每日配额（等待无用）的文本签名
var dailyQuotaSignatures = []string{
	"daily quota",
	"quota exceeded for quota metric",
	"per day",
	"requests per day",
	"billing",
	"insufficient credit",
}

// cooldownPattern 匹配 "cooldown for ~12s" 风格的等待提示
var cooldownPattern = regexp.MustCompile(`cooldown for ~?(\d+(?:\.\d+)?)s`)

// googleRPCError Google API 标准错误体
type googleRPCError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"` // RESOURCE_EXHAUSTED, INVALID_ARGUMENT, ...
		Details []struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay,omitempty"` // "3s"
		} `json:"details"`
	} `json:"error"`
}

// openAIStyleError OpenAI 兼容错误体
type openAIStyleError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// extractMessage 从错误响应体提取人类可读消息，解析失败回退原文
func extractMessage(body []byte) string {
	var g googleRPCError
	if err := json.Unmarshal(body, &g); err == nil && g.Error.Message != "" {
		return g.Error.Message
	}
	var o openAIStyleError
	if err := json.Unmarshal(body, &o); err == nil && o.Error.Message != "" {
		return o.Error.Message
	}
	return strings.TrimSpace(string(body))
}

// parseRetryAfter 解析 Retry-After 头（秒数或 HTTP 日期）
func parseRetryAfter(h http.Header) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
	}
	return 0, false
}

// parseCooldownHint 从消息文本解析冷却提示
func parseCooldownHint(msg string) (time.Duration, bool) {
	m := cooldownPattern.FindStringSubmatch(strings.ToLower(msg))
	if m == nil {
		return 0, false
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// structuredRetryDelay 从 Google RetryInfo 详情提取结构化重试延迟
func structuredRetryDelay(body []byte) (time.Duration, bool) {
	var g googleRPCError
	if err := json.Unmarshal(body, &g); err != nil {
		return 0, false
	}
	for _, d := range g.Error.Details {
		if !strings.HasSuffix(d.Type, "RetryInfo") || d.RetryDelay == "" {
			continue
		}
		if dur, err := time.ParseDuration(d.RetryDelay); err == nil && dur > 0 {
			return dur, true
		}
	}
	return 0, false
}

// isDailyQuota 判定是否为每日配额签名（区别于一般限流）。
// 结构化优先：Google 的 RESOURCE_EXHAUSTED 且无 RetryInfo 多为配额；
// 文本签名仅作回退。
func isDailyQuota(body []byte, msg string) bool {
	var g googleRPCError
	if err := json.Unmarshal(body, &g); err == nil && g.Error.Status == "RESOURCE_EXHAUSTED" {
		if _, hasRetry := structuredRetryDelay(body); !hasRetry {
			lower := strings.ToLower(g.Error.Message)
			for _, sig := range dailyQuotaSignatures {
				if strings.Contains(lower, sig) {
					return true
				}
			}
		}
	}
	lower := strings.ToLower(msg)
	for _, sig := range dailyQuotaSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// classifyHTTPError 将失败的 HTTP 响应映射为带重试标记的 types.Error。
// 冷却提示优先级: Retry-After 头 > 结构化 RetryInfo > 文本提示。
func classifyHTTPError(status int, headers http.Header, body []byte, provider string) *types.Error {
	msg := extractMessage(body)

	cooldown, hasCooldown := parseRetryAfter(headers)
	if !hasCooldown {
		cooldown, hasCooldown = structuredRetryDelay(body)
	}
	if !hasCooldown {
		cooldown, hasCooldown = parseCooldownHint(msg)
	}

	switch status {
	case http.StatusUnauthorized:
		return types.NewError(types.ErrUnauthorized, msg).
			WithHTTPStatus(status).WithProvider(provider)
	case http.StatusForbidden:
		return types.NewError(types.ErrForbidden, msg).
			WithHTTPStatus(status).WithProvider(provider)
	case http.StatusTooManyRequests:
		if isDailyQuota(body, msg) {
			return types.NewError(types.ErrQuotaExceeded, msg).
				WithHTTPStatus(status).WithProvider(provider)
		}
		if hasCooldown {
			return types.NewError(types.ErrCooldown, msg).
				WithHTTPStatus(status).WithProvider(provider).
				WithRetryable(true).WithCooldown(cooldown)
		}
		return types.NewError(types.ErrRateLimited, msg).
			WithHTTPStatus(status).WithProvider(provider).WithRetryable(true)
	case http.StatusBadRequest:
		if isDailyQuota(body, msg) {
			return types.NewError(types.ErrQuotaExceeded, msg).
				WithHTTPStatus(status).WithProvider(provider)
		}
		return types.NewError(types.ErrInvalidRequest, msg).
			WithHTTPStatus(status).WithProvider(provider)
	case http.StatusNotFound:
		return types.NewError(types.ErrModelNotFound, msg).
			WithHTTPStatus(status).WithProvider(provider)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return types.NewError(types.ErrUpstreamTimeout, msg).
			WithHTTPStatus(status).WithProvider(provider).WithRetryable(true)
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return types.NewError(types.ErrUpstreamError, msg).
			WithHTTPStatus(status).WithProvider(provider).WithRetryable(true)
	default:
		if hasCooldown {
			return types.NewError(types.ErrCooldown, msg).
				WithHTTPStatus(status).WithProvider(provider).
				WithRetryable(true).WithCooldown(cooldown)
		}
		return types.NewError(types.ErrUpstreamError, msg).
			WithHTTPStatus(status).WithProvider(provider).
			WithRetryable(status >= 500)
	}
}
