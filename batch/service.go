package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/BaSui01/imageflow/config"
	"github.com/BaSui01/imageflow/types"
)

// Job 供应商侧批量作业快照
type Job struct {
	Name  string
	State string
	// RawDest 终态成功时的结果引用：内联数组或结果文件名
	InlineResults json.RawMessage
	ResultsFile   string
}

// 终态判定。供应商状态字符串形如 BATCH_STATE_SUCCEEDED / JOB_STATE_FAILED。
func (j *Job) Succeeded() bool {
	return strings.HasSuffix(j.State, "_SUCCEEDED")
}

func (j *Job) Failed() bool {
	return strings.HasSuffix(j.State, "_FAILED") ||
		strings.HasSuffix(j.State, "_CANCELLED") ||
		strings.HasSuffix(j.State, "_EXPIRED")
}

func (j *Job) Terminal() bool { return j.Succeeded() || j.Failed() }

// Service 抽象供应商批量作业 API：上传请求文件、创建作业、查询状态、
// 取回结果。
type Service interface {
	// UploadPayload 上传行分隔请求负载，返回文件引用
	UploadPayload(ctx context.Context, displayName string, payload []byte) (string, error)
	// CreateJob 以上传文件为输入创建批量作业
	CreateJob(ctx context.Context, model, fileRef, displayName string) (*Job, error)
	// GetJob 查询作业状态
	GetJob(ctx context.Context, name string) (*Job, error)
	// DownloadResults 下载结果文件内容（JSONL）
	DownloadResults(ctx context.Context, fileRef string) ([]byte, error)
}

// GeminiBatchService 通过 Gemini 批量端点实现 Service。
type GeminiBatchService struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter // 轮询/下载的礼貌性节流
}

// NewGeminiBatchService 创建 Gemini 批量服务客户端
func NewGeminiBatchService(cfg config.GeminiConfig, apiKey string) *GeminiBatchService {
	base := cfg.BaseURL
	if base == "" {
		base = "https://generativelanguage.googleapis.com"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &GeminiBatchService{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

func (s *GeminiBatchService) do(ctx context.Context, method, url string, body []byte, contentType string) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewError(types.ErrUpstreamError, "batch request failed").
			WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "failed to read batch response").WithCause(err)
	}
	if resp.StatusCode >= 400 {
		return nil, types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("batch endpoint returned %d: %s", resp.StatusCode, truncate(string(data), 512))).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(resp.StatusCode >= 500 || resp.StatusCode == 429)
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// UploadPayload 上传 JSONL 请求文件
func (s *GeminiBatchService) UploadPayload(ctx context.Context, displayName string, payload []byte) (string, error) {
	url := fmt.Sprintf("%s/upload/v1beta/files?key=%s", s.baseURL, s.apiKey)
	data, err := s.do(ctx, http.MethodPost, url, payload, "application/jsonl")
	if err != nil {
		return "", err
	}
	var resp struct {
		File struct {
			Name string `json:"name"`
		} `json:"file"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || resp.File.Name == "" {
		return "", types.NewError(types.ErrUpstreamError, "upload response missing file name").WithCause(err)
	}
	return resp.File.Name, nil
}

type geminiJobResponse struct {
	Name     string `json:"name"`
	Metadata struct {
		State string `json:"state"`
		Dest  struct {
			InlinedResponses json.RawMessage `json:"inlinedResponses,omitempty"`
			ResponsesFile    string          `json:"responsesFile,omitempty"`
		} `json:"dest"`
	} `json:"metadata"`
	// 部分端点把状态放在顶层
	State string `json:"state,omitempty"`
}

func (r *geminiJobResponse) toJob() *Job {
	state := r.Metadata.State
	if state == "" {
		state = r.State
	}
	return &Job{
		Name:          r.Name,
		State:         state,
		InlineResults: r.Metadata.Dest.InlinedResponses,
		ResultsFile:   r.Metadata.Dest.ResponsesFile,
	}
}

// CreateJob 创建批量生成作业
func (s *GeminiBatchService) CreateJob(ctx context.Context, model, fileRef, displayName string) (*Job, error) {
	body, _ := json.Marshal(map[string]any{
		"batch": map[string]any{
			"displayName": displayName,
			"inputConfig": map[string]any{"fileName": fileRef},
		},
	})
	url := fmt.Sprintf("%s/v1beta/models/%s:batchGenerateContent?key=%s", s.baseURL, model, s.apiKey)
	data, err := s.do(ctx, http.MethodPost, url, body, "application/json")
	if err != nil {
		return nil, err
	}
	var resp geminiJobResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.Name == "" {
		return nil, types.NewError(types.ErrUpstreamError, "create job response missing name").WithCause(err)
	}
	return resp.toJob(), nil
}

// GetJob 查询作业状态
func (s *GeminiBatchService) GetJob(ctx context.Context, name string) (*Job, error) {
	url := fmt.Sprintf("%s/v1beta/%s?key=%s", s.baseURL, name, s.apiKey)
	data, err := s.do(ctx, http.MethodGet, url, nil, "")
	if err != nil {
		return nil, err
	}
	var resp geminiJobResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "failed to parse job state").WithCause(err)
	}
	if resp.Name == "" {
		resp.Name = name
	}
	return resp.toJob(), nil
}

// DownloadResults 下载结果 JSONL 文件
func (s *GeminiBatchService) DownloadResults(ctx context.Context, fileRef string) ([]byte, error) {
	url := fmt.Sprintf("%s/v1beta/download/%s:download?alt=media&key=%s", s.baseURL, fileRef, s.apiKey)
	return s.do(ctx, http.MethodGet, url, nil, "")
}
