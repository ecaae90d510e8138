package batch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/imageflow/config"
	"github.com/BaSui01/imageflow/types"
)

func newBatchService(t *testing.T, handler http.HandlerFunc) *GeminiBatchService {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	svc := NewGeminiBatchService(config.GeminiConfig{
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
	}, "batch-test-key")
	// 测试里不需要礼貌性节流
	svc.limiter.SetLimit(1e6)
	return svc
}

func TestUploadPayload(t *testing.T) {
	var gotBody []byte
	var gotPath, gotKey string
	svc := newBatchService(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		gotBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(map[string]any{
			"file": map[string]any{"name": "files/abc123"},
		})
	})

	ref, err := svc.UploadPayload(context.Background(), "ep01", []byte(`{"key":"x"}`+"\n"))
	require.NoError(t, err)
	assert.Equal(t, "files/abc123", ref)
	assert.Equal(t, "/upload/v1beta/files", gotPath)
	assert.Equal(t, "batch-test-key", gotKey)
	assert.Contains(t, string(gotBody), `"key":"x"`)
}

func TestUploadPayloadMissingName(t *testing.T) {
	svc := newBatchService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"file":{}}`))
	})

	_, err := svc.UploadPayload(context.Background(), "ep01", []byte("{}\n"))
	assert.True(t, types.IsCode(err, types.ErrUpstreamError))
}

func TestCreateJob(t *testing.T) {
	var gotPath string
	var gotReq map[string]any
	svc := newBatchService(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(map[string]any{
			"name":     "batches/job-1",
			"metadata": map[string]any{"state": "BATCH_STATE_PENDING"},
		})
	})

	job, err := svc.CreateJob(context.Background(), "gemini-3-pro-image-preview", "files/abc123", "ep01")
	require.NoError(t, err)
	assert.Equal(t, "batches/job-1", job.Name)
	assert.Equal(t, "BATCH_STATE_PENDING", job.State)
	assert.False(t, job.Terminal())

	assert.Equal(t, "/v1beta/models/gemini-3-pro-image-preview:batchGenerateContent", gotPath)
	batchBody := gotReq["batch"].(map[string]any)
	assert.Equal(t, "ep01", batchBody["displayName"])
	assert.Equal(t, "files/abc123",
		batchBody["inputConfig"].(map[string]any)["fileName"])
}

// 成功终态携带内联结果；状态可能出现在 metadata 或顶层
func TestGetJobStateShapes(t *testing.T) {
	inline := `[{"key":"item-1"}]`
	responses := []string{
		`{"name":"batches/job-1","metadata":{"state":"BATCH_STATE_RUNNING"}}`,
		`{"state":"BATCH_STATE_SUCCEEDED","metadata":{"dest":{"inlinedResponses":` + inline + `}}}`,
	}
	i := 0
	svc := newBatchService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(responses[i]))
		i++
	})

	running, err := svc.GetJob(context.Background(), "batches/job-1")
	require.NoError(t, err)
	assert.Equal(t, "BATCH_STATE_RUNNING", running.State)
	assert.False(t, running.Terminal())

	done, err := svc.GetJob(context.Background(), "batches/job-1")
	require.NoError(t, err)
	assert.True(t, done.Succeeded())
	// 顶层状态响应缺 name 时沿用查询名
	assert.Equal(t, "batches/job-1", done.Name)
	assert.JSONEq(t, inline, string(done.InlineResults))
}

func TestDownloadResults(t *testing.T) {
	var gotPath, gotAlt string
	svc := newBatchService(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAlt = r.URL.Query().Get("alt")
		w.Write([]byte(`{"key":"item-1"}` + "\n"))
	})

	data, err := svc.DownloadResults(context.Background(), "files/results-1")
	require.NoError(t, err)
	assert.Contains(t, string(data), "item-1")
	assert.Equal(t, "/v1beta/download/files/results-1:download", gotPath)
	assert.Equal(t, "media", gotAlt)
}

func TestServiceErrorRetryability(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error", http.StatusBadGateway, true},
		{"throttled", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newBatchService(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", tc.status)
			})

			_, err := svc.GetJob(context.Background(), "batches/job-1")
			require.Error(t, err)
			assert.Equal(t, tc.retryable, types.IsRetryable(err))
		})
	}
}

func TestJobTerminalStates(t *testing.T) {
	assert.True(t, (&Job{State: "BATCH_STATE_SUCCEEDED"}).Succeeded())
	assert.True(t, (&Job{State: "JOB_STATE_FAILED"}).Failed())
	assert.True(t, (&Job{State: "BATCH_STATE_CANCELLED"}).Failed())
	assert.True(t, (&Job{State: "BATCH_STATE_EXPIRED"}).Failed())
	assert.False(t, (&Job{State: "BATCH_STATE_RUNNING"}).Terminal())
}
