package batch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/config"
	"github.com/BaSui01/imageflow/types"
)

// maxOutputDim 写入阶段长边上限
const maxOutputDim = 2048

// Coordinator drives the asynchronous bulk path: build a manifest, submit
// the request file, poll the job to a terminal state, fetch results in
// whichever shape the job delivers them, and write outputs to disk.
//
// The poll loop has no internal timeout — batch jobs are expected to be
// slow. Cancellation comes from the caller's context.
type Coordinator struct {
	svc         Service
	cfg         config.BatchConfig
	manifestDir string
	outputDir   string
	logger      *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithSleeper overrides the poll-interval sleep. Intended for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) CoordinatorOption {
	return func(c *Coordinator) { c.sleep = sleep }
}

// NewCoordinator creates a batch coordinator.
func NewCoordinator(svc Service, cfg config.BatchConfig, manifestDir, outputDir string, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		svc:         svc,
		cfg:         cfg,
		manifestDir: manifestDir,
		outputDir:   outputDir,
		logger:      logger,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cue 一条待生成的提示词及其在调用方序列中的位置
type Cue struct {
	Index  int
	Prompt string
}

// BuildParams 构建阶段输入
type BuildParams struct {
	// 作业名，同时作为清单文件名与输出文件名前缀
	Name  string
	Model string
	Cues  []Cue
	// 输出目标宽高比（可选）
	AspectRatio string
	// 强制重做：不跳过已有输出
	Force bool
}

// Summary 写入阶段的对账汇总
type Summary struct {
	Requested    int
	Produced     int
	Placeholders int
	FailedCues   []int
}

// Build 选出需要生成的条目并序列化请求负载。可续传：已有输出超过
// 最小字节阈值的条目被跳过（除非强制）。清单在提交前落盘。
func (c *Coordinator) Build(params BuildParams) (*Manifest, []byte, error) {
	if params.Name == "" || params.Model == "" {
		return nil, nil, types.NewError(types.ErrInvalidRequest, "batch name and model are required")
	}

	m := &Manifest{
		Schema:      ManifestSchema,
		CreatedAt:   time.Now().UTC(),
		Model:       params.Model,
		AspectRatio: params.AspectRatio,
		path:        filepath.Join(c.manifestDir, params.Name+".json"),
	}

	var payload bytes.Buffer
	skipped := 0
	for _, cue := range params.Cues {
		output := filepath.Join(c.outputDir, fmt.Sprintf("%s_%03d.png", params.Name, cue.Index))

		if !params.Force {
			if info, err := os.Stat(output); err == nil && info.Size() >= c.cfg.MinOutputBytes {
				skipped++
				continue
			}
		}

		sum := sha256.Sum256([]byte(cue.Prompt))
		item := Item{
			ID:           uuid.NewString(),
			CueIndex:     cue.Index,
			Output:       output,
			PromptSHA256: hex.EncodeToString(sum[:]),
			Prompt:       cue.Prompt,
		}
		m.Items = append(m.Items, item)

		line, err := json.Marshal(map[string]any{
			"key": item.ID,
			"request": map[string]any{
				"contents": []map[string]any{{
					"parts": []map[string]any{{"text": cue.Prompt}},
					"role":  "user",
				}},
				"generationConfig": map[string]any{
					"responseModalities": []string{"IMAGE"},
				},
			},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode request line: %w", err)
		}
		payload.Write(line)
		payload.WriteByte('\n')
	}

	if err := m.Save(); err != nil {
		return nil, nil, err
	}

	c.logger.Info("batch build complete",
		zap.String("name", params.Name),
		zap.Int("cues", len(params.Cues)),
		zap.Int("selected", len(m.Items)),
		zap.Int("skipped", skipped))
	return m, payload.Bytes(), nil
}

// Submit 上传负载、创建作业，并立即把作业 ID 持久化进清单。
func (c *Coordinator) Submit(ctx context.Context, m *Manifest, payload []byte) (*Job, error) {
	if len(m.Items) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "manifest has no items to submit")
	}

	fileRef, err := c.svc.UploadPayload(ctx, filepath.Base(m.Path()), payload)
	if err != nil {
		return nil, fmt.Errorf("failed to upload batch payload: %w", err)
	}
	m.Input = fileRef
	if err := m.Save(); err != nil {
		return nil, err
	}

	job, err := c.svc.CreateJob(ctx, m.Model, fileRef, filepath.Base(m.Path()))
	if err != nil {
		return nil, fmt.Errorf("failed to create batch job: %w", err)
	}

	// 作业 ID 必须立刻落盘：崩溃后仍可恢复轮询
	m.Job = JobRef{Name: job.Name, State: job.State}
	if err := m.Save(); err != nil {
		return nil, err
	}

	c.logger.Info("batch job submitted",
		zap.String("job", job.Name),
		zap.String("state", job.State),
		zap.Int("items", len(m.Items)))
	return job, nil
}

// Poll 以固定间隔轮询作业直至终态。无內部超时，取消全靠调用方 ctx。
func (c *Coordinator) Poll(ctx context.Context, m *Manifest) (*Job, error) {
	if m.Job.Name == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "manifest has no submitted job")
	}

	for {
		job, err := c.svc.GetJob(ctx, m.Job.Name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !types.IsRetryable(err) {
				return nil, err
			}
			// 瞬时查询失败不终止作业等待
			c.logger.Warn("poll attempt failed, will retry",
				zap.String("job", m.Job.Name), zap.Error(err))
		} else {
			if job.State != m.Job.State {
				m.Job.State = job.State
				if saveErr := m.Save(); saveErr != nil {
					c.logger.Warn("failed to persist job state", zap.Error(saveErr))
				}
				c.logger.Info("batch job state changed",
					zap.String("job", job.Name), zap.String("state", job.State))
			}
			if job.Succeeded() {
				return job, nil
			}
			if job.Failed() {
				return nil, types.NewError(types.ErrBatchFailed,
					fmt.Sprintf("batch job %s ended in state %s", job.Name, job.State))
			}
		}

		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
}

// Fetch 取回结果并按关联 ID 对回清单条目。无关联 ID 的内联数组按提交
// 顺序对齐。
func (c *Coordinator) Fetch(ctx context.Context, m *Manifest, job *Job) (map[string][]byte, error) {
	var raw []byte
	switch {
	case len(job.InlineResults) > 0:
		raw = job.InlineResults
	case job.ResultsFile != "":
		data, err := c.svc.DownloadResults(ctx, job.ResultsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to download batch results: %w", err)
		}
		raw = data
	default:
		return nil, types.NewError(types.ErrBatchFailed, "job succeeded but carries no results")
	}

	extracted, err := ExtractResults(raw)
	if err != nil {
		return nil, err
	}

	images := make(map[string][]byte, len(extracted))
	for i, item := range extracted {
		if item.Image == nil {
			continue
		}
		key := item.Key
		if key == "" && i < len(m.Items) {
			// 内联数组形状：顺序对齐
			key = m.Items[i].ID
		}
		if key != "" {
			images[key] = item.Image
		}
	}

	c.logger.Info("batch results fetched",
		zap.Int("entries", len(extracted)),
		zap.Int("decoded", len(images)))
	return images, nil
}

// Write 将解出的图像原子写入各条目的输出路径，并做宽高比后处理。
// 缺图条目在严格模式下报错，宽松模式下降级为确定性占位图，保证下游
// 总能看到完整集合。返回对账汇总。
func (c *Coordinator) Write(m *Manifest, images map[string][]byte, force bool) (*Summary, error) {
	summary := &Summary{Requested: len(m.Items)}

	for _, item := range m.Items {
		data, ok := images[item.ID]
		if !ok || len(data) == 0 {
			summary.FailedCues = append(summary.FailedCues, item.CueIndex)
			if c.cfg.Strict {
				continue // 严格模式：先收齐所有缺口再统一报错
			}
			placeholder := Placeholder(item.ID, m.AspectRatio)
			if err := atomicWrite(item.Output, placeholder, force); err != nil {
				return summary, err
			}
			summary.Placeholders++
			continue
		}

		processed, err := NormalizeAspect(data, m.AspectRatio, maxOutputDim)
		if err != nil {
			return summary, fmt.Errorf("failed to post-process cue %d: %w", item.CueIndex, err)
		}
		if err := atomicWrite(item.Output, processed, force); err != nil {
			return summary, err
		}
		summary.Produced++
	}

	c.logger.Info("batch write complete",
		zap.Int("requested", summary.Requested),
		zap.Int("produced", summary.Produced),
		zap.Int("placeholders", summary.Placeholders),
		zap.Ints("failed_cues", summary.FailedCues))

	if c.cfg.Strict && len(summary.FailedCues) > 0 {
		return summary, types.NewError(types.ErrBatchFailed,
			fmt.Sprintf("%d of %d items produced no image: cues %v",
				len(summary.FailedCues), summary.Requested, summary.FailedCues))
	}
	return summary, nil
}

// Run 串联 build→submit→poll→fetch→write。全部条目已有输出时直接返回。
func (c *Coordinator) Run(ctx context.Context, params BuildParams) (*Summary, error) {
	m, payload, err := c.Build(params)
	if err != nil {
		return nil, err
	}
	if len(m.Items) == 0 {
		c.logger.Info("all outputs up to date, nothing to submit", zap.String("name", params.Name))
		return &Summary{}, nil
	}

	if _, err := c.Submit(ctx, m, payload); err != nil {
		return nil, err
	}
	job, err := c.Poll(ctx, m)
	if err != nil {
		return nil, err
	}
	images, err := c.Fetch(ctx, m, job)
	if err != nil {
		return nil, err
	}
	return c.Write(m, images, params.Force)
}

// atomicWrite 临时文件 + rename；force 时备份已有文件
func atomicWrite(path string, data []byte, force bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	if force {
		if _, err := os.Stat(path); err == nil {
			if err := os.Rename(path, path+".bak"); err != nil {
				return fmt.Errorf("failed to back up %s: %w", path, err)
			}
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return nil
}
