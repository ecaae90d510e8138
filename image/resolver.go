package image

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/config"
	"github.com/BaSui01/imageflow/types"
)

// Resolver drives task→tier→model resolution and failover across candidate
// models. It holds no per-call state: each Generate walks the candidate list
// independently, threading attempt outcomes through the loop rather than
// aborting on the first recoverable failure.
type Resolver struct {
	catalog  *Catalog
	adapters map[string]Adapter
	logger   *zap.Logger
}

// NewResolver creates a resolver over the given catalog and adapter set.
// Adapters are keyed by provider id ("gemini", "openrouter", ...).
func NewResolver(catalog *Catalog, adapters map[string]Adapter, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		catalog:  catalog,
		adapters: adapters,
		logger:   logger,
	}
}

// Generate resolves the task, then tries each candidate model in order.
// A failing candidate is recorded and the next one is tried; only when every
// candidate has failed does the call fail, with an aggregate error
// enumerating every (model, error) pair. Context cancellation aborts the
// loop immediately.
//
// keys maps provider id to the credential to use for that provider; a
// candidate whose provider has no key is recorded as an attempt and skipped.
func (r *Resolver) Generate(ctx context.Context, opts *ImageTaskOptions, keys map[string]string) (*ImageResult, error) {
	if opts == nil || opts.Prompt == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "prompt is required")
	}

	taskCfg, candidates, err := r.catalog.Resolve(opts.Task)
	if err != nil {
		return nil, err
	}

	var attempts []types.AttemptError
	for _, entry := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		adapter, ok := r.adapters[entry.Provider]
		if !ok {
			attempts = append(attempts, types.AttemptError{
				Model: entry.Model,
				Err: types.NewError(types.ErrInternalError,
					"no adapter registered for provider "+entry.Provider),
			})
			continue
		}

		key, ok := keys[entry.Provider]
		if !ok {
			attempts = append(attempts, types.AttemptError{
				Model: entry.Model,
				Err: types.NewError(types.ErrLeaseUnavailable,
					"no credential available for provider "+entry.Provider),
			})
			continue
		}

		req := normalizeRequest(opts, taskCfg, entry)
		req.APIKey = key

		result, err := adapter.Generate(ctx, entry, req)
		if err == nil {
			r.logger.Debug("candidate succeeded",
				zap.String("task", opts.Task),
				zap.String("provider", entry.Provider),
				zap.String("model", entry.Model),
				zap.Int("images", len(result.Images)))
			return result, nil
		}

		// 上下文取消不是候选失败，直接终止
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		r.logger.Warn("candidate failed, trying next",
			zap.String("task", opts.Task),
			zap.String("provider", entry.Provider),
			zap.String("model", entry.Model),
			zap.Error(err))
		attempts = append(attempts, types.AttemptError{Model: entry.Model, Err: err})
	}

	return nil, &types.AggregateError{Task: opts.Task, Attempts: attempts}
}

// normalizeRequest 依据模型能力归一化选项：任务级默认值合并在显式选项
// 之下，模型不支持的字段被丢弃。
func normalizeRequest(opts *ImageTaskOptions, taskCfg config.TaskConfig, entry ModelCatalogEntry) *Request {
	req := &Request{
		Prompt:     opts.Prompt,
		Count:      opts.Count,
		Extensions: opts.Extensions,
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	if entry.SupportsAspectRatio {
		req.AspectRatio = opts.AspectRatio
		if req.AspectRatio == "" {
			req.AspectRatio = taskCfg.AspectRatio
		}
	}
	if entry.SupportsSize {
		req.Size = opts.Size
		if req.Size == "" {
			req.Size = taskCfg.Size
		}
	}
	if entry.SupportsSeed {
		req.Seed = opts.Seed
	}
	if entry.SupportsNegativePrompt {
		req.NegativePrompt = opts.NegativePrompt
		if req.NegativePrompt == "" {
			req.NegativePrompt = taskCfg.NegativePrompt
		}
	}
	if entry.SupportsReferenceImages {
		req.ReferenceImages = opts.ReferenceImages
	}

	return req
}
