package image

import (
	"fmt"

	"github.com/BaSui01/imageflow/config"
	"github.com/BaSui01/imageflow/types"
)

// Catalog maps task names to tiers and tiers to ordered candidate models.
// It is read-only after construction.
type Catalog struct {
	tasks map[string]config.TaskConfig
	tiers map[string][]ModelCatalogEntry
}

// NewCatalog builds a catalog from explicit task and tier tables.
func NewCatalog(tasks map[string]config.TaskConfig, tiers map[string][]ModelCatalogEntry) *Catalog {
	if tasks == nil {
		tasks = map[string]config.TaskConfig{}
	}
	if tiers == nil {
		tiers = map[string][]ModelCatalogEntry{}
	}
	return &Catalog{tasks: tasks, tiers: tiers}
}

// CatalogFromConfig converts the configured tier table into catalog entries.
func CatalogFromConfig(cfg *config.Config) *Catalog {
	tiers := make(map[string][]ModelCatalogEntry, len(cfg.Tiers))
	for name, models := range cfg.Tiers {
		entries := make([]ModelCatalogEntry, 0, len(models))
		for _, m := range models {
			entries = append(entries, ModelCatalogEntry{
				Provider:                m.Provider,
				Model:                   m.Model,
				SupportsAspectRatio:     m.AspectRatio,
				SupportsSize:            m.Size,
				SupportsSeed:            m.Seed,
				SupportsNegativePrompt:  m.NegativePrompt,
				SupportsReferenceImages: m.ReferenceImages,
			})
		}
		tiers[name] = entries
	}
	return NewCatalog(cfg.Tasks, tiers)
}

// Resolve 将任务名解析为任务配置和有序候选模型列表。
// 未知任务、未知分级或空分级均为配置错误。
func (c *Catalog) Resolve(task string) (config.TaskConfig, []ModelCatalogEntry, error) {
	taskCfg, ok := c.tasks[task]
	if !ok {
		return config.TaskConfig{}, nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("unknown task %q", task))
	}
	entries, ok := c.tiers[taskCfg.Tier]
	if !ok {
		return config.TaskConfig{}, nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("task %q references undefined tier %q", task, taskCfg.Tier))
	}
	if len(entries) == 0 {
		return config.TaskConfig{}, nil, types.NewError(types.ErrModelNotFound,
			fmt.Sprintf("tier %q has no candidate models", taskCfg.Tier))
	}
	return taskCfg, entries, nil
}

// Tasks returns the known task names.
func (c *Catalog) Tasks() []string {
	names := make([]string, 0, len(c.tasks))
	for name := range c.tasks {
		names = append(names, name)
	}
	return names
}
