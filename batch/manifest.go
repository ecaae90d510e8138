package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BaSui01/imageflow/types"
)

// ManifestSchema 清单格式标识
const ManifestSchema = "imageflow/batch-manifest/v1"

// Manifest 是一次批量作业的持久化审计记录。提交前写盘，作业推进时
// 原地更新（原子替换）。
type Manifest struct {
	Schema    string    `json:"schema"`
	CreatedAt time.Time `json:"created_at"`
	// 目标模型
	Model string `json:"model"`
	// 输出图像的目标宽高比（写入阶段后处理用）
	AspectRatio string `json:"aspect_ratio,omitempty"`
	// 已上传请求文件的引用
	Input string `json:"input,omitempty"`
	// 作业标识与状态
	Job JobRef `json:"job"`
	// 有序条目列表
	Items []Item `json:"items"`

	// path 清单自身的落盘位置
	path string
}

// JobRef 供应商侧批量作业的引用
type JobRef struct {
	Name  string `json:"name,omitempty"`
	State string `json:"state,omitempty"`
}

// Item 清单中的单个生成条目
type Item struct {
	// 不透明关联 ID，结果按它对回条目
	ID string `json:"id"`
	// 在调用方分镜序列中的位置
	CueIndex int `json:"cue_index"`
	// 输出文件路径
	Output string `json:"output"`
	// 提示词摘要（审计用，不存原文之外的内容）
	PromptSHA256 string `json:"prompt_sha256"`
	// 提示词原文
	Prompt string `json:"prompt"`
}

// Path returns where the manifest is persisted.
func (m *Manifest) Path() string { return m.path }

// Save 原子写入清单（临时文件 + rename）
func (m *Manifest) Save() error {
	if m.path == "" {
		return types.NewError(types.ErrInternalError, "manifest has no path")
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create manifest dir: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}

// LoadManifest 从磁盘加载清单
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if m.Schema != ManifestSchema {
		return nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("unsupported manifest schema %q", m.Schema))
	}
	m.path = path
	return &m, nil
}
