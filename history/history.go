// 包 history 提供生成尝试的审计存储。
//
// 审计在协调路径之外：跨进程协调只依赖文件系统，这里的 sqlite 仅用于
// 事后排查（哪个凭据在哪个模型上失败过、失败了多少次）。
package history

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Outcome 一次尝试的结局
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomeQuota       = "quota_exhausted"
	OutcomeLease       = "lease_unavailable"
	OutcomePlaceholder = "placeholder"
)

// Attempt 单次生成尝试的审计记录
type Attempt struct {
	ID uint `gorm:"primaryKey"`
	// 任务名
	Task string `gorm:"index"`
	// 供应商与模型
	Provider string
	Model    string `gorm:"index"`
	// 凭据指纹（绝不存原始凭据）
	Fingerprint string `gorm:"index"`
	// 结局: success / failed / quota_exhausted / lease_unavailable
	Outcome string `gorm:"index"`
	// 失败时的错误码
	ErrCode string
	// 耗时
	DurationMs int64
	CreatedAt  time.Time `gorm:"index"`
}

// Recorder 追加尝试记录并支持简单回查。
type Recorder interface {
	Append(a *Attempt) error
	// RecentFailures 返回某指纹最近 window 内的失败次数
	RecentFailures(fingerprint string, window time.Duration) (int64, error)
	Close() error
}

// Store 基于 sqlite 的 Recorder 实现
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open 打开（必要时创建）审计库
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}
	if err := db.AutoMigrate(&Attempt{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Append 追加一条尝试记录
func (s *Store) Append(a *Attempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Create(a).Error; err != nil {
		return fmt.Errorf("failed to append attempt: %w", err)
	}
	return nil
}

// RecentFailures 统计某指纹最近 window 内的非成功尝试数
func (s *Store) RecentFailures(fingerprint string, window time.Duration) (int64, error) {
	var count int64
	err := s.db.Model(&Attempt{}).
		Where("fingerprint = ? AND outcome <> ? AND created_at >= ?",
			fingerprint, OutcomeSuccess, time.Now().UTC().Add(-window)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}
	return count, nil
}

// Close 关闭底层连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NopRecorder 审计关闭时的空实现
type NopRecorder struct{}

func (NopRecorder) Append(*Attempt) error { return nil }
func (NopRecorder) RecentFailures(string, time.Duration) (int64, error) {
	return 0, nil
}
func (NopRecorder) Close() error { return nil }
