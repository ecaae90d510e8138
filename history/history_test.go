package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndCount(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Append(&Attempt{
		Task: "cover", Provider: "gemini", Model: "m1",
		Fingerprint: "abc123", Outcome: OutcomeSuccess, DurationMs: 1200,
	}))
	require.NoError(t, store.Append(&Attempt{
		Task: "cover", Provider: "gemini", Model: "m1",
		Fingerprint: "abc123", Outcome: OutcomeFailed, ErrCode: "RATE_LIMITED",
	}))
	require.NoError(t, store.Append(&Attempt{
		Task: "cover", Provider: "gemini", Model: "m1",
		Fingerprint: "other", Outcome: OutcomeFailed, ErrCode: "UPSTREAM_ERROR",
	}))

	// 只统计指定指纹的失败，成功不计入
	count, err := store.RecentFailures("abc123", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRecentFailuresWindowExcludesOld(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Append(&Attempt{
		Fingerprint: "fp", Outcome: OutcomeFailed,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}))
	require.NoError(t, store.Append(&Attempt{
		Fingerprint: "fp", Outcome: OutcomeFailed,
	}))

	count, err := store.RecentFailures("fp", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = NopRecorder{}
	assert.NoError(t, r.Append(&Attempt{}))
	count, err := r.RecentFailures("fp", time.Hour)
	assert.NoError(t, err)
	assert.Zero(t, count)
	assert.NoError(t, r.Close())
}
