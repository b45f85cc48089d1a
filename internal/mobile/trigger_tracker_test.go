package mobile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTracker(kv KVStore) *TriggerTracker {
	return NewTriggerTracker(kv, 60*time.Second, zap.NewNop())
}

func TestTriggerTracker_GraceBoundaryAtExactly60s(t *testing.T) {
	tracker := newTestTracker(NewMemoryKVStore())

	base := time.Date(2026, 8, 30, 8, 30, 0, 0, time.UTC)
	now := base
	tracker.SetClock(func() time.Time { return now })

	tracker.RecordAlarmTrigger(1, "08:30", "2026-08-30")

	now = base.Add(59 * time.Second)
	assert.True(t, tracker.IsWithinGracePeriod(1, "08:30", "2026-08-30"))

	now = base.Add(61 * time.Second)
	assert.False(t, tracker.IsWithinGracePeriod(1, "08:30", "2026-08-30"))

	// 过期记录查到即淘汰
	tracker.mu.Lock()
	_, ok := tracker.records[triggerKey(1, "08:30", "2026-08-30")]
	tracker.mu.Unlock()
	assert.False(t, ok)
}

func TestTriggerTracker_ThreeKeyShapes(t *testing.T) {
	base := time.Date(2026, 8, 30, 8, 30, 0, 0, time.UTC)

	t.Run("exact date match", func(t *testing.T) {
		tracker := newTestTracker(NewMemoryKVStore())
		tracker.SetClock(func() time.Time { return base })
		tracker.RecordAlarmTrigger(1, "08:30", "2026-08-30")
		assert.True(t, tracker.IsWithinGracePeriod(1, "08:30", "2026-08-30"))
	})

	t.Run("dateless record found by dated query", func(t *testing.T) {
		tracker := newTestTracker(NewMemoryKVStore())
		tracker.SetClock(func() time.Time { return base })
		// 设备触发不带日期
		tracker.RecordAlarmTrigger(2, "12:00", "")
		assert.True(t, tracker.IsWithinGracePeriod(2, "12:00", "2026-08-30"))
	})

	t.Run("today-dated record found by dateless query", func(t *testing.T) {
		tracker := newTestTracker(NewMemoryKVStore())
		tracker.SetClock(func() time.Time { return base })
		tracker.RecordAlarmTrigger(3, "18:00", "2026-08-30")
		assert.True(t, tracker.IsWithinGracePeriod(3, "18:00", ""))
	})

	t.Run("different container misses", func(t *testing.T) {
		tracker := newTestTracker(NewMemoryKVStore())
		tracker.SetClock(func() time.Time { return base })
		tracker.RecordAlarmTrigger(1, "08:30", "")
		assert.False(t, tracker.IsWithinGracePeriod(2, "08:30", ""))
	})
}

func TestTriggerTracker_SurvivesRestart(t *testing.T) {
	kv := NewMemoryKVStore()
	base := time.Date(2026, 8, 30, 8, 30, 0, 0, time.UTC)

	tracker := newTestTracker(kv)
	tracker.SetClock(func() time.Time { return base })
	tracker.RecordAlarmTrigger(1, "08:30", "2026-08-30")

	// 持久化是异步的
	require.Eventually(t, func() bool {
		_, err := kv.Get(context.Background(), triggerTableKey)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	// 30秒后进程重启：宽限还剩一半
	restarted := newTestTracker(kv)
	restarted.SetClock(func() time.Time { return base.Add(30 * time.Second) })
	require.NoError(t, restarted.Load(context.Background()))
	assert.True(t, restarted.IsWithinGracePeriod(1, "08:30", "2026-08-30"))

	// 过期后重启：加载时即丢弃
	expired := newTestTracker(kv)
	expired.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	require.NoError(t, expired.Load(context.Background()))
	assert.False(t, expired.IsWithinGracePeriod(1, "08:30", "2026-08-30"))
	expired.mu.Lock()
	assert.Empty(t, expired.records)
	expired.mu.Unlock()
}

func TestTriggerTracker_Prune(t *testing.T) {
	tracker := newTestTracker(NewMemoryKVStore())
	base := time.Date(2026, 8, 30, 8, 30, 0, 0, time.UTC)
	now := base
	tracker.SetClock(func() time.Time { return now })

	tracker.RecordAlarmTrigger(1, "08:00", "")
	now = base.Add(45 * time.Second)
	tracker.RecordAlarmTrigger(2, "08:30", "")

	now = base.Add(70 * time.Second)
	tracker.Prune()

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Len(t, tracker.records, 1)
	_, ok := tracker.records[triggerKey(2, "08:30", "")]
	assert.True(t, ok)
}

func TestTriggerTracker_LoadMissingKeyIsClean(t *testing.T) {
	tracker := newTestTracker(NewMemoryKVStore())
	require.NoError(t, tracker.Load(context.Background()))
}

func TestTriggerTracker_LoadToleratesCorruptTable(t *testing.T) {
	kv := NewMemoryKVStore()
	require.NoError(t, kv.Set(context.Background(), triggerTableKey, "[broken"))

	tracker := newTestTracker(kv)
	require.NoError(t, tracker.Load(context.Background()))
	assert.False(t, tracker.IsWithinGracePeriod(1, "08:30", ""))
}
