package mobile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const triggerTableKey = "alarm_trigger_table"

// TriggerTracker 报警宽限期追踪器
// 报警触发后60秒内，不管状态怎么变，界面都要继续显示这一剂；
// 记录跨进程重启持久化
type TriggerTracker struct {
	kv     KVStore
	logger *zap.Logger

	grace time.Duration

	mu      sync.Mutex
	records map[string]int64 // (container,time[,date]) → triggeredAt unix

	now func() time.Time
}

// NewTriggerTracker 创建追踪器
func NewTriggerTracker(kv KVStore, grace time.Duration, logger *zap.Logger) *TriggerTracker {
	return &TriggerTracker{
		kv:      kv,
		logger:  logger,
		grace:   grace,
		records: make(map[string]int64),
		now:     time.Now,
	}
}

// SetClock 注入时钟（测试用）
func (t *TriggerTracker) SetClock(now func() time.Time) {
	t.now = now
}

// Load 从持久化恢复；宽限期已过的记录在加载时就丢掉
func (t *TriggerTracker) Load(ctx context.Context) error {
	val, err := t.kv.Get(ctx, triggerTableKey)
	if err != nil {
		if err == ErrKeyNotFound {
			return nil
		}
		return fmt.Errorf("failed to load trigger table: %w", err)
	}

	var records map[string]int64
	if err := json.Unmarshal([]byte(val), &records); err != nil {
		t.logger.Warn("Trigger table corrupted, resetting", zap.Error(err))
		records = make(map[string]int64)
	}

	now := t.now()
	t.mu.Lock()
	t.records = make(map[string]int64, len(records))
	for key, at := range records {
		if now.Sub(time.Unix(at, 0)) < t.grace {
			t.records[key] = at
		}
	}
	t.mu.Unlock()

	return nil
}

// RecordAlarmTrigger 记录触发瞬间
func (t *TriggerTracker) RecordAlarmTrigger(container int, timeStr, dateStr string) {
	now := t.now()

	t.mu.Lock()
	t.records[triggerKey(container, timeStr, dateStr)] = now.Unix()
	t.mu.Unlock()

	go t.persist()
}

// IsWithinGracePeriod 是否处于宽限期
// 上游触发不一定带日期，依次尝试三种键形：
// 精确 (c,t,date) → 无日期 (c,t) → 今天 (c,t,today)
// 过期记录查到即淘汰
func (t *TriggerTracker) IsWithinGracePeriod(container int, timeStr, dateStr string) bool {
	now := t.now()
	keys := []string{
		triggerKey(container, timeStr, dateStr),
		triggerKey(container, timeStr, ""),
		triggerKey(container, timeStr, now.Format("2006-01-02")),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := false
	for _, key := range keys {
		at, ok := t.records[key]
		if !ok {
			continue
		}
		if now.Sub(time.Unix(at, 0)) < t.grace {
			return true
		}
		delete(t.records, key)
		evicted = true
	}

	if evicted {
		go t.persist()
	}
	return false
}

// Prune 淘汰全部过期记录
func (t *TriggerTracker) Prune() {
	now := t.now()

	t.mu.Lock()
	for key, at := range t.records {
		if now.Sub(time.Unix(at, 0)) >= t.grace {
			delete(t.records, key)
		}
	}
	t.mu.Unlock()

	go t.persist()
}

func (t *TriggerTracker) persist() {
	t.mu.Lock()
	data, err := json.Marshal(t.records)
	t.mu.Unlock()
	if err != nil {
		t.logger.Error("Failed to marshal trigger table", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.kv.Set(ctx, triggerTableKey, string(data)); err != nil {
		t.logger.Error("Failed to persist trigger table", zap.Error(err))
	}
}

func triggerKey(container int, timeStr, dateStr string) string {
	if dateStr == "" {
		return fmt.Sprintf("%d|%s", container, timeStr)
	}
	return fmt.Sprintf("%d|%s|%s", container, timeStr, dateStr)
}
