package mobile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	statusCacheKey = "schedule_status_cache"
	replayLogKey   = "offline_replay_log"

	statusTaken = "taken"
	statusDone  = "done"
)

// BackendClient 中继后端客户端
// 首选按记录ID更新；没有缓存ID时退回 容器+时间 检索匹配
// （处理状态纯靠设备触发事件重建、手里没有ID的场景）
type BackendClient interface {
	UpdateStatusByID(ctx context.Context, recordID, status string) error
	UpdateStatusBySearch(ctx context.Context, container int, timeStr, dateStr, status string) (string, error)
}

// StatusEntry 单个 (container,time,date) 键的最近已知状态
type StatusEntry struct {
	RecordID  string `json:"record_id,omitempty"`
	Status    string `json:"status"`
	UpdatedAt int64  `json:"updated_at"`
}

// ReplayEntry 离线重放日志条目
type ReplayEntry struct {
	Container int    `json:"container"`
	Time      string `json:"time"`
	Date      string `json:"date,omitempty"`
	RecordID  string `json:"record_id,omitempty"`
	Status    string `json:"status"`
	QueuedAt  int64  `json:"queued_at"`
}

// StatusService 乐观状态缓存
// 界面零感知延迟：内存缓存同步更新并立刻发UI事件；
// 持久化和后端同步都是异步的，与UI可见的状态切换解耦
type StatusService struct {
	kv      KVStore
	backend BackendClient
	logger  *zap.Logger

	lockTTL      time.Duration
	syncDebounce time.Duration
	replayLimit  int

	mu      sync.Mutex
	cache   map[string]StatusEntry
	locks   map[string]time.Time // 每键更新锁（时间盒过期，不显式释放）
	pending map[string]*time.Timer

	// replayMu 串行化重放日志的读-改-写
	replayMu sync.Mutex

	// OnStatusChanged UI事件出口（同步调用，必须轻量）
	OnStatusChanged func(container int, timeStr, dateStr, status string)

	now func() time.Time
}

// NewStatusService 创建状态服务
func NewStatusService(kv KVStore, backend BackendClient, lockTTL, syncDebounce time.Duration, replayLimit int, logger *zap.Logger) *StatusService {
	return &StatusService{
		kv:           kv,
		backend:      backend,
		logger:       logger,
		lockTTL:      lockTTL,
		syncDebounce: syncDebounce,
		replayLimit:  replayLimit,
		cache:        make(map[string]StatusEntry),
		locks:        make(map[string]time.Time),
		pending:      make(map[string]*time.Timer),
		now:          time.Now,
	}
}

// SetClock 注入时钟（测试用）
func (s *StatusService) SetClock(now func() time.Time) {
	s.now = now
}

// Load 从本地持久化恢复缓存
func (s *StatusService) Load(ctx context.Context) error {
	val, err := s.kv.Get(ctx, statusCacheKey)
	if err != nil {
		if err == ErrKeyNotFound {
			return nil
		}
		return fmt.Errorf("failed to load status cache: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := json.Unmarshal([]byte(val), &s.cache); err != nil {
		// 坏缓存重置，不致命
		s.logger.Warn("Status cache corrupted, resetting", zap.Error(err))
		s.cache = make(map[string]StatusEntry)
	}
	return nil
}

// CacheRecordID 缓存云端记录ID（日程列表加载后调用，给同步路径用）
func (s *StatusService) CacheRecordID(container int, timeStr, dateStr, recordID string) {
	key := statusKey(container, timeStr, dateStr)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.cache[key]
	entry.RecordID = recordID
	s.cache[key] = entry
}

// Status 读取最近已知状态
func (s *StatusService) Status(container int, timeStr, dateStr string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[statusKey(container, timeStr, dateStr)]
	if !ok {
		return "", false
	}
	return entry.Status, true
}

// MarkTaken 标记一次服药完成（幂等）
// 锁被占用或已是完成态时立即返回 false；
// 首次调用：同步更新缓存+发UI事件，异步持久化+记重放日志+调度抖动同步
func (s *StatusService) MarkTaken(container int, timeStr, dateStr string) bool {
	key := statusKey(container, timeStr, dateStr)
	now := s.now()

	s.mu.Lock()
	// 每键锁：1秒时间盒自动过期，换一个小的假阴性窗口省掉显式释放；
	// 过期条目顺手删掉，长跑进程不积压
	if lockedAt, ok := s.locks[key]; ok {
		if now.Sub(lockedAt) < s.lockTTL {
			s.mu.Unlock()
			return false
		}
		delete(s.locks, key)
	}

	entry := s.cache[key]
	if entry.Status == statusTaken || entry.Status == statusDone {
		s.mu.Unlock()
		return false
	}

	// 其余过期锁一并清掉（持锁扫一遍，锁表只在活跃窗口内有条目）
	for k, lockedAt := range s.locks {
		if now.Sub(lockedAt) >= s.lockTTL {
			delete(s.locks, k)
		}
	}

	s.locks[key] = now
	entry.Status = statusTaken
	entry.UpdatedAt = now.Unix()
	s.cache[key] = entry
	recordID := entry.RecordID
	s.mu.Unlock()

	// UI事件同步发出，屏幕零感知延迟
	if s.OnStatusChanged != nil {
		s.OnStatusChanged(container, timeStr, dateStr, statusTaken)
	}

	// 持久化与重放日志异步走
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.persistCache(ctx)
		s.appendReplay(ctx, ReplayEntry{
			Container: container,
			Time:      timeStr,
			Date:      dateStr,
			RecordID:  recordID,
			Status:    statusTaken,
			QueuedAt:  now.Unix(),
		})
	}()

	s.scheduleSync(key, container, timeStr, dateStr, recordID)
	return true
}

// scheduleSync 抖动抑制的后端同步（同键已有待发同步时不再排）
func (s *StatusService) scheduleSync(key string, container int, timeStr, dateStr, recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[key]; ok {
		return
	}
	s.pending[key] = time.AfterFunc(s.syncDebounce, func() {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
		s.syncOne(container, timeStr, dateStr, recordID)
	})
}

// syncOne 单条后端同步：ID直更优先，无ID退回检索匹配
// 失败对用户不可见，靠离线重放兜底
func (s *StatusService) syncOne(container int, timeStr, dateStr, recordID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if recordID != "" {
		err = s.backend.UpdateStatusByID(ctx, recordID, statusTaken)
	} else {
		var matchedID string
		matchedID, err = s.backend.UpdateStatusBySearch(ctx, container, timeStr, dateStr, statusTaken)
		if err == nil && matchedID != "" {
			s.CacheRecordID(container, timeStr, dateStr, matchedID)
		}
	}

	if err != nil {
		s.logger.Warn("Backend sync failed, will replay later",
			zap.Int("container", container),
			zap.String("time", timeStr),
			zap.Error(err),
		)
		return
	}

	// 同步成功，把这条从重放日志里去掉
	s.removeReplay(container, timeStr, dateStr)
}

// SyncOfflineUpdates 连接恢复后重放离线日志，全部成功则清空
func (s *StatusService) SyncOfflineUpdates(ctx context.Context) error {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()

	entries, err := s.loadReplay(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	s.logger.Info("Replaying offline updates", zap.Int("count", len(entries)))

	var remaining []ReplayEntry
	for _, e := range entries {
		var syncErr error
		if e.RecordID != "" {
			syncErr = s.backend.UpdateStatusByID(ctx, e.RecordID, e.Status)
		} else {
			_, syncErr = s.backend.UpdateStatusBySearch(ctx, e.Container, e.Time, e.Date, e.Status)
		}
		if syncErr != nil {
			s.logger.Warn("Replay entry failed", zap.Error(syncErr))
			remaining = append(remaining, e)
		}
	}

	return s.storeReplay(ctx, remaining)
}

func (s *StatusService) persistCache(ctx context.Context) {
	s.mu.Lock()
	data, err := json.Marshal(s.cache)
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("Failed to marshal status cache", zap.Error(err))
		return
	}
	if err := s.kv.Set(ctx, statusCacheKey, string(data)); err != nil {
		s.logger.Error("Failed to persist status cache", zap.Error(err))
	}
}

func (s *StatusService) loadReplay(ctx context.Context) ([]ReplayEntry, error) {
	val, err := s.kv.Get(ctx, replayLogKey)
	if err != nil {
		if err == ErrKeyNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load replay log: %w", err)
	}
	var entries []ReplayEntry
	if err := json.Unmarshal([]byte(val), &entries); err != nil {
		s.logger.Warn("Replay log corrupted, resetting", zap.Error(err))
		return nil, nil
	}
	return entries, nil
}

func (s *StatusService) storeReplay(ctx context.Context, entries []ReplayEntry) error {
	if len(entries) == 0 {
		return s.kv.Delete(ctx, replayLogKey)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal replay log: %w", err)
	}
	return s.kv.Set(ctx, replayLogKey, string(data))
}

func (s *StatusService) appendReplay(ctx context.Context, entry ReplayEntry) {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()

	entries, err := s.loadReplay(ctx)
	if err != nil {
		s.logger.Error("Failed to read replay log", zap.Error(err))
		return
	}
	entries = append(entries, entry)
	// 有界日志：超限丢最旧的
	if len(entries) > s.replayLimit {
		entries = entries[len(entries)-s.replayLimit:]
	}
	if err := s.storeReplay(ctx, entries); err != nil {
		s.logger.Error("Failed to store replay log", zap.Error(err))
	}
}

func (s *StatusService) removeReplay(container int, timeStr, dateStr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.replayMu.Lock()
	defer s.replayMu.Unlock()

	entries, err := s.loadReplay(ctx)
	if err != nil || len(entries) == 0 {
		return
	}
	var remaining []ReplayEntry
	for _, e := range entries {
		if e.Container == container && e.Time == timeStr && e.Date == dateStr {
			continue
		}
		remaining = append(remaining, e)
	}
	if err := s.storeReplay(ctx, remaining); err != nil {
		s.logger.Error("Failed to trim replay log", zap.Error(err))
	}
}

func statusKey(container int, timeStr, dateStr string) string {
	return fmt.Sprintf("%d|%s|%s", container, timeStr, dateStr)
}
