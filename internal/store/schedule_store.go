package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"pillnow-relay/internal/models"
)

// CloudRepository 云端日程仓库（syncFromCloud 的数据来源）
type CloudRepository interface {
	GetScheduleRows(ctx context.Context, elderID string) ([]models.CloudScheduleRow, error)
	GetPillLabel(ctx context.Context, containerID int) (string, int, error)
}

// SetRequest 设置容器日程的请求
// 合并语义：未填字段保留原值；Replace=true 时 Schedules 整体替换
type SetRequest struct {
	Pill         *models.PillConfig
	Schedules    []models.DoseTime
	NotifyTarget string
	Replace      bool
}

// ScheduleStore 容器日程本地权威缓存
// HTTP 处理协程写、调度器 tick 协程读，读写都走 mu；
// Get/All 返回副本，调用方持有的快照不会被后续写入改动
type ScheduleStore struct {
	cloudRepo CloudRepository
	logger    *zap.Logger

	mu         sync.RWMutex
	containers map[int]*models.ContainerSchedule
}

// NewScheduleStore 创建日程缓存
func NewScheduleStore(cloudRepo CloudRepository, logger *zap.Logger) *ScheduleStore {
	return &ScheduleStore{
		cloudRepo:  cloudRepo,
		logger:     logger,
		containers: make(map[int]*models.ContainerSchedule),
	}
}

// SetSchedule 设置/合并单个容器的日程
// 空的 Schedules 不会清掉已有服药时间，除非显式 Replace
// （防止单纯更新药量的调用悄悄抹掉日程）
func (s *ScheduleStore) SetSchedule(containerID int, req SetRequest) (*models.ContainerSchedule, error) {
	if containerID < 1 || containerID > 3 {
		return nil, fmt.Errorf("invalid container id: %d", containerID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.containers[containerID]
	if !ok {
		cur = &models.ContainerSchedule{ContainerID: containerID}
		s.containers[containerID] = cur
	}

	if req.Pill != nil {
		if req.Pill.Count > 0 {
			cur.Pill.Count = req.Pill.Count
		}
		if req.Pill.Label != "" {
			cur.Pill.Label = req.Pill.Label
		}
	}

	if req.Replace {
		cur.Schedules = req.Schedules
	} else if len(req.Schedules) > 0 {
		cur.Schedules = req.Schedules
	}

	if req.NotifyTarget != "" {
		cur.NotifyTarget = req.NotifyTarget
	}

	s.logger.Info("Schedule updated",
		zap.Int("container", containerID),
		zap.Int("schedule_count", len(cur.Schedules)),
	)

	return cloneSchedule(cur), nil
}

// Get 获取单个容器的日程副本
func (s *ScheduleStore) Get(containerID int) (*models.ContainerSchedule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.containers[containerID]
	if !ok {
		return nil, false
	}
	return cloneSchedule(c), true
}

// All 获取全部容器日程副本（按容器号排序，决定同tick触发顺序）
func (s *ScheduleStore) All() []*models.ContainerSchedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ContainerSchedule, 0, len(s.containers))
	for _, c := range s.containers {
		out = append(out, cloneSchedule(c))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ContainerID < out[j].ContainerID
	})
	return out
}

func cloneSchedule(c *models.ContainerSchedule) *models.ContainerSchedule {
	cp := *c
	cp.Schedules = append([]models.DoseTime(nil), c.Schedules...)
	return &cp
}

// SyncFromCloud 从云端全量重建容器日程
// 逐行归一化容器标识后按容器重组；单行药名查询失败不致命（保留旧标签）
func (s *ScheduleStore) SyncFromCloud(ctx context.Context, elderID string) error {
	rows, err := s.cloudRepo.GetScheduleRows(ctx, elderID)
	if err != nil {
		return fmt.Errorf("failed to fetch cloud schedules: %w", err)
	}

	grouped := make(map[int][]models.DoseTime)
	for _, row := range rows {
		if row.Time == "" {
			s.logger.Warn("Skipping cloud row without time",
				zap.String("row_id", row.ID),
			)
			continue
		}
		cid := NormalizeContainerID(row.Container)
		grouped[cid] = append(grouped[cid], models.DoseTime{
			Date: row.Date,
			Time: row.Time,
		})
	}

	// 尽力而为的药名/药量查询，在拿锁之前做完
	type pillInfo struct {
		label string
		count int
		ok    bool
	}
	pills := make(map[int]pillInfo)
	for cid := 1; cid <= 3; cid++ {
		label, count, err := s.cloudRepo.GetPillLabel(ctx, cid)
		if err != nil {
			s.logger.Warn("Pill label lookup failed, keeping previous",
				zap.Int("container", cid),
				zap.Error(err),
			)
			continue
		}
		pills[cid] = pillInfo{label: label, count: count, ok: true}
	}

	s.mu.Lock()
	for cid := 1; cid <= 3; cid++ {
		cur, ok := s.containers[cid]
		if !ok {
			cur = &models.ContainerSchedule{ContainerID: cid}
			s.containers[cid] = cur
		}
		cur.Schedules = grouped[cid]

		if p := pills[cid]; p.ok {
			if p.label != "" {
				cur.Pill.Label = p.label
			}
			if p.count > 0 {
				cur.Pill.Count = p.count
			}
		}
	}
	s.mu.Unlock()

	s.logger.Info("Schedules rebuilt from cloud",
		zap.Int("row_count", len(rows)),
		zap.Int("container1", len(grouped[1])),
		zap.Int("container2", len(grouped[2])),
		zap.Int("container3", len(grouped[3])),
	)

	return nil
}
