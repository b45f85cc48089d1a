package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"pillnow-relay/internal/config"
	"pillnow-relay/internal/models"
	"pillnow-relay/internal/store"
)

// Publisher 指令发布接口（CommandBus实现）
type Publisher interface {
	Publish(deviceID string, cmd *models.DeviceCommand) bool
}

// Notifier 提醒通知接口（send(to, subject, text)）
type Notifier interface {
	Send(to, subject, body string) error
}

// NotificationSink 通知记录落地接口（ResultCache实现）
type NotificationSink interface {
	AppendNotification(ctx context.Context, kind string, containerID int, message string, timestamp int64) error
}

// AlarmScheduler 报警调度器
// 每秒比对一次墙钟时间与容器日程；同一 (container,date,time) 在
// 去重窗口内最多触发一次
type AlarmScheduler struct {
	config   *config.Config
	store    *store.ScheduleStore
	bus      Publisher
	notifier Notifier
	sink     NotificationSink
	logger   *zap.Logger

	mu    sync.Mutex
	fired map[string]time.Time // (container,date,time) → 上次触发时间

	now  func() time.Time
	cron *cron.Cron
}

// NewAlarmScheduler 创建调度器
func NewAlarmScheduler(
	cfg *config.Config,
	scheduleStore *store.ScheduleStore,
	bus Publisher,
	notifier Notifier,
	sink NotificationSink,
	logger *zap.Logger,
) *AlarmScheduler {
	return &AlarmScheduler{
		config:   cfg,
		store:    scheduleStore,
		bus:      bus,
		notifier: notifier,
		sink:     sink,
		logger:   logger,
		fired:    make(map[string]time.Time),
		now:      time.Now,
	}
}

// SetClock 注入时钟（测试用）
func (s *AlarmScheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start 启动调度循环（阻塞直到 ctx 取消）
func (s *AlarmScheduler) Start(ctx context.Context) error {
	s.logger.Info("Alarm scheduler started",
		zap.Duration("tick_interval", s.config.Scheduler.TickInterval),
		zap.Duration("dedup_window", s.config.Scheduler.DedupWindow),
	)

	// 触发记录每小时清理一次
	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@hourly", s.Prune); err != nil {
		return fmt.Errorf("failed to register prune job: %w", err)
	}
	s.cron.Start()
	defer s.cron.Stop()

	ticker := time.NewTicker(s.config.Scheduler.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Alarm scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick()
		}
	}
}

type pendingFire struct {
	container *models.ContainerSchedule
	date      string
	hhmm      string
}

// Tick 单次调度检查
// 命中的触发按注册顺序错峰执行；任何错误只记日志，循环永不中断
func (s *AlarmScheduler) Tick() {
	now := s.now()
	today := now.Format("2006-01-02")
	hhmm := now.Format("15:04")

	var matches []pendingFire
	for _, c := range s.store.All() {
		if !s.matchesNow(c, today, hhmm) {
			continue
		}

		key := fireKey(c.ContainerID, today, hhmm)
		s.mu.Lock()
		if last, ok := s.fired[key]; ok && now.Sub(last) < s.config.Scheduler.DedupWindow {
			s.mu.Unlock()
			continue
		}
		s.fired[key] = now
		s.mu.Unlock()

		matches = append(matches, pendingFire{container: c, date: today, hhmm: hhmm})
	}

	// 错峰只为平滑负载，不承担正确性
	for i, m := range matches {
		m := m
		delay := time.Duration(i) * s.config.Scheduler.StaggerDelay
		if delay == 0 {
			go s.fire(m)
		} else {
			time.AfterFunc(delay, func() { s.fire(m) })
		}
	}
}

// matchesNow 判断容器当前分钟是否有服药时间命中
// 有日期限定的条目优先；没有任何日期限定时退回旧版每日重复语义
func (s *AlarmScheduler) matchesNow(c *models.ContainerSchedule, today, hhmm string) bool {
	hasDated := false
	for _, d := range c.Schedules {
		if d.Date != "" {
			hasDated = true
			if d.Date == today && d.Time == hhmm {
				return true
			}
		}
	}
	if hasDated {
		return false
	}
	for _, d := range c.Schedules {
		if d.Time == hhmm {
			return true
		}
	}
	return false
}

// fire 执行一次触发：可选预拍摄 → 延迟 → 报警指令 → 可选提醒通知
func (s *AlarmScheduler) fire(m pendingFire) {
	cid := m.container.ContainerID
	deviceID := fmt.Sprintf("container%d", cid)

	s.logger.Info("Dose time matched, firing alarm",
		zap.Int("container", cid),
		zap.String("date", m.date),
		zap.String("time", m.hhmm),
	)

	alarmCmd := &models.DeviceCommand{
		Action:    models.ActionAlarmTriggered,
		Container: deviceID,
		Date:      m.date,
		Time:      m.hhmm,
	}

	if s.config.Scheduler.PreCapture {
		// 阶段1：预拍摄（留证据：响铃前容器里有什么）
		captureCmd := &models.DeviceCommand{
			Action:    models.ActionCapture,
			Container: deviceID,
		}
		if !s.bus.Publish(deviceID, captureCmd) {
			s.recordPublishFailure(cid, "pre-alarm capture publish failed")
		}
		// 阶段2：延迟后发报警
		time.AfterFunc(s.config.Scheduler.PreCaptureDelay, func() {
			if !s.bus.Publish(deviceID, alarmCmd) {
				s.recordPublishFailure(cid, "alarm publish failed")
			}
		})
	} else {
		if !s.bus.Publish(deviceID, alarmCmd) {
			s.recordPublishFailure(cid, "alarm publish failed")
		}
	}

	// 提醒通知（尽力而为，不影响报警链路）
	if target := m.container.NotifyTarget; target != "" && s.notifier != nil {
		subject := fmt.Sprintf("PillNow reminder: container %d", cid)
		body := fmt.Sprintf("Medication time %s for container %d", m.hhmm, cid)
		if err := s.notifier.Send(target, subject, body); err != nil {
			s.logger.Warn("Reminder notification failed",
				zap.Int("container", cid),
				zap.Error(err),
			)
		}
	}
}

func (s *AlarmScheduler) recordPublishFailure(containerID int, message string) {
	if s.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.sink.AppendNotification(ctx, "publish_failed", containerID, message, s.now().Unix()); err != nil {
		s.logger.Error("Failed to record publish failure", zap.Error(err))
	}
}

// Prune 清理过期触发记录（超过保留时长的删除，总量超上限时删最旧的）
func (s *AlarmScheduler) Prune() {
	now := s.now()
	maxAge := s.config.Scheduler.PruneAge
	limit := s.config.Scheduler.PruneCap

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, at := range s.fired {
		if now.Sub(at) > maxAge {
			delete(s.fired, key)
		}
	}

	for len(s.fired) > limit {
		oldestKey := ""
		var oldestAt time.Time
		for key, at := range s.fired {
			if oldestKey == "" || at.Before(oldestAt) {
				oldestKey = key
				oldestAt = at
			}
		}
		delete(s.fired, oldestKey)
	}

	s.logger.Debug("Fire records pruned", zap.Int("remaining", len(s.fired)))
}

// FiredCount 当前触发记录数量（监控用）
func (s *AlarmScheduler) FiredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fired)
}

func fireKey(containerID int, date, hhmm string) string {
	return fmt.Sprintf("%d|%s|%s", containerID, date, hhmm)
}
