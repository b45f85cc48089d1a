package device

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// LinePort 行式输入输出端口（串口/蓝牙桥实现）
// ReadLine 必须立即返回：没有整行时 ok=false
type LinePort interface {
	ReadLine() (line []byte, ok bool)
	WriteLine(line string) error
}

// Controller 嵌入式控制器
// 单线程协作式循环：两路行输入、执行器定时、每秒一次日程检查，
// 轮转服务；任何处理函数都不得阻塞，否则报警输出会明显卡住
type Controller struct {
	serial    LinePort // 中继桥方向
	bluetooth LinePort // 手机方向（可为nil）
	state     *AlarmStateMachine
	table     *ScheduleTable
	logger    *zap.Logger

	alertCooldown time.Duration
	lastAlert     time.Time

	clockOffset time.Duration // SETTIME 校时偏移
	lastCheck   time.Time     // 上次日程检查的分钟

	now func() time.Time
}

// NewController 创建控制器
func NewController(serial, bluetooth LinePort, state *AlarmStateMachine, table *ScheduleTable, alertCooldown time.Duration, logger *zap.Logger) *Controller {
	return &Controller{
		serial:        serial,
		bluetooth:     bluetooth,
		state:         state,
		table:         table,
		logger:        logger,
		alertCooldown: alertCooldown,
		now:           time.Now,
	}
}

// SetClock 注入时钟（测试用）
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// Now 当前设备时间（含 SETTIME 校时偏移）
func (c *Controller) Now() time.Time {
	return c.now().Add(c.clockOffset)
}

// Run 启动协作式主循环（阻塞直到 ctx 取消）
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("Device controller started")

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Device controller stopped")
			return nil
		case <-ticker.C:
			c.Pass()
		}
	}
}

// Pass 主循环单轮：串口 → 蓝牙 → 执行器 → 日程，轮转一遍
func (c *Controller) Pass() {
	now := c.Now()

	if line, ok := c.serial.ReadLine(); ok {
		c.handleLine(line, c.serial, now)
	}
	if c.bluetooth != nil {
		if line, ok := c.bluetooth.ReadLine(); ok {
			c.handleLine(line, c.bluetooth, now)
		}
	}

	c.state.Service(now)

	// 日程每秒检查一次，条目粒度是分钟，Check 内部按日去重
	if c.lastCheck.IsZero() || now.Sub(c.lastCheck) >= time.Second {
		c.lastCheck = now
		for _, container := range c.table.Check(now) {
			c.logger.Info("Local schedule fired", zap.Int("container", container))
			c.state.StartAlarm(container, now)
			c.announceTrigger(container, now)
		}
	}
}

// handleLine 清洗并分发一行输入
// 被拒绝的行只本地记录，绝不回显到嘈杂通道
func (c *Controller) handleLine(raw []byte, from LinePort, now time.Time) {
	line, ok := Sanitize(raw)
	if !ok {
		c.logger.Warn("Dropped corrupted line", zap.Int("bytes", len(raw)))
		return
	}

	cmd, err := ParseCommand(line)
	if err != nil {
		// 未知指令回显一次，给操作员一点可见性
		c.logger.Warn("Unknown command", zap.String("line", line))
		_ = from.WriteLine("UNKNOWN CMD: " + line)
		return
	}

	switch cmd.Kind {
	case CmdLocate:
		c.state.StartLocate(now)
	case CmdStop:
		c.state.Stop()
	case CmdSetTime:
		c.clockOffset = time.Unix(cmd.Timestamp, 0).Sub(c.now())
		c.logger.Info("Clock adjusted", zap.Int64("timestamp", cmd.Timestamp))
	case CmdSchedAdd:
		if idx, err := c.table.Add(cmd.Hour, cmd.Minute, cmd.Container, now); err != nil {
			c.logger.Warn("Schedule add failed", zap.Error(err))
			_ = from.WriteLine("SCHED FULL")
		} else {
			_ = from.WriteLine(fmt.Sprintf("SCHED OK %d", idx))
		}
	case CmdSchedClear:
		c.table.Clear()
		_ = from.WriteLine("SCHED CLEARED")
	case CmdSchedList:
		for _, entry := range c.table.List() {
			_ = from.WriteLine(entry)
		}
		_ = from.WriteLine(fmt.Sprintf("SCHED TOTAL %d", c.table.Count()))
	case CmdAlarmTriggered:
		// 中继发来的报警：响铃并转告手机端
		c.state.StartAlarm(cmd.Container, now)
		c.forwardTrigger(cmd)
	case CmdPillAlert:
		c.handlePillAlert(cmd.Container, now)
	}
}

// handlePillAlert 不匹配告警响铃，设备级冷却防告警风暴
func (c *Controller) handlePillAlert(container int, now time.Time) {
	if !c.lastAlert.IsZero() && now.Sub(c.lastAlert) < c.alertCooldown {
		c.logger.Info("Pill alert suppressed by cooldown", zap.Int("container", container))
		return
	}
	c.lastAlert = now
	c.state.StartAlarm(container, now)
}

// forwardTrigger 把报警事件转发给手机端（带日期帮助App匹配云端记录）
func (c *Controller) forwardTrigger(cmd Command) {
	if c.bluetooth == nil {
		return
	}
	line := fmt.Sprintf("ALARM_TRIGGERED C%d", cmd.Container)
	if cmd.Date != "" {
		line += " " + cmd.Date
	}
	line += fmt.Sprintf(" %02d:%02d", cmd.Hour, cmd.Minute)
	if err := c.bluetooth.WriteLine(line); err != nil {
		c.logger.Warn("Failed to forward trigger to phone", zap.Error(err))
	}
}

// announceTrigger 本地日程触发时向两侧广播
func (c *Controller) announceTrigger(container int, now time.Time) {
	line := fmt.Sprintf("ALARM_TRIGGERED C%d %s %02d:%02d",
		container, now.Format("2006-01-02"), now.Hour(), now.Minute())
	_ = c.serial.WriteLine(line)
	if c.bluetooth != nil {
		_ = c.bluetooth.WriteLine(line)
	}
}

// AnnounceStop 状态机停止事件的出口（ALARM_STOPPED C<n>）
// 中继桥据此请求停止后补拍
func (c *Controller) AnnounceStop(ev StopEvent) {
	line := fmt.Sprintf("ALARM_STOPPED C%d", ev.Container)
	_ = c.serial.WriteLine(line)
	if c.bluetooth != nil {
		_ = c.bluetooth.WriteLine(line)
	}
}
