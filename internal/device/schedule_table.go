package device

import (
	"fmt"
	"time"
)

// ScheduleEntry 本地日程表条目（固定容量表里的一格）
type ScheduleEntry struct {
	Hour             int
	Minute           int
	Container        int
	InUse            bool
	LastTriggeredYmd int // YYYYMMDD，每个日历日最多触发一次
}

// ScheduleTable 设备本地日程兜底表
// 指令流断开时设备凭这张表独立响铃
type ScheduleTable struct {
	slots []ScheduleEntry
}

// NewScheduleTable 创建固定容量日程表
func NewScheduleTable(capacity int) *ScheduleTable {
	if capacity <= 0 {
		capacity = 8
	}
	return &ScheduleTable{
		slots: make([]ScheduleEntry, capacity),
	}
}

// Add 插入条目
// 恰好等于当前分钟的条目立即可触发；今天已过的时间点标记为已触发，
// 等到明天才生效（避免补录旧日程时立刻响铃）
func (t *ScheduleTable) Add(hour, minute, container int, now time.Time) (int, error) {
	idx := -1
	for i := range t.slots {
		if !t.slots[i].InUse {
			idx = i
			break
		}
	}
	if idx < 0 {
		return -1, fmt.Errorf("schedule table full (%d slots)", len(t.slots))
	}

	entry := ScheduleEntry{
		Hour:      hour,
		Minute:    minute,
		Container: container,
		InUse:     true,
	}

	nowMinutes := now.Hour()*60 + now.Minute()
	entryMinutes := hour*60 + minute
	if entryMinutes < nowMinutes {
		// 今天已经过了，预标记为已触发
		entry.LastTriggeredYmd = ymd(now)
	}

	t.slots[idx] = entry
	return idx, nil
}

// Clear 清空全部条目
func (t *ScheduleTable) Clear() {
	for i := range t.slots {
		t.slots[i] = ScheduleEntry{}
	}
}

// List 列出在用条目（SCHED LIST 的回显内容）
func (t *ScheduleTable) List() []string {
	var out []string
	for i, e := range t.slots {
		if !e.InUse {
			continue
		}
		out = append(out, fmt.Sprintf("[%d] %02d:%02d C%d", i, e.Hour, e.Minute, e.Container))
	}
	return out
}

// Count 在用条目数
func (t *ScheduleTable) Count() int {
	n := 0
	for _, e := range t.slots {
		if e.InUse {
			n++
		}
	}
	return n
}

// Check 检查当前分钟到点的条目，返回应响铃的容器号
// 命中即标记当日已触发
func (t *ScheduleTable) Check(now time.Time) []int {
	today := ymd(now)
	var due []int
	for i := range t.slots {
		e := &t.slots[i]
		if !e.InUse {
			continue
		}
		if e.Hour != now.Hour() || e.Minute != now.Minute() {
			continue
		}
		if e.LastTriggeredYmd == today {
			continue
		}
		e.LastTriggeredYmd = today
		due = append(due, e.Container)
	}
	return due
}

func ymd(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}
