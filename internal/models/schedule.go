package models

// PillConfig 容器内药品配置
type PillConfig struct {
	Count int    `json:"count"`
	Label string `json:"label,omitempty"`
}

// DoseTime 一次服药时间（date 可空，表示每日重复）
type DoseTime struct {
	Date string `json:"date,omitempty"` // YYYY-MM-DD
	Time string `json:"time"`           // HH:MM
}

// ContainerSchedule 单个容器的本地权威缓存
type ContainerSchedule struct {
	ContainerID  int        `json:"container_id"` // 1..3
	Pill         PillConfig `json:"pill"`
	Schedules    []DoseTime `json:"schedules"`
	NotifyTarget string     `json:"notify_target,omitempty"`
}

// CloudScheduleRow 云端日程原始记录
// container 字段历史上存在多种写法：数字、"containerN"、"morning/noon/evening"
type CloudScheduleRow struct {
	ID        string `json:"id"`
	Container string `json:"container"`
	Date      string `json:"date"`
	Time      string `json:"time"`
	Status    string `json:"status"`
	ElderID   string `json:"elder_id"`
}
