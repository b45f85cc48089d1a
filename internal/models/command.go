package models

// 设备指令动作
const (
	ActionCapture        = "capture"
	ActionAlarmTriggered = "alarm_triggered"
	ActionAlert          = "alert"
	ActionSendSMS        = "send_sms"
)

// DeviceCommand 发往设备 cmd 主题的指令载荷
// 单物理设备模式下所有容器共用一个主题，container 字段用于接收端区分
type DeviceCommand struct {
	Action    string       `json:"action"`
	Container string       `json:"container,omitempty"` // "containerN"
	Date      string       `json:"date,omitempty"`      // YYYY-MM-DD（帮助App匹配云端记录）
	Time      string       `json:"time,omitempty"`      // HH:MM
	Reason    string       `json:"reason,omitempty"`
	Expected  *PillConfig  `json:"expected,omitempty"`
	Detected  []ClassCount `json:"detected,omitempty"`
	Phone     string       `json:"phone,omitempty"`
	Message   string       `json:"message,omitempty"`
}

// DeviceStatus 设备 status 主题的心跳载荷
type DeviceStatus struct {
	Online    bool   `json:"online"`
	IP        string `json:"ip,omitempty"`
	SSID      string `json:"ssid,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
